//go:build linux

package mtree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the file type declared by an entry's type= keyword.
type Kind int

const (
	KindUnknown Kind = iota
	KindBlock
	KindChar
	KindDir
	KindFifo
	KindFile
	KindLink
	KindSocket
)

var kindNames = map[Kind]string{
	KindBlock:  "block",
	KindChar:   "char",
	KindDir:    "dir",
	KindFifo:   "fifo",
	KindFile:   "file",
	KindLink:   "link",
	KindSocket: "socket",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

func kindFromName(name string) Kind {
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind
		}
	}

	return KindUnknown
}

// EntryFlags are the bare keywords an entry can carry.
type EntryFlags uint

const (
	// EntryIgnoreBelow stops verification from descending into a directory.
	EntryIgnoreBelow EntryFlags = 1 << iota
	// EntryNoChange leaves permissions and timestamps alone.
	EntryNoChange
	// EntryOptional tolerates the entry being absent.
	EntryOptional
)

// Entry is one parsed manifest line. Size, Mode and MtimeUsec are -1 when
// the line does not set them; the string fields are empty.
type Entry struct {
	Name      string
	Kind      Kind
	Size      int64
	Mode      int
	MtimeUsec int64
	SHA256    string
	Link      string
	Contents  string
	Flags     EntryFlags

	// Unknown lists keywords that were not recognised. They are reported
	// as warnings, not errors.
	Unknown []string
}

// Blank reports whether the line produced no entry (empty or a comment).
func (e Entry) Blank() bool {
	return e.Name == ""
}

// Mtime returns the modification time, if the entry has one.
func (e Entry) Mtime() (time.Time, bool) {
	if e.MtimeUsec < 0 {
		return time.Time{}, false
	}

	return time.UnixMicro(e.MtimeUsec), true
}

// Source is the name of the entry's content relative to a source pool.
func (e Entry) Source() string {
	if e.Contents != "" {
		return e.Contents
	}

	return e.Name
}

// wantsExec reports whether the entry should end up with execute permission.
func (e Entry) wantsExec() bool {
	return e.Kind == KindDir || (e.Mode >= 0 && e.Mode&0o111 != 0)
}

// ErrSyntax is wrapped by every error returned from [ParseEntry].
var ErrSyntax = errors.New("invalid manifest line")

// ParseError locates a syntax error in a manifest.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %d: %s", e.File, e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrSyntax }

// keywords accepted and discarded.
var ignoredKeywords = map[string]bool{
	"cksum":           true,
	"device":          true,
	"flags":           true,
	"gid":             true,
	"gname":           true,
	"inode":           true,
	"md5":             true,
	"md5digest":       true,
	"nlink":           true,
	"resdevice":       true,
	"ripemd160digest": true,
	"rmd160":          true,
	"rmd160digest":    true,
	"sha1":            true,
	"sha1digest":      true,
	"sha384":          true,
	"sha384digest":    true,
	"sha512":          true,
	"sha512digest":    true,
	"uid":             true,
	"uname":           true,
}

// ParseEntry parses one manifest line that has already had surrounding
// whitespace removed. filename and lineNo only label errors.
//
// Blank lines and comments yield an entry for which [Entry.Blank] is true.
func ParseEntry(line, filename string, lineNo int) (Entry, error) {
	entry, msg := parseEntry(line)
	if msg != "" {
		return Entry{}, &ParseError{File: filename, Line: lineNo, Msg: msg}
	}

	return entry, nil
}

func parseEntry(line string) (Entry, string) {
	entry := Entry{Size: -1, Mode: -1, MtimeUsec: -1}

	if line == "" || line[0] == '#' {
		return entry, ""
	}

	if line[0] == '/' {
		return entry, "Special commands not supported"
	}

	if line[0] != '.' || (len(line) > 1 && line[1] != ' ' && line[1] != '/') {
		return entry, "Filenames not relative to top level not supported"
	}

	if strings.HasSuffix(line, `\`) {
		return entry, "Continuation lines not supported"
	}

	if msg := checkEscapes(line); msg != "" {
		return entry, msg
	}

	tokens := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == '\t' })
	entry.Name = unescape(tokens[0])

	for _, token := range tokens[1:] {
		key, value, hasValue := strings.Cut(token, "=")

		if ignoredKeywords[key] {
			continue
		}

		if msg := entry.setKeyword(token, key, value, hasValue); msg != "" {
			return entry, msg
		}
	}

	switch {
	case entry.Kind == KindUnknown:
		return entry, "Unknown mtree entry type"
	case entry.Link != "" && entry.Kind != KindLink:
		return entry, "Non-symlink cannot have a symlink target"
	case entry.Link == "" && entry.Kind == KindLink:
		return entry, "Symlink must have a symlink target"
	}

	return entry, ""
}

func (e *Entry) setKeyword(token, key, value string, hasValue bool) string {
	requireValue := func() string {
		if !hasValue {
			return token + " requires a value"
		}

		return ""
	}

	forbidValue := func(flag EntryFlags) string {
		if hasValue {
			return key + " does not take a value"
		}

		e.Flags |= flag

		return ""
	}

	switch key {
	case "ignore":
		return forbidValue(EntryIgnoreBelow)
	case "nochange":
		return forbidValue(EntryNoChange)
	case "optional":
		return forbidValue(EntryOptional)
	case "link", "contents", "content", "sha256", "sha256digest", "mode", "size", "time", "type":
		if msg := requireValue(); msg != "" {
			return msg
		}
	default:
		e.Unknown = append(e.Unknown, token)

		return ""
	}

	switch key {
	case "link":
		e.Link = unescape(value)
	case "contents", "content":
		e.Contents = unescape(value)
	case "sha256", "sha256digest":
		if e.SHA256 != "" && e.SHA256 != value {
			return "sha256 and sha256digest not consistent"
		}

		e.SHA256 = value
	case "mode":
		mode, err := strconv.ParseInt(value, 8, 64)
		if err != nil {
			return "Invalid mode " + value
		}

		e.Mode = int(mode & 0o7777)
	case "size":
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "Invalid size " + value
		}

		e.Size = size
	case "time":
		usec, msg := parseTime(value)
		if msg != "" {
			return msg
		}

		e.MtimeUsec = usec
	case "type":
		e.Kind = kindFromName(value)
	}

	return ""
}

// parseTime accepts "SECONDS", "SECONDS.0" or "SECONDS.NNNNNNNNN". Older
// tools print "1.234" to mean one second and 234 nanoseconds, so anything
// other than exactly nine fractional digits is rejected as ambiguous.
func parseTime(value string) (int64, string) {
	secText, nsText, hasDot := strings.Cut(value, ".")

	sec, err := strconv.ParseUint(secText, 10, 63)
	if err != nil {
		return 0, "Invalid time " + value
	}

	var ns uint64

	if hasDot && nsText != "0" {
		ns, err = strconv.ParseUint(nsText, 10, 64)
		if err != nil || ns > 999999999 {
			return 0, "Invalid nanoseconds count " + nsText
		}

		if len(nsText) != 9 {
			return 0, "Ambiguous nanoseconds count " + nsText + ", should have exactly 9 digits"
		}
	}

	return int64(sec)*1_000_000 + int64(ns/1000), ""
}

// checkEscapes rejects backslash escapes that [unescape] cannot decode.
func checkEscapes(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '\\' || i+1 >= len(line) {
			continue
		}

		next := line[i+1]

		switch {
		case next >= '0' && next <= '9':
		case strings.IndexByte(`bfnrtv"\`, next) >= 0:
			i++
		default:
			return fmt.Sprintf(`Unsupported backslash escape: "\%c"`, next)
		}
	}

	return ""
}

// unescape decodes C-style escapes: up to three octal digits, or one of
// \b \f \n \r \t \v \" \\. Other escaped characters stand for themselves.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)

			continue
		}

		i++
		c = s[i]

		switch c {
		case '0', '1', '2', '3', '4', '5', '6', '7':
			value := 0

			for n := 0; n < 3 && i < len(s) && s[i] >= '0' && s[i] <= '7'; n++ {
				value = value*8 + int(s[i]-'0')
				i++
			}

			i--

			b.WriteByte(byte(value))
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// escape is the inverse of unescape for names written by [Generate].
func escape(s string) string {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c == '\\' || c == '#' || c == '=' || c >= 0x7f {
			fmt.Fprintf(&b, `\%03o`, c)

			continue
		}

		b.WriteByte(c)
	}

	return b.String()
}
