//go:build linux

package sandbox

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

// ExportMode is how a path is shared with the container.
//
// Modes are ordered: when the same path is requested twice, the numerically
// greater mode wins. ModeDir is below every sharing mode, so it only
// survives when nothing else asked for the path, and ModeSymlink is above
// all of them, because a path whose ancestor is a symlink cannot be shared
// any other way.
type ExportMode int

// Export modes.
const (
	ModeDir       ExportMode = -1
	ModeTmpfs     ExportMode = 0
	ModeReadOnly  ExportMode = 1
	ModeReadWrite ExportMode = 2
	ModeCreate    ExportMode = 3
	ModeSymlink   ExportMode = math.MaxInt32
)

// ModeNone is the "not shared" mode. For a stored entry it means the path
// is masked with a tmpfs.
const ModeNone = ModeTmpfs

func (m ExportMode) String() string {
	switch m {
	case ModeDir:
		return "dir"
	case ModeTmpfs:
		return "none"
	case ModeReadOnly:
		return "ro"
	case ModeReadWrite:
		return "rw"
	case ModeCreate:
		return "create"
	case ModeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (m ExportMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] for the names
// accepted by [ParseExportMode].
func (m *ExportMode) UnmarshalText(text []byte) error {
	mode, err := ParseExportMode(string(text))
	if err != nil {
		return err
	}

	*m = mode

	return nil
}

// ParseExportMode parses a user supplied sharing mode.
func ParseExportMode(s string) (ExportMode, error) {
	switch s {
	case "none", "tmpfs", "hidden":
		return ModeTmpfs, nil
	case "ro", "read-only":
		return ModeReadOnly, nil
	case "rw", "read-write":
		return ModeReadWrite, nil
	case "create":
		return ModeCreate, nil
	case "dir":
		return ModeDir, nil
	default:
		return ModeNone, kindErrorf(ErrInvalidArgument, "unknown export mode %q (want none, ro, rw, create or dir)", s)
	}
}

// describe is the verb used when logging a stored decision.
func (m ExportMode) describe() string {
	switch m {
	case ModeDir:
		return "ensure existence of directory"
	case ModeSymlink:
		return "create symbolic link"
	case ModeReadOnly:
		return "export read-only"
	case ModeCreate:
		return "create and export read/write"
	case ModeReadWrite:
		return "export read/write"
	case ModeTmpfs:
		return "replace with tmpfs"
	default:
		return "do unknown/invalid thing"
	}
}

// DefaultReservedPaths returns the paths that the container framework
// manages itself. Neither they, their descendants nor their ancestors can
// be exported.
func DefaultReservedPaths() []string {
	return []string{
		"/.flatpak-info",
		"/app",
		"/bin",
		"/dev",
		"/etc",
		"/lib",
		"/lib32",
		"/lib64",
		"/overrides",
		"/proc",
		"/run/flatpak",
		"/run/gfx",
		"/run/host",
		"/run/interpreter-host",
		"/run/parent",
		"/run/pressure-vessel",
		"/sbin",
		"/usr",
		"/var/cache/ldconfig",
		"/var/pressure-vessel",
	}
}

// ExportOptions configure an [ExportSet].
type ExportOptions struct {
	// Sysroot is the filesystem checked by Expose and Ops. Nil means the
	// real root. The ExportSet does not take ownership.
	Sysroot *Sysroot

	// Reserved replaces [DefaultReservedPaths] when non-nil.
	Reserved []string

	// Logger receives merge decisions at debug level and skipped paths at
	// info or warn level. Nil discards everything.
	Logger *slog.Logger

	// AutofsTimeout bounds the check of automounted directories.
	// Zero means 200ms.
	AutofsTimeout time.Duration
}

// ExportSet accumulates path export requests and serializes them into
// namespace-setup operations.
//
// An ExportSet is single-writer: collect every request, then call Ops once.
type ExportSet struct {
	noCopy noCopy

	entries  map[string]ExportMode
	hostEtc  ExportMode
	hostOS   ExportMode
	sysroot  *Sysroot
	reserved []string
	logger   *slog.Logger

	autofsTimeout time.Duration
	isAutofs      func(fd int, st unix.Stat_t) (bool, error)
	checkAutofs   func(path string) error
}

// NewExportSet returns an empty ExportSet.
func NewExportSet(opts ExportOptions) *ExportSet {
	e := &ExportSet{
		entries:       make(map[string]ExportMode),
		sysroot:       opts.Sysroot,
		reserved:      opts.Reserved,
		logger:        opts.Logger,
		autofsTimeout: opts.AutofsTimeout,
	}

	if e.sysroot == nil {
		e.sysroot = DirectSysroot()
	}

	if e.reserved == nil {
		e.reserved = DefaultReservedPaths()
	}

	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}

	if e.autofsTimeout <= 0 {
		e.autofsTimeout = 200 * time.Millisecond
	}

	e.isAutofs = isAutofsFD
	e.checkAutofs = e.checkAutofsPath

	return e
}

// Sysroot returns the filesystem the set inspects.
func (e *ExportSet) Sysroot() *Sysroot {
	return e.sysroot
}

// SetHostEtc shares the host /etc at /run/host/etc unless mode is ModeNone.
func (e *ExportSet) SetHostEtc(mode ExportMode) {
	e.hostEtc = mode
}

// SetHostOS shares the host /usr and its merged-/usr compatibility
// directories below /run/host unless mode is ModeNone.
func (e *ExportSet) SetHostOS(mode ExportMode) {
	e.hostOS = mode
}

// HostEtc returns the /etc policy.
func (e *ExportSet) HostEtc() ExportMode {
	return e.hostEtc
}

// HostOS returns the /usr policy.
func (e *ExportSet) HostOS() ExportMode {
	return e.hostOS
}

// MergeDecision records what [ExportSet.Add] did with a request.
type MergeDecision struct {
	Path    string
	Old     ExportMode
	New     ExportMode
	Existed bool
	Changed bool
}

// Add records path at mode without touching the filesystem, merging with
// any existing entry so that the greater mode wins.
func (e *ExportSet) Add(path string, mode ExportMode) MergeDecision {
	path = CanonicalizePath(path)

	old, existed := e.entries[path]
	decision := MergeDecision{Path: path, Old: old, New: mode, Existed: existed}

	if existed {
		if old < mode {
			e.debugf("Increasing export mode from %q to %q: %s", old, mode, path)

			e.entries[path] = mode
			decision.Changed = true
		} else {
			e.debugf("Not changing export mode from %q to %q: %s", old, mode, path)

			decision.New = old
		}

		return decision
	}

	e.debugf("Will %s: %s", mode.describe(), path)

	e.entries[path] = mode
	decision.Changed = true

	return decision
}

// Mode returns the stored mode for path.
func (e *ExportSet) Mode(path string) (ExportMode, bool) {
	mode, ok := e.entries[CanonicalizePath(path)]

	return mode, ok
}

// Entry is one stored export request.
type Entry struct {
	Path string     `json:"path" yaml:"path"`
	Mode ExportMode `json:"mode" yaml:"mode"`
}

// Entries returns the stored requests sorted by path.
func (e *ExportSet) Entries() []Entry {
	out := make([]Entry, 0, len(e.entries))

	for _, path := range e.sortedKeys() {
		out = append(out, Entry{Path: path, Mode: e.entries[path]})
	}

	return out
}

// sortedKeys returns the stored paths in byte order, which visits every
// ancestor before its descendants.
func (e *ExportSet) sortedKeys() []string {
	return slices.Sorted(maps.Keys(e.entries))
}

// parentIsMapped reports whether some strict ancestor of path is stored
// with a sharing mode. The deepest stored ancestor decides; ModeDir entries
// are ignored.
func (e *ExportSet) parentIsMapped(path string) bool {
	mapped := false

	for _, key := range e.sortedKeys() {
		mode := e.entries[key]
		if mode == ModeDir {
			continue
		}

		if key != path && HasPathPrefix(path, key) {
			mapped = mode != ModeTmpfs
		}
	}

	return mapped
}

// isMapped is like parentIsMapped but also considers path itself. A stored
// symlink counts for the exact path and unmaps everything below it.
// readonly is true when the deciding entry is ModeReadOnly.
func (e *ExportSet) isMapped(path string) (mapped, readonly bool) {
	for _, key := range e.sortedKeys() {
		mode := e.entries[key]
		if mode == ModeDir {
			continue
		}

		switch {
		case !HasPathPrefix(path, key):
			continue
		case mode == ModeSymlink:
			// Below a symlink the path lives wherever the link points.
			mapped = key == path
		default:
			mapped = mode != ModeTmpfs
		}

		readonly = mapped && mode == ModeReadOnly
	}

	return mapped, readonly
}

func (e *ExportSet) debugf(format string, args ...any) {
	e.logger.Debug(fmt.Sprintf(format, args...))
}
