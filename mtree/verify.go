//go:build linux

package mtree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/vessel/sandbox"
	"golang.org/x/sys/unix"
)

// RuntimeManifest is the name of a nested manifest that describes the
// "files" directory beside it.
const RuntimeManifest = "usr-mtree.txt.gz"

// ErrVerification is matched by every [*VerifyError].
var ErrVerification = errors.New("verification failed")

// VerifyError lists everything that did not match the manifest.
type VerifyError struct {
	Manifest string
	Root     string
	Problems []error
}

func (e *VerifyError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, problem := range e.Problems {
		msgs = append(msgs, problem.Error())
	}

	return fmt.Sprintf("Verifying %q with %q failed: %s", e.Root, e.Manifest, strings.Join(msgs, "; "))
}

func (e *VerifyError) Unwrap() []error {
	return append([]error{ErrVerification}, e.Problems...)
}

type verifier struct {
	manifest string
	sysroot  *sandbox.Sysroot
	flags    Flags
	logger   *slog.Logger

	// names maps every path mentioned by the manifest, relative to the
	// root, to its flags.
	names    map[string]EntryFlags
	runtimes []string
	problems []error
}

// Verify checks that the tree below sysroot matches the manifest file.
//
// Files are checked for type, size and sha256, and for being executable
// if the manifest's mode has an execute bit. Directories must be
// directories and executable. Symlinks must point where the manifest says.
// Other modes and mtimes are not checked. Absent optional entries are fine.
//
// Once every entry has been checked, the real tree is walked and anything
// the manifest does not mention is a problem too, except below directories
// flagged ignore. A directory containing usr-mtree.txt.gz and files/ is
// verified as a minimized runtime: files/ must hold the content needed to
// rebuild the tree that usr-mtree.txt.gz describes.
//
// Every problem is logged and collected; the returned error is a
// [*VerifyError]. Syntax errors in the manifest abort immediately.
func Verify(ctx context.Context, manifest string, sysroot *sandbox.Sysroot, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	v := &verifier{
		manifest: manifest,
		sysroot:  sysroot,
		flags:    opts.Flags,
		logger:   logger,
		names:    make(map[string]EntryFlags),
	}

	root := filepath.Clean(sysroot.Path())

	logger.Info(fmt.Sprintf("Verifying %q against %q...", root, manifest))

	err := foreachFile(ctx, manifest, Options{
		Flags:   opts.Flags,
		Logger:  logger,
		OnError: func(_ Entry, _ int, err error) { v.fail(err) },
	}, v.verifyEntry)
	if err != nil {
		return err
	}

	err = v.walk(ctx, root)
	if err != nil {
		return err
	}

	for _, runtime := range v.runtimes {
		err := v.verifyRuntime(ctx, runtime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			v.fail(err)
		}
	}

	if len(v.problems) > 0 {
		return &VerifyError{Manifest: manifest, Root: root, Problems: v.problems}
	}

	logger.Info(fmt.Sprintf("Verified %q against %q successfully", root, manifest))

	return nil
}

func (v *verifier) fail(err error) {
	v.logger.Warn(err.Error())
	v.problems = append(v.problems, err)
}

func (v *verifier) minimized() bool {
	return v.flags&FlagMinimizedRuntime != 0
}

func (v *verifier) verifyEntry(entry Entry, line int) error {
	root := v.sysroot.Path()
	name := entry.Name

	if v.minimized() && entry.Contents != "" {
		name = entry.Contents
	}

	name = strings.TrimPrefix(name, "./")
	v.names[name] = entry.Flags

	if v.minimized() {
		if entry.Contents != "" {
			for ancestor := path.Dir(name); ancestor != "." && ancestor != "/"; ancestor = path.Dir(ancestor) {
				if _, ok := v.names[ancestor]; !ok {
					v.names[ancestor] = EntryOptional
				}
			}
		}

		// Fully described by their metadata.
		switch {
		case entry.Kind == KindFile && entry.Size == 0:
			return nil
		case entry.Kind == KindDir, entry.Kind == KindLink:
			return nil
		}
	}

	base := path.Base(name)
	optional := entry.Flags&EntryOptional != 0

	parentFD, _, err := v.sysroot.Resolve(path.Dir(name), sandbox.ResolveMustBeDirectory)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("Unable to open parent directory for %q in %q: %w", name, root, err)
	}

	defer func() { _ = unix.Close(parentFD) }()

	var fd int

	switch entry.Kind {
	case KindFile:
		fd, err = openReadOnly(parentFD, base)
		if err != nil {
			if optional && errors.Is(err, unix.ENOENT) {
				return nil
			}

			return fmt.Errorf("Unable to open regular file %q in %q: %w", name, root, err)
		}

	case KindDir:
		fd, err = unix.Openat(parentFD, base, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			if optional && errors.Is(err, unix.ENOENT) {
				return nil
			}

			return fmt.Errorf("Unable to open directory %q in %q: %w", name, root, err)
		}

	case KindLink:
		target, err := readlinkat(parentFD, base)
		if err != nil {
			if optional && errors.Is(err, unix.ENOENT) {
				return nil
			}

			return fmt.Errorf("%q in %q is not a symlink to %q: %w", name, root, entry.Link, err)
		}

		if target != entry.Link {
			return fmt.Errorf("%q in %q points to %q, expected %q", name, root, target, entry.Link)
		}

		return nil

	default:
		return fmt.Errorf("%s:%d: Special file not supported", v.manifest, line)
	}

	file := os.NewFile(uintptr(fd), name)
	defer func() { _ = file.Close() }()

	var st unix.Stat_t

	err = unix.Fstat(fd, &st)
	if err != nil {
		return fmt.Errorf("Unable to get file information for %q in %q: %w", name, root, err)
	}

	err = v.checkStat(entry, name, file, &st)
	if err != nil {
		return err
	}

	if !v.minimized() && base == RuntimeManifest {
		v.runtimes = append(v.runtimes, path.Dir(name))
	}

	return nil
}

func (v *verifier) checkStat(entry Entry, name string, file *os.File, st *unix.Stat_t) error {
	root := v.sysroot.Path()
	kind := st.Mode & unix.S_IFMT

	switch entry.Kind {
	case KindFile:
		if kind != unix.S_IFREG {
			return fmt.Errorf("%q in %q should be a regular file, not type 0o%o", name, root, kind)
		}

		if entry.Size >= 0 && entry.Size != st.Size {
			return fmt.Errorf("%q in %q should have size %d, not %d", name, root, entry.Size, st.Size)
		}

		if entry.SHA256 != "" {
			hasher := sha256.New()

			_, err := io.Copy(hasher, file)
			if err != nil {
				return fmt.Errorf("Unable to read %q in %q: %w", name, root, err)
			}

			if hex.EncodeToString(hasher.Sum(nil)) != entry.SHA256 {
				return fmt.Errorf("%q in %q did not have expected contents", name, root)
			}
		}

	case KindDir:
		if kind != unix.S_IFDIR {
			return fmt.Errorf("%q in %q should be a directory, not type 0o%o", name, root, kind)
		}
	}

	if st.Mode&0o111 == 0 && entry.wantsExec() {
		return fmt.Errorf("%q in %q should be executable, not mode 0%o", name, root, st.Mode&0o7777)
	}

	return nil
}

// walk reports everything below root that the manifest did not mention.
// Symlinks are not followed.
func (v *verifier) walk(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(fpath string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if d == nil || fpath == root {
				return fmt.Errorf("Unable to walk %q: %w", root, err)
			}

			v.fail(fmt.Errorf("Unable to read %q in %q: %w", relativeTo(root, fpath), root, err))

			return nil
		}

		if fpath == root {
			return nil
		}

		suffix := relativeTo(root, fpath)

		if flags, ok := v.names[suffix]; ok {
			if d.IsDir() && flags&EntryIgnoreBelow != 0 {
				v.logger.Debug(fmt.Sprintf("Ignoring contents of %q due to ignore flag", suffix))

				return filepath.SkipDir
			}

			return nil
		}

		v.fail(fmt.Errorf("%s %q in %q not found in manifest", describeType(d.Type()), suffix, root))

		if d.IsDir() {
			return filepath.SkipDir
		}

		return nil
	})
}

func relativeTo(root, fpath string) string {
	if root == "/" {
		return strings.TrimLeft(fpath, "/")
	}

	return strings.TrimLeft(strings.TrimPrefix(fpath, root), "/")
}

func describeType(mode fs.FileMode) string {
	switch {
	case mode.IsDir():
		return "directory"
	case mode.IsRegular():
		return "regular file"
	case mode&fs.ModeSymlink != 0:
		return "symbolic link"
	default:
		return "filesystem object"
	}
}

// verifyRuntime checks that runtime/files holds what runtime/usr-mtree.txt.gz
// needs.
func (v *verifier) verifyRuntime(ctx context.Context, runtime string) error {
	manifest := filepath.Join(v.sysroot.Path(), runtime, RuntimeManifest)

	files, err := v.sysroot.Sub(path.Join(runtime, "files"))
	if err != nil {
		return fmt.Errorf("Unable to open %q in %q: %w", path.Join(runtime, "files"), v.sysroot.Path(), err)
	}

	defer func() { _ = files.Close() }()

	flags := v.flags&^FlagZstd | FlagGzip | FlagMinimizedRuntime

	return Verify(ctx, manifest, files, Options{Flags: flags, Logger: v.logger})
}
