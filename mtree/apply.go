//go:build linux

package mtree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/calvinalkan/vessel/sandbox"
	"github.com/calvinalkan/vessel/treecopy"
	"golang.org/x/sys/unix"
)

type applier struct {
	ctx         context.Context
	manifest    string
	sysroot     *sandbox.Sysroot
	source      string
	sourceFD    int
	flags       Flags
	logger      *slog.Logger
	plusXLevel  slog.Level
	minusXLevel slog.Level
	mtimeLevel  slog.Level
}

// Apply makes the tree below sysroot conform to the manifest file.
//
// Missing parent directories are created. Empty files are created from
// nothing. Other regular files are hard-linked from source, a pool of
// files named by their contents= (or their own name), or copied when that
// fails; without a pool they must already exist unless they are optional.
// Directories are created and symlinks are created if absent, never
// replaced. Permissions end up as 0755 for directories and executables
// and 0644 otherwise, and file mtimes are set from time=.
//
// Applying the same manifest twice changes nothing the second time.
// Because files are hard-linked, the permissions and mtime of files in
// source may change too.
func Apply(ctx context.Context, manifest string, sysroot *sandbox.Sysroot, source string, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	a := &applier{
		ctx:         ctx,
		manifest:    manifest,
		sysroot:     sysroot,
		source:      source,
		sourceFD:    -1,
		flags:       opts.Flags,
		logger:      logger,
		plusXLevel:  slog.LevelWarn,
		minusXLevel: slog.LevelWarn,
		mtimeLevel:  slog.LevelWarn,
	}

	if source != "" {
		fd, err := unix.Open(source, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("Unable to open %q: %w", source, err)
		}

		defer func() { _ = unix.Close(fd) }()

		a.sourceFD = fd
	}

	logger.Info(fmt.Sprintf("Applying %q to %q...", manifest, sysroot.Path()))

	return foreachFile(ctx, manifest, Options{Flags: opts.Flags, Logger: logger}, a.apply)
}

func (a *applier) apply(entry Entry, line int) error {
	base := path.Base(entry.Name)
	root := a.sysroot.Path()

	parentFD, _, err := a.sysroot.Resolve(path.Dir(entry.Name), sandbox.ResolveMkdirP)
	if err != nil {
		return fmt.Errorf("Unable to create parent directory for %q in %q: %w", entry.Name, root, err)
	}

	defer func() { _ = unix.Close(parentFD) }()

	fd := -1

	defer func() {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}()

	switch entry.Kind {
	case KindFile:
		fd, err = a.applyFile(entry, parentFD, base)
		if err != nil {
			return err
		}

	case KindDir:
		err = unix.Mkdirat(parentFD, base, 0o755)
		if err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("Unable to create directory %q in %q: %w", entry.Name, root, err)
		}

		fd, err = unix.Openat(parentFD, base, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("Unable to open directory %q in %q: %w", entry.Name, root, err)
		}

	case KindLink:
		// An existing symlink is left alone, whatever it points to.
		_, err = readlinkat(parentFD, base)
		if err != nil {
			err = unix.Symlinkat(entry.Link, parentFD, base)
			if err != nil {
				return fmt.Errorf("Unable to create symlink %q in %q: %w", entry.Name, root, err)
			}
		}

	default:
		return fmt.Errorf("%s:%d: Special file not supported", a.manifest, line)
	}

	if fd < 0 {
		return nil
	}

	err = a.chmod(entry, parentFD, base, fd)
	if err != nil {
		return err
	}

	a.setMtime(entry, parentFD, base)

	return nil
}

// applyFile returns an open descriptor for the file, or -1 if it is
// optional and absent.
func (a *applier) applyFile(entry Entry, parentFD int, base string) (int, error) {
	root := a.sysroot.Path()

	if entry.Size == 0 {
		fd, err := unix.Openat(parentFD, base, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY|unix.O_NOFOLLOW|unix.O_CREAT|unix.O_TRUNC, 0o644)
		if err != nil {
			return -1, fmt.Errorf("Unable to open %q in %q: %w", entry.Name, root, err)
		}

		return fd, nil
	}

	if a.sourceFD >= 0 {
		fd, err := openReadOnly(parentFD, base)
		if err == nil {
			return fd, nil
		}

		err = a.linkOrCopy(entry, parentFD, base)
		if err != nil {
			return -1, err
		}
	}

	fd, err := openReadOnly(parentFD, base)
	if err != nil {
		if entry.Flags&EntryOptional != 0 {
			return -1, nil
		}

		return -1, fmt.Errorf("Unable to open %q in %q: %w", entry.Name, root, err)
	}

	return fd, nil
}

func (a *applier) linkOrCopy(entry Entry, parentFD int, base string) error {
	root := a.sysroot.Path()
	source := entry.Source()

	linkErr := unix.Linkat(a.sourceFD, source, parentFD, base, 0)
	if linkErr == nil {
		return nil
	}

	a.logger.Debug(fmt.Sprintf("Could not create hard link %q from \"%s/%s\" into %q: %v",
		entry.Name, a.source, source, root, linkErr))

	var copyFlags treecopy.Flags
	if a.flags&FlagChmodMayFail != 0 {
		copyFlags |= treecopy.FlagChmodMayFail
	}

	err := treecopy.CopyFileAt(a.sourceFD, source, parentFD, base, copyFlags, a.logger)
	if err != nil {
		return fmt.Errorf("Could not create copy %q from \"%s/%s\" into %q: %w",
			entry.Name, a.source, source, root, err)
	}

	if a.flags&FlagExpectHardLinks != 0 {
		treecopy.WarnHardLinkFallback(a.logger,
			filepath.Join(root, entry.Name), filepath.Join(a.source, source),
			a.source, root, linkErr)

		a.flags &^= FlagExpectHardLinks
	}

	return nil
}

// chmod sets 0755 or 0644. Under FlagChmodMayFail an EPERM is tolerated
// when the file is already usable; the first such case in each direction
// is a warning and later ones are informational.
func (a *applier) chmod(entry Entry, parentFD int, base string, fd int) error {
	if entry.Flags&EntryNoChange != 0 {
		return nil
	}

	var mode uint32 = 0o644
	if entry.wantsExec() {
		mode = 0o755
	}

	err := unix.Fchmod(fd, mode)
	if err == nil {
		return nil
	}

	permissions := describePermissions(fd)

	if errors.Is(err, unix.EPERM) && a.flags&FlagChmodMayFail != 0 {
		// faccessat instead of st_mode: we might not be the owner, or the
		// filesystem might not do POSIX permissions at all.
		if mode&0o111 != 0 {
			if unix.Faccessat(parentFD, base, unix.R_OK|unix.X_OK, 0) == nil {
				a.logger.Log(a.ctx, a.plusXLevel, fmt.Sprintf(
					"Cannot chmod directory/executable %q in %q from %s to 0%o (%v): assuming R_OK|X_OK is close enough",
					entry.Name, a.sysroot.Path(), permissions, mode, err))

				a.plusXLevel = slog.LevelInfo

				return nil
			}
		} else if unix.Faccessat(parentFD, base, unix.R_OK, 0) == nil {
			a.logger.Log(a.ctx, a.minusXLevel, fmt.Sprintf(
				"Cannot chmod non-executable file %q in %q from %s to 0%o (%v): assuming R_OK is close enough",
				entry.Name, a.sysroot.Path(), permissions, mode, err))

			a.minusXLevel = slog.LevelInfo

			return nil
		}
	}

	return fmt.Errorf("Unable to change mode of %q in %q from %s to 0%o: fchmod: %w",
		entry.Name, a.sysroot.Path(), permissions, mode, err)
}

func (a *applier) setMtime(entry Entry, parentFD int, base string) {
	if entry.MtimeUsec < 0 || entry.Kind != KindFile || entry.Flags&EntryNoChange != 0 {
		return
	}

	times := []unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		unix.NsecToTimespec(entry.MtimeUsec * 1000),
	}

	err := unix.UtimesNanoAt(parentFD, base, times, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		a.logger.Log(a.ctx, a.mtimeLevel, fmt.Sprintf(
			"Unable to set mtime of %q in %q: %v", entry.Name, a.sysroot.Path(), err))

		a.mtimeLevel = slog.LevelInfo
	}
}

func describePermissions(fd int) string {
	var st unix.Stat_t

	err := unix.Fstat(fd, &st)
	if err != nil {
		return fmt.Sprintf("(unknown: %v)", err)
	}

	return fmt.Sprintf("0%o (uid %d, gid %d)", st.Mode&0o7777, st.Uid, st.Gid)
}

func openReadOnly(dirFD int, name string) (int, error) {
	return unix.Openat(dirFD, name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
}

func readlinkat(dirFD int, name string) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)

		n, err := unix.Readlinkat(dirFD, name, buf)
		if err != nil {
			return "", err
		}

		if n < size {
			return string(buf[:n]), nil
		}
	}
}
