//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const autofsSuperMagic = 0x0187

var errAutofsTimeout = errors.New("timed out waiting for automount")

// Expose shares path with the container at mode, which must be a sharing
// mode (read-only or stronger).
//
// Symlinks in path, including path itself, are resolved inside the
// sysroot: the target is exported and the symlink is recreated in the
// container. A missing path fails with [ErrNotFound]; use [IsSkippable]
// to tell such benign failures from fatal ones.
func (e *ExportSet) Expose(mode ExportMode, path string) error {
	if mode <= ModeNone || mode == ModeSymlink {
		return kindErrorf(ErrInvalidArgument, "Export mode %q cannot be requested for %q", mode, path)
	}

	return e.expose(mode, path, 0)
}

// Tmpfs masks path with an empty tmpfs, if it is a directory, or an empty
// directory when nothing above it is shared.
func (e *ExportSet) Tmpfs(path string) error {
	return e.expose(ModeTmpfs, path, 0)
}

// ExposeOrHide is [ExportSet.Expose], or [ExportSet.Tmpfs] for ModeNone.
func (e *ExportSet) ExposeOrHide(mode ExportMode, path string) error {
	if mode == ModeNone {
		return e.Tmpfs(path)
	}

	return e.Expose(mode, path)
}

// EnsureDir makes sure path exists as a directory in the container, when
// it is one in the sysroot.
func (e *ExportSet) EnsureDir(path string) error {
	return e.expose(ModeDir, path, 0)
}

func (e *ExportSet) expose(mode ExportMode, path string, level int) error {
	if level > maxSymlinks {
		return kindWrapf(ErrTooManyLinks, unix.ELOOP, "Too many symlinks while trying to export %q", path)
	}

	if !strings.HasPrefix(path, "/") {
		return kindErrorf(ErrInvalidArgument, "An absolute path is required, not %q", path)
	}

	fd, err := e.sysroot.Open(path, unix.O_PATH|unix.O_NOFOLLOW)
	if err != nil {
		// Permission problems are bucketed with ENOENT: either way the
		// path simply is not shared.
		return kindWrapf(ErrNotFound, unwrapErrno(err), "Unable to open path %q", path)
	}

	defer func() { _ = unix.Close(fd) }()

	var st unix.Stat_t

	err = unix.Fstat(fd, &st)
	if err != nil {
		return fmt.Errorf("Unable to get file type of %q: %w", path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR, unix.S_IFREG, unix.S_IFLNK, unix.S_IFSOCK:
	default:
		return kindErrorf(ErrUnsupportedType, "File %q has unsupported type 0o%o", path, st.Mode&unix.S_IFMT)
	}

	autofs, err := e.isAutofs(fd, st)
	if err != nil {
		return fmt.Errorf("Unable to get filesystem information for %q: %w", path, err)
	}

	if autofs {
		err = e.checkAutofs(path)
		if err != nil {
			return kindWrapf(ErrBlocked, err, "Ignoring blocking autofs path %q", path)
		}
	}

	path = CanonicalizePath(path)

	for _, reserved := range e.reserved {
		err := reservedConflict(path, reserved)
		if err != nil {
			return err
		}
	}

	parts := splitPath(path)

	for i := range parts {
		ancestor := "/" + strings.Join(parts[:i+1], "/")

		if !e.isSymlink(ancestor) || neverExportAsSymlink(ancestor) {
			continue
		}

		resolved, err := e.sysroot.ResolveLink(ancestor)
		if err != nil {
			if errors.Is(err, ErrEscape) {
				return err
			}

			return kindWrapf(ErrNotFound, err, "Unable to resolve symbolic link %q", ancestor)
		}

		target := resolved
		if rest := strings.Join(parts[i+1:], "/"); rest != "" {
			target = CanonicalizePath(resolved + "/" + rest)
		}

		e.debugf("%s is a symlink, trying to export the target instead: %s", ancestor, target)

		err = e.expose(mode, target, level+1)
		if err != nil {
			e.debugf("Could not export target %s, so ignoring %s", target, ancestor)

			return err
		}

		e.Add(ancestor, ModeSymlink)

		return nil
	}

	e.Add(path, mode)

	return nil
}

// reservedConflict returns ErrReserved when path and reserved overlap in
// either direction.
func reservedConflict(path, reserved string) error {
	switch {
	case !HasPathPrefix(path, reserved) && !HasPathPrefix(reserved, path):
		return nil
	case CanonicalizePath(reserved) == path:
		return kindErrorf(ErrReserved, "Path %q is reserved by the container framework", path)
	case HasPathPrefix(path, reserved):
		return kindErrorf(ErrReserved, "%q is below reserved path %q", path, reserved)
	default:
		return kindErrorf(ErrReserved, "%q is an ancestor of reserved path %q", path, reserved)
	}
}

func (e *ExportSet) isSymlink(path string) bool {
	st, err := e.sysroot.Stat(path, false)

	return err == nil && st.Mode&unix.S_IFMT == unix.S_IFLNK
}

// neverExportAsSymlink lists paths that are always created as directories
// in the container, so a host symlink there cannot be reproduced.
func neverExportAsSymlink(path string) bool {
	return path == "/tmp" || path == "/var/tmp"
}

func isAutofsFD(fd int, _ unix.Stat_t) (bool, error) {
	var st unix.Statfs_t

	err := unix.Fstatfs(fd, &st)
	if err != nil {
		return false, err
	}

	return st.Type == autofsSuperMagic, nil
}

// checkAutofsPath checks that opening path does not hang on an automount
// that will never complete. The open runs on its own goroutine; on timeout
// that goroutine is abandoned and finishes whenever the kernel lets it.
func (e *ExportSet) checkAutofsPath(path string) error {
	done := make(chan error, 1)

	go func() {
		fd, err := e.sysroot.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_DIRECTORY)
		if err == nil {
			_ = unix.Close(fd)
		}

		done <- err
	}()

	timer := time.NewTimer(e.autofsTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errAutofsTimeout
	}
}

// unwrapErrno returns the errno inside err, or err itself.
func unwrapErrno(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return err
}
