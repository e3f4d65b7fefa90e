//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxSymlinks bounds symlink traversal the same way the kernel does.
const maxSymlinks = 40

var (
	errNotRegular    = errors.New("not a regular file")
	errNotExecutable = errors.New("not executable")
)

// Sysroot is the root filesystem that lookups are made against.
//
// A Sysroot opened with [OpenSysroot] holds an O_PATH directory descriptor
// and resolves every absolute path relative to it, so "/usr" means
// "<sysroot>/usr" and absolute symlinks cannot leave the tree. The direct
// sysroot from [DirectSysroot] looks up the real root with plain absolute
// paths.
//
// A Sysroot is owned by a single goroutine and must be closed exactly once.
type Sysroot struct {
	noCopy noCopy

	path   string
	fd     int
	closed bool
}

// OpenSysroot captures path as the root for later lookups.
func OpenSysroot(path string) (*Sysroot, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open sysroot", Path: path, Err: err}
	}

	return &Sysroot{path: path, fd: fd}, nil
}

// Sub resolves the directory path inside s and returns it as a sysroot of
// its own. Symlinks on the way are followed without leaving s.
func (s *Sysroot) Sub(path string) (*Sysroot, error) {
	fd, resolved, err := s.Resolve(path, ResolveMustBeDirectory)
	if err != nil {
		return nil, err
	}

	base := s.path
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	if resolved == "." {
		return &Sysroot{path: s.path, fd: fd}, nil
	}

	return &Sysroot{path: base + resolved, fd: fd}, nil
}

// DirectSysroot returns a Sysroot for the real root directory.
func DirectSysroot() *Sysroot {
	return &Sysroot{path: "/", fd: -1}
}

// Path returns the host path the sysroot was opened from.
func (s *Sysroot) Path() string {
	return s.path
}

// FD returns the captured directory descriptor, or -1 for the direct root.
func (s *Sysroot) FD() int {
	return s.fd
}

// IsDirect reports whether lookups go to the real root.
func (s *Sysroot) IsDirect() bool {
	return s.fd < 0
}

func (s *Sysroot) String() string {
	if s.IsDirect() {
		return "/"
	}

	return "/proc/self/fd/" + strconv.Itoa(s.fd)
}

// Close releases the captured descriptor. Calling it again is a no-op.
func (s *Sysroot) Close() error {
	if s.closed || s.fd < 0 {
		s.closed = true

		return nil
	}

	s.closed = true

	err := unix.Close(s.fd)
	if err != nil {
		return fmt.Errorf("close sysroot %s: %w", s.path, err)
	}

	return nil
}

// at maps an absolute path to the dirfd/relative path pair used by the *at
// syscalls.
func (s *Sysroot) at(abs string) (int, string) {
	if s.IsDirect() {
		return unix.AT_FDCWD, abs
	}

	rel := strings.TrimLeft(abs, "/")
	if rel == "" {
		rel = "."
	}

	return s.fd, rel
}

// Stat returns the status of abs. With follow false, a symlink is described
// itself. A missing path yields an error matching [fs.ErrNotExist].
func (s *Sysroot) Stat(abs string, follow bool) (unix.Stat_t, error) {
	var st unix.Stat_t

	dirfd, rel := s.at(abs)

	flags := 0
	if !follow {
		flags |= unix.AT_SYMLINK_NOFOLLOW
	}

	err := unix.Fstatat(dirfd, rel, &st, flags)
	if err != nil {
		return st, &fs.PathError{Op: "stat", Path: abs, Err: err}
	}

	return st, nil
}

// Readlink returns the raw target of the symlink at abs.
func (s *Sysroot) Readlink(abs string) (string, error) {
	dirfd, rel := s.at(abs)

	target, err := readlinkat(dirfd, rel)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: abs, Err: err}
	}

	return target, nil
}

// Open opens abs with the given flags. O_CLOEXEC is always added.
func (s *Sysroot) Open(abs string, flags int) (int, error) {
	dirfd, rel := s.at(abs)

	fd, err := unix.Openat(dirfd, rel, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &fs.PathError{Op: "open", Path: abs, Err: err}
	}

	return fd, nil
}

// ResolveLink resolves one level of the symlink at abs and returns the
// canonical absolute path it points to. Absolute targets are taken relative
// to the sysroot. For a captured sysroot, a target that would climb above
// the root with ".." fails with [ErrEscape].
func (s *Sysroot) ResolveLink(abs string) (string, error) {
	target, err := s.Readlink(abs)
	if err != nil {
		return "", err
	}

	var parts []string

	if !strings.HasPrefix(target, "/") {
		parts = splitPath(parentDir(CanonicalizePath(abs)))
	}

	for _, component := range strings.Split(target, "/") {
		switch component {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				if s.IsDirect() {
					continue
				}

				return "", kindErrorf(ErrEscape, "Symbolic link %q -> %q escapes from sysroot %s", abs, target, s.path)
			}

			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, component)
		}
	}

	return "/" + strings.Join(parts, "/"), nil
}

// ResolveFlags modify [Sysroot.Resolve].
type ResolveFlags uint

const (
	// ResolveMkdirP creates missing components as 0755 directories.
	ResolveMkdirP ResolveFlags = 1 << iota
	// ResolveKeepFinalSymlink stops at a final symlink instead of following it.
	ResolveKeepFinalSymlink
	// ResolveRejectSymlinks fails on any symlink.
	ResolveRejectSymlinks
	// ResolveReadable reopens the result for reading instead of O_PATH.
	ResolveReadable
	// ResolveMustBeDirectory requires a directory.
	ResolveMustBeDirectory
	// ResolveMustBeRegular requires a regular file.
	ResolveMustBeRegular
	// ResolveMustBeExecutable requires a regular file with an execute bit.
	ResolveMustBeExecutable
	// ResolveReturnAbsolute makes the returned path start with "/".
	ResolveReturnAbsolute
)

// Resolve opens path (relative to the sysroot, a leading "/" is ignored)
// walking it one component at a time. Symlinks are followed inside the
// sysroot: absolute targets restart at its root and ".." never climbs
// above it. The caller owns the returned descriptor.
//
// The returned path is the resolved location relative to the sysroot, or
// "." for the root itself.
func (s *Sysroot) Resolve(path string, flags ResolveFlags) (int, string, error) {
	rootFD, err := s.openRoot()
	if err != nil {
		return -1, "", err
	}

	stack := []int{rootFD}

	var parts []string

	closeStack := func() {
		for _, fd := range stack {
			_ = unix.Close(fd)
		}
	}

	todo := splitPath(path)
	links := 0

	for len(todo) > 0 {
		component := todo[0]
		todo = todo[1:]

		if component == ".." {
			if len(parts) > 0 {
				_ = unix.Close(stack[len(stack)-1])
				stack = stack[:len(stack)-1]
				parts = parts[:len(parts)-1]
			}

			continue
		}

		cur := stack[len(stack)-1]
		last := len(todo) == 0
		here := strings.Join(append(parts[:len(parts):len(parts)], component), "/")

		fd, err := unix.Openat(cur, component, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.ENOENT) && flags&ResolveMkdirP != 0 {
			err = unix.Mkdirat(cur, component, 0o755)
			if err == nil || errors.Is(err, unix.EEXIST) {
				fd, err = unix.Openat(cur, component, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
			}
		}

		if err != nil {
			closeStack()

			return -1, "", &fs.PathError{Op: "resolve", Path: here, Err: err}
		}

		var st unix.Stat_t

		err = unix.Fstat(fd, &st)
		if err != nil {
			_ = unix.Close(fd)
			closeStack()

			return -1, "", &fs.PathError{Op: "fstat", Path: here, Err: err}
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK && !(last && flags&ResolveKeepFinalSymlink != 0) {
			_ = unix.Close(fd)

			if flags&ResolveRejectSymlinks != 0 {
				closeStack()

				return -1, "", kindWrapf(ErrTooManyLinks, unix.ELOOP, "%q is a symbolic link", here)
			}

			links++
			if links > maxSymlinks {
				closeStack()

				return -1, "", kindWrapf(ErrTooManyLinks, unix.ELOOP, "Too many symbolic links resolving %q", path)
			}

			target, err := readlinkat(cur, component)
			if err != nil {
				closeStack()

				return -1, "", &fs.PathError{Op: "readlink", Path: here, Err: err}
			}

			if strings.HasPrefix(target, "/") {
				for _, fd := range stack[1:] {
					_ = unix.Close(fd)
				}

				stack = stack[:1]
				parts = nil
			}

			todo = append(splitPath(target), todo...)

			continue
		}

		stack = append(stack, fd)
		parts = append(parts, component)
	}

	result := stack[len(stack)-1]
	for _, fd := range stack[:len(stack)-1] {
		_ = unix.Close(fd)
	}

	resolved := strings.Join(parts, "/")

	switch {
	case flags&ResolveReturnAbsolute != 0:
		resolved = "/" + resolved
	case resolved == "":
		resolved = "."
	}

	result, err = checkResolved(result, resolved, flags)
	if err != nil {
		return -1, "", err
	}

	return result, resolved, nil
}

// checkResolved enforces the type requirements of flags on fd and reopens
// it for reading when asked to. fd is consumed.
func checkResolved(fd int, resolved string, flags ResolveFlags) (int, error) {
	var st unix.Stat_t

	err := unix.Fstat(fd, &st)
	if err != nil {
		_ = unix.Close(fd)

		return -1, &fs.PathError{Op: "fstat", Path: resolved, Err: err}
	}

	kind := st.Mode & unix.S_IFMT

	switch {
	case flags&ResolveMustBeDirectory != 0 && kind != unix.S_IFDIR:
		_ = unix.Close(fd)

		return -1, &fs.PathError{Op: "resolve", Path: resolved, Err: unix.ENOTDIR}
	case flags&(ResolveMustBeRegular|ResolveMustBeExecutable) != 0 && kind != unix.S_IFREG:
		_ = unix.Close(fd)

		return -1, &fs.PathError{Op: "resolve", Path: resolved, Err: errNotRegular}
	case flags&ResolveMustBeExecutable != 0 && st.Mode&0o111 == 0:
		_ = unix.Close(fd)

		return -1, &fs.PathError{Op: "resolve", Path: resolved, Err: errNotExecutable}
	}

	if flags&ResolveReadable == 0 {
		return fd, nil
	}

	openFlags := unix.O_RDONLY | unix.O_CLOEXEC | unix.O_NOCTTY
	if kind == unix.S_IFDIR {
		openFlags |= unix.O_DIRECTORY
	}

	readable, err := unix.Open(procFDPath(fd), openFlags, 0)

	_ = unix.Close(fd)

	if err != nil {
		return -1, &fs.PathError{Op: "open", Path: resolved, Err: err}
	}

	return readable, nil
}

func (s *Sysroot) openRoot() (int, error) {
	var (
		fd  int
		err error
	)

	if s.IsDirect() {
		fd, err = unix.Open("/", unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	} else {
		fd, err = unix.Openat(s.fd, ".", unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	}

	if err != nil {
		return -1, &fs.PathError{Op: "open sysroot", Path: s.path, Err: err}
	}

	return fd, nil
}

func procFDPath(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}

func readlinkat(dirfd int, path string) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)

		n, err := unix.Readlinkat(dirfd, path, buf)
		if err != nil {
			return "", err
		}

		if n < size {
			return string(buf[:n]), nil
		}
	}
}

// splitPath returns the non-empty components of path other than ".".
func splitPath(path string) []string {
	var parts []string

	for _, component := range strings.Split(path, "/") {
		if component != "" && component != "." {
			parts = append(parts, component)
		}
	}

	return parts
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}

	return path[:idx]
}
