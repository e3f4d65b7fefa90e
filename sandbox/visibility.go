//go:build linux

package sandbox

import (
	"errors"
	"io/fs"
	"strings"

	"golang.org/x/sys/unix"
)

// PathMode returns how path would be reachable inside the container:
// ModeNone when it is not visible, otherwise ModeReadOnly or ModeReadWrite.
//
// Symlinks on mapped ancestors are followed the same way Expose follows
// them. A final component that does not exist yet still reports
// ModeReadWrite when it lives in a writable mapped directory, since the
// container can create it.
func (e *ExportSet) PathMode(path string) ExportMode {
	return e.pathMode(path, 0)
}

// PathIsVisible reports whether PathMode is a sharing mode.
func (e *ExportSet) PathIsVisible(path string) bool {
	return e.PathMode(path) > ModeNone
}

func (e *ExportSet) pathMode(path string, level int) ExportMode {
	if level > maxSymlinks {
		return ModeNone
	}

	parts := splitPath(CanonicalizePath(path))
	readonly := false

	for i := range parts {
		ancestor := "/" + strings.Join(parts[:i+1], "/")
		last := i == len(parts)-1

		var mapped bool

		mapped, readonly = e.isMapped(ancestor)
		if !mapped {
			if last {
				return ModeNone
			}

			continue
		}

		st, err := e.sysroot.Stat(ancestor, false)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && last && !readonly {
				break
			}

			return ModeNone
		}

		if st.Mode&unix.S_IFMT != unix.S_IFLNK {
			continue
		}

		resolved, err := e.sysroot.ResolveLink(ancestor)
		if err != nil {
			return ModeNone
		}

		if rest := strings.Join(parts[i+1:], "/"); rest != "" {
			resolved += "/" + rest
		}

		return e.pathMode(resolved, level+1)
	}

	if readonly {
		return ModeReadOnly
	}

	return ModeReadWrite
}
