//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// SetAutofsCheck replaces the autofs detection of e. isAutofs reports
// whether the opened path is an automount point; check is run on those.
func SetAutofsCheck(e *ExportSet, isAutofs func(path string) bool, check func(path string) error) {
	e.isAutofs = func(fd int, _ unix.Stat_t) (bool, error) {
		target, err := readlinkat(unix.AT_FDCWD, procFDPath(fd))
		if err != nil {
			return false, err
		}

		return isAutofs(target), nil
	}

	if check != nil {
		e.checkAutofs = check
	}
}

// CheckAutofs runs the real automount check on path.
func CheckAutofs(e *ExportSet, path string) error {
	return e.checkAutofsPath(path)
}
