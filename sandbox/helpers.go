//go:build linux

package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// containerSidePatterns match symlink targets that point into paths the
// container provides itself, so following them on the host is pointless.
var containerSidePatterns = []string{
	"/app",
	"/bin",
	"/dev",
	"/etc",
	"/lib*",
	"/overrides",
	"/proc",
	"/run/gfx",
	"/run/host",
	"/run/interpreter-host",
	"/run/pressure-vessel",
	"/sbin",
	"/usr",
	"/var/pressure-vessel",
}

func isContainerSide(target string) bool {
	return slices.ContainsFunc(containerSidePatterns, func(pattern string) bool {
		_, ok := PathMatchPrefix(pattern, target)

		return ok
	})
}

// ExportSymlinkTargets walks the tree at source without following symlinks
// and exposes, read-only, the absolute target of every symlink found. Paths
// are logged with source replaced by logAs, if it is not empty.
func (e *ExportSet) ExportSymlinkTargets(source, logAs string) error {
	display := func(path string) string {
		if logAs == "" {
			return path
		}

		if after, ok := PathAfter(path, source); ok {
			return filepath.Join(logAs, after)
		}

		return path
	}

	return filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			e.debugf("Unable to inspect %q: %v", display(path), err)

			return nil
		}

		if entry.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil || !filepath.IsAbs(target) {
			return nil
		}

		if isContainerSide(target) {
			e.debugf("%s points to container-side path %s", display(path), target)

			return nil
		}

		e.debugf("Exporting %s because %s points to it", target, display(path))
		e.ExposeOrWarn(ModeReadOnly, target)

		return nil
	})
}

// errHandled marks a failure that the caller already decided is benign.
var errHandled = errors.New("handled")

type handledError struct{ error }

func (h handledError) Unwrap() []error { return []error{h.error, errHandled} }

// logCannotExport reports a failed request. Missing paths and handled
// failures are informational, anything else is a warning.
func (e *ExportSet) logCannotExport(mode ExportMode, path string, err error) {
	level := slog.LevelWarn
	if IsSkippable(err) || errors.Is(err, errHandled) {
		level = slog.LevelInfo
	}

	switch mode {
	case ModeNone:
		e.logger.Log(context.Background(), level, "Not replacing \""+path+"\" with tmpfs: "+err.Error())
	default:
		e.logger.Log(context.Background(), level, "Not sharing \""+path+"\" with sandbox: "+err.Error())
	}
}

// ExposeOrLog exposes path, logging instead of returning any failure.
func (e *ExportSet) ExposeOrLog(mode ExportMode, path string) {
	err := e.Expose(mode, path)
	if err != nil {
		e.logCannotExport(mode, path, err)
	}
}

// ExposeOrWarn exposes path, logging any failure as a warning.
func (e *ExportSet) ExposeOrWarn(mode ExportMode, path string) {
	err := e.Expose(mode, path)
	if err != nil {
		e.logger.Warn("Unable to share \"" + path + "\" with container: " + err.Error())
	}
}

// ExposeQuietly is ExposeOrLog for opportunistic requests: a reserved
// path is only informational.
func (e *ExportSet) ExposeQuietly(mode ExportMode, path string) {
	err := e.Expose(mode, path)
	if err == nil {
		return
	}

	if errors.Is(err, ErrReserved) {
		err = handledError{err}
	}

	e.logCannotExport(mode, path, err)
}

// MaskOrLog is Tmpfs, logging instead of returning any failure.
func (e *ExportSet) MaskOrLog(path string) {
	err := e.Tmpfs(path)
	if err != nil {
		e.logCannotExport(ModeNone, path, err)
	}
}

// EnsureDirOrWarn is EnsureDir, logging any failure as a warning.
func (e *ExportSet) EnsureDirOrWarn(path string) {
	err := e.EnsureDir(path)
	if err != nil {
		e.logger.Warn("Unable to create \"" + path + "\" inside container: " + err.Error())
	}
}
