//go:build linux

// Package treecopy reproduces a directory tree elsewhere as cheaply as the
// filesystem allows: regular files are hard-linked when possible and
// copied otherwise. It can also turn a classic FHS tree into a merged-/usr
// one on the way.
package treecopy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/calvinalkan/vessel/sandbox"
	"golang.org/x/sys/unix"
)

// Flags modify [Copy] and [CopyFileAt].
type Flags uint

const (
	// FlagUsrmerge moves bin, sbin and lib* below usr in the destination
	// and leaves compatibility symlinks at the top level.
	FlagUsrmerge Flags = 1 << iota
	// FlagExpectHardLinks warns (once per call) when a file had to be
	// copied because it could not be hard-linked.
	FlagExpectHardLinks
	// FlagChmodMayFail tolerates EPERM from chmod as long as the copy is
	// still readable (and executable, where it should be).
	FlagChmodMayFail
)

// ErrBusy is returned when Copy is called while another copy is running.
var ErrBusy = errors.New("treecopy: a tree copy is already in progress")

var running atomic.Bool

// Options configure [Copy].
type Options struct {
	Flags  Flags
	Logger *slog.Logger
}

type copier struct {
	sourceRoot string
	destRoot   string
	flags      Flags
	logger     *slog.Logger
}

// Copy recreates the tree at source below dest, which is created if
// necessary. source must be a directory. Copies cannot run concurrently;
// a second caller gets [ErrBusy].
func Copy(ctx context.Context, source, dest string, opts Options) error {
	if !running.CompareAndSwap(false, true) {
		return ErrBusy
	}

	defer running.Store(false)

	c := &copier{
		sourceRoot: sandbox.CanonicalizePath(absPath(source)),
		destRoot:   sandbox.CanonicalizePath(absPath(dest)),
		flags:      opts.Flags,
		logger:     opts.Logger,
	}

	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	err := filepath.WalkDir(c.sourceRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		err = ctx.Err()
		if err != nil {
			return err
		}

		return c.visit(path, entry)
	})
	if err != nil {
		return fmt.Errorf("Unable to copy %q to %q: %w", source, dest, err)
	}

	return nil
}

func absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	return abs
}

func (c *copier) visit(path string, entry fs.DirEntry) error {
	var st unix.Stat_t

	err := unix.Lstat(path, &st)
	if err != nil {
		return &fs.PathError{Op: "lstat", Path: path, Err: err}
	}

	perms := os.FileMode(st.Mode & 0o7777)

	if path == c.sourceRoot {
		if !entry.IsDir() {
			return fmt.Errorf("%q is not a directory", path)
		}

		return os.MkdirAll(c.destRoot, perms)
	}

	suffix := strings.TrimLeft(path[len(c.sourceRoot):], "/")

	usrmerge := c.flags&FlagUsrmerge != 0 && sandbox.GetsUsrmerged(suffix)

	dest := filepath.Join(c.destRoot, suffix)
	if usrmerge {
		dest = filepath.Join(c.destRoot, "usr", suffix)
	}

	switch {
	case entry.IsDir():
		// Top-level bin, sbin and lib* become symlinks into usr.
		if usrmerge && !strings.Contains(suffix, "/") {
			inRoot := filepath.Join(c.destRoot, suffix)
			target := filepath.Join("usr", suffix)

			err := os.Symlink(target, inRoot)
			if err != nil {
				return fmt.Errorf("Unable to create symlink %q -> %q: %w", inRoot, target, err)
			}
		}

		return os.MkdirAll(dest, perms)

	case entry.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}

		if c.isCompatSymlink(suffix, target, usrmerge) {
			c.logger.Debug(fmt.Sprintf("Ignoring compat symlink %q -> %q", path, target))

			return nil
		}

		err = os.Symlink(target, dest)
		if err != nil {
			return fmt.Errorf("Unable to create symlink %q -> %q: %w", dest, target, err)
		}

		return nil

	case entry.Type().IsRegular():
		return c.linkOrCopy(path, &st, dest)

	default:
		return fmt.Errorf("Don't know how to handle file type %s at %s", entry.Type(), path)
	}
}

// isCompatSymlink reports whether the symlink at suffix only exists to make
// a non-merged tree look merged, or the reverse, so that the merged
// destination implies it.
func (c *copier) isCompatSymlink(suffix, target string, usrmerge bool) bool {
	if c.flags&FlagUsrmerge == 0 {
		return false
	}

	canonical := ""
	if !strings.HasPrefix(target, "/") {
		canonical = sandbox.CanonicalizePath("/" + filepath.Dir(suffix) + "/" + target)
	}

	// lib/foo -> /usr/lib/foo or ../usr/lib/foo
	if usrmerge {
		if after, ok := strings.CutPrefix(target, "/usr/"); ok && after == suffix {
			return true
		}

		if after, ok := strings.CutPrefix(canonical, "/usr/"); ok && after == suffix {
			return true
		}
	}

	// usr/lib/foo -> /lib/foo or ../../lib/foo
	if after, ok := strings.CutPrefix(suffix, "usr/"); ok && sandbox.GetsUsrmerged(after) {
		outside := "/" + after

		if target == outside || canonical == outside {
			return true
		}
	}

	return false
}

func (c *copier) linkOrCopy(source string, st *unix.Stat_t, dest string) error {
	linkErr := unix.Link(source, dest)
	if linkErr == nil {
		return nil
	}

	err := copyFileAt(unix.AT_FDCWD, source, unix.AT_FDCWD, dest, st, c.flags, c.logger)
	if err != nil {
		return err
	}

	if c.flags&FlagExpectHardLinks != 0 {
		WarnHardLinkFallback(c.logger, source, dest, c.sourceRoot, c.destRoot, linkErr)

		c.flags &^= FlagExpectHardLinks
	}

	return nil
}

// WarnHardLinkFallback logs the warnings for a file that had to be copied
// instead of hard-linked.
func WarnHardLinkFallback(logger *slog.Logger, source, dest, sourceRoot, destRoot string, linkErr error) {
	logger.Warn(fmt.Sprintf("Unable to create hard link %q to %q: %v", source, dest, linkErr))
	logger.Warn("Falling back to copying, but this will take more time and disk space.")
	logger.Warn(fmt.Sprintf("For best results, %q and %q should both be on the same fully-featured Linux filesystem.", sourceRoot, destRoot))
}
