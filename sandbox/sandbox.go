//go:build linux

// Package sandbox composes the filesystem view of a bubblewrap (bwrap)
// container out of host paths.
//
// The central type is [ExportSet]: callers record which host paths the
// container should see and how (read-only, read-write, masked by a tmpfs,
// or only as an empty directory), then serialize the set into an ordered
// list of [Op] values that bwrap understands. The package does not run
// anything itself; [Command] builds an unstarted *exec.Cmd for
// `bwrap ... -- <argv...>`.
//
// # Sysroots
//
// Every filesystem lookup goes through a [Sysroot]: either the real root, or
// a directory descriptor that stands in for it (a mock root in tests, or a
// /run/host style view of another OS). Lookups are relative to the captured
// descriptor, so an absolute symlink inside a sysroot resolves inside it and
// a relative one that climbs out is reported as [ErrEscape].
//
// # Merging
//
// Requests for the same path merge: the greater [ExportMode] wins, so the
// order in which requests arrive does not change the result. Symlinks in a
// requested path are resolved; the target is shared and the symlink itself
// is recreated inside the container.
//
// # Errors
//
// Failures carry one of the sentinel kinds in this package. [ErrNotFound]
// and [ErrBlocked] only mean "not shared" and callers are expected to log
// and continue; see [IsSkippable]. Everything else should abort the launch.
//
// # Platform / Dependencies
//
// This package is Linux-only and needs the `bwrap` executable at runtime
// only for [Command].
package sandbox
