//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
)

// FirstExtraFD is the descriptor number of the first ExtraFile in the
// bwrap child.
const FirstExtraFD = 3

// CommandOptions describe a bwrap invocation.
type CommandOptions struct {
	// Options are passed to bwrap before the filesystem operations,
	// e.g. "--unshare-pid".
	Options []string

	// Ops are the filesystem operations, in order.
	Ops []Op

	// Files back the OpRoBindData operations. Files[i] is child
	// descriptor FirstExtraFD+i. Command takes ownership.
	Files []*os.File

	// Argv is the command run inside the container.
	Argv []string

	// Env is the environment of bwrap. Nil means an empty environment.
	Env []string

	// Dir is the working directory of bwrap on the host.
	Dir string

	// Bwrap is the bwrap executable. Empty means bwrap from PATH.
	Bwrap string

	Logger *slog.Logger
}

// Command constructs an unstarted [exec.Cmd] that runs opts.Argv inside
// the container described by opts.Ops. The returned cleanup function
// releases the backing files and is safe to call more than once.
func Command(ctx context.Context, opts CommandOptions) (*exec.Cmd, func() error, error) {
	cleanup := closeFilesOnce(opts.Files)
	noop := func() error { return nil }

	fail := func(err error) (*exec.Cmd, func() error, error) {
		return nil, noop, errors.Join(err, cleanup())
	}

	if len(opts.Argv) == 0 {
		return fail(errors.New("sandbox: no command provided"))
	}

	for _, op := range opts.Ops {
		if op.Kind != OpRoBindData {
			continue
		}

		if op.FD < FirstExtraFD || op.FD >= FirstExtraFD+len(opts.Files) {
			return fail(internalErrorf("Command", "ro-bind-data for %q uses fd %d but only %d files were given", op.Dst, op.FD, len(opts.Files)))
		}
	}

	bwrapPath := opts.Bwrap
	if bwrapPath == "" {
		var err error

		bwrapPath, err = exec.LookPath("bwrap")
		if err != nil {
			return fail(fmt.Errorf("sandbox: bwrap not found in PATH: %w", err))
		}
	}

	opArgs, err := Args(opts.Ops)
	if err != nil {
		return fail(err)
	}

	args := make([]string, 0, len(opts.Options)+len(opArgs)+1+len(opts.Argv))
	args = append(args, opts.Options...)
	args = append(args, opArgs...)
	args = append(args, "--")
	args = append(args, opts.Argv...)

	cmd := exec.CommandContext(ctx, bwrapPath, args...)
	cmd.Dir = opts.Dir
	cmd.Env = slices.Clone(opts.Env)

	if cmd.Env == nil {
		cmd.Env = []string{}
	}

	if len(opts.Files) > 0 {
		cmd.ExtraFiles = opts.Files
	}

	if opts.Logger != nil {
		opts.Logger.Debug("sandbox(command)", "argv0", opts.Argv[0], "bwrap", bwrapPath, "ops", len(opts.Ops), "extraFiles", len(opts.Files))
	}

	return cmd, cleanup, nil
}

func closeFilesOnce(files []*os.File) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			outErr = closeFiles(files...)
		})

		return outErr
	}
}

func closeFiles(files ...*os.File) error {
	var errs []error

	for _, f := range files {
		if f == nil {
			continue
		}

		err := f.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
