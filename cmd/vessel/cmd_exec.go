//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/calvinalkan/vessel/sandbox"
	flag "github.com/spf13/pflag"
)

var (
	// ErrNoCommand is returned when exec is called without a command.
	ErrNoCommand = errors.New("no command specified")
	// ErrInvalidCopyTree is returned when a --copy-tree value is malformed.
	ErrInvalidCopyTree = errors.New("invalid --copy-tree format: expected SOURCE:DEST")
)

// ExecCmd creates the exec command, which runs a command in a container
// built from the plan.
func ExecCmd(cfg *Config, env map[string]string, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("exec", flag.ContinueOnError)
	flags.SetInterspersed(false) // Stop parsing at command
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("dry-run", false, "Print bwrap command without executing")
	flags.Bool("debug", false, "Print container setup details to stderr")
	flags.String("bwrap", "", "Use `path` as the bwrap executable (default: bwrap from PATH)")
	flags.String("runtime", "", "Use the OS tree in `dir` as the container's /usr")
	flags.String("sysfs", "ro", "Share /sys with `mode` ro or rw")
	flags.StringArray("copy-tree", nil, "Copy `SOURCE:DEST` into the container; SOURCE must end with DEST (repeatable)")
	flags.StringArray("bwrap-option", nil, "Pass `option` to bwrap before the filesystem setup (repeatable)")
	flags.String("vdpau-overrides", "", "Point VDPAU_DRIVER_PATH at <tuple>/vdpau below `dir`, per architecture")
	addPlanFlags(flags)

	return &Command{
		Flags:   flags,
		Usage:   "exec [flags] <command> [args]",
		Short:   "Run command in a container",
		Long:    "Build the filesystem plan and run a command inside it with bubblewrap.",
		Aliases: []string{"run"},
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) == 0 {
				return ErrNoCommand
			}

			debug := NewDebugLogger(nil)
			if enabled, _ := flags.GetBool("debug"); enabled {
				debug = NewDebugLogger(stderr)
			}

			debugConfigLoading(debug, cfg)

			p, err := buildPlan(cfg, flags, env, logger)
			if err != nil {
				return err
			}

			defer func() { _ = p.Close() }()

			debugExports(debug, p.requests, p.exports)

			ops, files, err := containerOps(p, flags, logger)
			if err != nil {
				return err
			}

			bwrapOptions, _ := flags.GetStringArray("bwrap-option")
			bwrapPath, _ := flags.GetString("bwrap")
			options := append([]string{"--die-with-parent"}, bwrapOptions...)

			if overrides, _ := flags.GetString("vdpau-overrides"); overrides != "" {
				vdpauOps, vdpauOptions, removeDirs, err := vdpauSetup(overrides, logger)
				if err != nil {
					return errors.Join(err, closeAll(files))
				}

				defer func() { _ = removeDirs() }()

				ops = append(ops, vdpauOps...)
				options = append(options, vdpauOptions...)
			}

			cmd, cleanup, err := sandbox.Command(ctx, sandbox.CommandOptions{
				Options: options,
				Ops:     ops,
				Files:   files,
				Argv:    args,
				Env:     envList(env),
				Dir:     cfg.EffectiveCwd,
				Bwrap:   bwrapPath,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			defer func() { _ = cleanup() }()

			DebugBwrapArgs(debug, cmd.Args[1:])

			if dryRun, _ := flags.GetBool("dry-run"); dryRun {
				quoted := make([]string, len(cmd.Args))
				for i, arg := range cmd.Args {
					quoted[i] = shellQuoteIfNeeded(arg)
				}

				fprintln(stdout, strings.Join(quoted, " "))

				return nil
			}

			exitCode, err := ExecuteSandbox(ctx, cmd, stdin, stdout, stderr)
			if err != nil {
				return err
			}

			if exitCode != 0 {
				return &ExitCodeError{Code: exitCode}
			}

			return nil
		},
	}
}

// containerOps assembles the full operation list: the runtime's /usr, the
// API filesystems, the exported host paths and copied trees, in that order.
func containerOps(p *plan, flags *flag.FlagSet, logger *slog.Logger) ([]sandbox.Op, []*os.File, error) {
	var ops []sandbox.Op

	if runtimeDir, _ := flags.GetString("runtime"); runtimeDir != "" {
		provider, err := sandbox.OpenSysroot(runtimeDir)
		if err != nil {
			return nil, nil, err
		}

		usrOps, err := sandbox.BindUsr(provider, runtimeDir, "/")

		_ = provider.Close()

		if err != nil {
			return nil, nil, err
		}

		ops = append(ops, usrOps...)
	}

	sysfs, _ := flags.GetString("sysfs")

	sysfsMode, err := sandbox.ParseExportMode(sysfs)
	if err != nil {
		return nil, nil, fmt.Errorf("--sysfs: %w", err)
	}

	apiOps, err := sandbox.APIFilesystems(sandbox.DirectSysroot(), sysfsMode, logger)
	if err != nil {
		return nil, nil, err
	}

	ops = append(ops, apiOps...)
	ops = append(ops, p.exports.Ops()...)

	copyTrees, _ := flags.GetStringArray("copy-tree")

	var files []*os.File

	for _, value := range copyTrees {
		source, dest, ok := strings.Cut(value, ":")
		if !ok || source == "" || dest == "" {
			return nil, nil, errors.Join(fmt.Errorf("%w: %q", ErrInvalidCopyTree, value), closeAll(files))
		}

		treeOps, treeFiles, err := sandbox.CopyTreeOps(source, dest, sandbox.FirstExtraFD+len(files), logger)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll(files))
		}

		ops = append(ops, treeOps...)
		files = append(files, treeFiles...)
	}

	return ops, files, nil
}

// vdpauSetup creates the per-architecture directories that make one
// VDPAU_DRIVER_PATH value work for every ABI. The returned function removes
// them and must only be called once the container has exited.
func vdpauSetup(overrides string, logger *slog.Logger) ([]sandbox.Op, []string, func() error, error) {
	if !filepath.IsAbs(overrides) {
		return nil, nil, nil, fmt.Errorf("--vdpau-overrides: %q is not absolute", overrides)
	}

	dirs, err := sandbox.NewPerArchDirs(sandbox.StandardizedLibdl(), logger)
	if err != nil {
		return nil, nil, nil, err
	}

	value, err := dirs.SetUpVdpauOverrides(overrides)
	if err != nil {
		return nil, nil, nil, errors.Join(err, dirs.Close())
	}

	ops := []sandbox.Op{
		sandbox.RoBindOp(overrides, overrides),
		sandbox.RoBindOp(dirs.Root, dirs.Root),
	}

	return ops, []string{"--setenv", "VDPAU_DRIVER_PATH", value}, dirs.Close, nil
}

func closeAll(files []*os.File) error {
	var errs []error

	for _, f := range files {
		errs = append(errs, f.Close())
	}

	return errors.Join(errs...)
}

// envList turns env into KEY=VALUE pairs, sorted for reproducible output.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}

	slices.Sort(list)

	return list
}

// ExecuteSandbox runs cmd and returns the exit code of the sandboxed
// process.
//
// When the context is cancelled, SIGTERM is sent so the process can shut
// down gracefully; it is killed if it has not exited 5s later.
func ExecuteSandbox(ctx context.Context, cmd *exec.Cmd, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Start()
	if err != nil {
		return 1, fmt.Errorf("starting bwrap: %w", err)
	}

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		if ctx.Err() != nil {
			return 1, ctx.Err()
		}

		return 1, fmt.Errorf("waiting for bwrap: %w", err)
	}

	return 0, nil
}
