//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

// exitInterrupted is the status after SIGINT or SIGTERM, as a shell reports it.
const exitInterrupted = 130

const cleanupGrace = 10 * time.Second

type globalOptions struct {
	flags   *flag.FlagSet
	help    bool
	version bool
	cwd     string
	config  string
	verbose bool
	quiet   bool
}

func newGlobalOptions() *globalOptions {
	opts := &globalOptions{flags: flag.NewFlagSet("vessel", flag.ContinueOnError)}

	fs := opts.flags
	fs.SetInterspersed(false)
	fs.Usage = func() {}
	fs.SetOutput(&strings.Builder{})

	fs.BoolVarP(&opts.help, "help", "h", false, "Show help")
	fs.BoolVarP(&opts.version, "version", "v", false, "Show version and exit")
	fs.StringVarP(&opts.cwd, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVar(&opts.config, "config", "", "Use specified config `file`")
	fs.BoolVar(&opts.verbose, "verbose", false, "Log debug messages")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log warnings and errors")

	return opts
}

func (o *globalOptions) logLevel() slog.Level {
	switch {
	case o.verbose:
		return slog.LevelDebug
	case o.quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Run is the main entry point and returns the exit code. sigCh may be nil
// when nothing delivers signals, as in tests.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	opts := newGlobalOptions()

	err := opts.flags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalOptions(stderr, opts.flags)

		return 1
	}

	if opts.version {
		printVersion(stdout)

		return 0
	}

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: opts.cwd,
		ConfigPath:      opts.config,
		Env:             env,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	logger := newLogger(stderr, opts.logLevel())

	commands := []*Command{
		ExportsCmd(&cfg, env, logger),
		ExecCmd(&cfg, env, logger),
		ApplyCmd(&cfg, logger),
		VerifyCmd(&cfg, logger),
		GenerateCmd(&cfg, logger),
		CopyCmd(&cfg, logger),
	}

	rest := opts.flags.Args()
	if opts.help || len(rest) == 0 {
		printUsage(stdout, opts.flags, commands)

		return 0
	}

	cmd := lookupCommand(commands, rest[0])
	if cmd == nil {
		fprintError(stderr, fmt.Errorf("unknown command %q", rest[0]))
		fprintln(stderr)
		printGlobalOptions(stderr, opts.flags)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, stdin, stdout, stderr, rest[1:])
	}()

	return waitForCommand(done, sigCh, cancel, stderr)
}

func lookupCommand(commands []*Command, name string) *Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}

		for _, alias := range cmd.Aliases {
			if alias == name {
				return cmd
			}
		}
	}

	return nil
}

// waitForCommand returns the command's exit code. The first signal cancels
// the command and allows cleanupGrace for it to return; a second one exits
// at once.
func waitForCommand(done <-chan int, sigCh <-chan os.Signal, cancel context.CancelFunc, stderr io.Writer) int {
	select {
	case code := <-done:
		return code
	case <-sigCh:
	}

	fprintf(stderr, "Interrupted, waiting up to %s for cleanup... (Ctrl+C again to force exit)\n", cleanupGrace)
	cancel()

	timer := time.NewTimer(cleanupGrace)
	defer timer.Stop()

	select {
	case <-done:
		fprintln(stderr, "Cleanup complete.")
	case <-timer.C:
		fprintln(stderr, "Cleanup timed out, forced exit.")
	case <-sigCh:
		fprintln(stderr, "Forced exit.")
	}

	return exitInterrupted
}

func printVersion(output io.Writer) {
	if commit == "none" && date == "unknown" {
		fprintf(output, "vessel %s (built from source)\n", version)

		return
	}

	fprintf(output, "vessel %s (%s, %s)\n", version, commit, date)
}

// newLogger returns a text logger without timestamps, since the messages
// are for people watching a terminal.
func newLogger(output io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}

			return attr
		},
	}))
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

func fprint(output io.Writer, a ...any) {
	_, _ = fmt.Fprint(output, a...)
}

// errorPrefix is red when stdout is a terminal; color turns itself off
// otherwise and when NO_COLOR is set.
var errorPrefix = color.New(color.FgRed, color.Bold).SprintFunc()

func fprintError(output io.Writer, err error) {
	fprintln(output, errorPrefix("error:"), err)
}

func printGlobalOptions(output io.Writer, flags *flag.FlagSet) {
	fprintln(output, "Usage: vessel [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprint(output, flags.FlagUsages())
	fprintln(output)
	fprintln(output, "Run 'vessel --help' for a list of commands.")
}

func printUsage(output io.Writer, flags *flag.FlagSet, commands []*Command) {
	fprintln(output, "vessel - compose container filesystems from the host and a sysroot")
	fprintln(output)
	fprintln(output, "Usage: vessel [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Flags:")
	fprint(output, flags.FlagUsages())
	fprintln(output)
	fprintln(output, "Commands:")

	for _, cmd := range commands {
		fprintln(output, cmd.HelpLine())
	}

	fprintln(output)
	fprintln(output, "Run 'vessel <command> --help' for more information on a command.")
}
