//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit makes a command exit 1 without printing anything more.
var ErrSilentExit = errors.New("silent exit")

// ExitCodeError carries the exit status of a sandboxed command.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Command is one subcommand of the CLI.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string // "verify [flags] <manifest> <root>"; the first word is the name
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's line in the top-level usage.
func (c *Command) HelpLine() string {
	name := c.Name()
	if len(c.Aliases) > 0 {
		name += " (" + strings.Join(c.Aliases, ", ") + ")"
	}

	return fmt.Sprintf("  %-22s %s", name, c.Short)
}

// PrintHelp writes the full help for the command.
func (c *Command) PrintHelp(output io.Writer) {
	fprintln(output, "Usage: vessel "+c.Usage)
	fprintln(output)

	if c.Long != "" {
		fprintln(output, c.Long)
	} else {
		fprintln(output, c.Short)
	}

	if c.Flags.HasFlags() {
		fprintln(output)
		fprintln(output, "Flags:")
		fprint(output, c.Flags.FlagUsages())
	}
}

// Run parses args and executes the command, returning the exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.PrintHelp(stderr)

		return 1
	}

	if help, _ := c.Flags.GetBool("help"); help {
		c.PrintHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err == nil {
		return 0
	}

	if errors.Is(err, ErrSilentExit) {
		return 1
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	fprintError(stderr, err)

	return 1
}
