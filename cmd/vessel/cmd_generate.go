//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/calvinalkan/vessel/mtree"
	flag "github.com/spf13/pflag"
)

// GenerateCmd creates the generate command.
func GenerateCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("generate", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.StringP("output", "o", "-", "Write the manifest to `file` (- for stdout)")
	flags.IntP("jobs", "j", 0, "Hash up to `n` files at once (default: config or number of CPUs)")
	addCompressionFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "generate [flags] <root>",
		Short: "Write an mtree manifest describing a tree",
		Exec: func(ctx context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("generate needs a root directory, got %d arguments", len(args))
			}

			output, _ := flags.GetString("output")

			jobs := cfg.Mtree.Jobs
			if flags.Changed("jobs") {
				jobs, _ = flags.GetInt("jobs")
			}

			opts := mtree.GenerateOptions{
				Flags:  compressionFlags(flags, output),
				Jobs:   jobs,
				Logger: logger,
			}

			if output == "-" {
				return mtree.Generate(ctx, args[0], stdout, opts)
			}

			file, err := os.Create(output)
			if err != nil {
				return err
			}

			err = mtree.Generate(ctx, args[0], file, opts)

			return errors.Join(err, file.Close())
		},
	}
}
