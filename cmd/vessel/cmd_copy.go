//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/calvinalkan/vessel/treecopy"
	flag "github.com/spf13/pflag"
)

// CopyCmd creates the copy command.
func CopyCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("copy", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("usrmerge", false, "Move top-level bin, sbin and lib* into usr/ while copying")
	addPermissionFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "copy [flags] <source> <dest>",
		Short: "Recreate a tree elsewhere with hard links where possible",
		Long: "Recreate the directories and symlinks of source below dest, and\n" +
			"hard-link its regular files, copying them where linking fails.",
		Exec: func(ctx context.Context, _ io.Reader, _, _ io.Writer, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("copy needs a source and a destination, got %d arguments", len(args))
			}

			var tflags treecopy.Flags

			if usrmerge, _ := flags.GetBool("usrmerge"); usrmerge {
				tflags |= treecopy.FlagUsrmerge
			}

			expectHardLinks, chmodMayFail := permissionSettings(cfg, flags)
			if expectHardLinks {
				tflags |= treecopy.FlagExpectHardLinks
			}

			if chmodMayFail {
				tflags |= treecopy.FlagChmodMayFail
			}

			return treecopy.Copy(ctx, args[0], args[1], treecopy.Options{Flags: tflags, Logger: logger})
		},
	}
}
