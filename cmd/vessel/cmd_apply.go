//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/calvinalkan/vessel/mtree"
	"github.com/calvinalkan/vessel/sandbox"
	flag "github.com/spf13/pflag"
)

// ApplyCmd creates the apply command.
func ApplyCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("apply", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("source", "", "Hard-link or copy file contents from `dir`")
	addCompressionFlags(flags)
	addPermissionFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "apply [flags] <manifest> <root>",
		Short: "Make a tree conform to an mtree manifest",
		Long: "Create the directories, symlinks and files listed in the manifest below\n" +
			"root, and fix up their permissions and modification times. Regular files\n" +
			"are taken from --source, or must already exist.",
		Exec: func(ctx context.Context, _ io.Reader, _, _ io.Writer, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("apply needs a manifest and a root directory, got %d arguments", len(args))
			}

			manifest, root := args[0], args[1]
			source, _ := flags.GetString("source")

			mflags := compressionFlags(flags, manifest)

			expectHardLinks, chmodMayFail := permissionSettings(cfg, flags)
			if expectHardLinks {
				mflags |= mtree.FlagExpectHardLinks
			}

			if chmodMayFail {
				mflags |= mtree.FlagChmodMayFail
			}

			sysroot, err := sandbox.OpenSysroot(root)
			if err != nil {
				return err
			}

			err = mtree.Apply(ctx, manifest, sysroot, source, mtree.Options{Flags: mflags, Logger: logger})

			return errors.Join(err, sysroot.Close())
		},
	}
}
