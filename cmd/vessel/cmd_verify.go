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

// VerifyCmd creates the verify command.
func VerifyCmd(_ *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("minimized-runtime", false, "Root holds only the files needed to rebuild the manifest's tree")
	addCompressionFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "verify [flags] <manifest> <root>",
		Short: "Check a tree against an mtree manifest",
		Long: "Check every entry of the manifest against root, then report anything\n" +
			"below root that the manifest does not mention. Every problem is logged;\n" +
			"the exit status is 1 if there were any.",
		Exec: func(ctx context.Context, _ io.Reader, _, stderr io.Writer, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("verify needs a manifest and a root directory, got %d arguments", len(args))
			}

			manifest, root := args[0], args[1]

			mflags := compressionFlags(flags, manifest)
			if minimized, _ := flags.GetBool("minimized-runtime"); minimized {
				mflags |= mtree.FlagMinimizedRuntime
			}

			sysroot, err := sandbox.OpenSysroot(root)
			if err != nil {
				return err
			}

			defer func() { _ = sysroot.Close() }()

			err = mtree.Verify(ctx, manifest, sysroot, mtree.Options{Flags: mflags, Logger: logger})

			var verifyErr *mtree.VerifyError
			if errors.As(err, &verifyErr) {
				// Each problem has already been logged.
				fprintf(stderr, "%d problem(s) found verifying %s against %s\n", len(verifyErr.Problems), root, manifest)

				return ErrSilentExit
			}

			return err
		},
	}
}
