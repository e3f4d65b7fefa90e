//go:build linux

package main

import (
	"strings"

	"github.com/calvinalkan/vessel/mtree"
	flag "github.com/spf13/pflag"
)

func addCompressionFlags(flags *flag.FlagSet) {
	flags.Bool("gzip", false, "Manifest is gzip-compressed (default: by .gz suffix)")
	flags.Bool("zstd", false, "Manifest is zstd-compressed (default: by .zst suffix)")
}

// compressionFlags returns the mtree compression flags asked for, or
// guessed from the manifest's name.
func compressionFlags(flags *flag.FlagSet, manifest string) mtree.Flags {
	gz, _ := flags.GetBool("gzip")
	zst, _ := flags.GetBool("zstd")

	switch {
	case gz:
		return mtree.FlagGzip
	case zst:
		return mtree.FlagZstd
	case strings.HasSuffix(manifest, ".gz"):
		return mtree.FlagGzip
	case strings.HasSuffix(manifest, ".zst"):
		return mtree.FlagZstd
	default:
		return 0
	}
}

func addPermissionFlags(flags *flag.FlagSet) {
	flags.Bool("expect-hard-links", false, "Warn if files have to be copied instead of hard-linked")
	flags.Bool("chmod-may-fail", false, "Tolerate failing chmod if the file is already usable")
}

// permissionSettings merges the permission flags over the config.
func permissionSettings(cfg *Config, flags *flag.FlagSet) (expectHardLinks, chmodMayFail bool) {
	expectHardLinks = *cfg.Mtree.ExpectHardLinks
	chmodMayFail = *cfg.Mtree.ChmodMayFail

	if flags.Changed("expect-hard-links") {
		expectHardLinks, _ = flags.GetBool("expect-hard-links")
	}

	if flags.Changed("chmod-may-fail") {
		chmodMayFail, _ = flags.GetBool("chmod-may-fail")
	}

	return expectHardLinks, chmodMayFail
}
