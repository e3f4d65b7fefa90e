//go:build linux

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/calvinalkan/vessel/sandbox"
	flag "github.com/spf13/pflag"
)

// exportRequest is one path the user asked for, before merging.
type exportRequest struct {
	path   string
	mode   sandbox.ExportMode
	source string // "config" or "cli"
}

// addPlanFlags registers the flags shared by exports and exec.
func addPlanFlags(flags *flag.FlagSet) {
	flags.String("sysroot", "", "Look up host paths below `dir` instead of /")
	flags.String("host-os", "", "Share the host's /usr and friends at /run/host (`mode`: none, ro, rw)")
	flags.String("host-etc", "", "Share the host's /etc at /run/host/etc (`mode`: none, ro, rw)")
	flags.StringArray("ro", nil, "Share `path` read-only (repeatable, globs allowed)")
	flags.StringArray("rw", nil, "Share `path` read-write (repeatable, globs allowed)")
	flags.StringArray("tmpfs", nil, "Mask `path` with an empty tmpfs (repeatable)")
	flags.StringArray("dir", nil, "Create directory `path` in the container (repeatable)")
	flags.StringArray("symlink-targets", nil, "Share the targets of symlinks found below `dir` read-only (repeatable)")
}

// plan is an ExportSet built from config and flags, plus the sysroot it
// inspects.
type plan struct {
	sysroot  *sandbox.Sysroot
	exports  *sandbox.ExportSet
	requests []exportRequest
}

func (p *plan) Close() error {
	return p.sysroot.Close()
}

// buildPlan opens the sysroot and feeds every configured and requested path
// to a new ExportSet. Individual paths that cannot be shared are logged and
// skipped.
func buildPlan(cfg *Config, flags *flag.FlagSet, env map[string]string, logger *slog.Logger) (*plan, error) {
	homeDir, err := GetHomeDir(env)
	if err != nil {
		return nil, err
	}

	sysrootPath := cfg.Sysroot
	if flags.Changed("sysroot") {
		sysrootPath, _ = flags.GetString("sysroot")
	}

	sysroot := sandbox.DirectSysroot()

	if sysrootPath != "" && sysrootPath != "/" {
		resolved, err := ResolvePath(sysrootPath, homeDir, cfg.EffectiveCwd)
		if err != nil {
			return nil, err
		}

		sysroot, err = sandbox.OpenSysroot(resolved)
		if err != nil {
			return nil, err
		}
	}

	p := &plan{
		sysroot: sysroot,
		exports: sandbox.NewExportSet(sandbox.ExportOptions{
			Sysroot:  sysroot,
			Reserved: cfg.Reserved,
			Logger:   logger,
		}),
	}

	err = p.setHostModes(cfg, flags)
	if err != nil {
		return nil, errors.Join(err, p.Close())
	}

	lists := []struct {
		mode  sandbox.ExportMode
		flag  string
		paths []string
	}{
		{sandbox.ModeReadOnly, "ro", cfg.Exports.Ro},
		{sandbox.ModeReadWrite, "rw", cfg.Exports.Rw},
		{sandbox.ModeTmpfs, "tmpfs", cfg.Exports.Tmpfs},
		{sandbox.ModeDir, "dir", cfg.Exports.Dirs},
	}

	for _, list := range lists {
		cliPaths, _ := flags.GetStringArray(list.flag)

		err = p.request(list.mode, list.paths, "config", homeDir, cfg.EffectiveCwd)
		if err == nil {
			err = p.request(list.mode, cliPaths, "cli", homeDir, cfg.EffectiveCwd)
		}

		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
	}

	symlinkDirs, _ := flags.GetStringArray("symlink-targets")
	symlinkDirs = append(append([]string(nil), cfg.Exports.SymlinkTargets...), symlinkDirs...)

	for _, dir := range symlinkDirs {
		resolved, err := ResolvePath(dir, homeDir, cfg.EffectiveCwd)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}

		err = p.exports.ExportSymlinkTargets(resolved, dir)
		if err != nil {
			logger.Warn(fmt.Sprintf("Unable to export symlink targets below %q: %v", resolved, err))
		}
	}

	return p, nil
}

func (p *plan) setHostModes(cfg *Config, flags *flag.FlagSet) error {
	hostOS := *cfg.HostOS
	hostEtc := *cfg.HostEtc

	for name, mode := range map[string]*sandbox.ExportMode{"host-os": &hostOS, "host-etc": &hostEtc} {
		if !flags.Changed(name) {
			continue
		}

		value, _ := flags.GetString(name)

		parsed, err := sandbox.ParseExportMode(value)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}

		*mode = parsed
	}

	p.exports.SetHostOS(hostOS)
	p.exports.SetHostEtc(hostEtc)

	return nil
}

// request resolves and expands patterns and adds each match. Config
// entries that cannot be shared are informational, explicit flags warn.
func (p *plan) request(mode sandbox.ExportMode, patterns []string, source, homeDir, workDir string) error {
	for _, pattern := range patterns {
		resolved, err := ResolvePath(pattern, homeDir, workDir)
		if err != nil {
			return err
		}

		matches, err := ExpandGlob(p.sysroot.Path(), resolved)
		if err != nil {
			return err
		}

		for _, path := range matches {
			p.requests = append(p.requests, exportRequest{path: path, mode: mode, source: source})

			switch {
			case mode == sandbox.ModeTmpfs:
				p.exports.MaskOrLog(path)
			case mode == sandbox.ModeDir:
				p.exports.EnsureDirOrWarn(path)
			case source == "config":
				p.exports.ExposeOrLog(mode, path)
			default:
				p.exports.ExposeOrWarn(mode, path)
			}
		}
	}

	return nil
}
