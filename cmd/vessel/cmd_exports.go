//go:build linux

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/calvinalkan/vessel/sandbox"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// exportsReport is what exports prints for json and yaml output.
type exportsReport struct {
	HostOS  sandbox.ExportMode `json:"host_os" yaml:"host_os"`
	HostEtc sandbox.ExportMode `json:"host_etc" yaml:"host_etc"`
	Entries []sandbox.Entry    `json:"entries" yaml:"entries"`
	Ops     []sandbox.Op       `json:"ops" yaml:"ops"`
}

// ociReport is what exports prints for oci output.
type ociReport struct {
	Mounts []specs.Mount `json:"mounts"`
	// Unmapped lists operations OCI mounts cannot express.
	Unmapped []sandbox.Op `json:"unmapped,omitempty"`
}

// ExportsCmd creates the exports command, which prints the plan for a
// container without running anything.
func ExportsCmd(cfg *Config, env map[string]string, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("exports", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.StringP("output", "o", "args", "Output `format`: args, json, yaml or oci")
	flags.Bool("debug", false, "Print how the plan was built to stderr")
	addPlanFlags(flags)

	return &Command{
		Flags:   flags,
		Usage:   "exports [flags]",
		Short:   "Print the filesystem plan for a container",
		Long:    "Merge the configured and requested paths and print the resulting\nbwrap operations, the merged export set, or equivalent OCI mounts.",
		Aliases: []string{"plan"},
		Exec: func(_ context.Context, _ io.Reader, stdout, stderr io.Writer, _ []string) error {
			format, _ := flags.GetString("output")

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

			ops := p.exports.Ops()

			switch format {
			case "args":
				return printArgs(stdout, ops)
			case "json":
				return printJSON(stdout, exportsReport{
					HostOS:  p.exports.HostOS(),
					HostEtc: p.exports.HostEtc(),
					Entries: p.exports.Entries(),
					Ops:     ops,
				})
			case "yaml":
				return printYAML(stdout, exportsReport{
					HostOS:  p.exports.HostOS(),
					HostEtc: p.exports.HostEtc(),
					Entries: p.exports.Entries(),
					Ops:     ops,
				})
			case "oci":
				mounts, unmapped := sandbox.OCIMounts(ops)

				return printJSON(stdout, ociReport{Mounts: mounts, Unmapped: unmapped})
			default:
				return fmt.Errorf("unknown output format %q (want args, json, yaml or oci)", format)
			}
		},
	}
}

// printArgs prints one bwrap operation per line, shell-quoted.
func printArgs(output io.Writer, ops []sandbox.Op) error {
	for _, op := range ops {
		args, err := sandbox.Args([]sandbox.Op{op})
		if err != nil {
			return err
		}

		quoted := make([]string, len(args))
		for i, arg := range args {
			quoted[i] = shellQuoteIfNeeded(arg)
		}

		fprintln(output, strings.Join(quoted, " "))
	}

	return nil
}

func printJSON(output io.Writer, v any) error {
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func printYAML(output io.Writer, v any) error {
	enc := yaml.NewEncoder(output)
	enc.SetIndent(2)

	err := enc.Encode(v)
	if err != nil {
		return err
	}

	return enc.Close()
}

// shellQuoteIfNeeded quotes str for a POSIX shell unless it is made only
// of safe characters.
func shellQuoteIfNeeded(str string) string {
	if str == "" {
		return "''"
	}

	if strings.IndexFunc(str, func(c rune) bool { return !isShellSafeChar(c) }) < 0 {
		return str
	}

	return "'" + strings.ReplaceAll(str, "'", `'\''`) + "'"
}

func isShellSafeChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		strings.ContainsRune("-_./=:,+@%", c)
}
