//go:build linux

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/calvinalkan/vessel/sandbox"
)

// DebugLogger writes the --debug report of how a container was planned.
// It is disabled when output is nil.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a new debug logger.
// If output is nil, the logger is disabled and all methods are no-ops.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled returns true if debug logging is enabled.
func (d *DebugLogger) Enabled() bool {
	return d.output != nil
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// ConfigFile outputs information about a config file.
func (d *DebugLogger) ConfigFile(label, path string, loaded bool) {
	if d.output == nil {
		return
	}

	if loaded {
		_, _ = fmt.Fprintf(d.output, "  %s: %s\n", label, path)
	} else {
		_, _ = fmt.Fprintf(d.output, "  %s: (not found)\n", label)
	}
}

// Request outputs one export request with where it came from.
func (d *DebugLogger) Request(path string, mode sandbox.ExportMode, source string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  %s [%s] (from %s)\n", path, mode, source)
}

// BwrapArgs outputs bwrap arguments, one operation per line.
func (d *DebugLogger) BwrapArgs(args []string) {
	if d.output == nil {
		return
	}

	idx := 0
	for idx < len(args) {
		next := idx + 1

		if strings.HasPrefix(args[idx], "--") {
			for next < len(args) && !strings.HasPrefix(args[next], "--") {
				next++
			}
		}

		_, _ = fmt.Fprintf(d.output, "  %s\n", strings.Join(args[idx:next], " "))
		idx = next
	}
}

// debugConfigLoading outputs which config files were loaded.
func debugConfigLoading(debug *DebugLogger, cfg *Config) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Config Loading")

	if len(cfg.LoadedConfigFiles) == 0 {
		debug.Logf("  No config files loaded (using defaults)")

		return
	}

	if path, ok := cfg.LoadedConfigFiles["global"]; ok {
		debug.ConfigFile("Global config", path, true)
	} else {
		debug.ConfigFile("Global config", "", false)
	}

	if path, ok := cfg.LoadedConfigFiles["explicit"]; ok {
		debug.ConfigFile("Explicit config (--config)", path, true)
	} else if path, ok := cfg.LoadedConfigFiles["project"]; ok {
		debug.ConfigFile("Project config", path, true)
	} else {
		debug.ConfigFile("Project config", "", false)
	}
}

// debugExports outputs the requests that were made and what the set kept.
func debugExports(debug *DebugLogger, requests []exportRequest, exports *sandbox.ExportSet) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Export Requests")

	if len(requests) == 0 {
		debug.Logf("  No paths requested")
	}

	for _, req := range requests {
		debug.Request(req.path, req.mode, req.source)
	}

	debug.Section("Export Set")
	debug.Bulletf("host OS: %s", exports.HostOS())
	debug.Bulletf("host /etc: %s", exports.HostEtc())

	for _, entry := range exports.Entries() {
		debug.Bulletf("%s: %s", entry.Path, entry.Mode)
	}
}

// DebugBwrapArgs outputs the generated bwrap arguments.
func DebugBwrapArgs(debug *DebugLogger, args []string) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Generated bwrap Arguments")
	debug.BwrapArgs(args)
}
