//go:build linux

// Command vessel composes container filesystems: it plans and runs
// bubblewrap sandboxes from export requests, and applies, verifies and
// generates mtree manifests.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Set by the release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	env := make(map[string]string)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok {
			env[key] = value
		}
	}

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}
