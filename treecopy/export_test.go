//go:build linux

package treecopy

// Running exposes the single-flight guard to tests.
var Running = &running
