//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyPathPattern is returned when an empty path pattern is provided.
	ErrEmptyPathPattern = errors.New("empty path pattern")
	ErrHomeNotFound     = errors.New("home directory not found")
)

// ResolvePath converts a path pattern to an absolute path.
//
// Resolution rules:
//   - ~ at start expands to homeDir
//   - Absolute paths (starting with /) resolve as-is
//   - Relative paths resolve against workDir
//   - Resulting paths are always cleaned (no .., .)
//   - Environment variables are NOT expanded
func ResolvePath(pattern, homeDir, workDir string) (string, error) {
	if pattern == "" {
		return "", ErrEmptyPathPattern
	}

	var resolved string

	switch {
	case pattern == "~":
		resolved = homeDir
	case strings.HasPrefix(pattern, "~/"):
		resolved = filepath.Join(homeDir, pattern[2:])
	case filepath.IsAbs(pattern):
		resolved = pattern
	default:
		resolved = filepath.Join(workDir, pattern)
	}

	return filepath.Clean(resolved), nil
}

// ExpandGlob expands an absolute path pattern with wildcards to the
// matching paths below sysroot, returned without the sysroot prefix.
// Symlinks are not resolved: the export set does that itself, relative
// to the sysroot.
//
// Patterns without metacharacters are returned as-is. A pattern that
// matches nothing yields an empty slice.
func ExpandGlob(sysroot, pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}

	prefix := strings.TrimSuffix(sysroot, "/")

	matches, err := filepath.Glob(prefix + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}

	expanded := make([]string, 0, len(matches))
	for _, match := range matches {
		expanded = append(expanded, "/"+strings.TrimLeft(strings.TrimPrefix(match, prefix), "/"))
	}

	return expanded, nil
}

// GetHomeDir returns the home directory, preferring $HOME from env.
func GetHomeDir(env map[string]string) (string, error) {
	if home := env["HOME"]; home != "" {
		return home, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %w (set $HOME environment variable)", ErrHomeNotFound, err)
	}

	return home, nil
}
