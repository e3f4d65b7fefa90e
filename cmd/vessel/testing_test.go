//go:build linux

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

// CLI runs vessel in-process against a private working directory. HOME and
// XDG_CONFIG_HOME point inside Dir so no user config leaks into a test.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

func NewCLITester(t *testing.T) *CLI {
	t.Helper()

	dir := t.TempDir()

	return &CLI{
		t:   t,
		Dir: dir,
		Env: map[string]string{
			"HOME":            dir,
			"XDG_CONFIG_HOME": filepath.Join(dir, ".config"),
			"PATH":            os.Getenv("PATH"),
		},
	}
}

// Run passes args to vessel with --cwd set to Dir.
func (c *CLI) Run(args ...string) (stdout, stderr string, code int) {
	var out, errOut bytes.Buffer

	argv := append([]string{"vessel", "--cwd", c.Dir}, args...)
	code = Run(nil, &out, &errOut, argv, c.Env, nil)

	return out.String(), errOut.String(), code
}

// MustRun returns trimmed stdout of a successful run.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("vessel %s: exit %d\nstderr:\n%s", strings.Join(args, " "), code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail returns trimmed stderr of a failed run.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code == 0 {
		c.t.Fatalf("vessel %s: succeeded, want failure\nstdout:\n%s", strings.Join(args, " "), stdout)
	}

	return strings.TrimSpace(stderr)
}

func (c *CLI) Path(rel string) string {
	return filepath.Join(c.Dir, rel)
}

func (c *CLI) WriteFile(rel, content string) {
	c.t.Helper()

	c.Mkdir(filepath.Dir(rel))

	err := os.WriteFile(c.Path(rel), []byte(content), 0o644)
	if err != nil {
		c.t.Fatal(err)
	}
}

func (c *CLI) Mkdir(rel string) string {
	c.t.Helper()

	path := c.Path(rel)

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		c.t.Fatal(err)
	}

	return path
}

func (c *CLI) ReadFile(rel string) string {
	c.t.Helper()

	data, err := os.ReadFile(c.Path(rel))
	if err != nil {
		c.t.Fatal(err)
	}

	return string(data)
}

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(ansiEscape.ReplaceAllString(content, ""), substr) {
		t.Errorf("missing %q in:\n%s", substr, content)
	}
}

func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(ansiEscape.ReplaceAllString(content, ""), substr) {
		t.Errorf("unexpected %q in:\n%s", substr, content)
	}
}
