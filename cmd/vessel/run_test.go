//go:build linux

package main

import (
	"bytes"
	"os"
	"testing"
)

func Test_Run_Shows_Help_When_No_Args(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run()

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "vessel - compose container filesystems")
	AssertContains(t, stdout, "Commands:")
}

func Test_Run_Help_Shows_All_Commands_And_Aliases(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout := c.MustRun("--help")

	for _, name := range []string{"exports (plan)", "exec (run)", "apply", "verify", "generate", "copy"} {
		AssertContains(t, stdout, name)
	}

	AssertContains(t, stdout, "Run 'vessel <command> --help' for more information on a command.")
}

func Test_Run_Shows_Version_When_Version_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout := c.MustRun("--version")

	AssertContains(t, stdout, "vessel dev (built from source)")
}

func Test_Run_Fails_With_Error_When_Unknown_Global_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("--bogus")

	AssertContains(t, stderr, "error:")
	AssertContains(t, stderr, "Global flags:")
}

func Test_Run_Fails_When_Command_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("frobnicate")

	AssertContains(t, stderr, `unknown command "frobnicate"`)
}

func Test_Run_Shows_Command_Help_When_Help_Flag_After_Command(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout := c.MustRun("verify", "--help")

	AssertContains(t, stdout, "Usage: vessel verify [flags] <manifest> <root>")
	AssertContains(t, stdout, "--minimized-runtime")
}

func Test_Run_Reports_Flag_Error_With_Command_Usage(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("apply", "--no-such-flag")

	AssertContains(t, stderr, "error:")
	AssertContains(t, stderr, "Usage: vessel apply")
}

func Test_WaitForCommand_Returns_130_When_Interrupted_And_Command_Cleans_Up(t *testing.T) {
	t.Parallel()

	done := make(chan int, 1)
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	var stderr bytes.Buffer

	code := waitForCommand(done, sigCh, func() { done <- 0 }, &stderr)
	if code != exitInterrupted {
		t.Errorf("exit code = %d, want %d", code, exitInterrupted)
	}

	AssertContains(t, stderr.String(), "Interrupted, waiting up to 10s for cleanup")
	AssertContains(t, stderr.String(), "Cleanup complete.")
}

func Test_WaitForCommand_Returns_Command_Code_When_Not_Interrupted(t *testing.T) {
	t.Parallel()

	done := make(chan int, 1)
	done <- 3

	var stderr bytes.Buffer

	code := waitForCommand(done, make(chan os.Signal), func() {}, &stderr)
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	if stderr.Len() != 0 {
		t.Errorf("stderr = %q, want empty", stderr.String())
	}
}
