//go:build linux

package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/vessel/sandbox"
	"github.com/google/go-cmp/cmp"
)

func Test_Command_Builds_Bwrap_Invocation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	mustWriteFile(t, data, "payload")

	file, err := os.Open(data)
	if err != nil {
		t.Fatal(err)
	}

	cmd, cleanup, err := sandbox.Command(t.Context(), sandbox.CommandOptions{
		Options: []string{"--die-with-parent"},
		Ops: []sandbox.Op{
			sandbox.RoBindOp("/usr", "/usr"),
			{Kind: sandbox.OpRoBindData, FD: sandbox.FirstExtraFD, Dst: "/etc/data"},
		},
		Files: []*os.File{file},
		Argv:  []string{"cat", "/etc/data"},
		Dir:   dir,
		Bwrap: "/opt/bin/bwrap",
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	want := []string{
		"/opt/bin/bwrap", "--die-with-parent",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-data", "3", "/etc/data",
		"--", "cat", "/etc/data",
	}

	if diff := cmp.Diff(want, cmd.Args); diff != "" {
		t.Errorf("args (-want +got):\n%s", diff)
	}

	if cmd.Dir != dir || len(cmd.Env) != 0 || cmd.Env == nil {
		t.Errorf("dir = %q env = %#v, want %q and an empty environment", cmd.Dir, cmd.Env, dir)
	}

	if len(cmd.ExtraFiles) != 1 || cmd.ExtraFiles[0] != file {
		t.Errorf("ExtraFiles = %v", cmd.ExtraFiles)
	}

	err = cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if cleanup() != nil {
		t.Error("second cleanup should be a no-op")
	}

	if _, err := file.Stat(); err == nil {
		t.Error("cleanup should close the backing files")
	}
}

func Test_Command_Returns_Error_When_Invocation_Is_Incomplete(t *testing.T) {
	t.Parallel()

	tests := map[string]sandbox.CommandOptions{
		"no argv": {Bwrap: "/bin/true"},
		"fd without file": {
			Bwrap: "/bin/true",
			Argv:  []string{"true"},
			Ops:   []sandbox.Op{{Kind: sandbox.OpRoBindData, FD: 3, Dst: "/x"}},
		},
		"invalid op": {
			Bwrap: "/bin/true",
			Argv:  []string{"true"},
			Ops:   []sandbox.Op{{Kind: sandbox.OpKind(99), Dst: "/x"}},
		},
	}

	for name, opts := range tests {
		cmd, cleanup, err := sandbox.Command(t.Context(), opts)
		if err == nil || cmd != nil {
			t.Errorf("%s: Command = %v, %v; want error", name, cmd, err)
		}

		if cleanup() != nil {
			t.Errorf("%s: cleanup after failure should be a no-op", name)
		}
	}
}
