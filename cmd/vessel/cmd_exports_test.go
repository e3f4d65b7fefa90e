//go:build linux

package main

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/calvinalkan/vessel/sandbox"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func Test_Exports_Prints_Bwrap_Args_One_Op_Per_Line(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/srv/data/cache")

	stdout := c.MustRun("exports", "--sysroot", c.Path("root"), "--ro", "/srv/data", "--tmpfs", "/srv/data/cache")

	want := "--ro-bind /srv/data /srv/data\n--tmpfs /srv/data/cache"
	if stdout != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
}

func Test_Exports_Merges_Config_And_Flags_With_Stronger_Mode_Winning(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/srv")
	c.WriteFile(".vessel.json", `{"sysroot": "root", "exports": {"ro": ["/srv"]}}`)

	stdout := c.MustRun("plan", "--rw", "/srv", "-o", "json")

	var report struct {
		Entries []sandbox.Entry `json:"entries"`
		Ops     []sandbox.Op    `json:"ops"`
	}

	err := json.Unmarshal([]byte(stdout), &report)
	if err != nil {
		t.Fatalf("unmarshal %q: %v", stdout, err)
	}

	wantEntries := []sandbox.Entry{{Path: "/srv", Mode: sandbox.ModeReadWrite}}
	if diff := cmp.Diff(wantEntries, report.Entries); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}

	wantOps := []sandbox.Op{sandbox.BindOp("/srv", "/srv")}
	if diff := cmp.Diff(wantOps, report.Ops); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}
}

func Test_Exports_Skips_Reserved_Path_With_Warning(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/usr")

	stdout, stderr, code := c.Run("exports", "--sysroot", c.Path("root"), "--ro", "/usr")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	if strings.TrimSpace(stdout) != "" {
		t.Errorf("stdout = %q, want no operations", stdout)
	}

	AssertContains(t, stderr, `Unable to share \"/usr\" with container`)
}

func Test_Exports_Honours_Configured_Reserved_List(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/usr")
	c.Mkdir("root/proc")
	c.WriteFile(".vessel.json", `{"reserved": ["/proc"]}`)

	stdout, stderr, code := c.Run("exports", "--sysroot", c.Path("root"), "--ro", "/usr", "--ro", "/proc")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	if stdout != "--ro-bind /usr /usr\n" {
		t.Errorf("stdout = %q, want only /usr", stdout)
	}

	AssertContains(t, stderr, `\"/proc\"`)
}

func Test_Exports_Expands_Globs_Below_Sysroot(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/opt/a")
	c.Mkdir("root/opt/b")
	c.WriteFile("root/opt/c.txt", "")

	stdout := c.MustRun("exports", "--sysroot", c.Path("root"), "--ro", "/opt/*", "-o", "yaml")

	var report struct {
		Entries []sandbox.Entry `yaml:"entries"`
	}

	err := yaml.Unmarshal([]byte(stdout), &report)
	if err != nil {
		t.Fatalf("unmarshal %q: %v", stdout, err)
	}

	want := []sandbox.Entry{
		{Path: "/opt/a", Mode: sandbox.ModeReadOnly},
		{Path: "/opt/b", Mode: sandbox.ModeReadOnly},
		{Path: "/opt/c.txt", Mode: sandbox.ModeReadOnly},
	}
	if diff := cmp.Diff(want, report.Entries); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
}

func Test_Exports_Prints_OCI_Mounts(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/srv")
	c.Mkdir("root/scratch")

	stdout := c.MustRun("exports", "--sysroot", c.Path("root"), "--ro", "/srv", "--dir", "/scratch", "-o", "oci")

	var report struct {
		Mounts []struct {
			Destination string   `json:"destination"`
			Type        string   `json:"type"`
			Source      string   `json:"source"`
			Options     []string `json:"options"`
		} `json:"mounts"`
		Unmapped []sandbox.Op `json:"unmapped"`
	}

	err := json.Unmarshal([]byte(stdout), &report)
	if err != nil {
		t.Fatalf("unmarshal %q: %v", stdout, err)
	}

	if len(report.Mounts) != 1 || report.Mounts[0].Destination != "/srv" || report.Mounts[0].Source != "/srv" {
		t.Fatalf("mounts = %+v, want one bind of /srv", report.Mounts)
	}

	if diff := cmp.Diff([]sandbox.Op{sandbox.DirOp("/scratch")}, report.Unmapped); diff != "" {
		t.Errorf("unmapped (-want +got):\n%s", diff)
	}
}

func Test_Exports_Debug_Reports_Requests_And_Config(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/srv")
	c.WriteFile(".vessel.json", `{"sysroot": "root"}`)

	_, stderr, code := c.Run("exports", "--debug", "--ro", "/srv")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	AssertContains(t, stderr, "=== Config Loading ===")
	AssertContains(t, stderr, "Project config: "+c.Path(".vessel.json"))
	AssertContains(t, stderr, "/srv [ro] (from cli)")
	AssertContains(t, stderr, "• /srv: ro")
}

func Test_Exports_Fails_When_Output_Format_Unknown(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("exports", "-o", "toml")

	AssertContains(t, stderr, `unknown output format "toml"`)
}

func Test_Exec_Dry_Run_Prints_Bwrap_Command(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("root/srv")

	bwrap := c.Path("fake-bwrap")
	c.WriteFile("fake-bwrap", "#!/bin/sh\nexit 0\n")

	err := os.Chmod(bwrap, 0o755)
	if err != nil {
		t.Fatal(err)
	}

	stdout := c.MustRun("exec", "--dry-run", "--bwrap", bwrap, "--sysroot", c.Path("root"), "--ro", "/srv", "--", "sh", "-c", "echo hi")

	AssertContains(t, stdout, bwrap+" --die-with-parent")
	AssertContains(t, stdout, "--proc /proc")
	AssertContains(t, stdout, "--ro-bind /srv /srv -- sh -c 'echo hi'")
}

func Test_Exec_Fails_When_No_Command(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("exec")

	AssertContains(t, stderr, "no command specified")
}

func Test_Exec_Dry_Run_Sets_Vdpau_Driver_Path_When_Overrides_Given(t *testing.T) {
	t.Parallel()

	if len(sandbox.SupportedArchitectures()) == 0 {
		t.Skip("no per-arch layout for this architecture")
	}

	c := NewCLITester(t)
	c.Mkdir("root")
	overrides := c.Mkdir("overrides")

	stdout := c.MustRun("exec", "--dry-run", "--bwrap", "/usr/bin/bwrap", "--sysroot", c.Path("root"),
		"--vdpau-overrides", overrides, "--", "true")

	AssertContains(t, stdout, "--setenv VDPAU_DRIVER_PATH ")
	AssertContains(t, stdout, "${PLATFORM}/vdpau")
	AssertContains(t, stdout, "--ro-bind "+overrides+" "+overrides)

	stderr := c.MustFail("exec", "--bwrap", "/usr/bin/bwrap", "--vdpau-overrides", "relative", "--", "true")
	AssertContains(t, stderr, "is not absolute")
}
