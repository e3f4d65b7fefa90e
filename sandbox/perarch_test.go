//go:build linux

package sandbox_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/vessel/sandbox"
)

func newPerArchDirs(t *testing.T, libdl sandbox.LibdlExpander) *sandbox.PerArchDirs {
	t.Helper()

	if len(sandbox.SupportedArchitectures()) == 0 {
		t.Skip("no per-arch layout for this architecture")
	}

	dirs, err := sandbox.NewPerArchDirs(libdl, nil)
	if err != nil {
		t.Fatalf("NewPerArchDirs: %v", err)
	}

	t.Cleanup(func() { _ = dirs.Close() })

	return dirs
}

func Test_NewPerArchDirs_Uses_Platform_Token_When_Standardized(t *testing.T) {
	t.Parallel()

	dirs := newPerArchDirs(t, sandbox.StandardizedLibdl())
	archs := sandbox.SupportedArchitectures()

	if want := filepath.Join(dirs.Root, "${PLATFORM}"); dirs.TokenPath != want {
		t.Errorf("TokenPath = %q, want %q", dirs.TokenPath, want)
	}

	if len(dirs.ABIPaths) != len(archs) {
		t.Fatalf("ABIPaths = %v, want one per architecture", dirs.ABIPaths)
	}

	for i, arch := range archs {
		if want := filepath.Join(dirs.Root, arch.Platforms[0]); dirs.ABIPaths[i] != want {
			t.Errorf("ABIPaths[%d] = %q, want %q", i, dirs.ABIPaths[i], want)
		}

		info, err := os.Stat(dirs.ABIPaths[i])
		if err != nil || !info.IsDir() || info.Mode().Perm() != 0o700 {
			t.Errorf("%s: %v, %v", dirs.ABIPaths[i], info, err)
		}
	}

	if !strings.HasPrefix(filepath.Base(dirs.Root), "pressure-vessel-libs-") {
		t.Errorf("Root = %q", dirs.Root)
	}
}

func Test_NewPerArchDirs_Prefers_Multiarch_Lib_Token(t *testing.T) {
	t.Parallel()

	table := sandbox.LibdlTable{Libs: map[string]string{}}
	for _, arch := range sandbox.SupportedArchitectures() {
		table.Libs[arch.Tuple] = "lib/" + arch.Tuple
	}

	dirs := newPerArchDirs(t, table)

	if want := filepath.Join(dirs.Root, "${LIB}"); dirs.TokenPath != want {
		t.Errorf("TokenPath = %q, want %q", dirs.TokenPath, want)
	}

	for i, arch := range sandbox.SupportedArchitectures() {
		if want := filepath.Join(dirs.Root, "lib", arch.Tuple); dirs.ABIPaths[i] != want {
			t.Errorf("ABIPaths[%d] = %q, want %q", i, dirs.ABIPaths[i], want)
		}
	}
}

func Test_NewPerArchDirs_Returns_Error_When_No_Scheme_Matches(t *testing.T) {
	t.Parallel()

	if len(sandbox.SupportedArchitectures()) == 0 {
		t.Skip("no per-arch layout for this architecture")
	}

	_, err := sandbox.NewPerArchDirs(sandbox.LibdlTable{}, nil)
	if err == nil {
		t.Fatal("NewPerArchDirs succeeded with an empty expander")
	}
}

func Test_SetUpVdpauOverrides_Links_Existing_Drivers(t *testing.T) {
	t.Parallel()

	dirs := newPerArchDirs(t, sandbox.StandardizedLibdl())
	archs := sandbox.SupportedArchitectures()

	overrides := t.TempDir()
	mustCreateDir(t, filepath.Join(overrides, archs[0].Tuple, "vdpau"))

	value, err := dirs.SetUpVdpauOverrides(overrides)
	if err != nil {
		t.Fatalf("SetUpVdpauOverrides: %v", err)
	}

	if want := filepath.Join(dirs.TokenPath, "vdpau"); value != want {
		t.Errorf("value = %q, want %q", value, want)
	}

	target, err := os.Readlink(filepath.Join(dirs.ABIPaths[0], "vdpau"))
	if err != nil || target != filepath.Join(overrides, archs[0].Tuple, "vdpau") {
		t.Errorf("link = %q, %v", target, err)
	}

	for _, path := range dirs.ABIPaths[1:] {
		if _, err := os.Lstat(filepath.Join(path, "vdpau")); err == nil {
			t.Errorf("%s/vdpau created without a driver directory", path)
		}
	}

	root := dirs.Root

	err = dirs.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("Close left %s behind", root)
	}
}
