//go:build linux

package mtree_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/calvinalkan/vessel/mtree"
	"github.com/calvinalkan/vessel/sandbox"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
)

func Test_Apply_Creates_Tree_And_Is_Idempotent_When_Applied_Twice(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	mustWriteFile(t, filepath.Join(source, "pool", "env"), []byte("#!/bin/sh\n"), 0o600)

	manifest := writeManifest(t,
		"#mtree",
		". type=dir",
		"./usr/bin type=dir mode=755",
		"./usr/bin/env type=file mode=755 size=10 time=1600000000.0 contents=pool/env",
		"./usr/share/empty type=file mode=644 size=0",
		"./bin type=link link=usr/bin",
	)

	dest := t.TempDir()
	sysroot := mustOpenSysroot(t, dest)

	err := mtree.Apply(t.Context(), manifest, sysroot, source, mtree.Options{})
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	first := snapshot(t, dest)

	want := map[string]string{
		"bin":             "link usr/bin",
		"usr":             "dir 0755",
		"usr/bin":         "dir 0755",
		"usr/bin/env":     "file 0755 10 2020-09-13T12:26:40Z " + sha256Hex([]byte("#!/bin/sh\n"))[:10],
		"usr/share":       "dir 0755",
		"usr/share/empty": "file 0644 0 -",
	}

	if diff := cmp.Diff(want, stripTimes(first, "usr/bin/env")); diff != "" {
		t.Fatalf("tree after first apply (-want +got):\n%s", diff)
	}

	err = mtree.Apply(t.Context(), manifest, sysroot, source, mtree.Options{})
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	// Reopening the empty file with O_TRUNC may touch its mtime, which the
	// manifest does not pin.
	second := snapshot(t, dest)

	if diff := cmp.Diff(stripTimes(first, "usr/bin/env"), stripTimes(second, "usr/bin/env")); diff != "" {
		t.Fatalf("second apply changed the tree (-first +second):\n%s", diff)
	}
}

func Test_Apply_Leaves_Existing_Symlink_Alone(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	mustSymlink(t, "elsewhere", filepath.Join(dest, "bin"))

	manifest := writeManifest(t, "./bin type=link link=usr/bin")

	err := mtree.Apply(t.Context(), manifest, mustOpenSysroot(t, dest), "", mtree.Options{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "bin"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}

	if target != "elsewhere" {
		t.Fatalf("symlink was replaced: points to %q", target)
	}
}

func Test_Apply_Returns_Error_When_File_Missing_Without_Source(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	manifest := writeManifest(t,
		"./opt/maybe type=file size=3 optional",
		"./opt/required type=file size=3",
	)

	err := mtree.Apply(t.Context(), manifest, mustOpenSysroot(t, dest), "", mtree.Options{})
	if err == nil {
		t.Fatal("Apply succeeded, want error for missing required file")
	}

	if !strings.Contains(err.Error(), `Unable to open "./opt/required"`) {
		t.Fatalf("unexpected error: %v", err)
	}

	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("error should wrap ENOENT: %v", err)
	}
}

func Test_Apply_Aborts_When_Manifest_Has_Syntax_Error(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	manifest := writeManifest(t,
		"./first type=dir",
		"./second type=dir mode=999",
		"./third type=dir",
	)

	err := mtree.Apply(t.Context(), manifest, mustOpenSysroot(t, dest), "", mtree.Options{})
	if !errors.Is(err, mtree.ErrSyntax) {
		t.Fatalf("Apply error = %v, want ErrSyntax", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "first")); err != nil {
		t.Fatalf("entries before the bad line should be applied: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "third")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("entries after the bad line must not be applied: %v", err)
	}
}

func Test_Apply_Rejects_Special_Files(t *testing.T) {
	t.Parallel()

	manifest := writeManifest(t, "./null type=char")

	err := mtree.Apply(t.Context(), manifest, mustOpenSysroot(t, t.TempDir()), "", mtree.Options{})
	if err == nil || !strings.Contains(err.Error(), ":1: Special file not supported") {
		t.Fatalf("Apply error = %v", err)
	}
}

func Test_Verify_Succeeds_When_Tree_Matches_Generated_Manifest(t *testing.T) {
	t.Parallel()

	root := newSampleTree(t)
	manifest := mustGenerate(t, root)

	err := mtree.Verify(t.Context(), manifest, mustOpenSysroot(t, root), mtree.Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func Test_Verify_Reports_File_When_Contents_Change(t *testing.T) {
	t.Parallel()

	root := newSampleTree(t)
	manifest := mustGenerate(t, root)

	// Same size, different bytes.
	mustWriteFile(t, filepath.Join(root, "usr", "lib", "libfoo.so"), []byte("LIBFOO"), 0o644)

	err := mtree.Verify(t.Context(), manifest, mustOpenSysroot(t, root), mtree.Options{})
	if !errors.Is(err, mtree.ErrVerification) {
		t.Fatalf("Verify error = %v, want ErrVerification", err)
	}

	var verr *mtree.VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Verify error %T is not a *VerifyError", err)
	}

	if len(verr.Problems) != 1 {
		t.Fatalf("want exactly one problem, got %v", verr.Problems)
	}

	if msg := verr.Problems[0].Error(); !strings.Contains(msg, `"usr/lib/libfoo.so"`) || !strings.Contains(msg, "did not have expected contents") {
		t.Fatalf("problem does not name the file: %s", msg)
	}
}

func Test_Verify_Collects_Every_Problem(t *testing.T) {
	t.Parallel()

	root := newSampleTree(t)
	manifest := mustGenerate(t, root)

	mustWriteFile(t, filepath.Join(root, "usr", "bin", "tool"), []byte("#!/bin/sh\nexit 0\n"), 0o644)
	mustWriteFile(t, filepath.Join(root, "stray"), []byte("x"), 0o644)
	mustCreateDir(t, filepath.Join(root, "extra", "deeper"))

	err := os.Remove(filepath.Join(root, "lib"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	mustSymlink(t, "usr/lib64", filepath.Join(root, "lib"))

	err = mtree.Verify(t.Context(), manifest, mustOpenSysroot(t, root), mtree.Options{})

	var verr *mtree.VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Verify error = %v, want *VerifyError", err)
	}

	var got []string
	for _, problem := range verr.Problems {
		got = append(got, problem.Error())
	}

	wantFragments := []string{
		`"usr/bin/tool" in "` + root + `" should have size`,
		`"lib" in "` + root + `" points to "usr/lib64", expected "usr/lib"`,
		`directory "extra" in "` + root + `" not found in manifest`,
		`regular file "stray" in "` + root + `" not found in manifest`,
	}

	for _, fragment := range wantFragments {
		if !containsFragment(got, fragment) {
			t.Errorf("missing problem %q in:\n%s", fragment, strings.Join(got, "\n"))
		}
	}

	if containsFragment(got, `"extra/deeper"`) {
		t.Errorf("walk should not descend into unexpected directories:\n%s", strings.Join(got, "\n"))
	}
}

func Test_Verify_Reports_Missing_Execute_Bit(t *testing.T) {
	t.Parallel()

	root := newSampleTree(t)
	manifest := mustGenerate(t, root)

	err := os.Chmod(filepath.Join(root, "usr", "bin", "tool"), 0o644)
	if err != nil {
		t.Fatalf("chmod: %v", err)
	}

	err = mtree.Verify(t.Context(), manifest, mustOpenSysroot(t, root), mtree.Options{})
	if err == nil || !strings.Contains(err.Error(), "should be executable, not mode 0644") {
		t.Fatalf("Verify error = %v", err)
	}
}

func Test_Verify_Accepts_Absent_Optional_And_Ignored_Subtrees(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mustCreateDir(t, filepath.Join(root, "var", "cache", "junk"))
	mustWriteFile(t, filepath.Join(root, "var", "cache", "junk", "blob"), []byte("x"), 0o644)

	manifest := writeManifest(t,
		". type=dir",
		"./var type=dir",
		"./var/cache type=dir ignore",
		"./etc/machine-id type=file size=33 optional",
		"./bin type=link link=usr/bin optional",
		"./opt type=dir optional",
	)

	err := mtree.Verify(t.Context(), manifest, mustOpenSysroot(t, root), mtree.Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func Test_Verify_Checks_Nested_Runtime_When_Usr_Mtree_Present(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	content := []byte("hello\n")

	mustCreateDir(t, filepath.Join(root, "rt", "files", "ab"))
	mustWriteFile(t, filepath.Join(root, "rt", "files", "ab", "cdef"), content, 0o755)

	inner := strings.Join([]string{
		"#mtree",
		". type=dir",
		"./usr type=dir",
		"./usr/bin type=dir",
		"./usr/bin/hello type=file mode=755 size=6 sha256=" + sha256Hex(content) + " contents=ab/cdef",
		"./usr/bin/hi type=link link=hello",
		"./usr/share/empty type=file size=0",
	}, "\n")

	mustWriteFile(t, filepath.Join(root, "rt", mtree.RuntimeManifest), gzipBytes(t, inner), 0o644)

	outer := mustGenerate(t, root)
	sysroot := mustOpenSysroot(t, root)

	err := mtree.Verify(t.Context(), outer, sysroot, mtree.Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// An extra file in the pool is only caught by the nested manifest.
	mustWriteFile(t, filepath.Join(root, "rt", "files", "ab", "unused"), nil, 0o644)

	outer = mustGenerate(t, root)

	err = mtree.Verify(t.Context(), outer, sysroot, mtree.Options{})
	if !errors.Is(err, mtree.ErrVerification) {
		t.Fatalf("Verify error = %v, want ErrVerification", err)
	}

	if !strings.Contains(err.Error(), `regular file "ab/unused"`) {
		t.Fatalf("nested verification did not report the extra file: %v", err)
	}
}

func Test_Generate_Writes_Gzip_That_Foreach_Reads_Back(t *testing.T) {
	t.Parallel()

	root := newSampleTree(t)

	var buf bytes.Buffer

	err := mtree.Generate(t.Context(), root, &buf, mtree.GenerateOptions{Flags: mtree.FlagGzip, Jobs: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "mtree.txt.gz")
	mustWriteFile(t, path, buf.Bytes(), 0o644)

	r, err := mtree.Open(path, mtree.FlagGzip)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer func() { _ = r.Close() }()

	got := map[string]string{}

	err = mtree.Foreach(t.Context(), r, path, mtree.Options{}, func(entry mtree.Entry, _ int) error {
		got[entry.Name] = entry.Kind.String()

		return nil
	})
	if err != nil {
		t.Fatalf("Foreach: %v", err)
	}

	want := map[string]string{
		"./lib":               "link",
		"./usr":               "dir",
		"./usr/bin":           "dir",
		"./usr/bin/tool":      "file",
		"./usr/lib":           "dir",
		"./usr/lib/libfoo.so": "file",
		"./usr/share":         "dir",
		"./usr/share/a name":  "file",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func Test_Generate_Records_Sha256_Size_And_Mode(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	content := []byte("payload")
	mustWriteFile(t, filepath.Join(root, "data"), content, 0o640)

	mtime := time.Date(2021, 1, 2, 3, 4, 5, 6000, time.UTC)

	err := os.Chtimes(filepath.Join(root, "data"), mtime, mtime)
	if err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	var buf bytes.Buffer

	err = mtree.Generate(t.Context(), root, &buf, mtree.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var line string

	for _, candidate := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(candidate, "./data ") {
			line = candidate
		}
	}

	entry, err := mtree.ParseEntry(line, "generated", 1)
	if err != nil {
		t.Fatalf("ParseEntry(%q): %v", line, err)
	}

	if entry.Mode != 0o640 || entry.Size != int64(len(content)) || entry.SHA256 != sha256Hex(content) {
		t.Fatalf("entry = %+v", entry)
	}

	got, ok := entry.Mtime()
	if !ok || !got.Equal(mtime) {
		t.Fatalf("mtime = %v, want %v", got, mtime)
	}
}

// newSampleTree builds:
//
//	usr/bin/tool        0755 script
//	usr/lib/libfoo.so   0644 "libfoo"
//	usr/share/a name    0644 empty
//	lib -> usr/lib
func newSampleTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	mustCreateDir(t, filepath.Join(root, "usr", "bin"))
	mustCreateDir(t, filepath.Join(root, "usr", "lib"))
	mustCreateDir(t, filepath.Join(root, "usr", "share"))
	mustWriteFile(t, filepath.Join(root, "usr", "bin", "tool"), []byte("#!/bin/sh\n"), 0o755)
	mustWriteFile(t, filepath.Join(root, "usr", "lib", "libfoo.so"), []byte("libfoo"), 0o644)
	mustWriteFile(t, filepath.Join(root, "usr", "share", "a name"), nil, 0o644)
	mustSymlink(t, "usr/lib", filepath.Join(root, "lib"))

	return root
}

func mustGenerate(t *testing.T, root string) string {
	t.Helper()

	var buf bytes.Buffer

	err := mtree.Generate(t.Context(), root, &buf, mtree.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "mtree.txt")
	mustWriteFile(t, path, buf.Bytes(), 0o644)

	return path
}

func writeManifest(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "manifest.mtree")
	mustWriteFile(t, path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)

	return path
}

func mustOpenSysroot(t *testing.T, path string) *sandbox.Sysroot {
	t.Helper()

	sysroot, err := sandbox.OpenSysroot(path)
	if err != nil {
		t.Fatalf("OpenSysroot: %v", err)
	}

	t.Cleanup(func() { _ = sysroot.Close() })

	return sysroot
}

// snapshot describes every entry below root in one line each.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()

	got := map[string]string{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return err
		}

		rel, _ := filepath.Rel(root, path)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}

			got[rel] = "link " + target
		case info.IsDir():
			got[rel] = "dir " + octal(info.Mode())
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			digest := "-"
			if len(data) > 0 {
				digest = sha256Hex(data)[:10]
			}

			got[rel] = strings.Join([]string{
				"file", octal(info.Mode()), strconv.FormatInt(info.Size(), 10),
				info.ModTime().UTC().Format(time.RFC3339), digest,
			}, " ")
		}

		return nil
	})
	if err != nil {
		t.Fatalf("walk %q: %v", root, err)
	}

	return got
}

// stripTimes drops the mtime from file lines other than keep, which
// depend on when the test ran.
func stripTimes(lines map[string]string, keep ...string) map[string]string {
	out := map[string]string{}

	for name, line := range lines {
		fields := strings.Fields(line)
		if fields[0] == "file" && !containsString(keep, name) {
			fields = append(fields[:3], fields[4:]...)
		}

		out[name] = strings.Join(fields, " ")
	}

	return out
}

func octal(mode fs.FileMode) string {
	return "0" + strconv.FormatUint(uint64(mode.Perm()), 8)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}

	return false
}

func containsFragment(list []string, fragment string) bool {
	for _, item := range list {
		if strings.Contains(item, fragment) {
			return true
		}
	}

	return false
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func gzipBytes(t *testing.T, text string) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)

	_, err := w.Write([]byte(text))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}

	err = w.Close()
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}

	return buf.Bytes()
}

func mustCreateDir(t *testing.T, path string) {
	t.Helper()

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		t.Fatalf("mkdir %q: %v", path, err)
	}
}

func mustSymlink(t *testing.T, target, link string) {
	t.Helper()

	err := os.Symlink(target, link)
	if err != nil {
		t.Fatalf("failed to create symlink %s -> %s: %v", link, target, err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte, perm os.FileMode) {
	t.Helper()

	mustCreateDir(t, filepath.Dir(path))

	err := os.WriteFile(path, data, perm)
	if err != nil {
		t.Fatalf("write %q: %v", path, err)
	}

	err = os.Chmod(path, perm)
	if err != nil {
		t.Fatalf("chmod %q: %v", path, err)
	}
}
