//go:build linux

package sandbox

import (
	"strings"

	"golang.org/x/sys/unix"
)

// libsNeedEtc are the /etc entries that the host's /usr needs when /usr is
// shared without the rest of /etc.
var libsNeedEtc = []struct {
	name string
	ifmt uint32
}{
	{"ld.so.cache", unix.S_IFREG},
	{"alternatives", unix.S_IFDIR},
}

// Ops serializes the set into namespace-setup operations.
//
// Entries are emitted in path order, so ancestors come before their
// descendants. A bind whose nearest stored ancestor already shares it at
// the same or a stronger mode is left out. Operations that reconstruct
// /run/host follow, then the os-release bind. Entries whose backing path
// has disappeared are skipped.
func (e *ExportSet) Ops() []Op {
	var ops []Op

	e.debugf("Converting exports to bwrap operations...")

	for _, path := range e.sortedKeys() {
		mode := e.entries[path]

		switch mode {
		case ModeSymlink:
			e.debugf("%q is meant to be a symlink", path)

			if e.parentIsMapped(path) {
				e.debugf("Not creating %q as symlink because its parent is already mapped", path)

				continue
			}

			resolved, err := e.sysroot.ResolveLink(path)
			if err != nil {
				e.debugf("Unable to resolve %q in host, skipping: %v", path, err)

				continue
			}

			relative := MakeRelative(parentDir(path), resolved)

			e.debugf("Creating %q -> %q in sandbox", path, relative)

			ops = append(ops, SymlinkOp(relative, path))

		case ModeTmpfs:
			if !e.isDir(path) {
				e.debugf("Not a directory, skipping: %q", path)

				continue
			}

			if e.parentIsMapped(path) {
				e.debugf("Parent of %q is mapped, creating tmpfs to shadow it", path)

				ops = append(ops, TmpfsOp(path))
			} else {
				e.debugf("Parent of %q is not mapped, creating empty directory", path)

				ops = append(ops, DirOp(path))
			}

		case ModeDir:
			if !e.isDir(path) {
				e.debugf("Not a directory, skipping: %q", path)

				continue
			}

			ops = append(ops, DirOp(path))

		default:
			if ancestor, covered := e.coveringAncestor(path, mode); covered {
				e.debugf("Not binding %q separately, %q already shares it", path, ancestor)

				continue
			}

			ops = append(ops, bindOp(mode, path, path))
		}
	}

	if e.hostOS != ModeNone {
		ops = e.appendHostOSOps(ops)
	}

	if e.hostEtc != ModeNone && e.isDirFollow("/etc") {
		ops = append(ops, bindOp(e.hostEtc, "/etc", "/run/host/etc"))
	}

	switch {
	case e.exists("/etc/os-release"):
		ops = append(ops, RoBindOp("/etc/os-release", "/run/host/os-release"))
	case e.exists("/usr/lib/os-release"):
		ops = append(ops, RoBindOp("/usr/lib/os-release", "/run/host/os-release"))
	}

	return ops
}

func (e *ExportSet) appendHostOSOps(ops []Op) []Op {
	if e.isDirFollow("/usr") {
		ops = append(ops, bindOp(e.hostOS, "/usr", "/run/host/usr"))
	}

	// /usr/local points to ../var/usrlocal on ostree systems.
	if e.isDirFollow("/var/usrlocal") {
		ops = append(ops, bindOp(e.hostOS, "/var/usrlocal", "/run/host/var/usrlocal"))
	}

	for _, dir := range UsrmergedDirs {
		runHostDir := "/run/host" + dir

		target, err := e.sysroot.Readlink(dir)

		switch {
		case err == nil && strings.HasPrefix(target, "usr/"):
			ops = append(ops, SymlinkOp(target, runHostDir))
		case err == nil && strings.HasPrefix(target, "/usr/"):
			// The container mounts /usr somewhere else, keep it relative.
			ops = append(ops, SymlinkOp(target[1:], runHostDir))
		case e.isDirFollow(dir):
			ops = append(ops, bindOp(e.hostOS, dir, runHostDir))
		}
	}

	if e.hostEtc == ModeNone {
		for _, item := range libsNeedEtc {
			hostPath := "/etc/" + item.name

			st, err := e.sysroot.Stat(hostPath, true)
			if err == nil && st.Mode&unix.S_IFMT == item.ifmt {
				ops = append(ops, bindOp(e.hostOS, hostPath, "/run/host/etc/"+item.name))
			}
		}
	}

	return ops
}

// coveringAncestor returns the deepest stored strict ancestor of path when
// it already binds path at mode or stronger. A tmpfs, directory or symlink
// entry as the deepest ancestor means path needs its own bind.
func (e *ExportSet) coveringAncestor(path string, mode ExportMode) (string, bool) {
	nearest := ""

	for _, key := range e.sortedKeys() {
		if key != path && HasPathPrefix(path, key) {
			nearest = key
		}
	}

	if nearest == "" {
		return "", false
	}

	ancestorMode := e.entries[nearest]
	if ancestorMode < ModeReadOnly || ancestorMode == ModeSymlink || ancestorMode < mode {
		return "", false
	}

	return nearest, true
}

func bindOp(mode ExportMode, src, dst string) Op {
	if mode == ModeReadOnly {
		return RoBindOp(src, dst)
	}

	return BindOp(src, dst)
}

// isDir reports whether path is a directory, not a symlink to one.
func (e *ExportSet) isDir(path string) bool {
	st, err := e.sysroot.Stat(path, false)

	return err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (e *ExportSet) isDirFollow(path string) bool {
	st, err := e.sysroot.Stat(path, true)

	return err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (e *ExportSet) exists(path string) bool {
	_, err := e.sysroot.Stat(path, true)

	return err == nil
}
