//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// BindUsr returns the operations that make the OS tree in provider appear
// at containerDest: its usr directory read-only at containerDest/usr, and
// bin, sbin, lib* (but not libexec) and .ref recreated beside it, as
// symlinks where provider has symlinks and as binds otherwise.
//
// If provider has no usr directory it is taken to be a merged /usr itself.
// providerHost is where provider lives in the host namespace; the bind
// sources use it.
func BindUsr(provider *Sysroot, providerHost, containerDest string) ([]Op, error) {
	if !strings.HasPrefix(providerHost, "/") || !strings.HasPrefix(containerDest, "/") {
		return nil, kindErrorf(ErrInvalidArgument, "BindUsr needs absolute paths, not %q and %q", providerHost, containerDest)
	}

	var ops []Op

	hostPathIsUsr := false

	usrFD, _, err := provider.Resolve("usr", ResolveMustBeDirectory)
	if err == nil {
		_ = unix.Close(usrFD)

		ops = append(ops, RoBindOp(filepath.Join(providerHost, "usr"), filepath.Join(containerDest, "usr")))
	} else {
		hostPathIsUsr = true

		ops = append(ops, RoBindOp(providerHost, filepath.Join(containerDest, "usr")))
	}

	members, err := readDirNames(provider, ".")
	if err != nil {
		return nil, err
	}

	for _, member := range members {
		if !isUsrCompanion(member) {
			continue
		}

		dest := filepath.Join(containerDest, member)

		if hostPathIsUsr {
			ops = append(ops, SymlinkOp("usr/"+member, dest))

			continue
		}

		target, err := provider.Readlink("/" + member)
		if err == nil {
			ops = append(ops, SymlinkOp(target, dest))
		} else {
			ops = append(ops, RoBindOp(filepath.Join(providerHost, member), dest))
		}
	}

	return ops, nil
}

func isUsrCompanion(member string) bool {
	return (strings.HasPrefix(member, "lib") && member != "libexec") ||
		member == "bin" || member == "sbin" || member == ".ref"
}

// readDirNames lists the directory at path inside root, sorted.
func readDirNames(root *Sysroot, path string) ([]string, error) {
	fd, _, err := root.Resolve(path, ResolveMustBeDirectory|ResolveReadable)
	if err != nil {
		return nil, fmt.Errorf("listing %q in %s: %w", path, root.Path(), err)
	}

	dir := os.NewFile(uintptr(fd), path)
	defer func() { _ = dir.Close() }()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("listing %q in %s: %w", path, root.Path(), err)
	}

	slices.Sort(names)

	return names, nil
}

// CopyTreeOps returns operations that recreate every directory, symlink
// and regular file below source at dest inside the container. source must
// end with dest, for example /tmp/xyz/overrides/lib for /overrides/lib.
//
// File contents are passed by descriptor, so they survive source being
// deleted. The returned files become the child's descriptors firstChildFD,
// firstChildFD+1 and so on; the caller must pass them as ExtraFiles in
// that order and close them afterwards.
func CopyTreeOps(source, dest string, firstChildFD int, logger *slog.Logger) ([]Op, []*os.File, error) {
	if !strings.HasPrefix(dest, "/") || !strings.HasSuffix(source, dest) {
		return nil, nil, kindErrorf(ErrInvalidArgument, "%q must be absolute and a suffix of %q", dest, source)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	prefixLen := len(source) - len(dest)

	var (
		ops   []Op
		files []*os.File
	)

	err := filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		inContainer := path[prefixLen:]

		switch {
		case entry.IsDir():
			ops = append(ops, DirOp(inContainer))
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}

			ops = append(ops, SymlinkOp(target, inContainer))
		case entry.Type().IsRegular():
			file, err := os.Open(path)
			if err != nil {
				logger.Warn("Unable to copy file into container: " + err.Error())

				return nil
			}

			info, err := file.Stat()
			if err != nil {
				_ = file.Close()

				return err
			}

			files = append(files, file)
			ops = append(ops, Op{
				Kind:  OpRoBindData,
				Dst:   inContainer,
				FD:    firstChildFD + len(files) - 1,
				Perms: info.Mode().Perm(),
			})
		default:
			logger.Warn(fmt.Sprintf("Don't know how to handle file type %s at %s", entry.Type(), path))
		}

		return nil
	})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("copying %s into container: %w", source, err), closeFiles(files...))
	}

	return ops, files, nil
}

// APIFilesystems returns the operations that provide /dev, /proc and /sys,
// plus /run/shm when the host's /dev/shm is a symlink to it. sysfsMode must
// be ModeReadOnly or stronger. root is checked for /dev/shm.
func APIFilesystems(root *Sysroot, sysfsMode ExportMode, logger *slog.Logger) ([]Op, error) {
	if sysfsMode < ModeReadOnly {
		return nil, kindErrorf(ErrInvalidArgument, "/sys cannot be shared with mode %q", sysfsMode)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ops := []Op{
		{Kind: OpDevBind, Src: "/dev", Dst: "/dev"},
		{Kind: OpProc, Dst: "/proc"},
		bindOp(sysfsMode, "/sys", "/sys"),
	}

	link, err := root.Readlink("/dev/shm")

	switch {
	case err != nil:
	case link == "/run/shm":
		st, err := root.Stat("/run/shm", true)
		if err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
			ops = append(ops, BindOp("/run/shm", "/run/shm"))
		} else {
			ops = append(ops, DirOp("/run/shm"))
		}
	default:
		logger.Warn("Unexpected /dev/shm symlink " + link)
	}

	return ops, nil
}
