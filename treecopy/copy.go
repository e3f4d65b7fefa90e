//go:build linux

package treecopy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// CopyFileAt copies the regular file srcName (relative to srcDir) to
// dstName (relative to dstDir), replacing any existing file. Data goes to
// a temporary file beside dstName that is renamed into place once the
// permissions and timestamps have been copied. Either directory may be
// [unix.AT_FDCWD].
func CopyFileAt(srcDir int, srcName string, dstDir int, dstName string, flags Flags, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var st unix.Stat_t

	err := unix.Fstatat(srcDir, srcName, &st, 0)
	if err != nil {
		return fmt.Errorf("Unable to stat %q: %w", srcName, err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("%q is not a regular file", srcName)
	}

	return copyFileAt(srcDir, srcName, dstDir, dstName, &st, flags, logger)
}

func copyFileAt(srcDir int, srcName string, dstDir int, dstName string, st *unix.Stat_t, flags Flags, logger *slog.Logger) error {
	srcFD, err := unix.Openat(srcDir, srcName, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("Unable to open %q for reading: %w", srcName, err)
	}

	src := os.NewFile(uintptr(srcFD), srcName)
	defer func() { _ = src.Close() }()

	mode := st.Mode & 0o7777

	// The copy must be writable by us while we fill it, so 0444 becomes 0644.
	temp, dst, err := createTemp(dstDir, dstName, unix.S_IWUSR|mode)
	if err != nil {
		return err
	}

	cleanup := func(cause error) error {
		_ = dst.Close()

		unlinkErr := unix.Unlinkat(dstDir, temp, 0)
		if unlinkErr != nil {
			logger.Warn(fmt.Sprintf("Unable to delete temporary %q: %v", temp, unlinkErr))
		}

		return cause
	}

	_, err = io.Copy(dst, src)
	if err != nil {
		return cleanup(fmt.Errorf("Unable to copy %q to %q: %w", srcName, temp, err))
	}

	err = unix.Fchmod(int(dst.Fd()), mode)
	if err != nil {
		required := uint32(unix.R_OK)
		if mode&0o111 != 0 {
			required |= unix.X_OK
		}

		if !errors.Is(err, unix.EPERM) || flags&FlagChmodMayFail == 0 || unix.Faccessat(dstDir, temp, required, 0) != nil {
			return cleanup(fmt.Errorf("Unable to copy permissions 0%o of %q to %q: %w", mode, srcName, temp, err))
		}

		logger.Info(fmt.Sprintf("Ignoring EPERM copying permissions 0%o of %q to %q", mode, srcName, temp))
	}

	// Timestamps are best-effort.
	_ = unix.UtimesNanoAt(dstDir, temp, []unix.Timespec{st.Atim, st.Mtim}, unix.AT_SYMLINK_NOFOLLOW)

	err = dst.Close()
	if err != nil {
		return cleanup(fmt.Errorf("Unable to write %q: %w", temp, err))
	}

	err = unix.Renameat(dstDir, temp, dstDir, dstName)
	if err != nil {
		return cleanup(fmt.Errorf("Unable to rename %q to %q: %w", temp, dstName, err))
	}

	return nil
}

// createTemp creates name.XXXXXX next to name with the given mode.
func createTemp(dir int, name string, mode uint32) (string, *os.File, error) {
	for range 100 {
		temp := name + "." + strconv.FormatUint(rand.Uint64()%(36*36*36*36*36*36), 36)

		fd, err := unix.Openat(dir, temp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC|unix.O_NOFOLLOW, mode)
		if errors.Is(err, unix.EEXIST) {
			continue
		}

		if err != nil {
			return "", nil, fmt.Errorf("Unable to open %q for writing: %w", temp, err)
		}

		return temp, os.NewFile(uintptr(fd), temp), nil
	}

	return "", nil, fmt.Errorf("Unable to create a temporary file for %q", name)
}
