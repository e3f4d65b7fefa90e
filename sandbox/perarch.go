//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

// Multiarch describes one supported ABI.
type Multiarch struct {
	Tuple     string
	Platforms []string

	multiarchLib string
	fhsLib       string
	archLib      string
}

// SupportedArchitectures returns the ABIs that per-arch directories are
// created for on this machine.
func SupportedArchitectures() []Multiarch {
	switch runtime.GOARCH {
	case "amd64", "386":
		return []Multiarch{
			{
				Tuple:        "x86_64-linux-gnu",
				Platforms:    []string{"xeon_phi", "haswell", "x86_64"},
				multiarchLib: "lib/x86_64-linux-gnu",
				fhsLib:       "lib64",
				archLib:      "lib",
			},
			{
				Tuple:        "i386-linux-gnu",
				Platforms:    []string{"i686", "i586", "i486", "i386"},
				multiarchLib: "lib/i386-linux-gnu",
				fhsLib:       "lib",
				archLib:      "lib32",
			},
		}
	case "arm64":
		return []Multiarch{
			{
				Tuple:        "aarch64-linux-gnu",
				Platforms:    []string{"aarch64"},
				multiarchLib: "lib/aarch64-linux-gnu",
				fhsLib:       "lib",
			},
		}
	default:
		return nil
	}
}

// LibdlExpander reports how the dynamic linker expands its string tokens for
// an ABI.
type LibdlExpander interface {
	// Lib returns the expansion of ${LIB}.
	Lib(tuple string) (string, error)
	// Platform returns the expansion of ${PLATFORM}.
	Platform(tuple string) (string, error)
}

// LibdlTable is a LibdlExpander backed by fixed expansions, keyed by tuple.
// Missing entries are errors.
type LibdlTable struct {
	Libs      map[string]string
	Platforms map[string]string
}

// Lib implements [LibdlExpander].
func (t LibdlTable) Lib(tuple string) (string, error) {
	if lib, ok := t.Libs[tuple]; ok {
		return lib, nil
	}

	return "", fmt.Errorf("unknown expansion of ${LIB} for %s", tuple)
}

// Platform implements [LibdlExpander].
func (t LibdlTable) Platform(tuple string) (string, error) {
	if platform, ok := t.Platforms[tuple]; ok {
		return platform, nil
	}

	return "", fmt.Errorf("unknown expansion of ${PLATFORM} for %s", tuple)
}

// StandardizedLibdl returns an expander with no ${LIB} expansion and the first
// listed platform of each ABI, which forces the ${PLATFORM} scheme.
func StandardizedLibdl() LibdlTable {
	table := LibdlTable{Platforms: map[string]string{}}

	for _, arch := range SupportedArchitectures() {
		table.Platforms[arch.Tuple] = arch.Platforms[0]
	}

	return table
}

// PerArchDirs is a temporary tree with one directory per supported ABI and
// a path containing a dynamic linker token that expands to the right one
// at load time.
type PerArchDirs struct {
	// Root is the temporary directory.
	Root string
	// TokenPath is Root joined with ${LIB} or ${PLATFORM}.
	TokenPath string
	// ABIPaths is parallel to [SupportedArchitectures].
	ABIPaths []string

	logger *slog.Logger
}

type libdlScheme struct {
	name  string
	token string
	// dir returns the ABI directory, or false if the expander disagrees.
	dir func(arch Multiarch, libdl LibdlExpander) (string, bool)
}

var libdlSchemes = []libdlScheme{
	{"multiarch", "${LIB}", func(arch Multiarch, libdl LibdlExpander) (string, bool) {
		lib, err := libdl.Lib(arch.Tuple)

		return arch.multiarchLib, err == nil && lib == arch.multiarchLib
	}},
	{"ubuntu-1204", "lib/${LIB}", func(arch Multiarch, libdl LibdlExpander) (string, bool) {
		lib, err := libdl.Lib(arch.Tuple)

		return arch.multiarchLib, err == nil && lib == arch.Tuple
	}},
	{"fhs", "${LIB}", func(arch Multiarch, libdl LibdlExpander) (string, bool) {
		lib, err := libdl.Lib(arch.Tuple)

		return arch.fhsLib, err == nil && lib == arch.fhsLib
	}},
	{"arch", "${LIB}", func(arch Multiarch, libdl LibdlExpander) (string, bool) {
		lib, err := libdl.Lib(arch.Tuple)

		return arch.archLib, arch.archLib != "" && err == nil && lib == arch.archLib
	}},
	{"platform", "${PLATFORM}", func(arch Multiarch, libdl LibdlExpander) (string, bool) {
		platform, err := libdl.Platform(arch.Tuple)

		return platform, err == nil && platform != ""
	}},
}

// NewPerArchDirs creates the temporary tree, choosing the first token
// scheme that libdl confirms for every supported ABI.
func NewPerArchDirs(libdl LibdlExpander, logger *slog.Logger) (*PerArchDirs, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	archs := SupportedArchitectures()
	if len(archs) == 0 {
		return nil, fmt.Errorf("architecture %s is not supported", runtime.GOARCH)
	}

	root, err := os.MkdirTemp("", "pressure-vessel-libs-")
	if err != nil {
		return nil, fmt.Errorf("Cannot create temporary directory for platform specific libraries: %w", err)
	}

	dirs := &PerArchDirs{Root: root, logger: logger}

	for _, scheme := range libdlSchemes {
		paths := make([]string, 0, len(archs))

		for _, arch := range archs {
			dir, ok := scheme.dir(arch, libdl)
			if !ok {
				break
			}

			paths = append(paths, filepath.Join(root, dir))
		}

		if len(paths) != len(archs) {
			continue
		}

		logger.Debug("Using per-arch directory scheme", "scheme", scheme.name)

		dirs.TokenPath = filepath.Join(root, scheme.token)
		dirs.ABIPaths = paths

		break
	}

	if dirs.ABIPaths == nil {
		return nil, errors.Join(errors.New("Unknown expansion of the dl string token $PLATFORM"), dirs.Close())
	}

	for _, path := range dirs.ABIPaths {
		err := os.MkdirAll(path, 0o700)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("Unable to create %q: %w", path, err), dirs.Close())
		}
	}

	return dirs, nil
}

// Close removes the temporary tree.
func (d *PerArchDirs) Close() error {
	if d.Root == "" {
		return nil
	}

	err := os.RemoveAll(d.Root)
	d.Root = ""

	return err
}

// SetUpVdpauOverrides links <abi>/vdpau to overrides/<tuple>/vdpau for
// every ABI that has one and returns the value for VDPAU_DRIVER_PATH.
func (d *PerArchDirs) SetUpVdpauOverrides(overrides string) (string, error) {
	for i, arch := range SupportedArchitectures() {
		abiPath := filepath.Join(d.ABIPaths[i], "vdpau")
		target := filepath.Join(overrides, arch.Tuple, "vdpau")

		info, err := os.Stat(target)
		if err != nil || !info.IsDir() {
			continue
		}

		d.logger.Debug(fmt.Sprintf("Creating %q -> %q", abiPath, target))

		err = os.Symlink(target, abiPath)
		if err != nil {
			return "", fmt.Errorf("Cannot create symlink %q: %w", abiPath, err)
		}
	}

	value := filepath.Join(d.TokenPath, "vdpau")
	d.logger.Debug(fmt.Sprintf("Setting VDPAU_DRIVER_PATH=%q", value))

	return value, nil
}
