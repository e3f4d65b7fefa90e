//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/vessel/sandbox"
	"github.com/tailscale/hujson"
)

// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// Config holds the application configuration.
type Config struct {
	// Sysroot is where host paths are looked up. Empty means "/".
	Sysroot string              `json:"sysroot,omitempty"`
	HostOS  *sandbox.ExportMode `json:"host_os,omitempty"`
	HostEtc *sandbox.ExportMode `json:"host_etc,omitempty"`

	// Reserved replaces the built-in reserved path list when set.
	Reserved []string `json:"reserved,omitempty"`

	Exports ExportsConfig `json:"exports"`
	Mtree   MtreeConfig   `json:"mtree"`

	// Resolved (not serialized)
	EffectiveCwd      string            `json:"-"`
	LoadedConfigFiles map[string]string `json:"-"`
}

// ExportsConfig holds the paths to share with the container.
type ExportsConfig struct {
	Ro             []string `json:"ro,omitempty"`
	Rw             []string `json:"rw,omitempty"`
	Tmpfs          []string `json:"tmpfs,omitempty"`
	Dirs           []string `json:"dirs,omitempty"`
	SymlinkTargets []string `json:"symlink_targets,omitempty"`
}

// MtreeConfig holds defaults for apply, verify, generate and copy.
type MtreeConfig struct {
	ExpectHardLinks *bool `json:"expect_hard_links,omitempty"`
	ChmodMayFail    *bool `json:"chmod_may_fail,omitempty"`
	Jobs            int   `json:"jobs,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		HostOS:  modePtr(sandbox.ModeNone),
		HostEtc: modePtr(sandbox.ModeNone),
		Mtree: MtreeConfig{
			ExpectHardLinks: boolPtr(false),
			ChmodMayFail:    boolPtr(false),
		},
		LoadedConfigFiles: map[string]string{},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func modePtr(m sandbox.ExportMode) *sandbox.ExportMode {
	return &m
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // --config flag value
	Env             map[string]string // Environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/vessel/config.json or config.jsonc
//     (defaults to ~/.config/vessel/)
//  3. Project config OR --config path (not both):
//     - Without --config: .vessel.json or .vessel.jsonc in workDir
//     - With --config: uses that path instead of project config
//
// Both extensions accept comments and trailing commas via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := DefaultConfig()

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	err = mergeConfigFile(&cfg, "global", globalConfigBasePath)
	if err != nil {
		return Config{}, err
	}

	if input.ConfigPath != "" {
		configPath := input.ConfigPath
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		explicitCfg, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
		cfg.LoadedConfigFiles["explicit"] = configPath
	} else {
		err = mergeConfigFile(&cfg, "project", filepath.Join(workDir, ".vessel"))
		if err != nil {
			return Config{}, err
		}
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// mergeConfigFile merges basePath.json or basePath.jsonc into cfg if one
// exists. A missing file is not an error; an invalid one is.
func mergeConfigFile(cfg *Config, source, basePath string) error {
	if basePath == "" {
		return nil
	}

	path, err := findConfigFile(basePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return err
	}

	loaded, err := loadConfigFile(path)
	if err != nil {
		return err
	}

	*cfg = mergeConfigs(cfg, &loaded)
	cfg.LoadedConfigFiles[source] = path

	return nil
}

// findConfigFile finds a config file at the given base path.
// It checks for both .json and .jsonc extensions and returns an error if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", err
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", err
	}

	switch {
	case jsonExists && jsoncExists:
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	case jsonExists:
		return jsonPath, nil
	case jsoncExists:
		return jsoncPath, nil
	default:
		return "", os.ErrNotExist
	}
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values.
func mergeConfigs(base, override *Config) Config {
	result := *base

	if override.Sysroot != "" {
		result.Sysroot = override.Sysroot
	}

	if override.HostOS != nil {
		result.HostOS = override.HostOS
	}

	if override.HostEtc != nil {
		result.HostEtc = override.HostEtc
	}

	if override.Reserved != nil {
		result.Reserved = override.Reserved
	}

	if len(override.Exports.Ro) > 0 {
		result.Exports.Ro = override.Exports.Ro
	}

	if len(override.Exports.Rw) > 0 {
		result.Exports.Rw = override.Exports.Rw
	}

	if len(override.Exports.Tmpfs) > 0 {
		result.Exports.Tmpfs = override.Exports.Tmpfs
	}

	if len(override.Exports.Dirs) > 0 {
		result.Exports.Dirs = override.Exports.Dirs
	}

	if len(override.Exports.SymlinkTargets) > 0 {
		result.Exports.SymlinkTargets = override.Exports.SymlinkTargets
	}

	if override.Mtree.ExpectHardLinks != nil {
		result.Mtree.ExpectHardLinks = override.Mtree.ExpectHardLinks
	}

	if override.Mtree.ChmodMayFail != nil {
		result.Mtree.ChmodMayFail = override.Mtree.ChmodMayFail
	}

	if override.Mtree.Jobs > 0 {
		result.Mtree.Jobs = override.Mtree.Jobs
	}

	return result
}

// getUserConfigBasePath returns the user config base path (without extension).
// Uses env map for XDG_CONFIG_HOME instead of os.Getenv().
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "vessel", "config"), nil
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "vessel", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "vessel", "config"), nil
}
