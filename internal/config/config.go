// Package config loads bwtfs's on-disk configuration: a JSONC file parsed
// with hujson, merged over built-in defaults, in turn overridden by
// whatever the caller passes in explicitly (typically parsed CLI flags).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
)

// Config is bwtfs's full set of tunables.
type Config struct {
	BlockSize     int    `json:"block_size"`
	MinSystemSize int64  `json:"system_file_min_size"`
	HostPath      string `json:"host_path"`
	CarrierPath   string `json:"carrier_path,omitempty"`
	LogLevel      string `json:"log_level"`
}

// Default returns the built-in configuration used when nothing else
// overrides it.
func Default() Config {
	return Config{
		BlockSize:     bwtfs.BlockSize,
		MinSystemSize: bwtfs.MinSystemFileSize,
		HostPath:      "bwtfs.img",
		LogLevel:      "info",
	}
}

// FileName is the default project-local config file name.
const FileName = "bwtfs.jsonc"

// globalPath returns $XDG_CONFIG_HOME/bwtfs/config.jsonc, falling back to
// ~/.config/bwtfs/config.jsonc, or "" if neither can be determined.
func globalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bwtfs", "config.jsonc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bwtfs", "config.jsonc")
}

// Load resolves the effective configuration: defaults, then the global
// config file if present, then the project config file at workDir/FileName
// (or the explicit configPath, which must exist if given) if present, then
// override on top of all of that.
func Load(workDir, configPath string, override Config) (Config, error) {
	cfg := Default()

	if gp := globalPath(); gp != "" {
		merged, err := mergeFile(cfg, gp, false)
		if err != nil {
			return Config{}, err
		}
		cfg = merged
	}

	projectPath := configPath
	mustExist := configPath != ""
	if projectPath == "" {
		projectPath = filepath.Join(workDir, FileName)
	} else if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(workDir, projectPath)
	}
	merged, err := mergeFile(cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}
	cfg = merged

	cfg = applyOverride(cfg, override)

	if cfg.BlockSize <= 0 {
		return Config{}, xerrors.Errorf("config: block_size must be positive, got %d", cfg.BlockSize)
	}
	return cfg, nil
}

func mergeFile(base Config, path string, mustExist bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return base, nil
		}
		return Config{}, xerrors.Errorf("reading config %s: %w", path, bwtfs.ErrIO)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, xerrors.Errorf("parsing config %s as JSONC: %w", path, err)
	}
	var patch Config
	if err := json.Unmarshal(standardized, &patch); err != nil {
		return Config{}, xerrors.Errorf("decoding config %s: %w", path, err)
	}
	return applyOverride(base, patch), nil
}

// applyOverride layers patch on top of base, a field at a time: a patch
// field at its zero value means "unset", leaving base's value in place.
func applyOverride(base, patch Config) Config {
	out := base
	if patch.BlockSize != 0 {
		out.BlockSize = patch.BlockSize
	}
	if patch.MinSystemSize != 0 {
		out.MinSystemSize = patch.MinSystemSize
	}
	if patch.HostPath != "" {
		out.HostPath = patch.HostPath
	}
	if patch.CarrierPath != "" {
		out.CarrierPath = patch.CarrierPath
	}
	if patch.LogLevel != "" {
		out.LogLevel = patch.LogLevel
	}
	return out
}
