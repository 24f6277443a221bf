package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenNoFilesExist(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	cfg, err := Load(dir, "", Config{})
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadProjectFileOverridesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	body := `{
		// project-local override
		"block_size": 8192,
		"host_path": "custom.img",
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, "", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BlockSize != 8192 {
		t.Fatalf("BlockSize = %d, want 8192", cfg.BlockSize)
	}
	if cfg.HostPath != "custom.img" {
		t.Fatalf("HostPath = %q, want custom.img", cfg.HostPath)
	}
}

func TestLoadCLIOverrideWinsOverFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(`{"block_size": 8192}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, "", Config{BlockSize: 2048})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BlockSize != 2048 {
		t.Fatalf("BlockSize = %d, want 2048 (CLI override)", cfg.BlockSize)
	}
}

func TestLoadExplicitConfigPathMustExist(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	if _, err := Load(dir, "missing.jsonc", Config{}); err == nil {
		t.Fatal("expected an error for a missing explicit config path")
	}
}
