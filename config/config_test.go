package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func TestWriteDefaultTOML(t *testing.T) {
	t.Parallel()

	t.Run("creates new config file", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "nested", "test.toml")
		if err := WriteDefaultTOML(configPath, testConfig{Name: "test", Value: 42}); err != nil {
			t.Fatalf("WriteDefaultTOML() failed: %v", err)
		}

		content, err := os.ReadFile(configPath)
		if err != nil {
			t.Fatalf("Failed to read config file: %v", err)
		}
		if !strings.Contains(string(content), `name = "test"`) {
			t.Error("Config file missing expected name value")
		}
		if !strings.Contains(string(content), "value = 42") {
			t.Error("Config file missing expected value")
		}
	})

	t.Run("does not overwrite existing file", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "existing.toml")
		existing := "name = \"old\"\nvalue = 99\n"
		if err := os.WriteFile(configPath, []byte(existing), 0644); err != nil {
			t.Fatalf("Failed to create existing file: %v", err)
		}

		err := WriteDefaultTOML(configPath, testConfig{Name: "new", Value: 1})
		if err == nil {
			t.Fatal("WriteDefaultTOML() should have failed for existing file")
		}
		if !strings.Contains(err.Error(), "already exists") {
			t.Errorf("Error should mention 'already exists', got: %v", err)
		}

		content, _ := os.ReadFile(configPath)
		if string(content) != existing {
			t.Errorf("existing file was modified: %q", content)
		}
	})
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()

	t.Run("keeps defaults for absent keys", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "partial.toml")
		if err := os.WriteFile(configPath, []byte("name = \"loaded\"\n"), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := testConfig{Name: "default", Value: 7}
		if err := LoadTOML(configPath, &cfg); err != nil {
			t.Fatalf("LoadTOML() failed: %v", err)
		}
		if cfg.Name != "loaded" || cfg.Value != 7 {
			t.Errorf("cfg = %+v, want name loaded and value 7", cfg)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		var cfg testConfig
		err := LoadTOML(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("expected not found error, got %v", err)
		}
	})

	t.Run("invalid syntax", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "bad.toml")
		if err := os.WriteFile(configPath, []byte("name = \n"), 0644); err != nil {
			t.Fatal(err)
		}
		var cfg testConfig
		if err := LoadTOML(configPath, &cfg); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("THERMO_CONFIG", "")
	if got := ResolveConfigPath("flag.toml"); got != "flag.toml" {
		t.Errorf("ResolveConfigPath() = %q, want flag.toml", got)
	}

	t.Setenv("THERMO_CONFIG", "/etc/env.toml")
	if got := ResolveConfigPath("flag.toml"); got != "/etc/env.toml" {
		t.Errorf("ResolveConfigPath() = %q, want env override", got)
	}
}

func TestGetConfigSearchPathsEndsInWorkingDir(t *testing.T) {
	paths := GetConfigSearchPaths("config.toml")
	if len(paths) < 2 {
		t.Fatalf("expected several search paths, got %v", paths)
	}
	if last := paths[len(paths)-1]; last != "config.toml" {
		t.Errorf("last search path = %q, want config.toml", last)
	}
}

func TestApplyLoggingEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_DIR", "-")

	cfg := LoggingConfig{Level: "info"}
	ApplyLoggingEnvOverrides(&cfg)
	if cfg.Level != "debug" || cfg.Dir != "-" {
		t.Errorf("cfg = %+v", cfg)
	}
}
