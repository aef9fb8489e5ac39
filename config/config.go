// Package config provides the bootstrap configuration helpers: TOML
// load/write and the platform data and log directories.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

const appDir = "thermometer"

// GetConfigSearchPaths returns an ordered list of paths to search for a
// config file, system directory first and working directory last.
func GetConfigSearchPaths(filename string) []string {
	var searchPaths []string

	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "Thermometer", filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "Thermometer", filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc", appDir, filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "Thermometer", filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "Thermometer", filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", appDir, filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	searchPaths = append(searchPaths, filepath.Join(".", filename))
	return searchPaths
}

// ResolveConfigPath returns the THERMO_CONFIG override when set, otherwise
// flagValue.
func ResolveConfigPath(flagValue string) string {
	if val := os.Getenv("THERMO_CONFIG"); val != "" {
		return val
	}
	return flagValue
}

// GetDataDirectory returns (and creates) the directory for persisted state.
// Services use a system-wide directory, interactive runs a per-user one.
func GetDataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "Thermometer")
		default:
			dataDir = filepath.Join("/var/lib", appDir)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "Thermometer")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "Thermometer")
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", appDir)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// GetLogDirectory returns (and creates) the directory for log files.
func GetLogDirectory(isService bool) (string, error) {
	logDir := "logs"
	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "Thermometer", "logs")
		default:
			logDir = filepath.Join("/var/log", appDir)
		}
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return logDir, nil
}

// WriteDefaultTOML writes cfg to configPath. An existing file is never
// overwritten.
func WriteDefaultTOML(configPath string, cfg interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadTOML decodes configPath into cfg. Keys absent from the file keep the
// values cfg already holds.
func LoadTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	// Dir overrides the platform log directory. "-" disables file output.
	Dir string `toml:"dir"`
}

// ApplyLoggingEnvOverrides applies LOG_LEVEL and LOG_DIR.
func ApplyLoggingEnvOverrides(cfg *LoggingConfig) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
	}
	if val := os.Getenv("LOG_DIR"); val != "" {
		cfg.Dir = val
	}
}
