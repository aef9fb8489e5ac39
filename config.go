package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sidoh/esp8266-thermometer/config"
	"github.com/sidoh/esp8266-thermometer/storage"
)

// DeviceIDName is the blob holding the generated device identity.
const DeviceIDName = "/device_id"

// ThermometerConfig is the bootstrap configuration. Everything the device
// itself can be told over its API lives in the settings document instead.
type ThermometerConfig struct {
	// DataDir holds the settings store and firmware images; empty uses the
	// platform data directory.
	DataDir   string               `toml:"data_dir"`
	Storage   StorageConfig        `toml:"storage"`
	Sensors   SensorBusConfig      `toml:"sensors"`
	Platform  PlatformConfig       `toml:"platform"`
	Firmware  FirmwareConfig       `toml:"firmware"`
	Web       WebConfig            `toml:"web"`
	Discovery DiscoveryConfig      `toml:"discovery"`
	Logging   config.LoggingConfig `toml:"logging"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// SensorBusConfig selects and parameterises the sensor bus driver.
type SensorBusConfig struct {
	Driver        string `toml:"driver"`
	W1Root        string `toml:"w1_root"`
	SerialPort    string `toml:"serial_port"`
	SerialBaud    int    `toml:"serial_baud"`
	SerialTimeout int    `toml:"serial_timeout_ms"`
}

// PlatformConfig locates the /about and voltage readings.
type PlatformConfig struct {
	VoltagePath       string  `toml:"voltage_path"`
	VoltageScale      float64 `toml:"voltage_scale"`
	WirelessPath      string  `toml:"wireless_path"`
	WirelessInterface string  `toml:"wireless_interface"`
}

// FirmwareConfig controls where uploaded images land and how the running
// build identifies itself.
type FirmwareConfig struct {
	Dir     string `toml:"dir"`
	Variant string `toml:"variant"`
}

// WebConfig holds the admin listener settings. The port comes from the
// settings document.
type WebConfig struct {
	ListenHost  string `toml:"listen_host"`
	MaxBodySize int64  `toml:"max_body_bytes"`
}

// DiscoveryConfig toggles the mDNS announcement.
type DiscoveryConfig struct {
	Enabled bool `toml:"enabled"`
}

const (
	DriverW1     = "w1"
	DriverSerial = "serial"
)

// DefaultThermometerConfig returns configuration with sensible defaults.
func DefaultThermometerConfig() *ThermometerConfig {
	return &ThermometerConfig{
		Storage: StorageConfig{
			Backend: storage.BackendFile,
		},
		Sensors: SensorBusConfig{
			Driver:        DriverW1,
			W1Root:        "/sys/bus/w1/devices",
			SerialBaud:    115200,
			SerialTimeout: 2000,
		},
		Platform: PlatformConfig{
			VoltageScale: 1,
			WirelessPath: "/proc/net/wireless",
		},
		Firmware: FirmwareConfig{
			Variant: "linux",
		},
		Web: WebConfig{
			MaxBodySize: 64 << 10,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
		Logging: config.LoggingConfig{
			Level: "info",
		},
	}
}

// LoadThermometerConfig loads configuration from a TOML file with
// environment variable overrides. The file must exist.
func LoadThermometerConfig(configPath string) (*ThermometerConfig, error) {
	cfg := DefaultThermometerConfig()

	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	if err := config.LoadTOML(configPath, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *ThermometerConfig) {
	if val := os.Getenv("THERMO_DATA_DIR"); val != "" {
		cfg.DataDir = val
	}
	if val := os.Getenv("THERMO_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("THERMO_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv("THERMO_SENSOR_DRIVER"); val != "" {
		cfg.Sensors.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("THERMO_W1_ROOT"); val != "" {
		cfg.Sensors.W1Root = val
	}
	if val := os.Getenv("THERMO_SERIAL_PORT"); val != "" {
		cfg.Sensors.SerialPort = val
	}
	if val := os.Getenv("THERMO_SERIAL_BAUD"); val != "" {
		if baud, err := strconv.Atoi(val); err == nil {
			cfg.Sensors.SerialBaud = baud
		}
	}
	if val := os.Getenv("THERMO_FIRMWARE_DIR"); val != "" {
		cfg.Firmware.Dir = val
	}
	if val := os.Getenv("THERMO_LISTEN_HOST"); val != "" {
		cfg.Web.ListenHost = val
	}
	if val := os.Getenv("THERMO_MDNS"); val != "" {
		lower := strings.ToLower(val)
		cfg.Discovery.Enabled = lower == "1" || lower == "true" || lower == "yes"
	}
	config.ApplyLoggingEnvOverrides(&cfg.Logging)
}

// WriteDefaultThermometerConfig writes a default configuration file.
func WriteDefaultThermometerConfig(configPath string) error {
	return config.WriteDefaultTOML(configPath, DefaultThermometerConfig())
}

type bootLogger interface {
	Info(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
}

// resolveConfig loads the first config found: THERMO_CONFIG or the flag,
// then the platform search paths. Defaults are used when none exists.
func resolveConfig(configFlag string, log bootLogger) *ThermometerConfig {
	if resolved := config.ResolveConfigPath(configFlag); resolved != "" {
		if _, statErr := os.Stat(resolved); statErr == nil {
			cfg, err := LoadThermometerConfig(resolved)
			if err == nil {
				log.Info("Loaded configuration", "path", resolved)
				return cfg
			}
			log.Warn("Config path set but failed to parse", "path", resolved, "error", err)
		}
	}
	for _, path := range config.GetConfigSearchPaths("config.toml") {
		if cfg, err := LoadThermometerConfig(path); err == nil {
			log.Info("Loaded configuration", "path", path)
			return cfg
		}
	}

	log.Warn("No config.toml found, using defaults")
	cfg := DefaultThermometerConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// dataDirectory returns the configured data directory, creating it.
func (c *ThermometerConfig) dataDirectory(isService bool) (string, error) {
	if c.DataDir == "" {
		return config.GetDataDirectory(isService)
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return c.DataDir, nil
}

// firmwareDirectory defaults to <dataDir>/firmware.
func (c *ThermometerConfig) firmwareDirectory(dataDir string) string {
	if c.Firmware.Dir != "" {
		return c.Firmware.Dir
	}
	return filepath.Join(dataDir, "firmware")
}

// LoadOrGenerateDeviceID reads the device identity from blob, generating and
// storing a new UUID on first run. When storing fails the generated id is
// still returned, alongside the error.
func LoadOrGenerateDeviceID(blob storage.Blob) (string, error) {
	data, err := blob.Read(DeviceIDName)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := blob.Write(DeviceIDName, []byte(id)); err != nil {
		return id, fmt.Errorf("failed to store device id: %w", err)
	}
	return id, nil
}
