// Package settings holds the persisted device configuration record and its
// partial-patch semantics.
package settings

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// OperatingMode controls whether a device in normal mode sleeps between
// publish cycles.
type OperatingMode string

const (
	DeepSleep OperatingMode = "deep_sleep"
	AlwaysOn  OperatingMode = "always_on"
)

const (
	DefaultFlagServerPort = 31415
	DefaultWebPort        = 80
	DefaultUpdateInterval = 600
	DefaultPollInterval   = 5
	DefaultSensorBusPin   = 2
	DefaultMQTTPort       = 1883
)

// Settings is the configuration record. Every field is independently
// patchable through its dotted document key.
type Settings struct {
	GatewayServer string
	HMACSecret    string
	// SensorPaths maps a resolved device name to the gateway path suffix its
	// readings are PUT to.
	SensorPaths map[string]string

	// MQTTServer is "host" or "host:port".
	MQTTServer      string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string

	FlagServer     string
	FlagServerPort uint16
	AdminUsername  string
	AdminPassword  string
	OperatingMode  OperatingMode
	WebPort        uint16

	// UpdateInterval and PollInterval are in seconds.
	UpdateInterval uint32
	PollInterval   uint32
	SensorBusPin   int
	// DeviceAliases maps a sensor id (lowercase hex) to a display name.
	DeviceAliases map[string]string
}

// Defaults returns the record a freshly provisioned device starts with.
func Defaults() Settings {
	return Settings{
		SensorPaths:    map[string]string{},
		FlagServerPort: DefaultFlagServerPort,
		OperatingMode:  DeepSleep,
		WebPort:        DefaultWebPort,
		UpdateInterval: DefaultUpdateInterval,
		PollInterval:   DefaultPollInterval,
		SensorBusPin:   DefaultSensorBusPin,
		DeviceAliases:  map[string]string{},
	}
}

// Clone returns a deep copy; the maps are not shared with the receiver.
func (s Settings) Clone() Settings {
	out := s
	out.SensorPaths = copyMap(s.SensorPaths)
	out.DeviceAliases = copyMap(s.DeviceAliases)
	return out
}

// HasAuthSettings reports whether both admin credentials are set. An empty
// pair disables authentication.
func (s Settings) HasAuthSettings() bool {
	return s.AdminUsername != "" && s.AdminPassword != ""
}

// RequiredFieldsPresent reports whether the mode-flag server can be probed.
func (s Settings) RequiredFieldsPresent() bool {
	return strings.TrimSpace(s.FlagServer) != "" && s.FlagServerPort > 0
}

// MQTTConfigured reports whether a broker has been set.
func (s Settings) MQTTConfigured() bool {
	host, _ := s.MQTTHostPort()
	return host != ""
}

// MQTTHostPort splits MQTTServer, falling back to DefaultMQTTPort when the
// port is absent or unparseable.
func (s Settings) MQTTHostPort() (string, int) {
	server := strings.TrimSpace(s.MQTTServer)
	if server == "" {
		return "", DefaultMQTTPort
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return strings.Trim(server, "[]"), DefaultMQTTPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, DefaultMQTTPort
	}
	return host, port
}

// GatewayConfigured reports whether readings can be PUT to an HTTP gateway.
func (s Settings) GatewayConfigured() bool {
	return strings.TrimSpace(s.GatewayServer) != ""
}

// UpdateEvery is the publish cadence and deep sleep duration.
func (s Settings) UpdateEvery() time.Duration {
	return time.Duration(s.UpdateInterval) * time.Second
}

// PollEvery is the sensor refresh cadence.
func (s Settings) PollEvery() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// DeviceName returns the alias for id, or id itself when none is set.
func (s Settings) DeviceName(id string) string {
	if alias, ok := s.DeviceAliases[id]; ok && alias != "" {
		return alias
	}
	return id
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
