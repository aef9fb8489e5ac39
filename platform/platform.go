// Package platform reads host health figures reported by /about and sent
// with each reading.
package platform

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DefaultWirelessPath is the Linux wireless statistics table.
const DefaultWirelessPath = "/proc/net/wireless"

// ErrNoWireless is returned when no matching wireless interface is listed.
var ErrNoWireless = errors.New("platform: no wireless interface")

// Sources locates the readings. Empty paths disable the reading.
type Sources struct {
	// VoltagePath holds a raw ADC count, e.g. an iio in_voltage0_raw file.
	VoltagePath string
	// VoltageScale multiplies the raw count; zero means 1.
	VoltageScale float64
	// WirelessPath is a /proc/net/wireless style table.
	WirelessPath string
	// Interface selects a wireless interface; empty takes the first.
	Interface string
}

// Reader produces platform readings from Sources.
type Reader struct {
	src Sources
}

// NewReader returns a reader over src.
func NewReader(src Sources) *Reader {
	return &Reader{src: src}
}

// Voltage returns the scaled supply reading, or 0 when unavailable.
func (r *Reader) Voltage() float64 {
	v, err := r.ReadVoltage()
	if err != nil {
		return 0
	}
	return v
}

// ReadVoltage reads and scales VoltagePath.
func (r *Reader) ReadVoltage() (float64, error) {
	if r.src.VoltagePath == "" {
		return 0, errors.New("platform: voltage source not configured")
	}
	raw, err := os.ReadFile(r.src.VoltagePath)
	if err != nil {
		return 0, fmt.Errorf("platform: read voltage: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("platform: parse voltage: %w", err)
	}
	if r.src.VoltageScale != 0 {
		v *= r.src.VoltageScale
	}
	return v, nil
}

// SignalStrength returns the wireless signal level in dBm, or 0 when
// unavailable.
func (r *Reader) SignalStrength() int {
	if r.src.WirelessPath == "" {
		return 0
	}
	f, err := os.Open(r.src.WirelessPath)
	if err != nil {
		return 0
	}
	defer f.Close()
	level, err := parseWireless(f, r.src.Interface)
	if err != nil {
		return 0
	}
	return level
}

// FreeMemory returns available memory in bytes.
func (r *Reader) FreeMemory() uint64 {
	return freeMemory()
}

// SDKVersion is the Go runtime version.
func (r *Reader) SDKVersion() string {
	return runtime.Version()
}

// parseWireless extracts the signal level column:
//
//	Inter-| sta-|   Quality        |   Discarded packets
//	 face | tus | link level noise |  nwid  crypt   frag
//	 wlan0: 0000   70.  -40.  -256        0      0      0
func parseWireless(rd io.Reader, iface string) (int, error) {
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if strings.ContainsAny(name, "|") || (iface != "" && name != iface) {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, fmt.Errorf("platform: parse signal level %q: %w", fields[2], err)
		}
		return int(level), nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoWireless
}
