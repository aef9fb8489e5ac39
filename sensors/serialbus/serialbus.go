// Package serialbus talks to a microcontroller bridge that owns the 1-Wire
// bus and answers newline-delimited JSON commands over a serial port.
package serialbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/sidoh/esp8266-thermometer/sensors"
)

// DefaultBaudRate matches the bridge firmware.
const DefaultBaudRate = 115200

// DefaultTimeout bounds each request/response exchange.
const DefaultTimeout = 2 * time.Second

var errReadTimeout = errors.New("serialbus: read timeout")

// Port is the part of serial.Port the bus uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Config selects the port and bus pin.
type Config struct {
	// PortName is the device path; empty means probe USB ports.
	PortName string
	BaudRate int
	// Pin is the bridge GPIO the sensors are wired to.
	Pin     int
	Timeout time.Duration
}

// Bus is a sensors.Bus backed by the bridge.
type Bus struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
}

// Open opens the configured port, or the first USB port that answers a
// sensor listing, and tells the bridge which pin to use.
func Open(cfg Config) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	name := cfg.PortName
	if name == "" {
		found, err := FindPort(cfg.BaudRate)
		if err != nil {
			return nil, err
		}
		name = found
	}
	p, err := serial.Open(name, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("serialbus: open %s: %w", name, err)
	}
	b := NewBus(p, cfg.Timeout)
	if err := b.Begin(cfg.Pin); err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewBus wraps an already open port.
func NewBus(p Port, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bus{port: p, timeout: timeout}
}

// FindPort probes USB serial ports for a bridge.
func FindPort(baud int) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("serialbus: enumerate ports: %w", err)
	}
	for _, info := range ports {
		if !info.IsUSB {
			continue
		}
		p, err := serial.Open(info.Name, &serial.Mode{BaudRate: baud})
		if err != nil {
			continue
		}
		b := NewBus(p, DefaultTimeout)
		_, err = b.Devices()
		p.Close()
		if err == nil {
			return info.Name, nil
		}
	}
	return "", errors.New("serialbus: no bridge found on any USB serial port")
}

// Begin selects the bus pin.
func (b *Bus) Begin(pin int) error {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := b.roundTrip(map[string]interface{}{"begin": map[string]int{"pin": pin}}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("serialbus: begin on pin %d: %s", pin, resp.Error)
	}
	return nil
}

// Devices asks the bridge for the ROM codes on the bus.
func (b *Bus) Devices() ([]sensors.Address, error) {
	var resp struct {
		Sensors []string `json:"sensors"`
	}
	if err := b.roundTrip(map[string]string{"get": "sensors"}, &resp); err != nil {
		return nil, err
	}
	out := make([]sensors.Address, 0, len(resp.Sensors))
	for _, id := range resp.Sensors {
		out = append(out, sensors.ParseAddress(id))
	}
	return out, nil
}

// ReadTemperature asks the bridge for one reading in Fahrenheit.
func (b *Bus) ReadTemperature(addr sensors.Address) (float64, error) {
	var resp struct {
		ID    string   `json:"id"`
		TempF *float64 `json:"temp_f"`
		Error string   `json:"error"`
	}
	if err := b.roundTrip(map[string]string{"read": addr.String()}, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("serialbus: read %s: %s", addr, resp.Error)
	}
	if resp.TempF == nil {
		return 0, fmt.Errorf("serialbus: read %s: no temperature in response", addr)
	}
	return *resp.TempF, nil
}

// Close releases the port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

func (b *Bus) roundTrip(req interface{}, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("serialbus: write: %w", err)
	}
	line, err := readLine(b.port, b.timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(line), resp); err != nil {
		return fmt.Errorf("serialbus: bad response %q: %w", line, err)
	}
	return nil
}

// readLine reads byte by byte so nothing past the newline is consumed.
func readLine(p Port, timeout time.Duration) (string, error) {
	if err := p.SetReadTimeout(timeout); err != nil {
		return "", err
	}
	var line []byte
	buf := make([]byte, 1)
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return "", errReadTimeout
		}
		n, err := p.Read(buf)
		if err != nil {
			return "", fmt.Errorf("serialbus: read: %w", err)
		}
		if n == 0 {
			// go.bug.st/serial returns 0, nil when the read timeout expires.
			return "", errReadTimeout
		}
		if buf[0] == '\n' {
			return strings.TrimSpace(string(line)), nil
		}
		line = append(line, buf[0])
	}
}
