// Package w1 reads DS18B20-family sensors through the Linux w1 sysfs
// interface.
package w1

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sidoh/esp8266-thermometer/sensors"
)

// DefaultRoot is where the kernel exposes 1-Wire slaves.
const DefaultRoot = "/sys/bus/w1/devices"

var (
	// ErrCRC means the kernel reported a scratchpad CRC mismatch.
	ErrCRC = errors.New("w1: scratchpad crc mismatch")

	slaveName = regexp.MustCompile(`^([0-9a-f]{2})-([0-9a-f]{12})$`)
)

// Bus enumerates and reads slaves below Root.
type Bus struct {
	Root string
}

// New returns a Bus rooted at root, or DefaultRoot when empty.
func New(root string) *Bus {
	if root == "" {
		root = DefaultRoot
	}
	return &Bus{Root: root}
}

// Devices lists every slave directory as a ROM address.
func (b *Bus) Devices() ([]sensors.Address, error) {
	entries, err := os.ReadDir(b.Root)
	if err != nil {
		return nil, fmt.Errorf("w1: list %s: %w", b.Root, err)
	}
	var out []sensors.Address
	for _, e := range entries {
		addr, ok := addressFromName(e.Name())
		if ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

// ReadTemperature reads w1_slave for addr and returns degrees Fahrenheit.
func (b *Bus) ReadTemperature(addr sensors.Address) (float64, error) {
	path := filepath.Join(b.Root, slaveDir(addr), "w1_slave")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("w1: open %s: %w", path, err)
	}
	defer f.Close()

	milliC, err := parseSlave(bufio.NewScanner(f))
	if err != nil {
		return 0, fmt.Errorf("w1: %s: %w", addr, err)
	}
	return CelsiusToFahrenheit(float64(milliC) / 1000), nil
}

// CelsiusToFahrenheit converts a Celsius temperature.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// parseSlave expects the two-line w1_slave format:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseSlave(sc *bufio.Scanner) (int64, error) {
	if !sc.Scan() {
		return 0, errors.New("empty w1_slave")
	}
	if !strings.HasSuffix(strings.TrimSpace(sc.Text()), "YES") {
		return 0, ErrCRC
	}
	if !sc.Scan() {
		return 0, errors.New("missing temperature line")
	}
	line := sc.Text()
	idx := strings.LastIndex(line, "t=")
	if idx < 0 {
		return 0, fmt.Errorf("no t= field in %q", line)
	}
	return strconv.ParseInt(strings.TrimSpace(line[idx+2:]), 10, 64)
}

// addressFromName rebuilds the ROM code from a sysfs name such as
// "28-000005e2fdc3": family byte, serial little-endian, then CRC.
func addressFromName(name string) (sensors.Address, bool) {
	m := slaveName.FindStringSubmatch(name)
	if m == nil {
		return sensors.Address{}, false
	}
	family, _ := strconv.ParseUint(m[1], 16, 8)
	serial, _ := strconv.ParseUint(m[2], 16, 48)

	var a sensors.Address
	a[0] = byte(family)
	for i := 0; i < 6; i++ {
		a[1+i] = byte(serial >> (8 * i))
	}
	a[7] = sensors.CRC8(a[:7])
	return a, true
}

func slaveDir(a sensors.Address) string {
	var serial uint64
	for i := 5; i >= 0; i-- {
		serial = serial<<8 | uint64(a[1+i])
	}
	return fmt.Sprintf("%02x-%012x", a[0], serial)
}
