package w1

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sidoh/esp8266-thermometer/sensors"
)

func writeSlave(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "w1_slave"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDevicesAndRead(t *testing.T) {
	root := t.TempDir()
	writeSlave(t, root, "28-000005e2fdc3",
		"72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n")
	if err := os.MkdirAll(filepath.Join(root, "w1_bus_master1"), 0o755); err != nil {
		t.Fatal(err)
	}

	bus := New(root)
	addrs, err := bus.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("Devices() = %v, want one slave", addrs)
	}
	addr := addrs[0]
	if addr[0] != 0x28 || addr[1] != 0xc3 || addr[6] != 0x00 {
		t.Fatalf("unexpected ROM layout %v", addr)
	}
	if !addr.Valid() {
		t.Fatalf("rebuilt address should carry a valid crc")
	}
	if got := slaveDir(addr); got != "28-000005e2fdc3" {
		t.Fatalf("slaveDir = %q", got)
	}

	temp, err := bus.ReadTemperature(addr)
	if err != nil {
		t.Fatalf("ReadTemperature: %v", err)
	}
	if math.Abs(temp-73.625) > 1e-9 {
		t.Fatalf("temp = %v, want 73.625", temp)
	}
}

func TestReadTemperatureCRCFailure(t *testing.T) {
	root := t.TempDir()
	writeSlave(t, root, "28-0000000000aa",
		"72 01 4b 46 7f ff 0e 10 57 : crc=00 NO\n72 01 4b 46 7f ff 0e 10 57 t=23125\n")

	bus := New(root)
	addrs, _ := bus.Devices()
	if _, err := bus.ReadTemperature(addrs[0]); !errors.Is(err, ErrCRC) {
		t.Fatalf("err = %v, want ErrCRC", err)
	}
}

func TestReadTemperatureMissingDevice(t *testing.T) {
	bus := New(t.TempDir())
	if _, err := bus.ReadTemperature(addressOrFail(t, "28-000000000001")); err == nil {
		t.Fatalf("expected error for missing slave")
	}
}

func TestDevicesMissingRoot(t *testing.T) {
	bus := New(filepath.Join(t.TempDir(), "absent"))
	if _, err := bus.Devices(); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestCelsiusToFahrenheit(t *testing.T) {
	cases := map[float64]float64{0: 32, 100: 212, -40: -40}
	for c, want := range cases {
		if got := CelsiusToFahrenheit(c); got != want {
			t.Errorf("CelsiusToFahrenheit(%v) = %v, want %v", c, got, want)
		}
	}
}

func addressOrFail(t *testing.T, name string) sensors.Address {
	t.Helper()
	a, ok := addressFromName(name)
	if !ok {
		t.Fatalf("addressFromName(%q) failed", name)
	}
	return a
}
