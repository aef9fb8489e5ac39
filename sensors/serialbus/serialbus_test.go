package serialbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sidoh/esp8266-thermometer/sensors"
)

// scriptedPort answers each written line with the next canned response.
type scriptedPort struct {
	written   []string
	responses []string
	pending   bytes.Buffer
	closed    bool
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.written = append(p.written, strings.TrimSpace(string(b)))
	if len(p.responses) > 0 {
		p.pending.WriteString(p.responses[0])
		p.responses = p.responses[1:]
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if p.pending.Len() == 0 {
		return 0, nil
	}
	return p.pending.Read(b)
}

func (p *scriptedPort) SetReadTimeout(time.Duration) error { return nil }
func (p *scriptedPort) Close() error                       { p.closed = true; return nil }

func TestBeginSendsPin(t *testing.T) {
	port := &scriptedPort{responses: []string{"{\"ok\":true}\n"}}
	bus := NewBus(port, time.Second)
	if err := bus.Begin(4); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var req map[string]map[string]int
	if err := json.Unmarshal([]byte(port.written[0]), &req); err != nil {
		t.Fatalf("request not json: %v", err)
	}
	if req["begin"]["pin"] != 4 {
		t.Fatalf("request = %s", port.written[0])
	}
}

func TestBeginRejected(t *testing.T) {
	port := &scriptedPort{responses: []string{"{\"ok\":false,\"error\":\"no such pin\"}\n"}}
	if err := NewBus(port, time.Second).Begin(99); err == nil || !strings.Contains(err.Error(), "no such pin") {
		t.Fatalf("err = %v", err)
	}
}

func TestDevicesAndRead(t *testing.T) {
	port := &scriptedPort{responses: []string{
		"{\"sensors\":[\"28ff641e0f00005a\",\"2801020304050607\"]}\r\n",
		"{\"id\":\"28ff641e0f00005a\",\"temp_f\":68.9}\n",
	}}
	bus := NewBus(port, time.Second)

	addrs, err := bus.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(addrs) != 2 || addrs[0].String() != "28ff641e0f00005a" {
		t.Fatalf("Devices() = %v", addrs)
	}

	temp, err := bus.ReadTemperature(addrs[0])
	if err != nil {
		t.Fatalf("ReadTemperature: %v", err)
	}
	if temp != 68.9 {
		t.Fatalf("temp = %v", temp)
	}
	if port.written[1] != `{"read":"28ff641e0f00005a"}` {
		t.Fatalf("read request = %s", port.written[1])
	}
}

func TestReadTemperatureErrors(t *testing.T) {
	addr := sensors.ParseAddress("28ff641e0f00005a")
	cases := map[string]string{
		"bridge error": "{\"id\":\"28ff641e0f00005a\",\"error\":\"crc\"}\n",
		"no value":     "{\"id\":\"28ff641e0f00005a\"}\n",
		"garbage":      "not json\n",
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			bus := NewBus(&scriptedPort{responses: []string{resp}}, time.Second)
			if _, err := bus.ReadTemperature(addr); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestReadTimeout(t *testing.T) {
	bus := NewBus(&scriptedPort{}, 10*time.Millisecond)
	if _, err := bus.Devices(); !errors.Is(err, errReadTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestCloseClosesPort(t *testing.T) {
	port := &scriptedPort{}
	if err := NewBus(port, 0).Close(); err != nil || !port.closed {
		t.Fatalf("Close: err=%v closed=%v", err, port.closed)
	}
}
