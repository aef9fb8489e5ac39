package sensors

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sidoh/esp8266-thermometer/logger"
)

type fakeBus struct {
	devices      []Address
	devicesErr   error
	enumerations int
	temps        map[Address]float64
	failing      map[Address]bool
	reads        int
}

func (b *fakeBus) Devices() ([]Address, error) {
	b.enumerations++
	return b.devices, b.devicesErr
}

func (b *fakeBus) ReadTemperature(addr Address) (float64, error) {
	b.reads++
	if b.failing[addr] {
		return 0, errors.New("crc mismatch")
	}
	return b.temps[addr], nil
}

type countingRecorder struct {
	polls, reads, failures int
}

func (r *countingRecorder) ObservePoll(reads, failures int) {
	r.polls++
	r.reads += reads
	r.failures += failures
}

var (
	addrA = Address{0x28, 0xff, 0x64, 0x1e, 0x0f, 0x00, 0x00, 0x5a}
	addrB = Address{0x28, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
)

func fixedInterval(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestAddressRoundTrip(t *testing.T) {
	t.Parallel()

	id := addrA.String()
	if id != "28ff641e0f00005a" {
		t.Fatalf("String() = %q", id)
	}
	if got := ParseAddress(id); got != addrA {
		t.Fatalf("ParseAddress(%q) = %v, want %v", id, got, addrA)
	}
	if got := ParseAddress("28FF641E0F00005A"); got != addrA {
		t.Fatalf("uppercase parse = %v", got)
	}
}

func TestParseAddressIsLenient(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                   "0000000000000000",
		"28ff":               "28ff000000000000",
		"zz01":               "0001000000000000",
		"28ff641e0f00005aee": "28ff641e0f00005a",
		"kitchen":            "0000000000000000",
	}
	for in, want := range cases {
		if got := ParseAddress(in).String(); got != want {
			t.Errorf("ParseAddress(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCRC8(t *testing.T) {
	t.Parallel()

	rom := Address{0x28, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	rom[7] = CRC8(rom[:7])
	if !rom.Valid() {
		t.Fatalf("address with computed crc should be valid")
	}
	rom[7] ^= 0xff
	if rom.Valid() {
		t.Fatalf("corrupted crc should be invalid")
	}
	// Worked example from Maxim application note 27.
	if got := CRC8([]byte{0x02, 0x1c, 0xb8, 0x01, 0x00, 0x00, 0x00}); got != 0xa2 {
		t.Fatalf("CRC8 = %#x, want 0xa2", got)
	}
}

func TestValueOfUnknownIsSentinel(t *testing.T) {
	t.Parallel()

	c := NewCache(&fakeBus{}, fixedInterval(time.Second), logger.Nop())
	if v := c.ValueOf("0000000000000000"); v != NoReading {
		t.Fatalf("ValueOf unknown = %v, want %v", v, NoReading)
	}
	if c.HasValue("0000000000000000") {
		t.Fatalf("HasValue should be false before any read")
	}
}

func TestStartEnumeratesOnce(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{devices: []Address{addrA}, temps: map[Address]float64{addrA: 70}}
	c := NewCache(bus, fixedInterval(time.Second), logger.Nop())
	c.Start()

	// A device attached after startup is not picked up until the next boot.
	bus.devices = append(bus.devices, addrB)
	c.Start()
	c.Poll(time.Unix(100, 0))
	c.Poll(time.Unix(200, 0))

	if bus.enumerations != 1 {
		t.Fatalf("enumerations = %d, want 1", bus.enumerations)
	}
	if !reflect.DeepEqual(c.IDs(), []string{addrA.String()}) {
		t.Fatalf("IDs() = %v", c.IDs())
	}
	if c.HasValue(addrB.String()) || c.Known(addrB.String()) {
		t.Fatalf("late device should not be known")
	}
}

func TestStartEnumerationFailureLeavesNoIDs(t *testing.T) {
	t.Parallel()

	c := NewCache(&fakeBus{devicesErr: errors.New("bus reset")}, fixedInterval(time.Second), logger.Nop())
	c.Start()
	if len(c.KnownIDs()) != 0 {
		t.Fatalf("KnownIDs() = %v, want empty", c.KnownIDs())
	}
}

func TestPollCadence(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{devices: []Address{addrA, addrB}, temps: map[Address]float64{addrA: 71.5, addrB: 40}}
	rec := &countingRecorder{}
	c := NewCache(bus, fixedInterval(5*time.Second), logger.Nop())
	c.SetRecorder(rec)
	c.Start()

	start := time.Unix(1000, 0)
	if !c.Poll(start) {
		t.Fatalf("first poll should refresh")
	}
	for _, offset := range []time.Duration{0, time.Second, 5 * time.Second} {
		if c.Poll(start.Add(offset)) {
			t.Fatalf("poll at +%v should be a no-op", offset)
		}
	}
	if !c.Poll(start.Add(5*time.Second + time.Millisecond)) {
		t.Fatalf("poll after the interval should refresh")
	}
	if bus.reads != 4 {
		t.Fatalf("reads = %d, want 4", bus.reads)
	}
	if rec.polls != 2 || rec.reads != 4 || rec.failures != 0 {
		t.Fatalf("recorder = %+v", rec)
	}
	if got := c.ValueOf(addrA.String()); got != 71.5 {
		t.Fatalf("ValueOf(A) = %v", got)
	}
	if !c.LastRefresh().Equal(start.Add(5*time.Second + time.Millisecond)) {
		t.Fatalf("LastRefresh() = %v", c.LastRefresh())
	}
}

func TestPollFailureKeepsStaleValue(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{devices: []Address{addrA}, temps: map[Address]float64{addrA: 60}}
	c := NewCache(bus, fixedInterval(time.Second), logger.Nop())
	c.Start()
	c.Poll(time.Unix(0, 1))

	bus.failing = map[Address]bool{addrA: true}
	bus.temps[addrA] = 99
	c.Poll(time.Unix(10, 0))

	if got := c.ValueOf(addrA.String()); got != 60 {
		t.Fatalf("ValueOf after failed read = %v, want stale 60", got)
	}
}

func TestKnownIDsIsACopy(t *testing.T) {
	t.Parallel()

	c := NewCache(&fakeBus{devices: []Address{addrA}}, fixedInterval(time.Second), logger.Nop())
	c.Start()
	ids := c.KnownIDs()
	delete(ids, addrA.String())
	if len(c.KnownIDs()) != 1 {
		t.Fatalf("mutating the returned map changed the cache")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	aliases := map[string]string{addrA.String(): "kitchen"}
	cases := []struct {
		token string
		want  Resolution
	}{
		{addrA.String(), Resolution{ID: addrA.String(), Name: "kitchen"}},
		{"kitchen", Resolution{ID: addrA.String(), Name: "kitchen"}},
		{addrB.String(), Resolution{ID: addrB.String()}},
		{"28FF641E0F00005A", Resolution{ID: addrA.String()}},
		{"garage", Resolution{ID: "0000000000000000"}},
	}
	for _, tc := range cases {
		if got := Resolve(tc.token, aliases); got != tc.want {
			t.Errorf("Resolve(%q) = %+v, want %+v", tc.token, got, tc.want)
		}
	}
}

func TestResolveSharedAliasPicksLowestID(t *testing.T) {
	t.Parallel()

	aliases := map[string]string{
		"28ff641e0f00005a": "kitchen",
		"0011223344556677": "kitchen",
	}
	want := Resolution{ID: "0011223344556677", Name: "kitchen"}
	for i := 0; i < 50; i++ {
		if got := Resolve("kitchen", aliases); got != want {
			t.Fatalf("Resolve(kitchen) = %+v, want %+v", got, want)
		}
	}
}

func TestResolveAliasRoundTrip(t *testing.T) {
	t.Parallel()

	aliases := map[string]string{
		addrA.String(): "kitchen",
		addrB.String(): "porch",
	}
	for id, name := range aliases {
		if got := Resolve(name, aliases); got.ID != id {
			t.Errorf("Resolve(%q).ID = %s, want %s", name, got.ID, id)
		}
		if got := Resolve(id, aliases); got.Name != name {
			t.Errorf("Resolve(%q).Name = %s, want %s", id, got.Name, name)
		}
	}
}
