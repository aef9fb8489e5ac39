package sensors

import (
	"sort"
	"time"
)

// NoReading is returned by ValueOf for ids that have never been read
// successfully. It is below absolute zero in both scales.
const NoReading = -187.0

// Bus is the sensor-bus driver collaborator.
type Bus interface {
	// Devices enumerates the addresses currently on the bus.
	Devices() ([]Address, error)
	// ReadTemperature returns the temperature of one device in Fahrenheit.
	ReadTemperature(addr Address) (float64, error)
}

// Logger is the subset of the application logger the cache needs.
type Logger interface {
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
	WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{})
}

// failureWarnInterval spaces out repeated read-failure warnings.
const failureWarnInterval = time.Minute

// Recorder receives poll outcomes, typically for metrics.
type Recorder interface {
	ObservePoll(reads, failures int)
}

// Cache holds the ids discovered at startup and their most recent values.
// It is not safe for concurrent use; the control loop owns it.
type Cache struct {
	bus      Bus
	logger   Logger
	interval func() time.Duration
	recorder Recorder

	started     bool
	known       map[string]Address
	last        map[string]float64
	lastRefresh time.Time
}

// NewCache creates a cache that refreshes at most once per interval().
func NewCache(bus Bus, interval func() time.Duration, logger Logger) *Cache {
	return &Cache{
		bus:      bus,
		logger:   logger,
		interval: interval,
		known:    make(map[string]Address),
		last:     make(map[string]float64),
	}
}

// SetRecorder attaches a poll observer.
func (c *Cache) SetRecorder(r Recorder) {
	c.recorder = r
}

// Start enumerates the bus once. Devices that appear later are not
// discovered until the next boot.
func (c *Cache) Start() {
	if c.started {
		return
	}
	c.started = true

	addrs, err := c.bus.Devices()
	if err != nil {
		c.logger.Warn("Sensor enumeration failed", "error", err)
		return
	}
	for _, addr := range addrs {
		c.known[addr.String()] = addr
	}
	c.logger.Info("Discovered sensors", "count", len(c.known))
}

// Poll refreshes every known id when more than the poll interval has passed
// since the last refresh, and reports whether it did. A failed read keeps
// the previous value.
func (c *Cache) Poll(now time.Time) bool {
	if !c.lastRefresh.IsZero() && !now.After(c.lastRefresh.Add(c.interval())) {
		return false
	}

	failures := 0
	for id, addr := range c.known {
		temp, err := c.bus.ReadTemperature(addr)
		if err != nil {
			failures++
			c.logger.Debug("Sensor read failed", "id", id, "error", err)
			continue
		}
		c.last[id] = temp
	}
	c.lastRefresh = now

	if c.recorder != nil {
		c.recorder.ObservePoll(len(c.known), failures)
	}
	if failures > 0 {
		c.logger.WarnRateLimited("sensor-read", failureWarnInterval, "Some sensor reads failed", "failed", failures, "known", len(c.known))
	}
	return true
}

// KnownIDs returns a copy of the id to address mapping.
func (c *Cache) KnownIDs() map[string]Address {
	out := make(map[string]Address, len(c.known))
	for id, addr := range c.known {
		out[id] = addr
	}
	return out
}

// Known reports whether id was discovered at startup.
func (c *Cache) Known(id string) bool {
	_, ok := c.known[id]
	return ok
}

// IDs returns the known ids in sorted order.
func (c *Cache) IDs() []string {
	ids := make([]string, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValueOf returns the cached value for id, or NoReading.
func (c *Cache) ValueOf(id string) float64 {
	if v, ok := c.last[id]; ok {
		return v
	}
	return NoReading
}

// HasValue reports whether id has been read successfully at least once.
func (c *Cache) HasValue(id string) bool {
	_, ok := c.last[id]
	return ok
}

// LastRefresh is the time of the most recent refresh.
func (c *Cache) LastRefresh() time.Time {
	return c.lastRefresh
}
