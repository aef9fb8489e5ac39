// Package mode decides once per boot cycle whether the device serves its
// admin API or publishes telemetry.
package mode

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sidoh/esp8266-thermometer/settings"
)

// Mode is the run mode of one boot cycle.
type Mode int

const (
	// Normal publishes telemetry and may deep sleep.
	Normal Mode = iota
	// Configuration serves the admin API indefinitely.
	Configuration
)

func (m Mode) String() string {
	if m == Configuration {
		return "configuration"
	}
	return "normal"
}

// UpdateToken is the probe response that forces configuration mode.
const UpdateToken = "update"

// DefaultTimeout bounds the connect and the read of the probe.
const DefaultTimeout = 3 * time.Second

// Source provides the settings the decision depends on.
type Source interface {
	Settings() settings.Settings
}

// Logger is the subset of the application logger the decider needs.
type Logger interface {
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Decider memoizes the first decision it makes.
type Decider struct {
	src     Source
	logger  Logger
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	once sync.Once
	mode Mode
}

// NewDecider creates a decider that probes with DefaultTimeout.
func NewDecider(src Source, logger Logger) *Decider {
	var d net.Dialer
	return &Decider{src: src, logger: logger, timeout: DefaultTimeout, dial: d.DialContext}
}

// SetTimeout overrides the probe deadline. It has no effect after Decide.
func (d *Decider) SetTimeout(timeout time.Duration) {
	d.timeout = timeout
}

// Decide returns the mode for this boot cycle, probing the flag server the
// first time only.
func (d *Decider) Decide(ctx context.Context) Mode {
	d.once.Do(func() {
		d.mode = d.decide(ctx)
		d.logger.Info("Run mode decided", "mode", d.mode.String())
	})
	return d.mode
}

func (d *Decider) decide(ctx context.Context) Mode {
	s := d.src.Settings()
	if !s.RequiredFieldsPresent() {
		d.logger.Info("Flag server not configured, entering configuration mode")
		return Configuration
	}

	addr := net.JoinHostPort(strings.TrimSpace(s.FlagServer), strconv.Itoa(int(s.FlagServerPort)))
	line, err := d.probe(ctx, addr)
	if err != nil {
		d.logger.Debug("Flag server probe failed", "addr", addr, "error", err)
		return Normal
	}
	if line == UpdateToken {
		return Configuration
	}
	d.logger.Debug("Flag server declined update", "addr", addr, "response", line)
	return Normal
}

func (d *Decider) probe(ctx context.Context, addr string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
