// Package telemetry pushes sensor readings to the HTTP gateway and the MQTT
// broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sidoh/esp8266-thermometer/settings"
)

// ReconnectInterval is the minimum gap between broker connection attempts.
const ReconnectInterval = 5 * time.Second

// Sink names used for observation.
const (
	SinkGateway = "gateway"
	SinkMQTT    = "mqtt"
)

var errBrokerDisconnected = errors.New("broker not connected")

// Reading is the document sent to both sinks.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Voltage     float64 `json:"voltage"`
}

// Broker is a message-broker connection.
type Broker interface {
	Connected() bool
	Connect() error
	Publish(topic string, payload []byte, retain bool) error
	Close()
}

// Readings is the sensor cache as seen by the publisher.
type Readings interface {
	IDs() []string
	HasValue(id string) bool
	ValueOf(id string) float64
}

// Source provides the current settings.
type Source interface {
	Settings() settings.Settings
}

// Logger is the subset of the application logger the publisher needs.
type Logger interface {
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Observer is told about every publish attempt.
type Observer interface {
	ObservePublish(sink string, err error)
	ObserveReading(id, name string, fahrenheit float64)
}

// Report summarises one publish pass.
type Report struct {
	Readings      int
	GatewaySent   int
	GatewayFailed int
	BrokerSent    int
	BrokerFailed  int
}

// Publisher sends every cached reading to the configured sinks. It is
// driven by the control loop and is not safe for concurrent use.
type Publisher struct {
	src      Source
	readings Readings
	gateway  *Gateway
	broker   Broker
	logger   Logger
	observer Observer
	voltage  func() float64

	lastPublish        time.Time
	lastConnectAttempt time.Time
}

// NewPublisher creates a publisher. broker may be nil when MQTT is not
// configured.
func NewPublisher(src Source, readings Readings, gateway *Gateway, broker Broker, logger Logger) *Publisher {
	return &Publisher{
		src:      src,
		readings: readings,
		gateway:  gateway,
		broker:   broker,
		logger:   logger,
		voltage:  func() float64 { return 0 },
	}
}

// SetVoltageSource sets where the supply voltage in each reading comes from.
func (p *Publisher) SetVoltageSource(fn func() float64) { p.voltage = fn }

// SetObserver attaches a publish observer.
func (p *Publisher) SetObserver(o Observer) { p.observer = o }

// Due reports whether the update interval has elapsed since the last
// publish. The first call is always due.
func (p *Publisher) Due(now time.Time) bool {
	if p.lastPublish.IsZero() {
		return true
	}
	return now.Sub(p.lastPublish) >= p.src.Settings().UpdateEvery()
}

// MaybePublish publishes when Due and reports whether it did.
func (p *Publisher) MaybePublish(ctx context.Context, now time.Time) bool {
	if !p.Due(now) {
		return false
	}
	p.Publish(ctx, now)
	return true
}

// Publish sends one reading per sensor with a value. Gateway and broker
// failures are independent and only logged.
func (p *Publisher) Publish(ctx context.Context, now time.Time) Report {
	p.lastPublish = now
	s := p.src.Settings()
	voltage := p.voltage()

	var report Report
	for _, id := range p.readings.IDs() {
		if !p.readings.HasValue(id) {
			continue
		}
		name := s.DeviceName(id)
		temp := p.readings.ValueOf(id)
		body, err := json.Marshal(Reading{Temperature: temp, Voltage: voltage})
		if err != nil {
			p.logger.Warn("Failed to encode reading", "id", id, "error", err)
			continue
		}
		report.Readings++
		if p.observer != nil {
			p.observer.ObserveReading(id, name, temp)
		}

		if path := sensorPath(s, id, name); path != "" && s.GatewayConfigured() {
			err := p.gateway.Put(ctx, s.GatewayServer, path, s.HMACSecret, body)
			p.observe(SinkGateway, err)
			if err != nil {
				report.GatewayFailed++
				p.logger.Warn("Gateway publish failed", "device", name, "path", path, "error", err)
			} else {
				report.GatewaySent++
			}
		}

		if p.broker != nil {
			err := p.publishBroker(now, Topic(s.MQTTTopicPrefix, name), body)
			p.observe(SinkMQTT, err)
			if err != nil {
				report.BrokerFailed++
				p.logger.Warn("MQTT publish failed", "device", name, "error", err)
			} else {
				report.BrokerSent++
			}
		}
	}

	p.logger.Debug("Telemetry published",
		"readings", report.Readings,
		"gateway_sent", report.GatewaySent,
		"broker_sent", report.BrokerSent)
	return report
}

// Pump keeps the broker session alive, attempting a reconnect at most once
// per ReconnectInterval.
func (p *Publisher) Pump(now time.Time) {
	if p.broker == nil || p.broker.Connected() {
		return
	}
	p.connect(now)
}

// Close releases the broker connection.
func (p *Publisher) Close() {
	if p.broker != nil {
		p.broker.Close()
	}
}

func (p *Publisher) publishBroker(now time.Time, topic string, body []byte) error {
	if !p.broker.Connected() {
		p.connect(now)
	}
	if !p.broker.Connected() {
		return errBrokerDisconnected
	}
	return p.broker.Publish(topic, body, true)
}

func (p *Publisher) connect(now time.Time) {
	if !p.lastConnectAttempt.IsZero() && now.Sub(p.lastConnectAttempt) < ReconnectInterval {
		return
	}
	p.lastConnectAttempt = now
	if err := p.broker.Connect(); err != nil {
		p.logger.Warn("Failed to connect to MQTT broker", "error", err)
		return
	}
	p.logger.Info("Connected to MQTT broker")
}

func (p *Publisher) observe(sink string, err error) {
	if p.observer != nil {
		p.observer.ObservePublish(sink, err)
	}
}

// sensorPath looks the gateway path up by device name, then by id.
func sensorPath(s settings.Settings, id, name string) string {
	if path, ok := s.SensorPaths[name]; ok && path != "" {
		return path
	}
	return s.SensorPaths[id]
}

// Topic is prefix + "/" + device name, with spaces in the name replaced by
// underscores.
func Topic(prefix, deviceName string) string {
	return prefix + "/" + strings.ReplaceAll(deviceName, " ", "_")
}
