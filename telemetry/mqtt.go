package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultMQTTTimeout bounds connect and publish round trips.
const DefaultMQTTTimeout = 3 * time.Second

var errMQTTTimeout = errors.New("mqtt: operation timed out")

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	Timeout  time.Duration
}

// MQTTBroker is a Broker backed by a paho client. Reconnection is driven by
// the publisher so the loop controls its cadence.
type MQTTBroker struct {
	client  mqtt.Client
	timeout time.Duration
}

// NewMQTTBroker configures, but does not connect, a client.
func NewMQTTBroker(cfg MQTTConfig, logger Logger) *MQTTBroker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMQTTTimeout
	}
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.Timeout).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return &MQTTBroker{client: mqtt.NewClient(opts), timeout: cfg.Timeout}
}

// Connected reports whether the session is up.
func (b *MQTTBroker) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Connect makes one connection attempt.
func (b *MQTTBroker) Connect() error {
	return b.wait(b.client.Connect(), "connect")
}

// Publish sends payload at QoS 0.
func (b *MQTTBroker) Publish(topic string, payload []byte, retain bool) error {
	return b.wait(b.client.Publish(topic, 0, retain, payload), "publish")
}

// Close disconnects, allowing in-flight work a short grace period.
func (b *MQTTBroker) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *MQTTBroker) wait(tok mqtt.Token, op string) error {
	if !tok.WaitTimeout(b.timeout) {
		return fmt.Errorf("%s: %w", op, errMQTTTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
