package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("relay: not connected to MQTT broker")

// Publisher sends payloads to topics on a message broker.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker         string // e.g. tcp://broker:1883
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration // default: 30s
	PublishTimeout time.Duration // default: 10s
}

// MQTTPublisher publishes over an MQTT broker connection. Paho reconnects on
// its own after the first successful connect.
type MQTTPublisher struct {
	cfg MQTTConfig
	log zerolog.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTPublisher creates an unconnected publisher.
func NewMQTTPublisher(cfg MQTTConfig, log zerolog.Logger) *MQTTPublisher {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &MQTTPublisher{
		cfg: cfg,
		log: log.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
	}
}

// Connect dials the broker and waits for the first connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(p.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.log.Info().Msg("connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("connection to MQTT broker lost")
	})

	client := mqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	if err := wait(ctx, client.Connect(), p.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// Publish sends payload to topic and waits for the broker.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(ctx, client.Publish(topic, p.cfg.QoS, false, payload), p.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && p.client.IsConnected()
}

// Disconnect closes the broker connection.
func (p *MQTTPublisher) Disconnect() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}
