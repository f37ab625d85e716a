package bus

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the thin MQTT session the Adapter drives. It exists so tests can
// swap in a fake broker.
type Client interface {
	Connect() error
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Connected() bool
	Disconnect()
}

type pahoClient struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *slog.Logger
}

// PahoOption configures the paho-backed Client.
type PahoOption func(*mqtt.ClientOptions)

// WithCredentials sets the broker username/password.
func WithCredentials(username, password string) PahoOption {
	return func(o *mqtt.ClientOptions) {
		o.SetUsername(username)
		o.SetPassword(password)
	}
}

// WithKeepAlive overrides the MQTT keepalive interval.
func WithKeepAlive(d time.Duration) PahoOption {
	return func(o *mqtt.ClientOptions) {
		o.SetKeepAlive(d)
	}
}

// NewPahoClient returns a Client backed by eclipse/paho. The paho network
// loop runs on its own goroutines; subscription handlers fire there, never on
// the caller's goroutine.
func NewPahoClient(brokerURL, clientID string, logger *slog.Logger, opts ...PahoOption) Client {
	o := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(10 * time.Second)

	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("bus connection lost, auto-reconnecting", slog.String("error", err.Error()))
	})
	o.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("bus connected", slog.String("broker", brokerURL))
	})

	for _, opt := range opts {
		opt(o)
	}

	return &pahoClient{
		client:  mqtt.NewClient(o),
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

func (p *pahoClient) Connect() error {
	tok := p.client.Connect()
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("connect timed out after %s", p.timeout)
	}
	return tok.Error()
}

func (p *pahoClient) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("not connected")
	}
	tok := p.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, p.timeout)
	}
	return tok.Error()
}

func (p *pahoClient) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	tok := p.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("subscribe to %s timed out after %s", topic, p.timeout)
	}
	return tok.Error()
}

func (p *pahoClient) Connected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoClient) Disconnect() {
	p.client.Disconnect(250)
}
