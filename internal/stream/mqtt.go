package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/satindergrewal/bananatween/internal/tween"
)

// MQTTConfig holds broker settings for the lifecycle publisher.
type MQTTConfig struct {
	URL      string
	Username string
	Password string
	ClientID string
}

// NewMQTTClient builds a paho client. It does not connect.
func NewMQTTClient(cfg MQTTConfig, logger *slog.Logger) mqtt.Client {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bananatween"
	}
	options := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.URL)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "err", err)
		})
	return mqtt.NewClient(options)
}

// frameMeta is a frame without its image payload.
type frameMeta struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// MQTTPublisher mirrors run lifecycle events to <prefix>/<session>/<type>.
// Image bytes never leave the process; frame events carry metadata only.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

// NewMQTTPublisher creates a publisher on an existing client.
func NewMQTTPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *MQTTPublisher {
	if prefix == "" {
		prefix = "tween"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{client: client, prefix: prefix, timeout: 5 * time.Second, log: logger}
}

// Connect dials the broker.
func (p *MQTTPublisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Topic returns the topic an event is published to.
func (p *MQTTPublisher) Topic(ev Event) string {
	return p.prefix + "/" + ev.Session + "/" + ev.Type
}

// Publish sends one event. Preview ticks are not mirrored.
func (p *MQTTPublisher) Publish(ev Event) error {
	if ev.Type == EventPreview {
		return nil
	}
	body, err := json.Marshal(mqttPayload(ev))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	token := p.client.Publish(p.Topic(ev), 1, false, body)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish %s: timed out", p.Topic(ev))
	}
	return token.Error()
}

// Run mirrors every session's events until ctx is done.
func (p *MQTTPublisher) Run(ctx context.Context, b *Broadcaster) {
	listener := b.Subscribe("")
	defer b.Unsubscribe(listener)

	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Done():
			return
		case ev := <-listener.C:
			if err := p.Publish(ev); err != nil {
				p.log.Warn("mqtt publish failed", "topic", p.Topic(ev), "err", err)
			}
		}
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

func mqttPayload(ev Event) any {
	frames, ok := ev.Payload.([]tween.Frame)
	if !ok {
		return ev.Payload
	}
	meta := make([]frameMeta, len(frames))
	for i, f := range frames {
		meta[i] = frameMeta{ID: f.ID, Index: f.Index, Type: string(f.Kind), Prompt: f.Prompt}
	}
	return meta
}
