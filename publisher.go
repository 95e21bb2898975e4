package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var (
	// ErrPublisherNotConnected is returned by Publish while the broker
	// connection is down.
	ErrPublisherNotConnected = errors.New("mqtt not connected")

	errPublishTimeout = errors.New("publish timeout")
)

// PublisherConfig configures the MQTT plate event publisher.
type PublisherConfig struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker   string
	Topic    string
	QoS      byte
	ClientID string
}

// plateEvent is the JSON payload published for each new plate.
type plateEvent struct {
	EventID      string    `json:"event_id"`
	SessionID    string    `json:"session_id"`
	TrackID      TrackID   `json:"track_id"`
	Plate        string    `json:"plate"`
	Frame        int64     `json:"frame"`
	RecognizedAt time.Time `json:"recognized_at"`
}

func buildPlateEvent(session uuid.UUID, rec PlateRecord) plateEvent {
	return plateEvent{
		EventID:      uuid.NewString(),
		SessionID:    session.String(),
		TrackID:      rec.TrackID,
		Plate:        rec.Text,
		Frame:        rec.FirstSeenFrame,
		RecognizedAt: rec.RecognizedAt,
	}
}

// brokerURL adds the tcp scheme when none is given.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// PlatePublisher publishes newly recorded plates to an MQTT broker.
type PlatePublisher struct {
	cfg     PublisherConfig
	session uuid.UUID
	client  mqtt.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewPlatePublisher creates a publisher. Call Connect before Publish.
func NewPlatePublisher(cfg PublisherConfig, session uuid.UUID, logger *slog.Logger) *PlatePublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "plate-recorder-" + session.String()[:8]
	}
	return &PlatePublisher{cfg: cfg, session: session, logger: logger}
}

// Connect establishes the broker connection. The client reconnects on its
// own after a lost connection.
func (p *PlatePublisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("MQTT connection established", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("MQTT connection lost, will auto-reconnect", "broker", p.cfg.Broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)

	p.logger.Info("Connecting to MQTT broker", "broker", p.cfg.Broker, "topic", p.cfg.Topic)
	token := p.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout: %s", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Publish sends the plate event for rec.
func (p *PlatePublisher) Publish(rec PlateRecord) error {
	if !p.isConnected() {
		p.countError()
		return ErrPublisherNotConnected
	}

	payload, err := json.Marshal(buildPlateEvent(p.session, rec))
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal plate event: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return errPublishTimeout
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	p.logger.Debug("Plate event published",
		"topic", p.cfg.Topic,
		"qos", p.cfg.QoS,
		"track_id", rec.TrackID,
		"size", len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (p *PlatePublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT disconnected")
	}
	p.setConnected(false)
}

// Stats returns publisher statistics.
func (p *PlatePublisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PublisherStats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *PlatePublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *PlatePublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PlatePublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
