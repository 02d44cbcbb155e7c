// Package mqttbridge forwards device position reports from an MQTT
// broker onto the telemetry stream.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/transport"
)

// Publisher puts a message on a JetStream subject.
type Publisher interface {
	PublishWithDedup(subject string, data []byte, msgID string) error
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is a filter with a single-level wildcard standing for the
	// entity id, e.g. overwatch/devices/+/position.
	Topic string
	QoS   byte
}

// devicePosition is the payload devices publish.
type devicePosition struct {
	Lon  *float64 `json:"lon"`
	Lat  *float64 `json:"lat"`
	Name string   `json:"name,omitempty"`
}

type Bridge struct {
	cfg       Config
	client    mqtt.Client
	publisher Publisher
	logger    *zap.Logger
	entityAt  int
}

func New(cfg Config, publisher Publisher, logger *zap.Logger) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	entityAt := wildcardLevel(cfg.Topic)
	if entityAt < 0 {
		return nil, fmt.Errorf("mqtt topic %q has no entity wildcard", cfg.Topic)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "overwatch-relay-" + uuid.NewString()[:8]
	}

	b := &Bridge{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.Named("mqtt").With(zap.String("broker", cfg.Broker)),
		entityAt:  entityAt,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	// subscriptions do not survive a clean-session reconnect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := b.subscribe(c); err != nil {
			b.logger.Error("Failed to subscribe", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Start connects to the broker. Subscription happens on every connect.
func (b *Bridge) Start() error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	b.logger.Info("MQTT bridge connected", zap.String("topic", b.cfg.Topic))
	return nil
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	token := c.Subscribe(b.cfg.Topic, b.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		if err := b.Handle(msg.Topic(), msg.Payload()); err != nil {
			b.logger.Warn("Dropping device report", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", b.cfg.Topic, token.Error())
	}
	return nil
}

// Handle converts one device report into a telemetry update and
// publishes it.
func (b *Bridge) Handle(topic string, payload []byte) error {
	levels := strings.Split(topic, "/")
	if b.entityAt >= len(levels) || levels[b.entityAt] == "" {
		return shared.NewValidationError("topic", "no entity id in %q", topic)
	}
	entityID := levels[b.entityAt]

	var pos devicePosition
	if err := json.Unmarshal(payload, &pos); err != nil {
		return shared.NewValidationError("payload", "%v", err)
	}
	if pos.Lon == nil || pos.Lat == nil {
		return shared.NewValidationError("payload", "lon and lat are required")
	}

	data, err := json.Marshal(transport.TelemetryUpdate{
		EntityID:    entityID,
		Lon:         pos.Lon,
		Lat:         pos.Lat,
		DisplayName: pos.Name,
	})
	if err != nil {
		return err
	}
	if err := b.publisher.PublishWithDedup(shared.TelemetryEntitySubject(entityID), data, uuid.NewString()); err != nil {
		return fmt.Errorf("failed to publish telemetry for %s: %w", entityID, err)
	}
	b.logger.Debug("Forwarded device report", zap.String("entity_id", entityID))
	return nil
}

func (b *Bridge) Stop() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.logger.Info("MQTT bridge stopped")
}

func wildcardLevel(topic string) int {
	for i, level := range strings.Split(topic, "/") {
		if level == "+" {
			return i
		}
	}
	return -1
}
