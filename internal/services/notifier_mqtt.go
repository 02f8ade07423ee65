package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// MQTTNotifier publishes session events as JSON to <topic>/<session id>.
type MQTTNotifier struct {
	mqttClient mqtt.MQTTClient
	topic      string
	qos        int
	logger     zerolog.Logger
}

// NewMQTTNotifier initializes a new MQTTNotifier.
func NewMQTTNotifier(mqttClient mqtt.MQTTClient, topic string, qos int, logger zerolog.Logger) *MQTTNotifier {
	return &MQTTNotifier{mqttClient: mqttClient, topic: topic, qos: qos, logger: logger}
}

// Notify publishes event and waits for the broker acknowledgement.
func (n *MQTTNotifier) Notify(ctx context.Context, event models.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	topic := n.topic + "/" + event.Session.ID
	if err := mqtt.PublishContext(ctx, n.mqttClient, topic, byte(n.qos), false, payload); err != nil {
		n.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish session event")
		return err
	}
	n.logger.Debug().Str("topic", topic).Str("event", event.Type).Msg("Session event published")
	return nil
}
