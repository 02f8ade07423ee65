package mqtt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/adb-agent/internal/mocks"
	"github.com/benmeehan/adb-agent/pkg/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishContext_Acknowledged(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Publish", "tv/fleet", byte(1), true, []byte("{}")).Return(mocks.NewCompletedToken(nil))

	require.NoError(t, mqtt.PublishContext(context.Background(), client, "tv/fleet", 1, true, []byte("{}")))
	client.AssertExpectations(t)
}

func TestPublishContext_BrokerError(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Publish", "tv/fleet", byte(0), false, []byte("{}")).Return(mocks.NewCompletedToken(errors.New("not connected")))

	err := mqtt.PublishContext(context.Background(), client, "tv/fleet", 0, false, []byte("{}"))
	assert.ErrorContains(t, err, "publish to tv/fleet: not connected")
}

func TestPublishContext_ContextExpires(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Publish", "tv/fleet", byte(0), false, []byte("{}")).Return(mocks.NewPendingToken())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := mqtt.PublishContext(ctx, client, "tv/fleet", 0, false, []byte("{}"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMqttService_InitializeFailsOnUnreadableCA(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("ReadFileRaw", "/etc/ssl/broker-ca.pem").Return(nil, errors.New("no such file"))

	err := mqtt.NewMqttService(fileClient).Initialize(mqtt.Options{
		Broker:        "ssl://broker:8883",
		ClientID:      "adb-agent-test",
		CACertificate: "/etc/ssl/broker-ca.pem",
	})
	assert.ErrorContains(t, err, "failed to read CA certificate")
}

func TestMqttService_InitializeFailsOnInvalidCA(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("ReadFileRaw", "ca.pem").Return([]byte("not a certificate"), nil)

	err := mqtt.NewMqttService(fileClient).Initialize(mqtt.Options{Broker: "ssl://broker:8883", ClientID: "x", CACertificate: "ca.pem"})
	assert.ErrorContains(t, err, "failed to append CA certificate")
}
