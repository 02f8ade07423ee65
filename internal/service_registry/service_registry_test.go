package service_registry_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/mocks"
	"github.com/benmeehan/adb-agent/internal/service_registry"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// recordingService logs lifecycle calls into a shared journal.
type recordingService struct {
	name     string
	journal  *[]string
	startErr error
}

func (s *recordingService) Start() error {
	*s.journal = append(*s.journal, "start "+s.name)
	return s.startErr
}

func (s *recordingService) Stop() error {
	*s.journal = append(*s.journal, "stop "+s.name)
	return nil
}

// offlineBridge is an adb server with no devices attached.
var offlineBridge = adb.BridgeFunc(func(_ context.Context, args ...string) (adb.Output, error) {
	switch args[0] {
	case "devices":
		return adb.Output{Stdout: "List of devices attached\n"}, nil
	case "connect":
		return adb.Output{Stdout: "failed to connect to " + args[1] + ": Connection refused"}, nil
	case "version":
		return adb.Output{Stdout: "Android Debug Bridge version 1.0.41"}, nil
	}
	return adb.Output{}, nil
})

func TestServiceRegistry_StartStopOrder(t *testing.T) {
	var journal []string
	sr := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", journal: &journal})
	sr.RegisterService("b", &recordingService{name: "b", journal: &journal})
	sr.RegisterService("a", &recordingService{name: "dup", journal: &journal})

	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, journal)
}

func TestServiceRegistry_RollsBackOnStartFailure(t *testing.T) {
	var journal []string
	sr := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", journal: &journal})
	sr.RegisterService("b", &recordingService{name: "b", journal: &journal})
	sr.RegisterService("c", &recordingService{name: "c", journal: &journal, startErr: errors.New("port in use")})
	sr.RegisterService("d", &recordingService{name: "d", journal: &journal})

	err := sr.StartServices()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start c")
	assert.Equal(t, []string{"start a", "start b", "start c", "stop b", "stop a"}, journal)
}

func testConfig(t *testing.T) *utils.Config {
	config := utils.DefaultConfig()
	config.Devices = []utils.DeviceConfig{{Address: "10.0.0.5"}, {Address: "10.0.0.6"}}
	config.Sessions.StateFile = filepath.Join(t.TempDir(), "sessions.json")
	config.HTTP.Listen = "127.0.0.1:0"
	config.HTTP.Mode = "test"
	config.ADB.ConnectAttempts = 1
	config.ADB.SettleDelay = 0
	config.Fleet.Interval = time.Hour
	return config
}

func TestServiceRegistry_BuildWiresComponents(t *testing.T) {
	clk := clock.NewMock()
	sr := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop()).
		WithBridge(offlineBridge).
		WithClock(clk)
	assert.Nil(t, sr.Components())

	c, err := sr.Build(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, c.Control)
	require.NotNil(t, c.API)
	assert.Same(t, c, sr.Components())

	again, err := sr.Build(testConfig(t))
	require.NoError(t, err)
	assert.Same(t, c, again)

	devices := c.Link.Devices()
	assert.Len(t, devices, 2)

	status := c.Control.DaemonStatus(context.Background())
	assert.True(t, status.Reachable)
	assert.Equal(t, "1.0.41", status.Version)
}

func TestServiceRegistry_RunsConfiguredServices(t *testing.T) {
	config := testConfig(t)
	sr := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop()).WithBridge(offlineBridge)

	require.NoError(t, sr.RegisterServices(config))
	require.NoError(t, sr.StartServices())

	c := sr.Components()
	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/health", c.API.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	session, err := c.Control.StartSession(context.Background(), "s1", "10.0.0.5", 3600)
	require.NoError(t, err)
	assert.Equal(t, constants.SessionStateActive, session.State)

	require.NoError(t, sr.StopServices())

	restored := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop()).WithBridge(offlineBridge)
	config.HTTP.Enabled = false
	config.Fleet.Enabled = false
	require.NoError(t, restored.RegisterServices(config))
	require.NoError(t, restored.StartServices())
	defer restored.StopServices()

	got, err := restored.Components().Control.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Address)
}

func TestServiceRegistry_PublishesThroughMQTTWhenConnected(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	published := make(chan string, 4)
	client.On("Publish", mock.Anything, byte(1), mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { published <- args.String(0) }).
		Return(mocks.NewCompletedToken(nil))

	config := testConfig(t)
	config.HTTP.Enabled = false
	config.Fleet.Enabled = false
	sr := service_registry.NewServiceRegistry(client, file.NewFileService(), zerolog.Nop()).WithBridge(offlineBridge)
	require.NoError(t, sr.RegisterServices(config))
	require.NoError(t, sr.StartServices())

	_, err := sr.Components().Control.StartSession(context.Background(), "s7", "10.0.0.5", 60)
	require.NoError(t, err)

	select {
	case topic := <-published:
		assert.True(t, strings.HasSuffix(topic, "/s7"), topic)
	case <-time.After(2 * time.Second):
		t.Fatal("session event was not published")
	}
	require.NoError(t, sr.StopServices())
}
