package utils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log:
  level: debug
  format: console
adb:
  port: 5556
  connect_attempts: 5
  command_timeout: 3s
devices:
  - address: 10.0.0.5
    name: lobby
  - address: 10.0.0.6:5556
    name: bar
    profile: sony
profiles:
  sony:
    input_key: 170
    navigation_steps: -1
    open_delay: 500ms
sessions:
  state_file: ""
  max_duration: 4h
fleet:
  interval: 30s
http:
  listen: 0.0.0.0:9090
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_FileOverDefaults(t *testing.T) {
	config, err := utils.LoadConfig(writeConfig(t, sampleConfig), file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "console", config.Log.Format)
	assert.Equal(t, 5556, config.ADB.Port)
	assert.Equal(t, 5, config.ADB.ConnectAttempts)
	assert.Equal(t, 3*time.Second, config.ADB.CommandTimeout)
	assert.Equal(t, constants.DefaultConnectTimeout, config.ADB.ConnectTimeout)
	assert.Empty(t, config.Sessions.StateFile)
	assert.Equal(t, 4*time.Hour, config.Sessions.MaxDuration)
	assert.Equal(t, 30*time.Second, config.Fleet.Interval)
	assert.Equal(t, "0.0.0.0:9090", config.HTTP.Listen)

	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, config.DeviceAddresses())
	assert.Contains(t, config.Profiles, utils.DefaultProfileName)

	profiles := config.DeviceProfiles()
	require.Contains(t, profiles, "10.0.0.6")
	assert.Equal(t, 170, profiles["10.0.0.6"].InputKey)
	assert.Equal(t, 500*time.Millisecond, profiles["10.0.0.6"].OpenDelay)
	assert.Equal(t, constants.KeyTVInput, config.DefaultProfile().InputKey)
}

func TestLoadConfig_NoFileUsesDefaults(t *testing.T) {
	config, err := utils.LoadConfig("", file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, "adb", config.ADB.Path)
	assert.Equal(t, 5555, config.ADB.Port)
	assert.True(t, config.ADB.AutoRestartDaemon)
	assert.True(t, config.HTTP.Enabled)
	assert.False(t, config.MQTT.Enabled)
	assert.False(t, config.Webhook.Enabled)
	assert.Empty(t, config.Devices)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ADB_PATH", "/opt/platform-tools/adb")
	t.Setenv("DEVICES", "10.0.0.5, 10.0.0.7:5555,")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("WEBHOOK_URL", "https://rentals.example.com/hooks/tv")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "warn")

	config, err := utils.LoadConfig(writeConfig(t, sampleConfig), file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, "/opt/platform-tools/adb", config.ADB.Path)
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"}, config.DeviceAddresses())
	assert.True(t, config.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", config.MQTT.Broker)
	assert.True(t, config.Webhook.Enabled)
	assert.Equal(t, "s3cret", config.Webhook.Secret)
	assert.Equal(t, "warn", config.Log.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := utils.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), file.NewFileService())
	assert.Error(t, err)

	_, err = utils.LoadConfig(writeConfig(t, "adb:\n  prot: 1\n"), file.NewFileService())
	assert.Error(t, err, "unknown keys are rejected")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *utils.Config)
		message string
	}{
		{"port out of range", func(c *utils.Config) { c.ADB.Port = 70000 }, "adb.port"},
		{"no connect attempts", func(c *utils.Config) { c.ADB.ConnectAttempts = 0 }, "adb.connect_attempts"},
		{"empty device address", func(c *utils.Config) { c.Devices = []utils.DeviceConfig{{Name: "x"}} }, "address is required"},
		{"duplicate device", func(c *utils.Config) {
			c.Devices = []utils.DeviceConfig{{Address: "10.0.0.5"}, {Address: "10.0.0.5:5555"}}
		}, "duplicate address"},
		{"unknown profile", func(c *utils.Config) {
			c.Devices = []utils.DeviceConfig{{Address: "10.0.0.5", Profile: "lg"}}
		}, "unknown profile"},
		{"mqtt without broker", func(c *utils.Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"bad qos", func(c *utils.Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "tcp://b:1883"; c.MQTT.QOS = 3 }, "mqtt.qos"},
		{"bad webhook url", func(c *utils.Config) { c.Webhook.Enabled = true; c.Webhook.URL = "ftp://x" }, "webhook.url"},
		{"bad log format", func(c *utils.Config) { c.Log.Format = "xml" }, "log.format"},
		{"http without listen", func(c *utils.Config) { c.HTTP.Listen = "" }, "http.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := utils.DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	assert.NoError(t, utils.DefaultConfig().Validate())
}
