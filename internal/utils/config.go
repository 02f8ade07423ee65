package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/caarlos0/env/v11"
)

// DefaultProfileName is the profile used by devices that do not name one.
const DefaultProfileName = "default"

// DeviceConfig is one TV of the fleet.
type DeviceConfig struct {
	Address string `yaml:"address"` // host or host:port of the TV
	Name    string `yaml:"name"`    // human readable label
	Profile string `yaml:"profile"` // key into Config.Profiles
}

// Config represents the structure of the configuration file.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // zerolog level: debug, info, warn, error
		Format string `yaml:"format"` // json or console
	} `yaml:"log"`

	Agent struct {
		Name string `yaml:"name"` // identifies this agent in MQTT client ids and logs
	} `yaml:"agent"`

	ADB struct {
		Path              string        `yaml:"path"`                // adb executable
		Port              int           `yaml:"port"`                // network debug port of the TVs
		MinVersion        string        `yaml:"min_version"`         // minimum supported adb version
		CommandTimeout    time.Duration `yaml:"command_timeout"`     // default per-command timeout
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`     // timeout of one adb connect
		ProbeTimeout      time.Duration `yaml:"probe_timeout"`       // timeout of device-list and echo probes
		SettleDelay       time.Duration `yaml:"settle_delay"`        // wait after connect before re-verifying
		ConnectAttempts   int           `yaml:"connect_attempts"`    // connect attempts before giving up
		ConnectBaseDelay  time.Duration `yaml:"connect_base_delay"`  // first backoff between attempts
		ConnectMaxBackoff time.Duration `yaml:"connect_max_backoff"` // backoff cap
		DaemonKillDelay   time.Duration `yaml:"daemon_kill_delay"`   // wait after kill-server
		DaemonStartDelay  time.Duration `yaml:"daemon_start_delay"`  // wait after start-server
		OutputSizeLimit   int           `yaml:"output_size_limit"`   // captured stdout/stderr bytes per command
		AutoRestartDaemon bool          `yaml:"auto_restart_daemon"` // restart the daemon once when it is down
	} `yaml:"adb"`

	Devices  []DeviceConfig                  `yaml:"devices"`
	Profiles map[string]models.DeviceProfile `yaml:"profiles"`

	Sessions struct {
		StateFile     string        `yaml:"state_file"`     // JSON file of live sessions; empty disables persistence
		ExpiryTimeout time.Duration `yaml:"expiry_timeout"` // budget of one timeout sequence
		MaxDuration   time.Duration `yaml:"max_duration"`   // longest accepted session; 0 means unlimited
		NotifyTimeout time.Duration `yaml:"notify_timeout"` // budget of one notification delivery
	} `yaml:"sessions"`

	Fleet struct {
		Enabled        bool          `yaml:"enabled"`         // run the periodic fleet check
		Interval       time.Duration `yaml:"interval"`        // period of the fleet check
		ProbeTimeout   time.Duration `yaml:"probe_timeout"`   // budget of one device probe
		MaxConcurrency int           `yaml:"max_concurrency"` // concurrent probes; hung devices are isolated only up to this many
		ProbeFallback  bool          `yaml:"probe_fallback"`  // echo-probe devices missing from the device list
	} `yaml:"fleet"`

	HTTP struct {
		Enabled         bool          `yaml:"enabled"`
		Listen          string        `yaml:"listen"`           // host:port of the API
		Mode            string        `yaml:"mode"`             // gin mode: debug, release or test
		ReadTimeout     time.Duration `yaml:"read_timeout"`     // request header and body read timeout
		RequestTimeout  time.Duration `yaml:"request_timeout"`  // budget of one device operation
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // graceful shutdown budget
	} `yaml:"http"`

	MQTT struct {
		Enabled        bool          `yaml:"enabled"`
		Broker         string        `yaml:"broker"`          // MQTT broker address
		ClientID       string        `yaml:"client_id"`       // MQTT client ID; a random suffix is added
		Username       string        `yaml:"username"`        // optional broker credentials
		Password       string        `yaml:"password"`        // optional broker credentials
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the CA certificate
		QOS            int           `yaml:"qos"`             // QoS of published messages
		EventsTopic    string        `yaml:"events_topic"`    // session events go to <events_topic>/<session id>
		FleetTopic     string        `yaml:"fleet_topic"`     // retained fleet snapshots
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // broker connect timeout
	} `yaml:"mqtt"`

	Webhook struct {
		Enabled    bool          `yaml:"enabled"`
		URL        string        `yaml:"url"`         // receiver of session events
		Secret     string        `yaml:"secret"`      // HMAC-SHA256 signing key
		Timeout    time.Duration `yaml:"timeout"`     // per-request timeout
		Attempts   int           `yaml:"attempts"`    // delivery attempts
		RetryDelay time.Duration `yaml:"retry_delay"` // first delay between attempts
	} `yaml:"webhook"`
}

// envOverrides lists the settings that can be overridden from the environment.
type envOverrides struct {
	AdbPath           string   `env:"ADB_PATH"`
	AdbPort           int      `env:"ADB_PORT"`
	Devices           []string `env:"DEVICES" envSeparator:","`
	HTTPListen        string   `env:"HTTP_LISTEN"`
	MQTTBroker        string   `env:"MQTT_BROKER"`
	MQTTUsername      string   `env:"MQTT_USERNAME"`
	MQTTPassword      string   `env:"MQTT_PASSWORD"`
	WebhookURL        string   `env:"WEBHOOK_URL"`
	WebhookSecret     string   `env:"WEBHOOK_SECRET"`
	LogLevel          string   `env:"LOG_LEVEL"`
	LogFormat         string   `env:"LOG_FORMAT"`
	SessionsStateFile string   `env:"SESSIONS_STATE_FILE"`
}

// DefaultConfig returns the configuration used for every key the file leaves out.
func DefaultConfig() *Config {
	var c Config
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Agent.Name = "adb-agent"

	c.ADB.Path = "adb"
	c.ADB.Port = adb.DefaultPort
	c.ADB.CommandTimeout = constants.DefaultCommandTimeout
	c.ADB.ConnectTimeout = constants.DefaultConnectTimeout
	c.ADB.ProbeTimeout = constants.DefaultProbeTimeout
	c.ADB.SettleDelay = constants.DefaultSettleDelay
	c.ADB.ConnectAttempts = constants.DefaultConnectAttempts
	c.ADB.ConnectBaseDelay = constants.DefaultConnectBaseDelay
	c.ADB.ConnectMaxBackoff = constants.DefaultConnectMaxBackoff
	c.ADB.DaemonKillDelay = constants.DefaultDaemonKillDelay
	c.ADB.DaemonStartDelay = constants.DefaultDaemonStartDelay
	c.ADB.OutputSizeLimit = constants.DefaultOutputSizeLimit
	c.ADB.AutoRestartDaemon = true

	c.Profiles = map[string]models.DeviceProfile{DefaultProfileName: models.DefaultProfile()}

	c.Sessions.StateFile = "data/sessions.json"
	c.Sessions.ExpiryTimeout = constants.DefaultExpiryTimeout
	c.Sessions.NotifyTimeout = 30 * time.Second

	c.Fleet.Enabled = true
	c.Fleet.Interval = constants.DefaultFleetInterval
	c.Fleet.ProbeTimeout = constants.DefaultProbeTimeout
	c.Fleet.MaxConcurrency = constants.DefaultFleetConcurrency
	c.Fleet.ProbeFallback = true

	c.HTTP.Enabled = true
	c.HTTP.Listen = "127.0.0.1:8080"
	c.HTTP.Mode = "release"
	c.HTTP.ReadTimeout = 10 * time.Second
	c.HTTP.RequestTimeout = 60 * time.Second
	c.HTTP.ShutdownTimeout = 10 * time.Second

	c.MQTT.ClientID = "adb-agent"
	c.MQTT.QOS = 1
	c.MQTT.EventsTopic = "adb-agent/sessions"
	c.MQTT.FleetTopic = "adb-agent/fleet"
	c.MQTT.ConnectTimeout = 10 * time.Second

	c.Webhook.Timeout = 10 * time.Second
	c.Webhook.Attempts = 3
	c.Webhook.RetryDelay = time.Second
	return &c
}

// LoadConfig loads the YAML configuration from filename on top of the defaults, applies
// environment overrides and validates the result. An empty filename skips the file.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		if err := fileClient.ReadYamlFile(filename, config); err != nil {
			return nil, fmt.Errorf("read config %s: %w", filename, err)
		}
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.ADB.Path, o.AdbPath)
	if o.AdbPort != 0 {
		c.ADB.Port = o.AdbPort
	}
	for _, address := range o.Devices {
		if address = strings.TrimSpace(address); address != "" && !c.hasDevice(address) {
			c.Devices = append(c.Devices, DeviceConfig{Address: address})
		}
	}
	setString(&c.HTTP.Listen, o.HTTPListen)
	if o.MQTTBroker != "" {
		c.MQTT.Broker = o.MQTTBroker
		c.MQTT.Enabled = true
	}
	setString(&c.MQTT.Username, o.MQTTUsername)
	setString(&c.MQTT.Password, o.MQTTPassword)
	if o.WebhookURL != "" {
		c.Webhook.URL = o.WebhookURL
		c.Webhook.Enabled = true
	}
	setString(&c.Webhook.Secret, o.WebhookSecret)
	setString(&c.Log.Level, o.LogLevel)
	setString(&c.Log.Format, o.LogFormat)
	setString(&c.Sessions.StateFile, o.SessionsStateFile)
	return nil
}

func (c *Config) hasDevice(address string) bool {
	host := adb.Host(address)
	for _, d := range c.Devices {
		if adb.Host(d.Address) == host {
			return true
		}
	}
	return false
}

// Validate checks the settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.ADB.Port <= 0 || c.ADB.Port > 65535 {
		errs = append(errs, fmt.Errorf("adb.port %d out of range", c.ADB.Port))
	}
	if c.ADB.ConnectAttempts <= 0 {
		errs = append(errs, errors.New("adb.connect_attempts must be positive"))
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		host := adb.Host(d.Address)
		if host == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: address is required", i))
			continue
		}
		if seen[host] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate address %s", i, host))
		}
		seen[host] = true
		if d.Profile != "" {
			if _, ok := c.Profiles[d.Profile]; !ok {
				errs = append(errs, fmt.Errorf("devices[%d]: unknown profile %q", i, d.Profile))
			}
		}
	}
	if c.Fleet.Enabled && c.Fleet.Interval <= 0 {
		errs = append(errs, errors.New("fleet.interval must be positive"))
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QOS))
		}
	}
	if c.Webhook.Enabled {
		if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.url %q is not an http(s) URL", c.Webhook.URL))
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DeviceAddresses returns the host of every configured device.
func (c *Config) DeviceAddresses() []string {
	addresses := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		addresses = append(addresses, adb.Host(d.Address))
	}
	return addresses
}

// DefaultProfile returns the "default" profile, falling back to built-in values.
func (c *Config) DefaultProfile() models.DeviceProfile {
	if p, ok := c.Profiles[DefaultProfileName]; ok {
		return p.WithDefaults()
	}
	return models.DefaultProfile()
}

// DeviceProfiles maps each device host that names a profile to that profile.
func (c *Config) DeviceProfiles() map[string]models.DeviceProfile {
	profiles := make(map[string]models.DeviceProfile)
	for _, d := range c.Devices {
		if d.Profile == "" {
			continue
		}
		if p, ok := c.Profiles[d.Profile]; ok {
			profiles[adb.Host(d.Address)] = p
		}
	}
	return profiles
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
