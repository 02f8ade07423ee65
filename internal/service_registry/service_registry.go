package service_registry

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/benmeehan/adb-agent/internal/api"
	"github.com/benmeehan/adb-agent/internal/registry"
	"github.com/benmeehan/adb-agent/internal/services"
	"github.com/benmeehan/adb-agent/internal/state_managers"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/benmeehan/adb-agent/pkg/encryption"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/benmeehan/adb-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// Components are the long-lived objects built from the configuration.
type Components struct {
	Bridge       adb.Bridge
	Executor     *services.ExecutorService
	Link         *services.LinkService
	Sessions     *services.SessionRegistry
	Orchestrator *services.OrchestratorService
	Fleet        *services.FleetService
	Broker       *services.EventBroker
	Control      *services.ControlService
	API          *api.Server
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	mqttClient  mqtt.MQTTClient
	fileClient  file.FileOperations
	bridge      adb.Bridge
	clock       clock.Clock
	components  *Components
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies. mqttClient may be
// nil when MQTT is disabled.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		mqttClient: mqttClient,
		fileClient: fileClient,
		clock:      clock.New(),
		Logger:     logger,
	}
}

// WithBridge replaces the adb executable, for tests and dry runs.
func (sr *ServiceRegistry) WithBridge(bridge adb.Bridge) *ServiceRegistry {
	sr.bridge = bridge
	return sr
}

// WithClock replaces the wall clock used by session timers.
func (sr *ServiceRegistry) WithClock(clk clock.Clock) *ServiceRegistry {
	sr.clock = clk
	return sr
}

// Components returns what Build produced, or nil before it ran.
func (sr *ServiceRegistry) Components() *Components {
	return sr.components
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// Build constructs the adb stack, the session registry and the control facade.
func (sr *ServiceRegistry) Build(config *utils.Config) (*Components, error) {
	if sr.components != nil {
		return sr.components, nil
	}
	logger := func(name string) zerolog.Logger {
		return sr.Logger.With().Str("service", name).Logger()
	}

	c := &Components{Bridge: sr.bridge}
	if c.Bridge == nil {
		c.Bridge = adb.NewExecBridge(config.ADB.Path, logger("adb"))
	}

	c.Executor = services.NewExecutorService(c.Bridge, config.ADB.Port, config.ADB.CommandTimeout, config.ADB.OutputSizeLimit, logger("executor"))
	c.Link = services.NewLinkService(c.Executor, services.LinkOptions{
		Port:              config.ADB.Port,
		ConnectTimeout:    config.ADB.ConnectTimeout,
		ProbeTimeout:      config.ADB.ProbeTimeout,
		SettleDelay:       config.ADB.SettleDelay,
		ConnectAttempts:   config.ADB.ConnectAttempts,
		ConnectBaseDelay:  config.ADB.ConnectBaseDelay,
		ConnectMaxBackoff: config.ADB.ConnectMaxBackoff,
		DaemonKillDelay:   config.ADB.DaemonKillDelay,
		DaemonStartDelay:  config.ADB.DaemonStartDelay,
		MinVersion:        config.ADB.MinVersion,
		AdbPath:           config.ADB.Path,
	}, adb.DaemonProcessRunning, logger("link"))
	c.Link.Track(config.DeviceAddresses()...)
	c.Executor.SetObserver(c.Link.ObserveResult)

	var store services.SessionStore
	if config.Sessions.StateFile != "" {
		store = state_managers.NewSessionStateManager(config.Sessions.StateFile, sr.fileClient, logger("session-state"))
	}
	c.Sessions = services.NewSessionRegistry(sr.clock, store, config.Sessions.ExpiryTimeout, logger("sessions"))

	c.Orchestrator = services.NewOrchestratorService(c.Link, c.Executor, config.DefaultProfile(), config.DeviceProfiles(),
		config.ADB.AutoRestartDaemon, logger("orchestrator"))

	fleetTopic := ""
	if sr.mqttClient != nil {
		fleetTopic = config.MQTT.FleetTopic
	}
	c.Fleet = services.NewFleetService(c.Link, config.DeviceAddresses(), config.Fleet.Interval, config.Fleet.ProbeTimeout,
		config.Fleet.MaxConcurrency, config.Fleet.ProbeFallback, sr.mqttClient, fleetTopic, config.MQTT.QOS, logger("fleet"))

	notifier, broker, err := sr.buildNotifier(config, logger)
	if err != nil {
		return nil, err
	}
	c.Broker = broker

	c.Control = services.NewControlService(c.Sessions, c.Orchestrator, c.Fleet, c.Link, notifier, sr.clock,
		config.Sessions.MaxDuration, config.Sessions.NotifyTimeout, config.Sessions.ExpiryTimeout, logger("control"))

	if config.HTTP.Enabled {
		c.API = api.NewServer(config.HTTP.Listen, config.HTTP.Mode, config.HTTP.ReadTimeout, config.HTTP.RequestTimeout,
			config.HTTP.ShutdownTimeout, c.Control, c.Broker, logger("http"))
	}

	sr.components = c
	return c, nil
}

// buildNotifier fans session events out to the in-process broker and, when configured, MQTT and a webhook.
func (sr *ServiceRegistry) buildNotifier(config *utils.Config, logger func(string) zerolog.Logger) (services.SessionNotifier, *services.EventBroker, error) {
	broker := services.NewEventBroker(0, logger("events"))
	notifiers := services.MultiNotifier{broker}

	if sr.mqttClient != nil && config.MQTT.EventsTopic != "" {
		notifiers = append(notifiers, services.NewMQTTNotifier(sr.mqttClient, config.MQTT.EventsTopic, config.MQTT.QOS, logger("mqtt-notifier")))
	}

	if config.Webhook.Enabled {
		var signer *encryption.Signer
		if config.Webhook.Secret != "" {
			var err error
			if signer, err = encryption.NewSigner(config.Webhook.Secret); err != nil {
				return nil, nil, fmt.Errorf("webhook signer: %w", err)
			}
		}
		notifiers = append(notifiers, services.NewWebhookNotifier(config.Webhook.URL, signer, config.Webhook.Timeout,
			config.Webhook.Attempts, config.Webhook.RetryDelay, logger("webhook")))
	}
	return notifiers, broker, nil
}

// RegisterServices builds the components and registers enabled services based on configuration.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config) error {
	c, err := sr.Build(config)
	if err != nil {
		return err
	}

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:        "control",
			enabled:     true,
			constructor: func() (registry.Service, error) { return c.Control, nil },
		},
		{
			name:        "fleet",
			enabled:     config.Fleet.Enabled,
			constructor: func() (registry.Service, error) { return c.Fleet, nil },
		},
		{
			name:    "http",
			enabled: config.HTTP.Enabled,
			constructor: func() (registry.Service, error) {
				if c.API == nil {
					return nil, errors.New("http api was not built")
				}
				return c.API, nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
