package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benmeehan/adb-agent/internal/service_registry"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/benmeehan/adb-agent/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

var (
	configPath     string
	commandTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "adb-agent",
		Short:         "Android TV fleet agent",
		Long:          "Controls a fleet of Android TVs over adb and expires rental sessions on time.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", 2*time.Minute, "budget of one-shot commands")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the agent until interrupted",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "fleet [address...]",
			Short: "Probe devices once and print their reachability as JSON",
			RunE:  runFleet,
		},
		&cobra.Command{
			Use:   "daemon",
			Short: "Print the adb daemon status as JSON",
			Args:  cobra.NoArgs,
			RunE:  runDaemonStatus,
		},
		&cobra.Command{
			Use:   "restart-daemon",
			Short: "Restart the local adb daemon",
			Args:  cobra.NoArgs,
			RunE:  runRestartDaemon,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	config, fileClient, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(config)

	var mqttClient mqtt.MQTTClient
	var mqttService *mqtt.MqttService
	if config.MQTT.Enabled {
		// Generate a unique MQTT Client ID by appending a UUID
		clientID := config.MQTT.ClientID + "-" + uuid.NewString()
		log.Info().Str("client_id", clientID).Msg("Using MQTT Client ID")

		mqttService = mqtt.NewMqttService(fileClient)
		err := mqttService.Initialize(mqtt.Options{
			Broker:         config.MQTT.Broker,
			ClientID:       clientID,
			Username:       config.MQTT.Username,
			Password:       config.MQTT.Password,
			CACertificate:  config.MQTT.CACertificate,
			ConnectTimeout: config.MQTT.ConnectTimeout,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize MQTT connection")
			return err
		}
		mqttClient = mqttService
	}

	serviceRegistry := service_registry.NewServiceRegistry(mqttClient, fileClient, log)
	if err := serviceRegistry.RegisterServices(config); err != nil {
		log.Error().Err(err).Msg("Failed to register services")
		return err
	}
	if err := serviceRegistry.StartServices(); err != nil {
		log.Error().Err(err).Msg("Failed to start services")
		return err
	}
	log.Info().Int("devices", len(config.Devices)).Msg("All services started successfully")

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down gracefully...")
	err = serviceRegistry.StopServices()
	if mqttService != nil {
		mqttService.Disconnect(250)
	}
	return err
}

func runFleet(cmd *cobra.Command, args []string) error {
	sr, log, err := oneShot(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	status := sr.Components().Control.GetFleetStatus(ctx, args)
	log.Debug().Int("reachable", status.Reachable).Int("unreachable", status.Unreachable).Msg("Fleet check finished")
	return printJSON(cmd, status)
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	sr, _, err := oneShot(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	return printJSON(cmd, sr.Components().Control.DaemonStatus(ctx))
}

func runRestartDaemon(cmd *cobra.Command, _ []string) error {
	sr, _, err := oneShot(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	res := sr.Components().Control.RestartDaemon(ctx)
	if err := printJSON(cmd, res); err != nil {
		return err
	}
	return res.Err()
}

// oneShot builds the components without MQTT, the HTTP API or the background fleet loop.
func oneShot(cmd *cobra.Command) (*service_registry.ServiceRegistry, zerolog.Logger, error) {
	config, fileClient, err := loadConfig(cmd)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	config.HTTP.Enabled = false
	config.Webhook.Enabled = false
	log := newLogger(config)

	sr := service_registry.NewServiceRegistry(nil, fileClient, log)
	if _, err := sr.Build(config); err != nil {
		return nil, log, err
	}
	return sr, log, nil
}

// loadConfig reads the configuration file. The default path may be absent, the env and
// built-in defaults then apply alone.
func loadConfig(cmd *cobra.Command) (*utils.Config, file.FileOperations, error) {
	fileClient := file.NewFileService()

	path := configPath
	if !cmd.Flags().Changed("config") {
		exists, err := fileClient.IsFileExists(path)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			path = ""
		}
	}

	config, err := utils.LoadConfig(path, fileClient)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return config, fileClient, nil
}

func newLogger(config *utils.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(config.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("agent", config.Agent.Name).Logger()
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
