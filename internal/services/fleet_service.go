package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/benmeehan/adb-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// FleetService checks reachability of many devices at once and, when started, keeps
// doing so on an interval.
type FleetService struct {
	link           DeviceLink
	addresses      []string
	interval       time.Duration
	probeTimeout   time.Duration
	maxConcurrency int
	probeFallback  bool

	mqttClient mqtt.MQTTClient
	topic      string
	qos        int
	logger     zerolog.Logger

	mu   sync.RWMutex
	last *models.FleetStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFleetService initializes a FleetService over the configured addresses. mqttClient may be
// nil, in which case snapshots are only cached.
func NewFleetService(link DeviceLink, addresses []string, interval, probeTimeout time.Duration, maxConcurrency int,
	probeFallback bool, mqttClient mqtt.MQTTClient, topic string, qos int, logger zerolog.Logger) *FleetService {

	if interval <= 0 {
		interval = constants.DefaultFleetInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = constants.DefaultProbeTimeout
	}
	if maxConcurrency <= 0 {
		maxConcurrency = constants.DefaultFleetConcurrency
	}
	if len(addresses) > maxConcurrency {
		logger.Warn().Int("devices", len(addresses)).Int("max_concurrency", maxConcurrency).
			Msg("Fleet is larger than the probe pool, hung devices can delay queued probes")
	}
	return &FleetService{
		link:           link,
		addresses:      append([]string(nil), addresses...),
		interval:       interval,
		probeTimeout:   probeTimeout,
		maxConcurrency: maxConcurrency,
		probeFallback:  probeFallback,
		mqttClient:     mqttClient,
		topic:          topic,
		qos:            qos,
		logger:         logger,
	}
}

// Addresses returns the configured fleet.
func (f *FleetService) Addresses() []string {
	return append([]string(nil), f.addresses...)
}

// CheckAll probes every address through a pool of maxConcurrency workers, each probe under
// its own timeout. Within the pool size a hung device never delays the others; beyond it a
// queued probe waits up to probeTimeout per hung probe ahead of it, then gets its full budget.
// An empty list checks the configured fleet.
func (f *FleetService) CheckAll(ctx context.Context, addresses []string) models.FleetStatus {
	if len(addresses) == 0 {
		addresses = f.addresses
	}
	hosts := uniqueHosts(addresses)
	started := time.Now()
	status := models.FleetStatus{
		CheckedAt: started,
		Devices:   make(map[string]models.DeviceStatus, len(hosts)),
	}
	if len(hosts) == 0 {
		f.store(status)
		return status
	}

	var mu sync.Mutex
	pool := utils.NewWorkerPool(min(len(hosts), f.maxConcurrency))
	for _, host := range hosts {
		pool.Submit(func() {
			result := f.CheckOne(ctx, host)
			mu.Lock()
			status.Devices[host] = result
			mu.Unlock()
		})
	}
	for _, err := range pool.Shutdown() {
		f.logger.Error().Err(err).Msg("Fleet probe panicked")
	}

	for _, host := range hosts {
		result, ok := status.Devices[host]
		if !ok {
			// only reachable when the probe job panicked
			result = models.DeviceStatus{Address: host, State: constants.LinkStateUnknown, ErrorKind: models.KindCommandFailed, Error: "probe crashed", CheckedAt: started}
			status.Devices[host] = result
		}
		if result.Reachable {
			status.Reachable++
		} else {
			status.Unreachable++
		}
	}
	status.Duration = time.Since(started)
	f.store(status)
	return status
}

// CheckOne probes one device within the probe timeout. When the device list does not show
// the device, an echo probe gets a second opinion if probe fallback is enabled.
func (f *FleetService) CheckOne(ctx context.Context, address string) models.DeviceStatus {
	host := adb.Host(address)
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	done := make(chan models.DeviceStatus, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.DeviceStatus{Address: host, ErrorKind: models.KindCommandFailed, Error: fmt.Sprintf("probe panicked: %v", r)}
			}
		}()
		done <- f.probe(ctx, host)
	}()

	var result models.DeviceStatus
	select {
	case result = <-done:
	case <-ctx.Done():
		result = models.DeviceStatus{
			Address:   host,
			ErrorKind: models.KindCommandTimedOut,
			Error:     fmt.Sprintf("no answer within %s", f.probeTimeout),
		}
	}

	result.Address = host
	result.CheckedAt = started
	result.Latency = time.Since(started)
	if result.State == "" {
		result.State = f.linkState(host)
	}
	return result
}

func (f *FleetService) probe(ctx context.Context, host string) models.DeviceStatus {
	result := models.DeviceStatus{Address: host}

	listed, err := f.link.Verify(ctx, host)
	if listed {
		result.Reachable = true
		return result
	}
	if err != nil {
		result.ErrorKind = models.KindOf(err)
		result.Error = err.Error()
		if result.ErrorKind == models.KindDaemonUnreachable {
			return result
		}
	}

	if f.probeFallback && ctx.Err() == nil && f.link.Probe(ctx, host) {
		return models.DeviceStatus{Address: host, Reachable: true}
	}
	if result.ErrorKind == "" {
		result.ErrorKind = models.KindDeviceUnreachable
		result.Error = "device not listed as connected"
	}
	return result
}

func (f *FleetService) linkState(host string) string {
	if device, ok := f.link.Device(host); ok {
		return device.State
	}
	return constants.LinkStateUnknown
}

// Last returns the most recent snapshot, if any check has run.
func (f *FleetService) Last() (models.FleetStatus, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.last == nil {
		return models.FleetStatus{}, false
	}
	return *f.last, true
}

func (f *FleetService) store(status models.FleetStatus) {
	f.mu.Lock()
	f.last = &status
	f.mu.Unlock()
}

// Start launches the periodic fleet check.
func (f *FleetService) Start() error {
	if f.ctx != nil {
		f.logger.Warn().Msg("FleetService is already running")
		return errors.New("fleet service is already running")
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.runLoop()
	}()

	f.logger.Info().Dur("interval", f.interval).Int("devices", len(f.addresses)).Msg("FleetService started successfully")
	return nil
}

// Stop gracefully stops the periodic check.
func (f *FleetService) Stop() error {
	if f.ctx == nil {
		f.logger.Warn().Msg("FleetService is not running")
		return errors.New("fleet service is not running")
	}

	f.cancel()
	f.wg.Wait()

	f.ctx = nil
	f.cancel = nil

	f.logger.Info().Msg("FleetService stopped successfully")
	return nil
}

func (f *FleetService) runLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.tick()
	for {
		select {
		case <-ticker.C:
			f.tick()
		case <-f.ctx.Done():
			f.logger.Info().Msg("FleetService stopping gracefully")
			return
		}
	}
}

func (f *FleetService) tick() {
	status := f.CheckAll(f.ctx, nil)
	f.logger.Debug().Int("reachable", status.Reachable).Int("unreachable", status.Unreachable).Msg("Fleet check finished")
	if err := f.publish(f.ctx, status); err != nil {
		f.logger.Error().Err(err).Msg("Failed to publish fleet status")
	}
}

// publish sends the snapshot as a retained MQTT message.
func (f *FleetService) publish(ctx context.Context, status models.FleetStatus) error {
	if f.mqttClient == nil || f.topic == "" {
		return nil
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal fleet status: %w", err)
	}
	return mqtt.PublishContext(ctx, f.mqttClient, f.topic, byte(f.qos), true, payload)
}

func uniqueHosts(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	hosts := make([]string, 0, len(addresses))
	for _, address := range addresses {
		host := adb.Host(address)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}
