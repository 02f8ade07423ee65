package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/codeGROOVE-dev/retry"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// LinkOptions tunes connection handling. Zero values fall back to package defaults.
type LinkOptions struct {
	Port              int
	ConnectTimeout    time.Duration
	ProbeTimeout      time.Duration
	SettleDelay       time.Duration
	ConnectAttempts   int
	ConnectBaseDelay  time.Duration
	ConnectMaxBackoff time.Duration
	DaemonKillDelay   time.Duration
	DaemonStartDelay  time.Duration
	MinVersion        string
	AdbPath           string
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.Port <= 0 {
		o.Port = adb.DefaultPort
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = constants.DefaultProbeTimeout
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = constants.DefaultConnectAttempts
	}
	if o.ConnectBaseDelay <= 0 {
		o.ConnectBaseDelay = constants.DefaultConnectBaseDelay
	}
	if o.ConnectMaxBackoff <= 0 {
		o.ConnectMaxBackoff = constants.DefaultConnectMaxBackoff
	}
	if o.AdbPath == "" {
		o.AdbPath = "adb"
	}
	return o
}

// DeviceLink knows how to reach devices and tracks whether they are reachable.
type DeviceLink interface {
	Connect(ctx context.Context, address string) (models.Device, error)
	Verify(ctx context.Context, address string) (bool, error)
	Probe(ctx context.Context, address string) bool
	RestartDaemon(ctx context.Context) error
	DaemonStatus(ctx context.Context) models.DaemonStatus
	Device(address string) (models.Device, bool)
	Devices() []models.Device
}

// LinkService owns the device table and the connect/verify protocol.
type LinkService struct {
	executor     CommandExecutor
	opts         LinkOptions
	processProbe adb.ProcessProbe
	devices      cmap.ConcurrentMap[string, models.Device]
	logger       zerolog.Logger
}

// NewLinkService initializes a LinkService. processProbe may be nil.
func NewLinkService(executor CommandExecutor, opts LinkOptions, processProbe adb.ProcessProbe, logger zerolog.Logger) *LinkService {
	return &LinkService{
		executor:     executor,
		opts:         opts.withDefaults(),
		processProbe: processProbe,
		devices:      cmap.New[models.Device](),
		logger:       logger,
	}
}

// Track registers addresses in state unknown so they show up before first contact.
func (l *LinkService) Track(addresses ...string) {
	for _, address := range addresses {
		host := adb.Host(address)
		l.devices.SetIfAbsent(host, models.Device{
			Address:   host,
			Serial:    adb.Serial(host, l.opts.Port),
			State:     constants.LinkStateUnknown,
			UpdatedAt: time.Now(),
		})
	}
}

// Connect makes sure the device at address is listed as connected. A device that is
// already listed costs one device-list probe and nothing else.
func (l *LinkService) Connect(ctx context.Context, address string) (models.Device, error) {
	host := adb.Host(address)
	if host == "" {
		return models.Device{}, models.NewControlError(models.KindInvalidRequest, "connect", address, errors.New("empty address"))
	}
	logger := l.logger.With().Str("address", host).Logger()

	listed, err := l.Verify(ctx, host)
	if err == nil && listed {
		logger.Debug().Msg("Device already connected")
		return l.snapshot(host), nil
	}
	if models.KindOf(err) == models.KindDaemonUnreachable {
		logger.Error().Err(err).Msg("Debug bridge daemon unreachable")
		return l.update(host, constants.LinkStateDisconnected, err.Error()), err
	}

	l.update(host, constants.LinkStateConnecting, "")
	attempts := 0
	err = retry.Do(func() error {
		attempts++
		logger.Info().Int("attempt", attempts).Msg("Connecting to device")

		res := l.executor.Execute(ctx, host, models.ConnectCommand().WithTimeout(l.opts.ConnectTimeout))
		if !res.OK() {
			return res.Err(host)
		}
		if err := utils.SleepContext(ctx, l.opts.SettleDelay); err != nil {
			return err
		}
		listed, err := l.Verify(ctx, host)
		if err != nil {
			return err
		}
		if !listed {
			return models.NewControlError(models.KindDeviceUnreachable, "connect", host, errors.New("device not listed after connect"))
		}
		return nil
	},
		retry.Attempts(uint(l.opts.ConnectAttempts)),
		retry.Delay(l.opts.ConnectBaseDelay),
		retry.MaxDelay(l.opts.ConnectMaxBackoff),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			kind := models.KindOf(err)
			return ctx.Err() == nil && kind != "" && kind != models.KindDaemonUnreachable
		}),
	)

	if err != nil {
		err = l.connectError(host, attempts, err)
		logger.Error().Err(err).Int("attempts", attempts).Msg("Failed to connect to device")
		return l.update(host, constants.LinkStateDisconnected, err.Error()), err
	}

	logger.Info().Int("attempts", attempts).Msg("Device connected")
	return l.update(host, constants.LinkStateConnected, ""), nil
}

// connectError normalizes whatever retry returned into a *ControlError.
func (l *LinkService) connectError(host string, attempts int, err error) error {
	var ce *models.ControlError
	if errors.As(err, &ce) {
		out := *ce
		out.Op = "connect"
		out.Address = host
		out.Attempts = attempts
		return &out
	}
	kind := models.KindDeviceUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = models.KindCommandTimedOut
	}
	return &models.ControlError{Kind: kind, Op: "connect", Address: host, Attempts: attempts, Err: err}
}

// Verify lists connected devices and reports whether address is among them in state "device".
// The error is non-nil only when the listing itself failed.
func (l *LinkService) Verify(ctx context.Context, address string) (bool, error) {
	host := adb.Host(address)
	res := l.executor.ExecuteDaemon(ctx, models.DaemonCommand("devices").WithTimeout(l.opts.ProbeTimeout))
	if !res.OK() {
		return false, res.Err(host)
	}

	state := adb.Lookup(adb.ParseDevices(res.Stdout), host, l.opts.Port)
	listed := state == adb.StateDevice
	l.devices.Upsert(host, models.Device{}, func(exist bool, current, _ models.Device) models.Device {
		if !exist {
			current = l.newDevice(host)
		}
		// a connect in progress owns the state until it finishes
		if current.State == constants.LinkStateConnecting {
			return current
		}
		if listed {
			current.State = constants.LinkStateConnected
			current.LastError = ""
		} else {
			current.State = constants.LinkStateDisconnected
			if state != adb.StateNotListed {
				current.LastError = "device listed as " + string(state)
			}
		}
		current.UpdatedAt = time.Now()
		return current
	})
	return listed, nil
}

// Probe checks that the device answers a shell echo, which can succeed even when the
// device list shows it offline.
func (l *LinkService) Probe(ctx context.Context, address string) bool {
	res := l.executor.Execute(ctx, address, models.EchoCommand("ping").WithTimeout(l.opts.ProbeTimeout))
	return res.OK()
}

// RestartDaemon kills and restarts the local adb server. Every tracked device goes back to unknown.
func (l *LinkService) RestartDaemon(ctx context.Context) error {
	l.logger.Warn().Msg("Restarting debug bridge daemon")

	kill := l.executor.ExecuteDaemon(ctx, models.DaemonCommand("kill-server").WithTimeout(l.opts.ProbeTimeout))
	if !kill.OK() {
		l.logger.Warn().Str("error", kill.Error).Msg("kill-server failed, starting anyway")
	}
	if err := utils.SleepContext(ctx, l.opts.DaemonKillDelay); err != nil {
		return models.NewControlError(models.KindCommandTimedOut, "restart daemon", "", err)
	}

	start := l.executor.ExecuteDaemon(ctx, models.DaemonCommand("start-server").WithTimeout(l.opts.ConnectTimeout))
	if !start.OK() {
		err := models.NewControlError(models.KindDaemonUnreachable, "restart daemon", "", errors.New(start.Error))
		l.logger.Error().Err(err).Msg("Failed to start debug bridge daemon")
		return err
	}
	if err := utils.SleepContext(ctx, l.opts.DaemonStartDelay); err != nil {
		return models.NewControlError(models.KindCommandTimedOut, "restart daemon", "", err)
	}

	for _, key := range l.devices.Keys() {
		l.update(key, constants.LinkStateUnknown, "")
	}

	list := l.executor.ExecuteDaemon(ctx, models.DaemonCommand("devices").WithTimeout(l.opts.ProbeTimeout))
	if !list.OK() {
		err := models.NewControlError(models.KindDaemonUnreachable, "restart daemon", "", errors.New(list.Error))
		l.logger.Error().Err(err).Msg("Daemon did not answer after restart")
		return err
	}
	l.logger.Info().Int("listed", len(adb.ParseDevices(list.Stdout))).Msg("Debug bridge daemon restarted")
	return nil
}

// DaemonStatus reports version, compatibility and liveness of the local adb server.
func (l *LinkService) DaemonStatus(ctx context.Context) models.DaemonStatus {
	status := models.DaemonStatus{
		Path:       l.opts.AdbPath,
		MinVersion: l.opts.MinVersion,
		CheckedAt:  time.Now(),
	}

	version := l.executor.ExecuteDaemon(ctx, models.DaemonCommand("version").WithTimeout(l.opts.ProbeTimeout))
	if version.OK() {
		info, err := adb.ParseVersion(version.Stdout)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Version = info.Bridge.String()
			if info.Tools != nil {
				status.ToolsVersion = info.Tools.String()
			}
			ok, err := info.SatisfiesMinimum(l.opts.MinVersion)
			if err != nil {
				status.Error = err.Error()
			}
			status.Compatible = ok
		}
	} else {
		status.Error = version.Error
	}

	list := l.executor.ExecuteDaemon(ctx, models.DaemonCommand("devices").WithTimeout(l.opts.ProbeTimeout))
	status.Reachable = list.OK()
	if !list.OK() && status.Error == "" {
		status.Error = list.Error
	}

	if l.processProbe != nil {
		running, err := l.processProbe(ctx)
		if err != nil {
			l.logger.Debug().Err(err).Msg("Daemon process probe failed")
		} else {
			status.ProcessRunning = &running
		}
	}
	return status
}

// ObserveResult folds an executed command result into the device table.
func (l *LinkService) ObserveResult(address string, result models.CommandResult) {
	host := adb.Host(address)
	kind := result.ErrorKind
	if kind == models.KindAllFallbacksExhausted {
		kind = result.LastErrorKind
	}
	if !result.OK() && kind != models.KindDeviceUnreachable {
		return
	}
	l.devices.Upsert(host, models.Device{}, func(exist bool, current, _ models.Device) models.Device {
		if !exist {
			current = l.newDevice(host)
		}
		now := time.Now()
		if result.OK() {
			current.LastSuccess = &now
			if current.State != constants.LinkStateConnecting {
				current.State = constants.LinkStateConnected
			}
			current.LastError = ""
		} else if current.State != constants.LinkStateConnecting {
			current.State = constants.LinkStateDisconnected
			current.LastError = result.Error
		}
		current.UpdatedAt = now
		return current
	})
}

// Device returns a snapshot of the device at address.
func (l *LinkService) Device(address string) (models.Device, bool) {
	return l.devices.Get(adb.Host(address))
}

// Devices returns snapshots of every known device sorted by address.
func (l *LinkService) Devices() []models.Device {
	devices := make([]models.Device, 0, l.devices.Count())
	for item := range l.devices.IterBuffered() {
		devices = append(devices, item.Val)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices
}

func (l *LinkService) newDevice(host string) models.Device {
	return models.Device{
		Address: host,
		Serial:  adb.Serial(host, l.opts.Port),
		State:   constants.LinkStateUnknown,
	}
}

func (l *LinkService) update(host, state, lastError string) models.Device {
	return l.devices.Upsert(host, models.Device{}, func(exist bool, current, _ models.Device) models.Device {
		if !exist {
			current = l.newDevice(host)
		}
		current.State = state
		current.LastError = lastError
		current.UpdatedAt = time.Now()
		return current
	})
}

func (l *LinkService) snapshot(host string) models.Device {
	if device, ok := l.devices.Get(host); ok {
		return device
	}
	return l.newDevice(host)
}
