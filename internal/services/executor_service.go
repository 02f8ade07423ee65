package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/pkg/adb"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// ResultObserver is told about every finished command, per device address.
type ResultObserver func(address string, result models.CommandResult)

// CommandExecutor runs commands against devices, one at a time per device.
type CommandExecutor interface {
	Execute(ctx context.Context, address string, cmd models.Command) models.CommandResult
	ExecuteDaemon(ctx context.Context, cmd models.Command) models.CommandResult
}

// ExecutorService serializes adb commands per device. Different devices run fully in parallel.
type ExecutorService struct {
	bridge          adb.Bridge
	port            int
	defaultTimeout  time.Duration
	outputSizeLimit int
	logger          zerolog.Logger

	// one buffered channel of capacity 1 per device host
	slots cmap.ConcurrentMap[string, chan struct{}]

	mu       sync.RWMutex
	observer ResultObserver
}

// NewExecutorService initializes an ExecutorService on top of bridge.
func NewExecutorService(bridge adb.Bridge, port int, defaultTimeout time.Duration, outputSizeLimit int, logger zerolog.Logger) *ExecutorService {
	if port <= 0 {
		port = adb.DefaultPort
	}
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultCommandTimeout
	}
	if outputSizeLimit <= 0 {
		outputSizeLimit = constants.DefaultOutputSizeLimit
	}
	return &ExecutorService{
		bridge:          bridge,
		port:            port,
		defaultTimeout:  defaultTimeout,
		outputSizeLimit: outputSizeLimit,
		logger:          logger,
		slots:           cmap.New[chan struct{}](),
	}
}

// SetObserver registers fn to receive every device command result.
func (e *ExecutorService) SetObserver(fn ResultObserver) {
	e.mu.Lock()
	e.observer = fn
	e.mu.Unlock()
}

// Port returns the debug port used to build device serials.
func (e *ExecutorService) Port() int {
	return e.port
}

// Execute runs cmd and its fallbacks against the device at address while holding that
// device's slot. Waiting for the slot is bounded by ctx.
func (e *ExecutorService) Execute(ctx context.Context, address string, cmd models.Command) (result models.CommandResult) {
	cmd = cmd.Clone()
	host := adb.Host(address)
	startedAt := time.Now()
	logger := e.logger.With().Str("address", host).Str("command", cmd.String()).Logger()

	slot := e.slot(host)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("Gave up waiting for device slot")
		return e.abandoned(cmd, startedAt, ctx.Err())
	}
	defer func() { <-slot }()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Recovered from panic while executing command")
			result = models.CommandResult{
				Label:     cmd.Label,
				Category:  cmd.Category,
				Status:    constants.CommandStatusFailed,
				Error:     fmt.Sprintf("panic: %v", r),
				ErrorKind: models.KindCommandFailed,
				Attempts:  max(result.Attempts, 1),
				StartedAt: startedAt,
				Duration:  time.Since(startedAt),
			}
		}
		e.notify(host, result)
	}()

	result = e.runChain(ctx, adb.Serial(host, e.port), cmd, logger)
	result.StartedAt = startedAt
	result.Duration = time.Since(startedAt)
	return result
}

// ExecuteDaemon runs a device-independent adb command. It takes no device slot.
func (e *ExecutorService) ExecuteDaemon(ctx context.Context, cmd models.Command) (result models.CommandResult) {
	cmd = cmd.Clone()
	startedAt := time.Now()
	logger := e.logger.With().Str("command", cmd.String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Recovered from panic while executing daemon command")
			result = models.CommandResult{
				Label:     cmd.Label,
				Category:  cmd.Category,
				Status:    constants.CommandStatusFailed,
				Error:     fmt.Sprintf("panic: %v", r),
				ErrorKind: models.KindCommandFailed,
				Attempts:  1,
				StartedAt: startedAt,
				Duration:  time.Since(startedAt),
			}
		}
	}()

	result = e.runChain(ctx, "", cmd, logger)
	result.StartedAt = startedAt
	result.Duration = time.Since(startedAt)
	return result
}

func (e *ExecutorService) slot(host string) chan struct{} {
	return e.slots.Upsert(host, nil, func(exist bool, current chan struct{}, _ chan struct{}) chan struct{} {
		if exist {
			return current
		}
		return make(chan struct{}, 1)
	})
}

func (e *ExecutorService) notify(host string, result models.CommandResult) {
	e.mu.RLock()
	observer := e.observer
	e.mu.RUnlock()
	if observer != nil {
		observer(host, result)
	}
}

// runChain tries the primary then each fallback until one succeeds.
func (e *ExecutorService) runChain(ctx context.Context, serial string, cmd models.Command, logger zerolog.Logger) models.CommandResult {
	chain := cmd.Chain()
	var result models.CommandResult
	for i, attempt := range chain {
		if i > 0 && ctx.Err() != nil {
			break
		}
		result = e.runAttempt(ctx, serial, attempt)
		result.Attempts = i + 1
		if result.OK() {
			if i > 0 {
				logger.Info().Str("fallback", attempt.String()).Int("attempts", i+1).Msg("Fallback command succeeded")
			}
			return result
		}
		logger.Warn().
			Str("attempt", attempt.String()).
			Str("status", result.Status).
			Str("kind", string(result.ErrorKind)).
			Str("error", result.Error).
			Msg("Command attempt failed")
	}

	if len(chain) > 1 {
		result.LastErrorKind = result.ErrorKind
		result.ErrorKind = models.KindAllFallbacksExhausted
		result.Label = cmd.String()
	}
	return result
}

// runAttempt executes one command (no fallbacks) under its own timeout.
func (e *ExecutorService) runAttempt(ctx context.Context, serial string, cmd models.Command) models.CommandResult {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := cmd.Argv(serial)
	startedAt := time.Now()
	out, err := e.bridge.Run(attemptCtx, argv...)

	result := models.CommandResult{
		Label:     cmd.Label,
		Category:  cmd.Category,
		Argv:      argv,
		Stdout:    e.truncate(out.Stdout),
		Stderr:    e.truncate(out.Stderr),
		ExitCode:  out.ExitCode,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	combined := out.Stdout + "\n" + out.Stderr

	switch {
	case err == nil:
		if reason, kind := checkOutput(cmd, combined); reason != "" {
			setFailure(&result, kind, reason)
			return result
		}
		result.Status = constants.CommandStatusOK
	case errors.Is(err, adb.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		result.Status = constants.CommandStatusTimedOut
		result.ErrorKind = models.KindCommandTimedOut
		result.Error = fmt.Sprintf("timed out after %s", timeout)
	case errors.Is(err, adb.ErrDaemonDown) || errors.Is(err, adb.ErrBinaryNotFound):
		setFailure(&result, models.KindDaemonUnreachable, err.Error())
	case adb.DeviceMissing(combined):
		setFailure(&result, models.KindDeviceUnreachable, firstLine(out.Stderr, err.Error()))
	case cmd.Category == constants.CategoryConnect && adb.ConnectRefused(combined):
		setFailure(&result, models.KindDeviceUnreachable, firstLine(out.Stdout, err.Error()))
	default:
		setFailure(&result, models.KindCommandFailed, err.Error())
	}
	return result
}

// checkOutput inspects the output of a zero-exit command for failures adb does not signal by exit code.
func checkOutput(cmd models.Command, output string) (string, models.ErrorKind) {
	switch cmd.Category {
	case constants.CategoryConnect:
		if !adb.ConnectSucceeded(output) {
			return firstLine(strings.TrimSpace(output), "connect did not report a connection"), models.KindDeviceUnreachable
		}
	case constants.CategoryLaunchIntent:
		if adb.LaunchFailed(output) {
			return firstLine(strings.TrimSpace(output), "activity manager reported an error"), models.KindCommandFailed
		}
	case constants.CategoryEcho:
		if expected := strings.Join(cmd.Args, " "); !strings.Contains(output, expected) {
			return "probe did not echo back", models.KindDeviceUnreachable
		}
	}
	if adb.DeviceMissing(output) {
		return firstLine(strings.TrimSpace(output), "device not available"), models.KindDeviceUnreachable
	}
	return "", ""
}

func (e *ExecutorService) abandoned(cmd models.Command, startedAt time.Time, err error) models.CommandResult {
	result := models.CommandResult{
		Label:     cmd.Label,
		Category:  cmd.Category,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	if errors.Is(err, context.DeadlineExceeded) {
		result.Status = constants.CommandStatusTimedOut
		result.ErrorKind = models.KindCommandTimedOut
		result.Error = "timed out waiting for device slot"
		return result
	}
	setFailure(&result, models.KindCommandFailed, "cancelled waiting for device slot")
	return result
}

// truncate cuts s to the output limit on a rune boundary.
func (e *ExecutorService) truncate(s string) string {
	if len(s) <= e.outputSizeLimit {
		return s
	}
	cut := e.outputSizeLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}

func setFailure(result *models.CommandResult, kind models.ErrorKind, message string) {
	result.Status = constants.CommandStatusFailed
	result.ErrorKind = kind
	result.Error = message
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
