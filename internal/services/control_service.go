package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FleetChecker answers reachability questions about devices.
type FleetChecker interface {
	CheckAll(ctx context.Context, addresses []string) models.FleetStatus
	CheckOne(ctx context.Context, address string) models.DeviceStatus
	Last() (models.FleetStatus, bool)
}

// ControlService is the inbound API of the agent. It validates requests, turns
// durations into deadlines and owns the session expiry callback.
type ControlService struct {
	registry      *SessionRegistry
	orchestrator  Orchestrator
	fleet         FleetChecker
	link          DeviceLink
	notifier      SessionNotifier
	clock         clock.Clock
	maxDuration   time.Duration
	notifyTimeout time.Duration
	stopTimeout   time.Duration
	logger        zerolog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewControlService wires the control facade. notifier may be nil.
func NewControlService(registry *SessionRegistry, orchestrator Orchestrator, fleet FleetChecker, link DeviceLink,
	notifier SessionNotifier, clk clock.Clock, maxDuration, notifyTimeout, stopTimeout time.Duration, logger zerolog.Logger) *ControlService {

	if clk == nil {
		clk = clock.New()
	}
	if notifyTimeout <= 0 {
		notifyTimeout = 30 * time.Second
	}
	if stopTimeout <= 0 {
		stopTimeout = constants.DefaultExpiryTimeout
	}
	return &ControlService{
		registry:      registry,
		orchestrator:  orchestrator,
		fleet:         fleet,
		link:          link,
		notifier:      notifier,
		clock:         clk,
		maxDuration:   maxDuration,
		notifyTimeout: notifyTimeout,
		stopTimeout:   stopTimeout,
		logger:        logger,
	}
}

// Start re-arms persisted sessions.
func (c *ControlService) Start() error {
	restored, err := c.registry.Restore(c.onExpire)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to restore sessions")
		return err
	}
	c.logger.Info().Int("restored", restored).Msg("ControlService started successfully")
	return nil
}

// Stop stops every session timer and waits for pending callbacks and notifications.
func (c *ControlService) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	err := c.registry.Stop(ctx)
	c.wg.Wait()
	if err != nil {
		c.logger.Error().Err(err).Msg("ControlService stopped with pending callbacks")
		return err
	}
	c.logger.Info().Msg("ControlService stopped successfully")
	return nil
}

// StartSession reserves the device at address for durationSeconds.
func (c *ControlService) StartSession(ctx context.Context, id, address string, durationSeconds int) (models.Session, error) {
	if durationSeconds <= 0 {
		return models.Session{}, invalid("start session", address, "duration must be positive")
	}
	duration := time.Duration(durationSeconds) * time.Second
	if c.maxDuration > 0 && duration > c.maxDuration {
		return models.Session{}, invalid("start session", address, fmt.Sprintf("duration exceeds maximum of %s", c.maxDuration))
	}
	return c.StartSessionUntil(ctx, id, address, c.clock.Now().Add(duration))
}

// StartSessionUntil reserves the device at address until the absolute deadline.
func (c *ControlService) StartSessionUntil(_ context.Context, id, address string, deadline time.Time) (models.Session, error) {
	host := adb.Host(address)
	if id == "" || host == "" {
		return models.Session{}, invalid("start session", address, "session id and address are required")
	}
	if deadline.IsZero() {
		return models.Session{}, invalid("start session", host, "deadline is required")
	}

	session, err := c.registry.Start(id, host, deadline, c.onExpire)
	if err != nil {
		return models.Session{}, err
	}
	c.publish(constants.EventSessionStarted, session, nil)
	return session, nil
}

// ExtendSession adds additionalSeconds to a live session's deadline.
func (c *ControlService) ExtendSession(_ context.Context, id string, additionalSeconds int) (models.Session, error) {
	if id == "" {
		return models.Session{}, invalid("extend session", "", "session id is required")
	}
	if additionalSeconds <= 0 {
		return models.Session{}, invalid("extend session", "", "additional time must be positive")
	}
	session, err := c.registry.ExtendBy(id, time.Duration(additionalSeconds)*time.Second)
	if err != nil {
		return models.Session{}, err
	}
	c.publish(constants.EventSessionExtended, session, nil)
	return session, nil
}

// ExtendSessionUntil moves a live session's deadline to an absolute time.
func (c *ControlService) ExtendSessionUntil(_ context.Context, id string, deadline time.Time) (models.Session, error) {
	if id == "" || deadline.IsZero() {
		return models.Session{}, invalid("extend session", "", "session id and deadline are required")
	}
	session, err := c.registry.Extend(id, deadline)
	if err != nil {
		return models.Session{}, err
	}
	c.publish(constants.EventSessionExtended, session, nil)
	return session, nil
}

// CancelSession stops a session without running the timeout action. Always succeeds.
func (c *ControlService) CancelSession(_ context.Context, id string) (models.Session, bool) {
	session, cancelled := c.registry.Cancel(id)
	if cancelled {
		c.publish(constants.EventSessionCancelled, session, nil)
	}
	return session, cancelled
}

// TriggerImmediateTimeout expires a live session now and returns the outcome of its timeout action.
func (c *ControlService) TriggerImmediateTimeout(ctx context.Context, id string) (models.ActionResult, error) {
	if id == "" {
		return models.ActionResult{}, invalid("trigger timeout", "", "session id is required")
	}
	return c.registry.FireNow(ctx, id)
}

// GetSession returns a live session.
func (c *ControlService) GetSession(id string) (models.Session, error) {
	session, ok := c.registry.Get(id)
	if !ok {
		return models.Session{}, &models.ControlError{Kind: models.KindSessionNotFound, Op: "get session", Err: fmt.Errorf("session %q", id)}
	}
	return session, nil
}

// ListSessions returns every live session ordered by deadline.
func (c *ControlService) ListSessions() []models.Session {
	return c.registry.List()
}

// SwitchInput switches the device to its active input.
func (c *ControlService) SwitchInput(ctx context.Context, address string) models.ActionResult {
	if res, ok := c.requireAddress(address, ActionSwitchInput); !ok {
		return res
	}
	return c.orchestrator.SwitchToActiveInput(ctx, address)
}

// SendKey presses keycode on the device.
func (c *ControlService) SendKey(ctx context.Context, address string, keycode int) models.ActionResult {
	if res, ok := c.requireAddress(address, ActionSendKey); !ok {
		return res
	}
	return c.orchestrator.SendKey(ctx, address, keycode)
}

// SendControl performs a named remote-control action such as volume_up.
func (c *ControlService) SendControl(ctx context.Context, address, action string) models.ActionResult {
	if res, ok := c.requireAddress(address, ActionControl); !ok {
		return res
	}
	return c.orchestrator.SendControl(ctx, address, action)
}

// PlayTimeoutMedia plays the timeout video on the device.
func (c *ControlService) PlayTimeoutMedia(ctx context.Context, address string) models.ActionResult {
	if res, ok := c.requireAddress(address, ActionPlayTimeout); !ok {
		return res
	}
	return c.orchestrator.PlayTimeoutMedia(ctx, address)
}

// Connect links to the device.
func (c *ControlService) Connect(ctx context.Context, address string) models.ActionResult {
	if res, ok := c.requireAddress(address, ActionConnect); !ok {
		return res
	}
	return c.orchestrator.Connect(ctx, address)
}

// RestartDaemon restarts the local adb server.
func (c *ControlService) RestartDaemon(ctx context.Context) models.ActionResult {
	return c.orchestrator.RestartDaemon(ctx)
}

// DaemonStatus reports on the local adb server.
func (c *ControlService) DaemonStatus(ctx context.Context) models.DaemonStatus {
	return c.link.DaemonStatus(ctx)
}

// Devices returns the link-level view of every known device.
func (c *ControlService) Devices() []models.Device {
	return c.link.Devices()
}

// DeviceStatus probes one device.
func (c *ControlService) DeviceStatus(ctx context.Context, address string) (models.DeviceStatus, error) {
	if adb.Host(address) == "" {
		return models.DeviceStatus{}, invalid("device status", address, "address is required")
	}
	return c.fleet.CheckOne(ctx, address), nil
}

// GetFleetStatus probes addresses concurrently; an empty list means the configured fleet.
func (c *ControlService) GetFleetStatus(ctx context.Context, addresses []string) models.FleetStatus {
	return c.fleet.CheckAll(ctx, addresses)
}

// LastFleetStatus returns the most recent cached snapshot.
func (c *ControlService) LastFleetStatus() (models.FleetStatus, bool) {
	return c.fleet.Last()
}

// onExpire runs the timeout sequence and then tells the rental layer, exactly once per session.
func (c *ControlService) onExpire(ctx context.Context, session models.Session) models.ActionResult {
	result := c.orchestrator.RunTimeoutSequence(ctx, session.Address)

	if c.notifier != nil {
		// the sequence may have used up ctx; the notification gets its own budget
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
		defer cancel()
		event := c.newEvent(constants.EventSessionExpired, session, &result)
		if err := c.notifier.Notify(notifyCtx, event); err != nil {
			c.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to deliver session expiry notification")
		}
	}
	return result
}

// publish delivers a non-expiry event in the background.
func (c *ControlService) publish(eventType string, session models.Session, outcome *models.ActionResult) {
	if c.notifier == nil {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	event := c.newEvent(eventType, session, outcome)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, event); err != nil {
			c.logger.Warn().Err(err).Str("event", eventType).Str("session_id", session.ID).Msg("Failed to deliver session event")
		}
	}()
}

func (c *ControlService) newEvent(eventType string, session models.Session, outcome *models.ActionResult) models.SessionEvent {
	return models.SessionEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Session:   session,
		Outcome:   outcome,
		Timestamp: c.clock.Now(),
	}
}

func (c *ControlService) requireAddress(address, action string) (models.ActionResult, bool) {
	if adb.Host(address) != "" {
		return models.ActionResult{}, true
	}
	res := models.NewActionResult(action, address)
	res.Fail(invalid(action, address, "address is required"))
	return res, false
}

func invalid(op, address, message string) error {
	return models.NewControlError(models.KindInvalidRequest, op, address, errors.New(message))
}
