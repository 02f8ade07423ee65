package constants

import "time"

// Session states
const (
	SessionStateActive    = "active"
	SessionStateExtended  = "extended"
	SessionStateCancelled = "cancelled"
	SessionStateFired     = "fired"
)

// Session event types delivered to notifiers.
const (
	EventSessionStarted   = "session_started"
	EventSessionExtended  = "session_extended"
	EventSessionCancelled = "session_cancelled"
	EventSessionExpired   = "session_expired"
)

// Action outcomes reported by the orchestrator.
const (
	OutcomeOK                = "ok"
	OutcomeDeviceUnreachable = "device_unreachable"
	OutcomeActionFailed      = "action_failed"
)

const (
	// DefaultExpiryTimeout bounds one run of the expiry callback (timeout sequence plus notification).
	DefaultExpiryTimeout = 90 * time.Second

	// DefaultFleetInterval is the period of the background fleet check.
	DefaultFleetInterval = 60 * time.Second

	// DefaultFleetConcurrency caps concurrent probes in one fleet check.
	DefaultFleetConcurrency = 16

	// DefaultEventBuffer is the per-subscriber buffer of the in-process event broker.
	DefaultEventBuffer = 16
)
