package constants

import "time"

// Link states of a device as last observed by the device link.
const (
	LinkStateUnknown      = "unknown"
	LinkStateConnected    = "connected"
	LinkStateDisconnected = "disconnected"
	LinkStateConnecting   = "connecting"
)

const (
	// DefaultSettleDelay is how long to wait after `adb connect` before re-listing devices.
	DefaultSettleDelay = 2 * time.Second

	// DefaultConnectAttempts is the number of connect attempts before a device is declared unreachable.
	DefaultConnectAttempts = 3

	// DefaultConnectBaseDelay is the first backoff delay between connect attempts.
	DefaultConnectBaseDelay = 1 * time.Second

	// DefaultConnectMaxBackoff caps the backoff delay between connect attempts.
	DefaultConnectMaxBackoff = 5 * time.Second

	// DefaultDaemonKillDelay and DefaultDaemonStartDelay pace a daemon restart.
	DefaultDaemonKillDelay  = 2 * time.Second
	DefaultDaemonStartDelay = 3 * time.Second
)
