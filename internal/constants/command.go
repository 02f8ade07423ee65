package constants

import "time"

const (
	DefaultOutputSizeLimit = 64 * 1024 // 64KB
	DefaultCommandTimeout  = 10 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultLaunchTimeout   = 15 * time.Second
)

// Command categories
const (
	// CategoryConnect opens a network debug connection to a device.
	CategoryConnect = "connect"
	// CategoryKeyEvent injects a remote-control key press.
	CategoryKeyEvent = "shell-keyevent"
	// CategoryLaunchIntent starts an activity through the activity manager.
	CategoryLaunchIntent = "shell-launch-intent"
	// CategoryEcho is a lightweight responsiveness probe.
	CategoryEcho = "shell-echo"
	// CategoryRawShell runs an arbitrary shell command on the device.
	CategoryRawShell = "raw-shell"
	// CategoryDaemon runs a device-independent adb subcommand (devices, version, kill-server, ...).
	CategoryDaemon = "daemon"
)

// Command statuses
const (
	// CommandStatusOK indicates that the command completed successfully
	CommandStatusOK = "ok"
	// CommandStatusFailed indicates that the daemon or device reported an error
	CommandStatusFailed = "failed"
	// CommandStatusTimedOut indicates that the command exceeded its timeout and was killed
	CommandStatusTimedOut = "timed_out"
)

// Android key codes used by the orchestrator.
const (
	KeyHome       = 3
	KeyBack       = 4
	KeyDpadDown   = 20
	KeyDpadRight  = 22
	KeyDpadCenter = 23
	KeyVolumeUp   = 24
	KeyVolumeDown = 25
	KeyPower      = 26
	KeyMute       = 164
	KeyTVInput    = 178
)
