package adb

import (
	"net"
	"strconv"
	"strings"
)

// DeviceState is the state column printed by `adb devices`.
type DeviceState string

const (
	StateDevice       DeviceState = "device"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateNotListed    DeviceState = ""
)

// DefaultPort is the TCP port adbd listens on for network debugging.
const DefaultPort = 5555

// Serial builds the adb serial of a network device: host:port.
func Serial(host string, port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Host strips an optional port from address, so "10.0.0.5:5555" and "10.0.0.5"
// name the same device.
func Host(address string) string {
	address = strings.TrimSpace(address)
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}

// ParseDevices parses the output of `adb devices` into serial -> state.
func ParseDevices(output string) map[string]DeviceState {
	devices := make(map[string]DeviceState)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices[fields[0]] = DeviceState(fields[1])
	}
	return devices
}

// Lookup returns the state of host:port in a parsed device list, or StateNotListed.
func Lookup(devices map[string]DeviceState, host string, port int) DeviceState {
	if state, ok := devices[Serial(host, port)]; ok {
		return state
	}
	// adb lists a device connected without an explicit port under the bare host.
	if state, ok := devices[host]; ok {
		return state
	}
	return StateNotListed
}

// ConnectSucceeded reports whether `adb connect` output announces a live connection.
func ConnectSucceeded(output string) bool {
	out := strings.ToLower(output)
	if ConnectRefused(output) {
		return false
	}
	return strings.Contains(out, "connected to") || strings.Contains(out, "already connected")
}

// ConnectRefused reports whether `adb connect` output names a network-level failure.
func ConnectRefused(output string) bool {
	out := strings.ToLower(output)
	for _, marker := range []string{"failed to connect", "unable to connect", "cannot connect to", "no route to host", "connection refused", "timed out"} {
		if strings.Contains(out, marker) && !strings.Contains(out, "daemon") {
			return true
		}
	}
	return false
}

// IsDaemonDown reports whether output shows that the adb server itself is unavailable.
func IsDaemonDown(output string) bool {
	out := strings.ToLower(output)
	for _, marker := range []string{
		"cannot connect to daemon",
		"daemon not running",
		"failed to start daemon",
		"error: protocol fault",
	} {
		if strings.Contains(out, marker) {
			// "daemon not running; starting now" followed by a success line is a cold start, not a failure.
			if marker == "daemon not running" && strings.Contains(out, "daemon started successfully") {
				continue
			}
			return true
		}
	}
	return false
}

// LaunchFailed reports whether `am start` output contains an activity manager error.
// am exits 0 even when the intent cannot be resolved.
func LaunchFailed(output string) bool {
	return strings.Contains(output, "Error:") ||
		strings.Contains(output, "Exception") ||
		strings.Contains(output, "unable to resolve Intent")
}

// DeviceMissing reports whether adb refused to reach the selected device (offline, unauthorized
// or not attached) as opposed to the device running the command and failing.
func DeviceMissing(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "error: device") ||
		strings.Contains(out, "no devices/emulators found") ||
		strings.Contains(out, "error: closed")
}
