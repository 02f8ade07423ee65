package models

import "time"

// DeviceStatus is the reachability result of one device probe.
type DeviceStatus struct {
	Address   string        `json:"address"`
	Reachable bool          `json:"reachable"`
	State     string        `json:"state"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// FleetStatus is a point-in-time snapshot of every probed device.
type FleetStatus struct {
	CheckedAt   time.Time               `json:"checked_at"`
	Devices     map[string]DeviceStatus `json:"devices"`
	Reachable   int                     `json:"reachable"`
	Unreachable int                     `json:"unreachable"`
	Duration    time.Duration           `json:"duration"`
}
