package models

import "time"

// Device is the link-level view of one TV, keyed by host address.
type Device struct {
	Address     string     `json:"address"`
	Serial      string     `json:"serial"`
	State       string     `json:"state"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DaemonStatus describes the local adb server.
type DaemonStatus struct {
	Path           string    `json:"path"`
	Reachable      bool      `json:"reachable"`
	ProcessRunning *bool     `json:"process_running,omitempty"`
	Version        string    `json:"version,omitempty"`
	ToolsVersion   string    `json:"tools_version,omitempty"`
	MinVersion     string    `json:"min_version,omitempty"`
	Compatible     bool      `json:"compatible"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}
