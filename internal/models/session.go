package models

import (
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
)

// Session is a time-bounded device reservation.
type Session struct {
	ID         string     `json:"id"`
	Address    string     `json:"address"`
	Deadline   time.Time  `json:"deadline"`
	State      string     `json:"state"`
	Extensions int        `json:"extensions"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FiredAt    *time.Time `json:"fired_at,omitempty"`
}

// Live reports whether the session still owns a timer.
func (s Session) Live() bool {
	return s.State == constants.SessionStateActive || s.State == constants.SessionStateExtended
}

// Remaining returns the time left until the deadline, never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	if d := s.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// SessionEvent is the outbound notification delivered to the rental layer.
type SessionEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Session   Session       `json:"session"`
	Outcome   *ActionResult `json:"outcome,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
