package models

import (
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
)

// ActionResult is the structured outcome of a high-level device operation.
type ActionResult struct {
	Action    string          `json:"action"`
	Address   string          `json:"address,omitempty"`
	Success   bool            `json:"success"`
	Reachable bool            `json:"reachable"`
	Outcome   string          `json:"outcome"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Message   string          `json:"message"`
	Verified  *bool           `json:"verified,omitempty"`
	Steps     []CommandResult `json:"steps,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// NewActionResult starts a result for action on address.
func NewActionResult(action, address string) ActionResult {
	return ActionResult{Action: action, Address: address, StartedAt: time.Now()}
}

// Succeed marks the result successful.
func (r *ActionResult) Succeed(message string) {
	r.Success = true
	r.Reachable = true
	r.Outcome = constants.OutcomeOK
	r.ErrorKind = ""
	r.Message = message
	r.Duration = time.Since(r.StartedAt)
}

// Fail marks the result failed, deriving reachability from the error kind.
func (r *ActionResult) Fail(err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindCommandFailed
	}
	r.Success = false
	r.ErrorKind = kind
	r.Reachable = !kind.Unreachable()
	if r.Reachable {
		r.Outcome = constants.OutcomeActionFailed
	} else {
		r.Outcome = constants.OutcomeDeviceUnreachable
	}
	if err != nil {
		r.Message = err.Error()
	}
	r.Duration = time.Since(r.StartedAt)
}

// Err returns nil for a successful result and a *ControlError otherwise.
func (r ActionResult) Err() error {
	if r.Success {
		return nil
	}
	return NewControlError(r.ErrorKind, r.Action, r.Address, nil)
}

// FailStep marks the result failed because of step. A fallback chain that ended on an
// unreachable device still counts as unreachable.
func (r *ActionResult) FailStep(step CommandResult) {
	r.Fail(step.Err(r.Address))
	if step.ErrorKind == KindAllFallbacksExhausted && step.LastErrorKind.Unreachable() {
		r.Reachable = false
		r.Outcome = constants.OutcomeDeviceUnreachable
	}
}
