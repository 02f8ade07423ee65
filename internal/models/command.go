package models

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
)

// Command is one requested operation against a device. Builders return copies, so a
// submitted Command is never mutated.
type Command struct {
	Category  string        `json:"category"`
	Args      []string      `json:"args,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Label     string        `json:"label,omitempty"`
	Fallbacks []Command     `json:"fallbacks,omitempty"`
}

// ConnectCommand opens a network debug connection.
func ConnectCommand() Command {
	return Command{Category: constants.CategoryConnect, Label: "connect"}
}

// KeyEventCommand presses one remote-control key.
func KeyEventCommand(keycode int) Command {
	return Command{
		Category: constants.CategoryKeyEvent,
		Args:     []string{strconv.Itoa(keycode)},
		Label:    "keyevent " + strconv.Itoa(keycode),
	}
}

// LaunchIntentCommand starts an activity; args are passed to `am start`.
func LaunchIntentCommand(args ...string) Command {
	return Command{Category: constants.CategoryLaunchIntent, Args: cloneArgs(args), Label: "am start"}
}

// EchoCommand is a lightweight probe that should print text back.
func EchoCommand(text string) Command {
	return Command{Category: constants.CategoryEcho, Args: []string{text}, Label: "echo"}
}

// RawShellCommand runs an arbitrary device shell command.
func RawShellCommand(args ...string) Command {
	return Command{Category: constants.CategoryRawShell, Args: cloneArgs(args), Label: "shell"}
}

// DaemonCommand runs a device-independent adb subcommand such as "devices" or "kill-server".
func DaemonCommand(args ...string) Command {
	return Command{Category: constants.CategoryDaemon, Args: cloneArgs(args), Label: strings.Join(args, " ")}
}

// WithTimeout returns a copy of c with the given timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	out := c.Clone()
	out.Timeout = d
	return out
}

// WithLabel returns a copy of c with a human-readable label.
func (c Command) WithLabel(label string) Command {
	out := c.Clone()
	out.Label = label
	return out
}

// WithFallbacks returns a copy of c that tries fallbacks in order when c fails.
func (c Command) WithFallbacks(fallbacks ...Command) Command {
	out := c.Clone()
	out.Fallbacks = make([]Command, 0, len(fallbacks))
	for _, fb := range fallbacks {
		out.Fallbacks = append(out.Fallbacks, fb.Clone())
	}
	return out
}

// Clone deep-copies c.
func (c Command) Clone() Command {
	out := c
	out.Args = cloneArgs(c.Args)
	if c.Fallbacks != nil {
		out.Fallbacks = make([]Command, len(c.Fallbacks))
		for i, fb := range c.Fallbacks {
			out.Fallbacks[i] = fb.Clone()
		}
	}
	return out
}

// Chain returns the primary attempt followed by its fallbacks. Nested fallbacks are not expanded.
func (c Command) Chain() []Command {
	chain := make([]Command, 0, 1+len(c.Fallbacks))
	primary := c.Clone()
	primary.Fallbacks = nil
	chain = append(chain, primary)
	for _, fb := range c.Fallbacks {
		fb = fb.Clone()
		fb.Fallbacks = nil
		chain = append(chain, fb)
	}
	return chain
}

// Argv renders the adb argument vector for the device with the given serial.
func (c Command) Argv(serial string) []string {
	switch c.Category {
	case constants.CategoryConnect:
		return []string{"connect", serial}
	case constants.CategoryKeyEvent:
		return append([]string{"-s", serial, "shell", "input", "keyevent"}, c.Args...)
	case constants.CategoryLaunchIntent:
		return append([]string{"-s", serial, "shell", "am", "start"}, c.Args...)
	case constants.CategoryEcho:
		return append([]string{"-s", serial, "shell", "echo"}, c.Args...)
	case constants.CategoryRawShell:
		return append([]string{"-s", serial, "shell"}, c.Args...)
	default:
		return cloneArgs(c.Args)
	}
}

func (c Command) String() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Category + " " + strings.Join(c.Args, " ")
}

func cloneArgs(args []string) []string {
	if args == nil {
		return nil
	}
	out := make([]string, len(args))
	copy(out, args)
	return out
}

// CommandResult is the outcome of one Command execution, fallbacks included.
type CommandResult struct {
	Label         string        `json:"label,omitempty"`
	Category      string        `json:"category"`
	Argv          []string      `json:"argv,omitempty"`
	Status        string        `json:"status"`
	Stdout        string        `json:"stdout,omitempty"`
	Stderr        string        `json:"stderr,omitempty"`
	ExitCode      int           `json:"exit_code"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	LastErrorKind ErrorKind     `json:"last_error_kind,omitempty"` // kind of the final attempt when ErrorKind aggregates a fallback chain
	Attempts      int           `json:"attempts"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// OK reports whether the command (or one of its fallbacks) succeeded.
func (r CommandResult) OK() bool {
	return r.Status == constants.CommandStatusOK
}

// Err returns nil for a successful result and a *ControlError otherwise.
func (r CommandResult) Err(address string) error {
	if r.OK() {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = KindCommandFailed
		if r.Status == constants.CommandStatusTimedOut {
			kind = KindCommandTimedOut
		}
	}
	var cause error
	if r.Error != "" {
		cause = errors.New(r.Error)
	}
	return &ControlError{Kind: kind, Op: r.Label, Address: address, Attempts: r.Attempts, Err: cause}
}
