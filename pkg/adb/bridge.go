package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when the adb process outlived its context deadline and was killed.
	ErrTimeout = errors.New("adb command timed out")
	// ErrBinaryNotFound is returned when the adb executable cannot be started at all.
	ErrBinaryNotFound = errors.New("adb binary not found")
	// ErrDaemonDown is returned when adb reports that its background server is not reachable.
	ErrDaemonDown = errors.New("adb daemon is not running")
)

// waitDelay bounds how long Run waits for output pipes after the process was killed.
const waitDelay = 250 * time.Millisecond

// ExitError reports a non-zero exit status from the adb process.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("adb exited with status %d", e.Code)
	}
	return fmt.Sprintf("adb exited with status %d: %s", e.Code, e.Stderr)
}

// Output holds the captured streams of one adb invocation.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Bridge runs one adb invocation with the given arguments.
type Bridge interface {
	Run(ctx context.Context, args ...string) (Output, error)
}

// BridgeFunc adapts an ordinary function to the Bridge interface.
type BridgeFunc func(ctx context.Context, args ...string) (Output, error)

// Run calls f(ctx, args...).
func (f BridgeFunc) Run(ctx context.Context, args ...string) (Output, error) {
	return f(ctx, args...)
}

// ExecBridge runs the adb executable as a child process.
type ExecBridge struct {
	path   string
	logger zerolog.Logger
}

// NewExecBridge returns a bridge that invokes the adb binary at path.
func NewExecBridge(path string, logger zerolog.Logger) *ExecBridge {
	if path == "" {
		path = "adb"
	}
	return &ExecBridge{path: path, logger: logger}
}

// Path returns the adb executable this bridge invokes.
func (b *ExecBridge) Path() string {
	return b.path
}

// Run executes adb with args. The process is killed when ctx is done.
func (b *ExecBridge) Run(ctx context.Context, args ...string) (Output, error) {
	b.logger.Debug().Str("adb", b.path).Strs("args", args).Msg("Executing adb command")

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, b.path, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = waitDelay

	err := command.Run()
	out := Output{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if command.ProcessState != nil {
		out.ExitCode = command.ProcessState.ExitCode()
	}

	if err == nil {
		if IsDaemonDown(out.Stdout + "\n" + out.Stderr) {
			return out, ErrDaemonDown
		}
		return out, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.logger.Warn().Strs("args", args).Msg("adb command timed out")
		return out, ErrTimeout
	}
	// ProcessState is only set once the process was started and waited on.
	if command.ProcessState == nil && ctx.Err() == nil {
		return out, fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
	}
	if IsDaemonDown(out.Stdout + "\n" + out.Stderr) {
		return out, ErrDaemonDown
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ExitError{Code: exitErr.ExitCode(), Stderr: out.Stderr}
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, err
}
