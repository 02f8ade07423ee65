package services_test

import (
	"context"
	"strings"
	"sync"

	"github.com/benmeehan/adb-agent/pkg/adb"
)

// fakeBridge records every adb invocation and answers through handler.
type fakeBridge struct {
	mu      sync.Mutex
	calls   []string
	handler func(ctx context.Context, args []string) (adb.Output, error)
}

func newFakeBridge(handler func(ctx context.Context, args []string) (adb.Output, error)) *fakeBridge {
	return &fakeBridge{handler: handler}
}

func (f *fakeBridge) Run(ctx context.Context, args ...string) (adb.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	f.mu.Unlock()
	if f.handler == nil {
		return adb.Output{}, nil
	}
	return f.handler(ctx, args)
}

func (f *fakeBridge) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many invocations contained substr.
func (f *fakeBridge) Count(substr string) int {
	n := 0
	for _, call := range f.Calls() {
		if strings.Contains(call, substr) {
			n++
		}
	}
	return n
}

// tvBridge simulates an adb server and a set of network TVs.
type tvBridge struct {
	*fakeBridge

	mu          sync.Mutex
	connected   map[string]bool
	reachable   map[string]bool
	daemonDown  bool
	launchOK    map[string]bool // strategy marker -> launches
	mediaExists bool
	responses   map[string]string // shell command prefix -> stdout
	refuseUntil int // connect attempts refused before succeeding
	connects    int
}

func newTVBridge(reachable ...string) *tvBridge {
	tv := &tvBridge{
		connected:   make(map[string]bool),
		reachable:   make(map[string]bool),
		launchOK:    map[string]bool{"org.videolan.vlc": true},
		mediaExists: true,
		responses:   make(map[string]string),
	}
	for _, host := range reachable {
		tv.reachable[adb.Serial(host, adb.DefaultPort)] = true
	}
	tv.fakeBridge = newFakeBridge(tv.handle)
	return tv
}

func (tv *tvBridge) setDaemonDown(down bool) {
	tv.mu.Lock()
	tv.daemonDown = down
	tv.mu.Unlock()
}

func (tv *tvBridge) handle(_ context.Context, args []string) (adb.Output, error) {
	tv.mu.Lock()
	defer tv.mu.Unlock()

	switch args[0] {
	case "kill-server":
		tv.connected = make(map[string]bool)
		return adb.Output{}, nil
	case "start-server":
		tv.daemonDown = false
		return adb.Output{Stderr: "* daemon started successfully"}, nil
	case "version":
		return adb.Output{Stdout: "Android Debug Bridge version 1.0.41\nVersion 34.0.5-10900879"}, nil
	}
	if tv.daemonDown {
		return adb.Output{Stderr: "cannot connect to daemon"}, adb.ErrDaemonDown
	}

	switch args[0] {
	case "devices":
		var b strings.Builder
		b.WriteString("List of devices attached\n")
		for serial := range tv.connected {
			b.WriteString(serial + "\tdevice\n")
		}
		return adb.Output{Stdout: b.String()}, nil
	case "connect":
		tv.connects++
		serial := args[1]
		if !tv.reachable[serial] || tv.connects <= tv.refuseUntil {
			return adb.Output{Stdout: "failed to connect to " + serial + ": Connection refused"}, nil
		}
		tv.connected[serial] = true
		return adb.Output{Stdout: "connected to " + serial}, nil
	case "-s":
		serial := args[1]
		if !tv.connected[serial] {
			return adb.Output{Stderr: "error: device '" + serial + "' not found"}, &adb.ExitError{Code: 1}
		}
		return tv.shell(args[3:])
	}
	return adb.Output{}, &adb.ExitError{Code: 1, Stderr: "unknown command"}
}

func (tv *tvBridge) shell(args []string) (adb.Output, error) {
	line := strings.Join(args, " ")
	switch {
	case args[0] == "echo":
		return adb.Output{Stdout: strings.Join(args[1:], " ")}, nil
	case args[0] == "ls":
		if !tv.mediaExists {
			return adb.Output{Stderr: "ls: " + args[1] + ": No such file or directory"}, &adb.ExitError{Code: 1}
		}
		return adb.Output{Stdout: args[1]}, nil
	case strings.HasPrefix(line, "am start"):
		for marker := range tv.launchOK {
			if strings.Contains(line, marker) {
				return adb.Output{Stdout: "Starting: Intent { act=android.intent.action.VIEW }"}, nil
			}
		}
		return adb.Output{Stdout: "Starting: Intent { }\nError: Activity not started, unable to resolve Intent"}, nil
	}
	for prefix, stdout := range tv.responses {
		if strings.HasPrefix(line, prefix) {
			return adb.Output{Stdout: stdout}, nil
		}
	}
	return adb.Output{}, nil
}
