package adb

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/shirou/gopsutil/process"
)

var (
	bridgeVersionPattern = regexp.MustCompile(`Android Debug Bridge version (\S+)`)
	toolsVersionPattern  = regexp.MustCompile(`(?m)^Version (\S+)`)
)

// VersionInfo is the parsed output of `adb version`.
type VersionInfo struct {
	Bridge *semver.Version
	Tools  *semver.Version
}

// ParseVersion extracts the bridge protocol version (and platform-tools version when present).
func ParseVersion(output string) (VersionInfo, error) {
	var info VersionInfo
	match := bridgeVersionPattern.FindStringSubmatch(output)
	if match == nil {
		return info, fmt.Errorf("unrecognised adb version output: %q", strings.TrimSpace(output))
	}
	v, err := semver.NewVersion(match[1])
	if err != nil {
		return info, fmt.Errorf("parse adb version %q: %w", match[1], err)
	}
	info.Bridge = v

	if tools := toolsVersionPattern.FindStringSubmatch(output); tools != nil {
		if tv, err := semver.NewVersion(tools[1]); err == nil {
			info.Tools = tv
		}
	}
	return info, nil
}

// SatisfiesMinimum reports whether the bridge version is at least minimum.
// An empty minimum always passes.
func (v VersionInfo) SatisfiesMinimum(minimum string) (bool, error) {
	if minimum == "" {
		return true, nil
	}
	if v.Bridge == nil {
		return false, fmt.Errorf("adb version unknown")
	}
	constraint, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum adb version %q: %w", minimum, err)
	}
	return constraint.Check(v.Bridge), nil
}

// ProcessProbe reports whether an adb server process is alive on this host.
type ProcessProbe func(ctx context.Context) (bool, error)

// DaemonProcessRunning scans the host process table for an adb server.
func DaemonProcessRunning(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		name = strings.ToLower(name)
		if name == "adb" || name == "adb.exe" {
			return true, nil
		}
	}
	return false, nil
}
