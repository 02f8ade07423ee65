package adb_test

import (
	"testing"

	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevices(t *testing.T) {
	output := "* daemon not running; starting now at tcp:5037\n" +
		"* daemon started successfully\n" +
		"List of devices attached\n" +
		"192.168.1.20:5555\tdevice\n" +
		"192.168.1.21:5555\toffline\n" +
		"emulator-5554\tunauthorized\n"

	devices := adb.ParseDevices(output)

	assert.Len(t, devices, 3)
	assert.Equal(t, adb.StateDevice, devices["192.168.1.20:5555"])
	assert.Equal(t, adb.StateOffline, devices["192.168.1.21:5555"])
	assert.Equal(t, adb.StateUnauthorized, devices["emulator-5554"])
}

func TestLookup(t *testing.T) {
	devices := adb.ParseDevices("List of devices attached\n10.0.0.5:5555\tdevice\n10.0.0.7\toffline\n")

	assert.Equal(t, adb.StateDevice, adb.Lookup(devices, "10.0.0.5", 5555))
	assert.Equal(t, adb.StateOffline, adb.Lookup(devices, "10.0.0.7", 5555))
	assert.Equal(t, adb.StateNotListed, adb.Lookup(devices, "10.0.0.50", 5555))
	// A listed prefix must not match a different host.
	assert.Equal(t, adb.StateNotListed, adb.Lookup(devices, "10.0.0.5", 5556))
}

func TestSerialAndHost(t *testing.T) {
	assert.Equal(t, "10.0.0.5:5555", adb.Serial("10.0.0.5", 0))
	assert.Equal(t, "10.0.0.5:6000", adb.Serial("10.0.0.5", 6000))
	assert.Equal(t, "10.0.0.5", adb.Host("10.0.0.5:5555"))
	assert.Equal(t, "10.0.0.5", adb.Host(" 10.0.0.5 "))
}

func TestConnectMarkers(t *testing.T) {
	assert.True(t, adb.ConnectSucceeded("connected to 10.0.0.5:5555"))
	assert.True(t, adb.ConnectSucceeded("already connected to 10.0.0.5:5555"))
	assert.False(t, adb.ConnectSucceeded("failed to connect to '10.0.0.5:5555': Connection refused"))
	assert.True(t, adb.ConnectRefused("cannot connect to 10.0.0.5:5555: No route to host (113)"))
	assert.False(t, adb.ConnectRefused("connected to 10.0.0.5:5555"))
}

func TestIsDaemonDown(t *testing.T) {
	assert.True(t, adb.IsDaemonDown("error: cannot connect to daemon at tcp:5037: Connection refused"))
	assert.True(t, adb.IsDaemonDown("* failed to start daemon"))
	assert.False(t, adb.IsDaemonDown("* daemon not running; starting now at tcp:5037\n* daemon started successfully"))
	assert.False(t, adb.IsDaemonDown("List of devices attached"))
}

func TestLaunchFailed(t *testing.T) {
	assert.True(t, adb.LaunchFailed("Starting: Intent { act=android.intent.action.VIEW }\nError: Activity not started, unable to resolve Intent"))
	assert.False(t, adb.LaunchFailed("Starting: Intent { cmp=org.videolan.vlc/.gui.video.VideoPlayerActivity }"))
}

func TestParseVersion(t *testing.T) {
	info, err := adb.ParseVersion("Android Debug Bridge version 1.0.41\nVersion 34.0.5-10900879\nInstalled as /usr/bin/adb\n")
	require.NoError(t, err)
	assert.Equal(t, "1.0.41", info.Bridge.String())
	require.NotNil(t, info.Tools)
	assert.Equal(t, uint64(34), info.Tools.Major())

	ok, err := info.SatisfiesMinimum("1.0.39")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = info.SatisfiesMinimum("1.0.42")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = adb.ParseVersion("command not found")
	assert.Error(t, err)
}
