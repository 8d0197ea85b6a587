package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/tickset/device"
	"github.com/timzifer/tickset/transport/tcp"
)

func TestDemoConfigIsValid(t *testing.T) {
	cfg, err := demoConfig("memory", "")
	require.NoError(t, err)
	require.NoError(t, device.Validate(cfg))
	require.Len(t, cfg.Settings, 5)
	require.Len(t, cfg.Actions, 5)
	require.Equal(t, 0, executeConfigCheck(cfg))
}

func TestDemoConfigTCP(t *testing.T) {
	cfg, err := demoConfig("TCP", "127.0.0.1:0")
	require.NoError(t, err)
	require.Equal(t, tcp.Driver, cfg.Transport.Driver)

	settings, err := tcp.DecodeSettings(cfg.Transport)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:0", settings.Listen)
	require.True(t, settings.MDNS)
}

func TestDemoConfigRejectsUnknownDriver(t *testing.T) {
	_, err := demoConfig("ble", "")
	require.EqualError(t, err, `demo supports the memory, tcp and bluez transports, not "ble"`)
}
