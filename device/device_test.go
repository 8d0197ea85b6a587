package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/device"
	"github.com/timzifer/tickset/executor"
	"github.com/timzifer/tickset/setting"
	"github.com/timzifer/tickset/transport/bluez"
	"github.com/timzifer/tickset/transport/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func every(d time.Duration) config.Duration { return config.Duration{Duration: d} }

func demoConfig() *config.Config {
	return &config.Config{
		Name: "demo",
		Settings: []config.SettingConfig{
			{Name: "int", ID: 0x0000, Type: "int", Default: 10},
			{Name: "float", ID: 0x0001, Type: "float", Default: 0.5},
			{Name: "double", ID: 0x0002, Type: "double", Default: 10},
			{Name: "bool", ID: 0x0003, Type: "bool", Default: true},
			{Name: "string", ID: 0x0004, Type: "string", Default: "123"},
		},
		Actions: []config.ActionConfig{
			{Name: "bump_int", Every: every(2 * time.Second), Setting: "int", Expression: "value + 5"},
			{Name: "bump_float", Every: every(2 * time.Second), Setting: "float", Expression: "value + 0.35"},
			{Name: "bump_double", Every: every(2 * time.Second), Setting: "double", Expression: "value + 0.35"},
			{Name: "toggle_bool", Every: every(2 * time.Second), Setting: "bool", Expression: "!value"},
			{Name: "bump_string", Every: every(2 * time.Second), Setting: "string", Expression: "str(atoi(value) + 1)"},
		},
	}
}

func newDevice(t *testing.T, cfg *config.Config) (*device.Device, *memory.Transport, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	transport := memory.New()
	d, err := device.New(cfg, device.WithTransport(transport), device.WithClock(clk.Now), device.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, transport, clk
}

func TestDemoDevice(t *testing.T) {
	d, transport, clk := newDevice(t, demoConfig())
	require.NoError(t, d.Start())
	require.Equal(t, "demo", transport.Name())
	require.True(t, transport.Advertising())

	attr, ok := transport.Attribute(bridge.AttributeUUID(0x0004))
	require.True(t, ok)
	require.Equal(t, "123", string(attr.Value()))

	require.NoError(t, d.Executor().Tick())
	clk.Advance(2 * time.Second)
	require.NoError(t, d.Executor().Tick())

	counter, err := device.Lookup[int](d, "int")
	require.NoError(t, err)
	require.Equal(t, 15, counter.Get())
	ratio, err := device.Lookup[float32](d, "float")
	require.NoError(t, err)
	require.InDelta(t, 0.85, ratio.Get(), 1e-6)
	level, err := device.Lookup[float64](d, "double")
	require.NoError(t, err)
	require.InDelta(t, 10.35, level.Get(), 1e-9)
	flag, err := device.Lookup[bool](d, "bool")
	require.NoError(t, err)
	require.False(t, flag.Get())
	label, err := device.Lookup[string](d, "string")
	require.NoError(t, err)
	require.Equal(t, "124", label.Get())

	require.Equal(t, "124", string(attr.Value()))
	floatAttr, ok := transport.Attribute(bridge.AttributeUUID(0x0001))
	require.True(t, ok)
	require.Equal(t, "0.5", string(floatAttr.Value()))

	statuses := d.Actions()
	require.Len(t, statuses, 5)
	for _, status := range statuses {
		require.Equal(t, uint64(1), status.Runs, status.Name)
	}
}

func TestRemoteWritesReachSettings(t *testing.T) {
	d, transport, _ := newDevice(t, demoConfig())
	require.NoError(t, d.Start())

	peer := transport.Connect("phone")
	require.NoError(t, peer.Write(bridge.AttributeUUID(0x0000), []byte("77")))
	counter, err := device.Lookup[int](d, "int")
	require.NoError(t, err)
	require.Equal(t, 77, counter.Get())

	require.NoError(t, d.Apply("bool", []byte("false"), bridge.PeerInfo{ID: "inspect"}))
	flag, err := device.Lookup[bool](d, "bool")
	require.NoError(t, err)
	require.False(t, flag.Get())

	require.ErrorIs(t, d.Apply("missing", []byte("1"), bridge.PeerInfo{}), setting.ErrUnknownSetting)

	peer.Disconnect(bridge.ReasonClosed)
	require.True(t, transport.Advertising())
}

func TestNameSetting(t *testing.T) {
	cfg := &config.Config{
		Device: config.DeviceConfig{NameSetting: "label", ServiceUUID: "12345678-1234-1234-1234-123456789abc"},
		Settings: []config.SettingConfig{
			{Name: "label", ID: 0x0010, Type: "string", Default: "kitchen"},
		},
	}
	d, transport, _ := newDevice(t, cfg)
	require.Equal(t, "kitchen", d.Name())
	require.NoError(t, d.Start())
	require.Equal(t, "kitchen", transport.Name())
	require.Equal(t, "12345678-1234-1234-1234-123456789abc", transport.Services()[0].UUID().String())
}

func TestActionFailureStopsRun(t *testing.T) {
	cfg := &config.Config{
		Cycle: every(time.Millisecond),
		Settings: []config.SettingConfig{
			{Name: "small", ID: 1, Type: "int32", Default: 10},
		},
		Actions: []config.ActionConfig{
			{Name: "explode", Every: every(time.Millisecond), Setting: "small", Expression: "value * 1000000000"},
		},
	}
	d, err := device.New(cfg, device.WithTransport(memory.New()))
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = d.Run(ctx)
	require.Error(t, err)
	require.ErrorContains(t, err, "explode")
	require.Equal(t, executor.StateRunning, d.Executor().State())

	small, lookupErr := device.Lookup[int32](d, "small")
	require.NoError(t, lookupErr)
	require.Equal(t, int32(10), small.Get())
}

func TestStartFailsWhenTransportFails(t *testing.T) {
	transport := memory.New()
	failure := errors.New("radio down")
	transport.FailOn(memory.OpAdvertise, failure)
	d, err := device.New(demoConfig(), device.WithTransport(transport))
	require.NoError(t, err)
	require.ErrorIs(t, d.Start(), failure)
	require.Equal(t, executor.StateIdle, d.Executor().State())
}

func TestTransportDrivers(t *testing.T) {
	cfg := demoConfig()
	cfg.Transport = config.TransportConfig{Driver: "carrier-pigeon"}
	_, err := device.New(cfg)
	require.ErrorContains(t, err, "unknown transport driver")

	var built bool
	custom := device.WithTransportFactory("loop", func(config.TransportConfig, zerolog.Logger) (bridge.Transport, error) {
		built = true
		return memory.New(), nil
	})
	cfg.Transport = config.TransportConfig{Driver: "loop"}
	d, err := device.New(cfg, custom)
	require.NoError(t, err)
	require.True(t, built)
	require.NoError(t, d.Close())

	cfg.Transport = config.TransportConfig{}
	d, err = device.New(cfg)
	require.NoError(t, err)
	_, ok := d.Transport().(*memory.Transport)
	require.True(t, ok)

	cfg.Transport = config.TransportConfig{Driver: "BlueZ"}
	d, err = device.New(cfg)
	require.NoError(t, err)
	_, ok = d.Transport().(*bluez.Transport)
	require.True(t, ok)
	require.NoError(t, d.Close())
}

func TestValidate(t *testing.T) {
	require.NoError(t, device.Validate(demoConfig()))

	cfg := demoConfig()
	cfg.Settings[0].Default = "ten"
	require.ErrorContains(t, device.Validate(cfg), "setting int: default")

	cfg = demoConfig()
	cfg.Settings[1].Type = "complex"
	require.ErrorContains(t, device.Validate(cfg), "unsupported setting type")

	cfg = demoConfig()
	cfg.Actions[0].Expression = "value +"
	require.ErrorContains(t, device.Validate(cfg), "compile")

	cfg = demoConfig()
	cfg.Device.ServiceUUID = "not-a-uuid"
	require.ErrorContains(t, device.Validate(cfg), "service uuid")
}

func TestBuildRegistryDefaults(t *testing.T) {
	reg, err := device.BuildRegistry([]config.SettingConfig{
		{Name: "a", ID: 1, Type: "int64", Default: "42"},
		{Name: "b", ID: 2, Type: "double"},
		{Name: "c", ID: 3, Type: "string", Default: 1.5},
		{Name: "d", ID: 4, Type: "int32", Default: 3.0},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, reg.Names())

	a, err := setting.Lookup[int64](reg, "a")
	require.NoError(t, err)
	require.Equal(t, int64(42), a.Get())
	b, err := setting.Lookup[float64](reg, "b")
	require.NoError(t, err)
	require.Zero(t, b.Get())
	c, err := setting.Lookup[string](reg, "c")
	require.NoError(t, err)
	require.Equal(t, "1.5", c.Get())
	d, err := setting.Lookup[int32](reg, "d")
	require.NoError(t, err)
	require.Equal(t, int32(3), d.Get())

	_, err = device.BuildRegistry([]config.SettingConfig{{Name: "x", ID: 1, Type: "int32", Default: 1 << 40}})
	require.ErrorContains(t, err, "overflows")
}
