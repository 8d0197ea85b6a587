// Package device assembles settings, the remote bridge, the executor and
// configured actions into one runnable unit.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/actions"
	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/executor"
	"github.com/timzifer/tickset/runtime/tick"
	"github.com/timzifer/tickset/setting"
	"github.com/timzifer/tickset/telemetry"
)

// DefaultName is the advertised name when the configuration names none.
const DefaultName = "tickset"

// Option customises a Device during construction.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	telemetry  telemetry.Collector
	clock      func() time.Time
	transport  bridge.Transport
	transports map[string]TransportFactory
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry installs a metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector == nil {
			collector = telemetry.Noop()
		}
		o.telemetry = collector
	}
}

// WithClock replaces the executor clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithTransport bypasses the configured driver and uses t directly.
func WithTransport(t bridge.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithTransportFactory registers an additional transport driver.
func WithTransportFactory(driver string, factory TransportFactory) Option {
	return func(o *options) {
		driver = strings.ToLower(strings.TrimSpace(driver))
		if driver == "" || factory == nil {
			return
		}
		o.transports[driver] = factory
	}
}

// Device is a configured, runnable settings node.
type Device struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *setting.Registry
	bridge    *bridge.Bridge
	exec      *executor.Executor
	actions   []*actions.Action
	transport bridge.Transport
	name      *setting.Setting[string]

	closeOnce sync.Once
}

// Validate checks that cfg describes a buildable device without opening any transport.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg, err := BuildRegistry(cfg.Settings)
	if err != nil {
		return err
	}
	if _, err := nameSetting(cfg, reg); err != nil {
		return err
	}
	if _, err := serviceUUID(cfg); err != nil {
		return err
	}
	for _, action := range cfg.Actions {
		if _, err := actions.Compile(action, reg, zerolog.Nop()); err != nil {
			return err
		}
	}
	return nil
}

// New builds a device from cfg. Nothing is started until Start or Run.
func New(cfg *config.Config, opts ...Option) (*Device, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := options{
		logger:     zerolog.Nop(),
		telemetry:  telemetry.Noop(),
		transports: builtinTransports(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger.With().Str("component", "device").Logger()
	reg, err := BuildRegistry(cfg.Settings)
	if err != nil {
		return nil, err
	}
	name, err := nameSetting(cfg, reg)
	if err != nil {
		return nil, err
	}
	service, err := serviceUUID(cfg)
	if err != nil {
		return nil, err
	}

	transport := o.transport
	if transport == nil {
		transport, err = buildTransport(o.transports, cfg.Transport, o.logger)
		if err != nil {
			return nil, err
		}
	}

	bridgeOpts := []bridge.Option{
		bridge.WithLogger(o.logger.With().Str("component", "bridge").Logger()),
		bridge.WithTelemetry(o.telemetry),
		bridge.WithServiceUUID(service),
	}
	if cfg.Device.PushAll {
		bridgeOpts = append(bridgeOpts, bridge.WithPushAll())
	}
	var b *bridge.Bridge
	if name != nil {
		b = bridge.NewWithNameSetting(name, transport, bridgeOpts...)
	} else {
		b = bridge.New(deviceName(cfg), transport, bridgeOpts...)
	}

	execOpts := []executor.Option{
		executor.WithLogger(o.logger.With().Str("component", "executor").Logger()),
		executor.WithTelemetry(o.telemetry),
		executor.WithInterval(cfg.CycleInterval()),
	}
	if o.clock != nil {
		execOpts = append(execOpts, executor.WithClock(o.clock))
	}
	exec := executor.New(execOpts...)

	d := &Device{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		bridge:    b,
		exec:      exec,
		transport: transport,
		name:      name,
	}

	exec.Add(b)
	for _, desc := range reg.All() {
		if t, ok := desc.(tick.Tickable); ok {
			exec.Add(t)
		}
	}
	exec.OnStart(b.Start)
	exec.OnStart(func() error {
		for _, desc := range reg.All() {
			if err := publish(b, desc); err != nil {
				return err
			}
		}
		return nil
	})

	for _, entry := range cfg.Actions {
		action, err := actions.Compile(entry, reg, o.logger)
		if err != nil {
			d.closeTransport()
			return nil, err
		}
		d.actions = append(d.actions, action)
		exec.OnRepeatE(action.Name(), action.Every(), action.Run)
	}
	return d, nil
}

// Name returns the name the device advertises.
func (d *Device) Name() string {
	if d.name != nil {
		return d.name.Get()
	}
	return deviceName(d.cfg)
}

// Config returns the configuration the device was built from.
func (d *Device) Config() *config.Config { return d.cfg }

// Registry returns the configured settings.
func (d *Device) Registry() *setting.Registry { return d.registry }

// Bridge returns the remote bridge.
func (d *Device) Bridge() *bridge.Bridge { return d.bridge }

// Executor returns the executor driving the device.
func (d *Device) Executor() *executor.Executor { return d.exec }

// Transport returns the transport behind the bridge.
func (d *Device) Transport() bridge.Transport { return d.transport }

// Actions returns the status of every configured action.
func (d *Device) Actions() []actions.Status {
	out := make([]actions.Status, 0, len(d.actions))
	for _, action := range d.actions {
		out = append(out, action.Status())
	}
	return out
}

// Apply writes a textual payload to the named setting through the remote write path.
func (d *Device) Apply(name string, payload []byte, peer bridge.PeerInfo) error {
	return d.bridge.Apply(name, payload, peer)
}

// Start starts the executor, which starts the bridge and publishes every setting.
func (d *Device) Start() error {
	if err := d.exec.Start(); err != nil {
		return err
	}
	d.logger.Info().Str("name", d.Name()).Int("settings", len(d.registry.Names())).Int("actions", len(d.actions)).Msg("device started")
	return nil
}

// Run starts the device when needed and drives the executor until ctx ends
// or an action fails.
func (d *Device) Run(ctx context.Context) error {
	if d.exec.State() != executor.StateRunning {
		if err := d.Start(); err != nil {
			return err
		}
	}
	return d.exec.Run(ctx)
}

// Close stops advertising and releases the transport.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if stopErr := d.bridge.Stop(); stopErr != nil {
			d.logger.Warn().Err(stopErr).Msg("stop bridge")
		}
		err = d.closeTransport()
	})
	return err
}

func (d *Device) closeTransport() error {
	if closer, ok := d.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Lookup returns the typed setting registered under name.
func Lookup[T setting.Value](d *Device, name string) (*setting.Setting[T], error) {
	return setting.Lookup[T](d.registry, name)
}

func deviceName(cfg *config.Config) string {
	return firstNonEmpty(cfg.Device.Name, cfg.Name, DefaultName)
}

func nameSetting(cfg *config.Config, reg *setting.Registry) (*setting.Setting[string], error) {
	if strings.TrimSpace(cfg.Device.NameSetting) == "" {
		return nil, nil
	}
	s, err := setting.Lookup[string](reg, cfg.Device.NameSetting)
	if err != nil {
		return nil, fmt.Errorf("device name setting: %w", err)
	}
	return s, nil
}

func serviceUUID(cfg *config.Config) (uuid.UUID, error) {
	raw := strings.TrimSpace(cfg.Device.ServiceUUID)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("device service uuid: %w", err)
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
