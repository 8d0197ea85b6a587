// Package processor runs a device built from configuration and rebuilds it
// when the configuration changes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/device"
	"github.com/timzifer/tickset/inspect"
	"github.com/timzifer/tickset/internal/logging"
	"github.com/timzifer/tickset/internal/reload"
	"github.com/timzifer/tickset/telemetry"
)

const (
	// DefaultInspectListen is used when the inspect server is enabled without a listen address.
	DefaultInspectListen = ":18080"
	// DefaultPollInterval is how often hot reload checks the configuration inputs.
	DefaultPollInterval = time.Second
)

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// SetupFunc customises a freshly built device before it starts.
type SetupFunc func(d *device.Device) error

// Option configures the processor during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	registry          *prometheus.Registry
	deviceOptions     []device.Option
	setup             []SetupFunc
	inspect           bool
	inspectListen     string
	poll              time.Duration
}

// Processor owns one generation of the device at a time. A reload builds the
// next generation from the configuration on disk and retires the previous one.
type Processor struct {
	opts     settings
	metrics  metrics
	requests chan reloadRequest

	mu      sync.Mutex
	tracker *reload.Tracker
	active  *generation
	serial  int
	running bool
}

// generation is everything built from one configuration.
type generation struct {
	id      int
	cfg     *config.Config
	logger  zerolog.Logger
	device  *device.Device
	inspect *inspect.Server
	cleanup func()
}

func (g *generation) close() {
	g.inspect.Close()
	if err := g.device.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("close device")
	}
	g.cleanup()
}

type reloadRequest struct {
	reply chan error
}

// trigger carries a validated configuration that replaces the running generation.
type trigger struct {
	cfg   *config.Config
	files []string
	reply chan error
}

func (t *trigger) respond(err error) {
	if t.reply != nil {
		t.reply <- err
	}
}

// New constructs a processor with the supplied options.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		poll:      DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&s); err != nil {
			return nil, err
		}
	}

	cfg := s.config
	if cfg == nil {
		if s.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(s.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
	}

	m, err := newMetrics(cfg.Telemetry, s.registry)
	if err != nil {
		s.logger.Warn().Err(err).Msg("telemetry disabled")
	}
	if s.telemetryProvided {
		m.collector = s.telemetry
	}

	p := &Processor{opts: s, metrics: m}
	if s.configPath != "" {
		p.requests = make(chan reloadRequest)
	}
	gen, err := p.build(cfg)
	if err != nil {
		return nil, err
	}
	p.active = gen
	p.track(cfg)

	if s.registerReload != nil {
		s.registerReload(p.Reload)
	}
	return p, nil
}

// Device returns the device of the current generation.
func (p *Processor) Device() *device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil
	}
	return p.active.device
}

// Generation returns the number of the current generation, starting at 1.
// It is 0 once the processor has stopped.
func (p *Processor) Generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return 0
	}
	return p.active.id
}

// InspectAddr returns the address of the running inspect server, if any.
func (p *Processor) InspectAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ""
	}
	return p.active.inspect.Addr()
}

// Run drives the device until the context is cancelled or an action fails.
// Reload requests and configuration edits replace the device in between.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	gen := p.active
	switch {
	case gen == nil:
		p.mu.Unlock()
		return errors.New("processor not initialized")
	case p.running:
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.active = nil
		p.mu.Unlock()
	}()

	for {
		next, err := p.serve(ctx, gen)
		if next == nil {
			return err
		}
		gen, err = p.advance(next)
		if err != nil {
			return err
		}
	}
}

// serve runs gen until it stops on its own or a reload is due. gen is closed
// before serve returns.
func (p *Processor) serve(ctx context.Context, gen *generation) (*trigger, error) {
	defer gen.close()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- gen.device.Run(runCtx) }()

	halt := func() {
		stop()
		if err := <-done; err != nil && !isCancellation(err) {
			gen.logger.Error().Err(err).Msg("device stopped during reload")
		}
	}

	var poll <-chan time.Time
	if tracker := p.currentTracker(); tracker != nil {
		ticker := time.NewTicker(p.opts.poll)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			if err := <-done; err != nil && !isCancellation(err) {
				return nil, err
			}
			return nil, ctx.Err()
		case err := <-done:
			if ctx.Err() != nil && (err == nil || isCancellation(err)) {
				return nil, ctx.Err()
			}
			return nil, err
		case req := <-p.requests:
			cfg, err := p.prepare()
			if err != nil {
				gen.logger.Error().Err(err).Msg("reload rejected")
				req.reply <- err
				continue
			}
			halt()
			return &trigger{cfg: cfg, files: []string{p.opts.configPath}, reply: req.reply}, nil
		case <-poll:
			tracker := p.currentTracker()
			files := tracker.Changed()
			if len(files) == 0 {
				continue
			}
			cfg, err := p.prepare()
			if err != nil {
				gen.logger.Error().Err(err).Strs("files", files).Msg("configuration change rejected")
				// Re-snapshot so the broken edit is reported once.
				tracker.Reset(gen.cfg)
				continue
			}
			halt()
			return &trigger{cfg: cfg, files: files}, nil
		}
	}
}

func (p *Processor) advance(next *trigger) (*generation, error) {
	gen, err := p.build(next.cfg)
	if err != nil {
		next.respond(err)
		return nil, err
	}
	p.mu.Lock()
	p.active = gen
	p.mu.Unlock()
	p.track(next.cfg)

	for _, file := range next.files {
		p.metrics.collector.IncHotReload(file)
	}
	next.respond(nil)
	gen.logger.Info().Int("generation", gen.id).Strs("files", next.files).Msg("configuration reloaded")
	return gen, nil
}

// Reload rebuilds the device using the latest configuration from disk.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	if !running {
		cfg, err := p.prepare()
		if err != nil {
			return err
		}
		return p.replace(cfg)
	}
	if p.requests == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{reply: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.requests <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.reply:
		return err
	}
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	gen := p.active
	p.active = nil
	p.mu.Unlock()
	if gen != nil {
		gen.close()
	}
}

// replace swaps the generation of an idle processor. The old generation is
// closed first so the new one can bind the same transport and inspect addresses.
func (p *Processor) replace(cfg *config.Config) error {
	p.mu.Lock()
	old := p.active
	p.active = nil
	p.mu.Unlock()
	if old != nil {
		old.close()
	}

	gen, err := p.build(cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.active = gen
	p.mu.Unlock()
	p.track(cfg)
	return nil
}

// prepare loads and validates the configuration without touching the running device.
func (p *Processor) prepare() (*config.Config, error) {
	if p.opts.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(p.opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := device.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *Processor) build(cfg *config.Config) (*generation, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	p.mu.Lock()
	p.serial++
	gen := &generation{id: p.serial, cfg: cfg, cleanup: func() {}}
	p.mu.Unlock()

	if p.opts.customLogger {
		gen.logger = p.opts.logger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		gen.logger = logger
		gen.cleanup = cleanup
	}
	log.Logger = gen.logger

	fail := func(err error) (*generation, error) {
		if gen.device != nil {
			_ = gen.device.Close()
		}
		gen.cleanup()
		return nil, err
	}

	opts := append([]device.Option{
		device.WithLogger(gen.logger),
		device.WithTelemetry(p.metrics.collector),
	}, p.opts.deviceOptions...)
	d, err := device.New(cfg, opts...)
	if err != nil {
		return fail(err)
	}
	gen.device = d
	for _, hook := range p.opts.setup {
		if err := hook(d); err != nil {
			return fail(err)
		}
	}

	if p.opts.inspect || cfg.Inspect.Enabled {
		listen := firstNonEmpty(p.opts.inspectListen, cfg.Inspect.Listen, DefaultInspectListen)
		srv := inspect.New(d, gen.logger, p.metrics.registry)
		if err := srv.Start(listen); err != nil {
			return fail(fmt.Errorf("start inspect server: %w", err))
		}
		gen.inspect = srv
	}
	return gen, nil
}

// track points hot reload at the inputs of cfg. Without a configuration
// path or with hot reload off there is nothing to watch.
func (p *Processor) track(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.configPath == "" || !cfg.HotReload {
		p.tracker = nil
		return
	}
	if p.tracker == nil {
		p.tracker = reload.NewTracker(p.opts.configPath, cfg)
		return
	}
	p.tracker.Reset(cfg)
}

func (p *Processor) currentTracker() *reload.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
