package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/device"
	"github.com/timzifer/tickset/telemetry"
)

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		s.customLogger = true
		return nil
	}
}

// WithConfigPath loads the configuration from path and enables Reload.
// register, when set, receives the reload function once the processor exists.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(s *settings) error {
		s.configPath = strings.TrimSpace(path)
		s.registerReload = register
		return nil
	}
}

// WithConfig starts from an already loaded configuration. Combined with
// WithConfigPath, reloads still read from the path.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) error {
		s.config = cfg
		return nil
	}
}

// WithInspect enables the inspect server on listen regardless of configuration.
func WithInspect(listen string) Option {
	return func(s *settings) error {
		s.inspect = true
		s.inspectListen = strings.TrimSpace(listen)
		return nil
	}
}

// WithTelemetry overrides the collector selected by the telemetry section.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		s.telemetry = collector
		s.telemetryProvided = true
		return nil
	}
}

// WithRegistry registers Prometheus metrics with reg and serves it on the
// inspect server. Without it the processor keeps a registry of its own.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *settings) error {
		s.registry = reg
		return nil
	}
}

// WithDeviceOptions passes additional options to every device the processor builds.
func WithDeviceOptions(opts ...device.Option) Option {
	return func(s *settings) error {
		s.deviceOptions = append(s.deviceOptions, opts...)
		return nil
	}
}

// WithSetup registers a hook that customises each device before it starts,
// including devices rebuilt by a reload.
func WithSetup(hook SetupFunc) Option {
	return func(s *settings) error {
		if hook != nil {
			s.setup = append(s.setup, hook)
		}
		return nil
	}
}

// WithPollInterval sets how often hot reload checks the configuration inputs.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		s.poll = d
		return nil
	}
}
