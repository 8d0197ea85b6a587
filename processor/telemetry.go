package processor

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/telemetry"
)

// metrics is the collector handed to every device generation together with
// the registry the inspect server exposes on /metrics.
type metrics struct {
	collector telemetry.Collector
	registry  *prometheus.Registry
}

// newRegistry returns a registry carrying the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newMetrics selects the collector for the telemetry section. Prometheus
// metrics land in reg, or in a fresh registry when reg is nil. The registry
// is returned even when the provider is rejected.
func newMetrics(cfg config.TelemetryConfig, reg *prometheus.Registry) (metrics, error) {
	if reg == nil {
		reg = newRegistry()
	}
	m := metrics{collector: telemetry.Noop(), registry: reg}
	if !cfg.Enabled {
		return m, nil
	}
	switch provider := strings.ToLower(strings.TrimSpace(cfg.Provider)); provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(reg)
		if err != nil {
			return m, err
		}
		m.collector = collector
		return m, nil
	default:
		return m, fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
