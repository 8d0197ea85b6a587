package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks run
// inline with the executor loop and transport callbacks.
type Collector interface {
	IncHotReload(file string)
	ObserveTick(d time.Duration)
	IncActionFired(action string)
	IncRemoteWrite(setting string)
	IncParseFallback(setting string)
	IncNotification(setting string)
	IncPeerEvent(event string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)       {}
func (noopCollector) ObserveTick(time.Duration) {}
func (noopCollector) IncActionFired(string)     {}
func (noopCollector) IncRemoteWrite(string)     {}
func (noopCollector) IncParseFallback(string)   {}
func (noopCollector) IncNotification(string)    {}
func (noopCollector) IncPeerEvent(string)       {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads     *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	actionsFired   *prometheus.CounterVec
	remoteWrites   *prometheus.CounterVec
	parseFallbacks *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	peerEvents     *prometheus.CounterVec
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics that are already registered are reused, so repeated
// construction against the same registerer is safe.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	p := &PrometheusCollector{}
	if p.hotReloads, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tickset_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, "file"); err != nil {
		return nil, err
	}
	if p.tickDuration, err = registerHistogram(reg, prometheus.HistogramOpts{
		Name:    "tickset_executor_tick_seconds",
		Help:    "Duration of executor iterations.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
	}); err != nil {
		return nil, err
	}
	if p.actionsFired, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tickset_executor_actions_fired_total",
		Help: "Number of repeating actions fired by the executor.",
	}, "action"); err != nil {
		return nil, err
	}
	if p.remoteWrites, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tickset_bridge_remote_writes_total",
		Help: "Number of values written to a setting by a remote peer.",
	}, "setting"); err != nil {
		return nil, err
	}
	if p.parseFallbacks, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tickset_bridge_parse_fallback_total",
		Help: "Number of remote payloads that did not parse cleanly and were coerced.",
	}, "setting"); err != nil {
		return nil, err
	}
	if p.notifications, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tickset_bridge_notifications_total",
		Help: "Number of local changes pushed to subscribed peers.",
	}, "setting"); err != nil {
		return nil, err
	}
	if p.peerEvents, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tickset_bridge_peer_events_total",
		Help: "Number of peer connect and disconnect events.",
	}, "event"); err != nil {
		return nil, err
	}
	return p, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	return register(reg, prometheus.NewCounterVec(opts, labels))
}

func registerHistogram(reg prometheus.Registerer, opts prometheus.HistogramOpts) (prometheus.Histogram, error) {
	return register[prometheus.Histogram](reg, prometheus.NewHistogram(opts))
}

// register adds c to reg, handing back the collector already registered
// under the same descriptor when there is one of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, err
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveTick records the duration of one executor iteration.
func (p *PrometheusCollector) ObserveTick(d time.Duration) {
	if p == nil || p.tickDuration == nil {
		return
	}
	p.tickDuration.Observe(d.Seconds())
}

// IncActionFired counts a repeating action invocation.
func (p *PrometheusCollector) IncActionFired(action string) {
	if p == nil || p.actionsFired == nil {
		return
	}
	p.actionsFired.WithLabelValues(action).Inc()
}

// IncRemoteWrite counts a remote write applied to a setting.
func (p *PrometheusCollector) IncRemoteWrite(setting string) {
	if p == nil || p.remoteWrites == nil {
		return
	}
	p.remoteWrites.WithLabelValues(setting).Inc()
}

// IncParseFallback counts a remote payload that was coerced by the permissive parser.
func (p *PrometheusCollector) IncParseFallback(setting string) {
	if p == nil || p.parseFallbacks == nil {
		return
	}
	p.parseFallbacks.WithLabelValues(setting).Inc()
}

// IncNotification counts a value pushed to peers.
func (p *PrometheusCollector) IncNotification(setting string) {
	if p == nil || p.notifications == nil {
		return
	}
	p.notifications.WithLabelValues(setting).Inc()
}

// IncPeerEvent counts connect and disconnect events.
func (p *PrometheusCollector) IncPeerEvent(event string) {
	if p == nil || p.peerEvents == nil {
		return
	}
	p.peerEvents.WithLabelValues(event).Inc()
}
