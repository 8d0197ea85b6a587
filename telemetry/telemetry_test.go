package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("config.yaml")
	collector.ObserveTick(time.Millisecond)
	collector.IncActionFired("bump")
	collector.IncRemoteWrite("int")
	collector.IncParseFallback("int")
	collector.IncNotification("int")
	collector.IncPeerEvent("connect")
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.yaml")

	metric := findFamily(t, reg, "tickset_config_hot_reload_total")
	requireCounterValue(t, metric, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.yaml")
	requireCounterValue(t, findFamily(t, reg, "tickset_config_hot_reload_total"), 2)
}

func TestPrometheusCollectorBridgeCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncRemoteWrite("int")
	collector.IncRemoteWrite("int")
	collector.IncParseFallback("int")
	collector.IncNotification("string")
	collector.IncPeerEvent("disconnect")
	collector.IncActionFired("bump-int")
	collector.ObserveTick(2 * time.Millisecond)

	requireCounterValue(t, findFamily(t, reg, "tickset_bridge_remote_writes_total"), 2)
	requireCounterValue(t, findFamily(t, reg, "tickset_bridge_parse_fallback_total"), 1)
	requireCounterValue(t, findFamily(t, reg, "tickset_bridge_notifications_total"), 1)
	requireCounterValue(t, findFamily(t, reg, "tickset_bridge_peer_events_total"), 1)
	requireCounterValue(t, findFamily(t, reg, "tickset_executor_actions_fired_total"), 1)

	ticks := findFamily(t, reg, "tickset_executor_tick_seconds")
	require.Len(t, ticks.Metric, 1)
	require.Equal(t, uint64(1), ticks.Metric[0].GetHistogram().GetSampleCount())
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("a.yaml")
	collector.ObserveTick(time.Second)
	collector.IncRemoteWrite("int")
}

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
