package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncAdmitted("validator-a")
	collector.IncDropped("validator-a", "queue_overflow")
	collector.SetQueueDepth("validator-a", 3)
}

func TestPrometheusCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncAdmitted("validator-a")
	collector.IncAdmitted("validator-a")
	collector.IncDropped("validator-a", "retries_exhausted")
	collector.SetInFlightStreams("validator-a", 4)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	admitted, ok := byName["lite_txn_sender_admitted_total"]
	require.True(t, ok)
	require.Len(t, admitted.Metric, 1)
	require.Equal(t, 2.0, admitted.Metric[0].Counter.GetValue())

	dropped, ok := byName["lite_txn_sender_dropped_total"]
	require.True(t, ok)
	require.Len(t, dropped.Metric, 1)
	require.Equal(t, 1.0, dropped.Metric[0].Counter.GetValue())
	var reason string
	for _, lp := range dropped.Metric[0].Label {
		if lp.GetName() == "reason" {
			reason = lp.GetValue()
		}
	}
	require.Equal(t, "retries_exhausted", reason)

	inFlight, ok := byName["lite_txn_sender_in_flight_streams"]
	require.True(t, ok)
	require.Equal(t, 4.0, inFlight.Metric[0].Gauge.GetValue())
}

func TestPrometheusCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.admitted, again.admitted)
	require.Same(t, first.queueDepth, again.queueDepth)

	first.IncAdmitted("v")
	again.IncAdmitted("v")

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "lite_txn_sender_admitted_total" {
			require.Equal(t, 2.0, mf.Metric[0].Counter.GetValue())
		}
	}
}
