package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterExposesHostCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	EventsPublished.WithLabelValues("task.created").Inc()
	PluginStates.WithLabelValues("Active").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	require.Contains(t, byName, "plugin_host_events_published_total")
	require.Contains(t, byName, "plugin_host_plugin_states")

	states := byName["plugin_host_plugin_states"]
	require.Len(t, states.GetMetric(), 1)
	m := states.GetMetric()[0]
	assert.Equal(t, 3.0, m.GetGauge().GetValue())
	require.Len(t, m.GetLabel(), 1)
	assert.Equal(t, "state", m.GetLabel()[0].GetName())
	assert.Equal(t, "Active", m.GetLabel()[0].GetValue())
}

func TestRegisterTwiceOnSameRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	// A second host sharing the registerer finds the collectors already
	// present; registration must be idempotent, not a panic.
	assert.NotPanics(t, func() { Register(reg) })

	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestMeterAndTracerAreNamed(t *testing.T) {
	assert.NotNil(t, Meter())
	assert.NotNil(t, Tracer())
}
