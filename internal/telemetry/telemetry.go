// Package telemetry holds the process-wide instrumentation shared by the
// host runtime packages.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/srediag/plugin-host"

var (
	// EventsPublished counts events accepted by the bus, by topic.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_host_events_published_total",
		Help: "Events published to the event bus.",
	}, []string{"topic"})

	// EventsDelivered counts handler deliveries, by owning plugin.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_host_events_delivered_total",
		Help: "Event deliveries to subscription handlers.",
	}, []string{"owner"})

	// HandlerErrors counts handler errors, panics and timeouts, by owner.
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_host_handler_errors_total",
		Help: "Event handler invocations that returned an error, panicked or timed out.",
	}, []string{"owner"})

	// PluginStates tracks the number of plugins in each lifecycle state.
	PluginStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugin_host_plugin_states",
		Help: "Number of plugins currently in each lifecycle state.",
	}, []string{"state"})

	// Reloads counts completed hot-reload operations, by outcome.
	Reloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_host_reloads_total",
		Help: "Hot-reload operations by outcome.",
	}, []string{"outcome"})

	// InitFailures counts terminal plugin initialization failures.
	InitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plugin_host_init_failures_total",
		Help: "Plugin initialization attempts that ended in Failed.",
	})
)

// Register adds all host collectors to the given registerer. Passing nil
// uses the default prometheus registerer. The collectors are package
// globals, so a second host registering on the same registerer finds them
// already present; that is not an error.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		EventsPublished,
		EventsDelivered,
		HandlerErrors,
		PluginStates,
		Reloads,
		InitFailures,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}

// Meter returns the host meter from the global OTel provider.
func Meter() metric.Meter { return otel.Meter(scope) }

// Tracer returns the host tracer from the global OTel provider.
func Tracer() trace.Tracer { return otel.Tracer(scope) }
