// Package adapter bridges the host runtime to external systems: HTTP
// health endpoints and filesystem-driven hot-reload.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/pkg/health"
)

// HealthHandler wraps the aggregator in an HTTP health handler exposing
// /live and /ready probes.
func HealthHandler(agg *health.Aggregator) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(20000))
	h.AddReadinessCheck("plugins", PluginsReadyCheck(agg))
	return h
}

// PluginsReadyCheck fails when the aggregated plugin health is unhealthy,
// naming the offending plugins.
func PluginsReadyCheck(agg *health.Aggregator) healthcheck.Check {
	return func() error {
		snap := agg.Snapshot(context.Background())
		if snap.Overall != api.StatusUnhealthy {
			return nil
		}
		var bad []string
		for name, ph := range snap.Plugins {
			if ph.Report.Status == api.StatusUnhealthy {
				bad = append(bad, name)
			}
		}
		sort.Strings(bad)
		return fmt.Errorf("unhealthy plugins: %s", strings.Join(bad, ", "))
	}
}
