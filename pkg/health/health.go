// Package health aggregates per-plugin health reports into one system
// view. The aggregator is read-only: it never mutates plugin or lifecycle
// state.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/pkg/lifecycle"
)

// Source is the slice of the lifecycle controller the aggregator reads.
type Source interface {
	Statuses() []lifecycle.PluginStatus
	ActivePlugins() []lifecycle.NamedPlugin
}

// Options configures an Aggregator.
type Options struct {
	Logger *zap.Logger

	// Timeout bounds each plugin's health hook. A plugin exceeding it is
	// reported degraded and never blocks the snapshot.
	Timeout time.Duration

	// MaxConcurrent bounds parallel health hook invocations.
	MaxConcurrent int
}

const (
	defaultTimeout       = 2 * time.Second
	defaultMaxConcurrent = 16
)

// PluginHealth is one plugin's contribution to a snapshot.
type PluginHealth struct {
	Name    string
	State   lifecycle.State
	Report  api.HealthReport
	Err     string
	Latency time.Duration
}

// HostStats is the process/host resource section of a snapshot.
type HostStats struct {
	CPUPercent        float64
	MemoryUsedPercent float64
	Goroutines        int
}

// Snapshot is one aggregated health view.
type Snapshot struct {
	Overall api.HealthStatus
	Plugins map[string]PluginHealth
	Host    HostStats
	TakenAt time.Time
}

// Aggregator samples plugin health on demand.
type Aggregator struct {
	src     Source
	log     *zap.Logger
	timeout time.Duration
	limit   int
}

// New creates an Aggregator over the given source.
func New(src Source, opts Options) *Aggregator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{
		src:     src,
		log:     log.Named("health"),
		timeout: opts.Timeout,
		limit:   opts.MaxConcurrent,
	}
	if a.timeout <= 0 {
		a.timeout = defaultTimeout
	}
	if a.limit <= 0 {
		a.limit = defaultMaxConcurrent
	}
	return a
}

// Snapshot queries every Active plugin's health hook concurrently with a
// bounded per-plugin timeout and rolls the results up: healthy iff all
// Active plugins report healthy, degraded if any report degraded or time
// out, unhealthy if any Active plugin reports unhealthy or any plugin is
// Failed. Plugins in other states are listed with their state and do not
// affect the rollup.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Overall: api.StatusHealthy,
		Plugins: make(map[string]PluginHealth),
		TakenAt: time.Now(),
	}

	active := make(map[string]api.Plugin)
	for _, np := range a.src.ActivePlugins() {
		active[np.Name] = np.Plugin
	}

	type result struct {
		name string
		ph   PluginHealth
	}
	results := make(chan result, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.limit)

	for _, st := range a.src.Statuses() {
		ph := PluginHealth{Name: st.Name, State: st.State}
		switch st.State {
		case lifecycle.Active:
			plugin, ok := active[st.Name]
			if !ok {
				// Transitioned away between the two reads; report the
				// state we saw.
				snap.Plugins[st.Name] = ph
				continue
			}
			g.Go(func() error {
				results <- result{name: ph.Name, ph: a.query(gctx, ph, plugin)}
				return nil
			})
		case lifecycle.Failed:
			if st.Err != nil {
				ph.Err = st.Err.Error()
			}
			ph.Report = api.HealthReport{Status: api.StatusUnhealthy}
			snap.Overall = snap.Overall.Worst(api.StatusUnhealthy)
			snap.Plugins[st.Name] = ph
		default:
			snap.Plugins[st.Name] = ph
		}
	}
	_ = g.Wait()
	close(results)
	for r := range results {
		snap.Plugins[r.name] = r.ph
		snap.Overall = snap.Overall.Worst(r.ph.Report.Status)
	}

	snap.Host = hostStats()
	return snap
}

// query invokes one health hook with the aggregator's timeout. A timeout
// or panic degrades the plugin rather than failing the snapshot.
func (a *Aggregator) query(ctx context.Context, ph PluginHealth, plugin api.Plugin) PluginHealth {
	hctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan api.HealthReport, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- api.HealthReport{
					Status:     api.StatusDegraded,
					Components: map[string]string{"panic": "health hook panicked"},
				}
			}
		}()
		done <- plugin.HealthCheck(hctx)
	}()

	select {
	case report := <-done:
		ph.Report = report
		ph.Latency = time.Since(start)
	case <-hctx.Done():
		ph.Report = api.HealthReport{Status: api.StatusDegraded}
		ph.Err = "health check timed out"
		ph.Latency = time.Since(start)
		a.log.Warn("health check timed out",
			zap.String("plugin", ph.Name),
			zap.Duration("timeout", a.timeout))
	}
	return ph
}

func hostStats() HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedPercent = vm.UsedPercent
	}
	return stats
}
