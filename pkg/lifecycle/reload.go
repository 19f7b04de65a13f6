package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/telemetry"
	"github.com/srediag/plugin-host/pkg/manifest"
)

// DescriptorSource supplies a fresh descriptor during a hot-reload,
// typically by re-reading the plugin's manifest.
type DescriptorSource func() (*manifest.Descriptor, error)

// Load registers a plugin and initializes it immediately. Its
// dependencies must already be Active.
func (c *Controller) Load(ctx context.Context, desc *manifest.Descriptor, factory api.Factory) error {
	if err := c.Add(desc, factory); err != nil {
		return err
	}
	return c.StartPlugin(ctx, desc.Name)
}

// Unload drains a plugin together with its transitive dependents and
// removes it from the controller. Dependents stay loaded but Stopped;
// they cannot restart until the missing dependency is loaded again.
func (c *Controller) Unload(ctx context.Context, name string) error {
	c.mu.RLock()
	graph := c.graph
	c.mu.RUnlock()
	if graph == nil || !graph.Contains(name) {
		return &UnknownPluginError{Plugin: name}
	}
	plan, err := graph.PlanReload(name)
	if err != nil {
		return err
	}
	if err := c.drainSet(ctx, plan.DrainOrder); err != nil {
		c.log.Warn("unload drain reported errors", zap.String("plugin", name), zap.Error(err))
	}

	c.mu.Lock()
	if rec, ok := c.plugins[name]; ok {
		telemetry.PluginStates.WithLabelValues(rec.getState().String()).Dec()
		delete(c.plugins, name)
	}
	if err := c.resolveLocked(); err != nil {
		// Dependents now reference a missing plugin; they stay Stopped
		// and the resolve error is surfaced through ResolveError.
		c.log.Warn("descriptor set unresolved after unload",
			zap.String("plugin", name), zap.Error(err))
	}
	c.mu.Unlock()
	return nil
}

// Reload hot-swaps one plugin: its transitive dependents are drained
// deepest-first, the plugin is drained, its descriptor re-read from
// source, and the whole subtree re-initialized in forward dependency
// order. A nil source keeps the existing descriptor (bumping its
// revision). If the target fails to re-initialize, its dependents are
// left at Resolved and the failure is returned; unrelated plugins are
// never touched.
func (c *Controller) Reload(ctx context.Context, name string, source DescriptorSource) error {
	c.mu.RLock()
	graph := c.graph
	c.mu.RUnlock()
	if graph == nil || !graph.Contains(name) {
		return &UnknownPluginError{Plugin: name}
	}
	plan, err := graph.PlanReload(name)
	if err != nil {
		return err
	}
	rec, ok := c.record(name)
	if !ok {
		return &UnknownPluginError{Plugin: name}
	}

	c.log.Info("hot-reload starting",
		zap.String("plugin", name),
		zap.Strings("drain_order", plan.DrainOrder))
	if err := c.drainSet(ctx, plan.DrainOrder); err != nil {
		c.log.Warn("reload drain reported errors", zap.String("plugin", name), zap.Error(err))
	}

	rec.fieldMu.Lock()
	old := rec.desc
	rec.fieldMu.Unlock()

	next := old
	if source != nil {
		fresh, err := source()
		if err != nil {
			telemetry.Reloads.WithLabelValues("failure").Inc()
			return fmt.Errorf("reload %s: descriptor: %w", name, err)
		}
		if fresh.Name != name {
			telemetry.Reloads.WithLabelValues("failure").Inc()
			return fmt.Errorf("reload %s: manifest renames plugin to %s", name, fresh.Name)
		}
		next = fresh
	}
	next = next.WithRevision(old.Revision + 1)

	c.mu.Lock()
	rec.fieldMu.Lock()
	rec.desc = next
	rec.fieldMu.Unlock()
	err = c.resolveLocked()
	c.mu.Unlock()
	if err != nil {
		telemetry.Reloads.WithLabelValues("failure").Inc()
		return fmt.Errorf("reload %s: %w", name, err)
	}

	// Drained subtree members are Stopped; make them eligible again.
	for _, n := range plan.RestartOrder {
		r, ok := c.record(n)
		if !ok {
			continue
		}
		r.transMu.Lock()
		if r.getState() == Stopped {
			c.transition(r, Resolved, nil)
		}
		r.transMu.Unlock()
	}

	if err := c.startSet(ctx, plan.RestartOrder); err != nil {
		telemetry.Reloads.WithLabelValues("failure").Inc()
		return err
	}
	telemetry.Reloads.WithLabelValues("success").Inc()
	c.log.Info("hot-reload complete", zap.String("plugin", name),
		zap.Int("revision", next.Revision))
	return nil
}
