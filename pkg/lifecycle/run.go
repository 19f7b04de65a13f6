package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/telemetry"
	"github.com/srediag/plugin-host/pkg/registry"
)

// StartAll initializes every Resolved plugin. Independent plugins
// initialize concurrently; dependency chains run strictly in order. Init
// failures are isolated: the failed plugin becomes Failed, its transitive
// dependents stay Resolved, and the joined failures are returned for
// reporting without being fatal to the host.
func (c *Controller) StartAll(ctx context.Context) error {
	c.mu.RLock()
	names := append([]string(nil), c.order...)
	c.mu.RUnlock()
	return c.startSet(ctx, names)
}

// StartPlugin initializes a single plugin. Its dependencies must already
// be Active; otherwise the plugin stays Resolved and an error is returned.
func (c *Controller) StartPlugin(ctx context.Context, name string) error {
	if _, ok := c.record(name); !ok {
		return &UnknownPluginError{Plugin: name}
	}
	return c.startSet(ctx, []string{name})
}

// StopAll drains every plugin, dependents before their dependencies.
func (c *Controller) StopAll(ctx context.Context) error {
	c.mu.RLock()
	names := make([]string, len(c.order))
	for i, n := range c.order {
		names[len(c.order)-1-i] = n
	}
	c.mu.RUnlock()
	return c.drainSet(ctx, names)
}

// StopPlugin drains one plugin and its transitive dependents, deepest
// dependents first.
func (c *Controller) StopPlugin(ctx context.Context, name string) error {
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
	return c.drainSet(ctx, plan.DrainOrder)
}

// startSet initializes the named plugins concurrently while honoring
// dependency edges: each plugin waits for the in-set attempts of its
// dependencies to settle, then proceeds only if every dependency is
// Active.
func (c *Controller) startSet(ctx context.Context, names []string) error {
	settled := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		settled[name] = make(chan struct{})
	}

	var (
		wg   sync.WaitGroup
		errM sync.Mutex
		errs []error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer close(settled[name])

			c.mu.RLock()
			var deps []string
			if c.graph != nil && c.graph.Contains(name) {
				deps = c.graph.Requires(name)
			}
			c.mu.RUnlock()
			for _, dep := range deps {
				if ch, ok := settled[dep]; ok {
					select {
					case <-ch:
					case <-ctx.Done():
						return
					}
				}
			}
			if ctx.Err() != nil {
				return
			}
			if !c.depsActive(name) {
				// A dependency failed, never started, or the plugin never
				// made it into a resolved graph.
				c.log.Warn("plugin held back, dependency not active",
					zap.String("plugin", name))
				errM.Lock()
				errs = append(errs, fmt.Errorf("plugin %s held back: dependency not active", name))
				errM.Unlock()
				return
			}
			if err := c.initOne(ctx, name); err != nil {
				errM.Lock()
				errs = append(errs, err)
				errM.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// drainSet drains the named plugins concurrently while honoring reverse
// dependency edges: each plugin waits for the in-set drains of its
// dependents to settle first.
func (c *Controller) drainSet(ctx context.Context, names []string) error {
	settled := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		settled[name] = make(chan struct{})
	}

	var (
		wg   sync.WaitGroup
		errM sync.Mutex
		errs []error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer close(settled[name])

			c.mu.RLock()
			var dependents []string
			if c.graph != nil && c.graph.Contains(name) {
				dependents = c.graph.Dependents(name)
			}
			c.mu.RUnlock()
			for _, dep := range dependents {
				if ch, ok := settled[dep]; ok {
					<-ch
				}
			}
			if err := c.drainOne(ctx, name); err != nil {
				errM.Lock()
				errs = append(errs, err)
				errM.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// initOne drives one plugin Resolved → Initializing → Active|Failed.
// transMu is held for the whole attempt, which both serializes transitions
// and guarantees at most one concurrent Initialize per plugin name. No
// controller-wide lock is held while the hook runs.
func (c *Controller) initOne(ctx context.Context, name string) error {
	rec, ok := c.record(name)
	if !ok {
		return &UnknownPluginError{Plugin: name}
	}
	rec.transMu.Lock()
	defer rec.transMu.Unlock()

	rec.fieldMu.Lock()
	state := rec.state
	desc := rec.desc
	factory := rec.factory
	plugin := rec.plugin
	rec.fieldMu.Unlock()
	switch state {
	case Resolved:
	case Active:
		return nil
	default:
		return fmt.Errorf("plugin %s is %s, cannot initialize", name, state)
	}

	if plugin == nil {
		p, err := factory()
		if err != nil {
			failure := &InitializationFailure{Plugin: name, Err: err}
			c.transition(rec, Failed, failure)
			telemetry.InitFailures.Inc()
			return failure
		}
		plugin = p
	}
	rec.fieldMu.Lock()
	rec.plugin = plugin
	rec.fieldMu.Unlock()
	c.transition(rec, Initializing, nil)

	hctx := &hostContext{
		name:     name,
		config:   desc.Config,
		services: c.services,
		events:   c.bus.View(name),
	}
	sctx, span := c.tracer.Start(ctx, "plugin.initialize")
	span.SetAttributes(attribute.String("plugin", name))
	err := c.runHook(sctx, c.initTimeout, func(hookCtx context.Context) error {
		return plugin.Initialize(hookCtx, hctx)
	})
	span.End()
	if err != nil {
		failure := &InitializationFailure{Plugin: name, Err: err}
		c.transition(rec, Failed, failure)
		telemetry.InitFailures.Inc()
		// Partial registrations from the failed attempt must not leak.
		c.bus.RemoveOwner(name)
		c.services.RevokeAll(name)
		rec.fieldMu.Lock()
		rec.plugin = nil
		rec.fieldMu.Unlock()
		return failure
	}
	c.transition(rec, Active, nil)
	return nil
}

// drainOne drives one plugin Active|Failed → Draining → Stopped.
// Registrations are revoked before the shutdown hook runs, so a draining
// plugin can no longer be looked up or receive events mid-teardown.
func (c *Controller) drainOne(ctx context.Context, name string) error {
	rec, ok := c.record(name)
	if !ok {
		return &UnknownPluginError{Plugin: name}
	}
	rec.transMu.Lock()
	defer rec.transMu.Unlock()

	rec.fieldMu.Lock()
	state := rec.state
	plugin := rec.plugin
	rec.fieldMu.Unlock()
	switch state {
	case Active:
	case Failed:
		// Nothing live to shut down; registrations were revoked when the
		// init attempt failed.
		c.transition(rec, Stopped, nil)
		return nil
	default:
		return nil
	}

	c.transition(rec, Draining, nil)
	c.bus.RemoveOwner(name)
	c.services.RevokeAll(name)

	var drainErr error
	if plugin != nil {
		sctx, span := c.tracer.Start(ctx, "plugin.shutdown")
		span.SetAttributes(attribute.String("plugin", name))
		err := c.runHook(sctx, c.shutdownTimeout, plugin.Shutdown)
		span.End()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			drainErr = &ShutdownTimeoutError{Plugin: name, Timeout: c.shutdownTimeout}
			c.log.Error("shutdown hook timed out, forcing Stopped",
				zap.String("plugin", name), zap.Error(drainErr))
		case err != nil:
			drainErr = fmt.Errorf("plugin %s shutdown: %w", name, err)
			c.log.Error("shutdown hook failed",
				zap.String("plugin", name), zap.Error(err))
		}
	}
	rec.fieldMu.Lock()
	rec.plugin = nil
	rec.fieldMu.Unlock()
	c.transition(rec, Stopped, drainErr)
	return drainErr
}

// runHook executes fn on the worker pool with a bounded timeout, turning
// panics into errors. The hook's context is cancelled on timeout, and a
// hook that ignores cancellation still cannot block the controller past
// the deadline.
func (c *Controller) runHook(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panic: %v", r)
			}
		}()
		done <- fn(hctx)
	}
	if err := c.pool.Submit(task); err != nil {
		// Pool saturated or released; the hook still has to run.
		go task()
	}
	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return hctx.Err()
	}
}

// hostContext is the owner-scoped api.HostContext handed to Initialize.
type hostContext struct {
	name     string
	config   map[string]any
	services *registry.Registry
	events   api.EventBus
}

func (h *hostContext) PluginName() string { return h.name }
func (h *hostContext) Config() map[string]any { return h.config }
func (h *hostContext) Events() api.EventBus { return h.events }

func (h *hostContext) Services() api.ServiceRegistry {
	return &ownerServices{name: h.name, services: h.services}
}

type ownerServices struct {
	name     string
	services *registry.Registry
}

func (o *ownerServices) Register(key string, instance any) error {
	return o.services.Register(key, instance, o.name)
}

func (o *ownerServices) Lookup(key string) (any, error) {
	return o.services.Lookup(key)
}
