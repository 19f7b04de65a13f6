package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/telemetry"
	"github.com/srediag/plugin-host/pkg/bus"
	"github.com/srediag/plugin-host/pkg/manifest"
	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/resolver"
)

// Options configures a Controller.
type Options struct {
	Logger   *zap.Logger
	Bus      *bus.Bus
	Services *registry.Registry

	// Pool runs hook invocations. When nil the controller owns a private
	// pool of PoolSize workers.
	Pool     *ants.Pool
	PoolSize int

	InitTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Listener observes committed transitions. Optional.
	Listener TransitionListener

	Tracer trace.Tracer
}

const (
	defaultPoolSize        = 32
	defaultInitTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// record is the controller's per-plugin bookkeeping. transMu serializes
// the plugin's transitions, including across its hook invocations, so no
// plugin ever observes two concurrent transitions. fieldMu guards the
// mutable fields for readers and is never held across a hook, keeping
// status and health views responsive while a hook is in flight.
type record struct {
	transMu sync.Mutex

	fieldMu sync.Mutex
	desc    *manifest.Descriptor
	factory api.Factory
	plugin  api.Plugin // non-nil from Initializing until Stopped/Failed teardown
	state   State
	err     error // terminal error when Failed, last drain error otherwise
}

func (r *record) getState() State {
	r.fieldMu.Lock()
	defer r.fieldMu.Unlock()
	return r.state
}

// Controller owns every PluginInstance from discovery to teardown.
type Controller struct {
	log      *zap.Logger
	bus      *bus.Bus
	services *registry.Registry
	pool     *ants.Pool
	ownsPool bool
	tracer   trace.Tracer
	listener TransitionListener

	initTimeout     time.Duration
	shutdownTimeout time.Duration

	// mu guards the plugin map, graph and order. Held only for map and
	// graph mutations, never across a hook invocation.
	mu         sync.RWMutex
	plugins    map[string]*record
	graph      *resolver.Graph
	order      []string
	resolveErr error
}

// New creates a Controller. Bus and Services are required.
func New(opts Options) (*Controller, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		log:             log.Named("lifecycle"),
		bus:             opts.Bus,
		services:        opts.Services,
		tracer:          opts.Tracer,
		listener:        opts.Listener,
		initTimeout:     opts.InitTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
		plugins:         make(map[string]*record),
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer()
	}
	if c.initTimeout <= 0 {
		c.initTimeout = defaultInitTimeout
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = defaultShutdownTimeout
	}
	if opts.Pool != nil {
		c.pool = opts.Pool
	} else {
		size := opts.PoolSize
		if size <= 0 {
			size = defaultPoolSize
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return nil, err
		}
		c.pool = pool
		c.ownsPool = true
	}
	return c, nil
}

// Close releases controller-owned resources. Plugins should be drained
// with StopAll first.
func (c *Controller) Close() {
	if c.ownsPool {
		c.pool.Release()
	}
}

// Add registers a descriptor and its factory, then re-resolves the
// dependency graph. Resolver errors (cycle, unresolved dependency) are
// returned synchronously; the plugin then stays Discovered and the
// previous graph remains in force.
func (c *Controller) Add(desc *manifest.Descriptor, factory api.Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.plugins[desc.Name]; exists {
		return &DuplicatePluginError{Plugin: desc.Name}
	}
	rec := &record{desc: desc, factory: factory, state: Discovered}
	c.plugins[desc.Name] = rec
	telemetry.PluginStates.WithLabelValues(Discovered.String()).Inc()
	return c.resolveLocked()
}

// Remove drops a plugin that is not running (Discovered, Resolved,
// Stopped or Failed) and re-resolves. Used to back out a descriptor that
// introduced a cycle or unresolved dependency. Running plugins must be
// unloaded instead.
func (c *Controller) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.plugins[name]
	if !ok {
		return &UnknownPluginError{Plugin: name}
	}
	switch st := rec.getState(); st {
	case Discovered, Resolved, Stopped, Failed:
		telemetry.PluginStates.WithLabelValues(st.String()).Dec()
		delete(c.plugins, name)
	default:
		return fmt.Errorf("plugin %s is %s, unload it instead", name, st)
	}
	if err := c.resolveLocked(); err != nil {
		c.log.Warn("descriptor set unresolved after remove",
			zap.String("plugin", name), zap.Error(err))
	}
	return nil
}

// resolveLocked rebuilds the graph from the current descriptor set and
// promotes Discovered plugins to Resolved. Caller holds c.mu.
func (c *Controller) resolveLocked() error {
	set := make(map[string]*manifest.Descriptor, len(c.plugins))
	for name, rec := range c.plugins {
		set[name] = rec.desc
	}
	graph, err := resolver.New(set)
	if err != nil {
		c.resolveErr = err
		return err
	}
	order, err := graph.Order()
	if err != nil {
		c.resolveErr = err
		return err
	}
	c.graph = graph
	c.order = order
	c.resolveErr = nil
	for _, rec := range c.plugins {
		if rec.getState() == Discovered {
			c.transition(rec, Resolved, nil)
		}
	}
	return nil
}

// transition commits a state change. Caller holds rec.transMu (or, during
// resolve, the plugin is not transitioning anywhere else).
func (c *Controller) transition(rec *record, to State, err error) {
	rec.fieldMu.Lock()
	from := rec.state
	rec.state = to
	rec.err = err
	name := rec.desc.Name
	rec.fieldMu.Unlock()
	telemetry.PluginStates.WithLabelValues(from.String()).Dec()
	telemetry.PluginStates.WithLabelValues(to.String()).Inc()
	c.log.Info("plugin state change",
		zap.String("plugin", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Error(err))
	if c.listener != nil {
		c.listener(name, from, to, err)
	}
}

func (c *Controller) record(name string) (*record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.plugins[name]
	return rec, ok
}

// Order returns the current resolved initialization order.
func (c *Controller) Order() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// ResolveError returns the error from the last graph rebuild, if any.
func (c *Controller) ResolveError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveErr
}

// StateOf returns the lifecycle state of a plugin.
func (c *Controller) StateOf(name string) (State, error) {
	rec, ok := c.record(name)
	if !ok {
		return 0, &UnknownPluginError{Plugin: name}
	}
	return rec.getState(), nil
}

// PluginStatus is the outward-facing description of one plugin, consumed
// by status views and admin tooling.
type PluginStatus struct {
	Name        string
	Version     string
	Revision    int
	State       State
	Err         error
	Requires    []string
	Permissions []string
}

// Statuses lists every known plugin, sorted by name.
func (c *Controller) Statuses() []PluginStatus {
	c.mu.RLock()
	recs := make([]*record, 0, len(c.plugins))
	for _, rec := range c.plugins {
		recs = append(recs, rec)
	}
	c.mu.RUnlock()

	out := make([]PluginStatus, 0, len(recs))
	for _, rec := range recs {
		rec.fieldMu.Lock()
		out = append(out, PluginStatus{
			Name:        rec.desc.Name,
			Version:     rec.desc.Version,
			Revision:    rec.desc.Revision,
			State:       rec.state,
			Err:         rec.err,
			Requires:    append([]string(nil), rec.desc.Requires...),
			Permissions: append([]string(nil), rec.desc.Permissions...),
		})
		rec.fieldMu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns the status of one plugin.
func (c *Controller) Status(name string) (PluginStatus, error) {
	rec, ok := c.record(name)
	if !ok {
		return PluginStatus{}, &UnknownPluginError{Plugin: name}
	}
	rec.fieldMu.Lock()
	defer rec.fieldMu.Unlock()
	return PluginStatus{
		Name:        rec.desc.Name,
		Version:     rec.desc.Version,
		Revision:    rec.desc.Revision,
		State:       rec.state,
		Err:         rec.err,
		Requires:    append([]string(nil), rec.desc.Requires...),
		Permissions: append([]string(nil), rec.desc.Permissions...),
	}, nil
}

// NamedPlugin pairs a plugin name with its live instance.
type NamedPlugin struct {
	Name   string
	Plugin api.Plugin
}

// ActivePlugins returns the live instances of every Active plugin, sorted
// by name. Used by the health aggregator; callers must only invoke
// read-only hooks on the instances.
func (c *Controller) ActivePlugins() []NamedPlugin {
	c.mu.RLock()
	recs := make([]*record, 0, len(c.plugins))
	for _, rec := range c.plugins {
		recs = append(recs, rec)
	}
	c.mu.RUnlock()

	var out []NamedPlugin
	for _, rec := range recs {
		rec.fieldMu.Lock()
		if rec.state == Active && rec.plugin != nil {
			out = append(out, NamedPlugin{Name: rec.desc.Name, Plugin: rec.plugin})
		}
		rec.fieldMu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// depsActive reports whether every dependency of name is Active. A
// plugin absent from the current graph (never resolved, or left behind
// by a failed Add) has no satisfiable dependencies.
func (c *Controller) depsActive(name string) bool {
	c.mu.RLock()
	graph := c.graph
	c.mu.RUnlock()
	if graph == nil || !graph.Contains(name) {
		return false
	}
	deps := graph.Requires(name)
	for _, dep := range deps {
		rec, ok := c.record(dep)
		if !ok || rec.getState() != Active {
			return false
		}
	}
	return true
}
