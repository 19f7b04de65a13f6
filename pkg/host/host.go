// Package host wires the event bus, service registry, lifecycle
// controller and health aggregator into one process-scoped object with an
// explicit start/stop lifecycle. It is the surface consumed by the HTTP
// layer, CLI tooling and configuration loader.
package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/telemetry"
	"github.com/srediag/plugin-host/pkg/audit"
	"github.com/srediag/plugin-host/pkg/bus"
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/manifest"
	"github.com/srediag/plugin-host/pkg/registry"
)

// Options configures a Host. The zero value is usable for tests.
type Options struct {
	Logger *zap.Logger

	// ManifestDir is scanned for *.yaml / *.yml plugin manifests on
	// Start. Empty disables discovery; descriptors are then supplied
	// programmatically through AddPlugin.
	ManifestDir string

	// GrantedPermissions is the set of permission tags the host allows.
	// A nil slice allows every tag; a non-nil slice rejects manifests
	// requesting anything outside it.
	GrantedPermissions []string

	// PoolSize sizes the shared worker pool used for hook invocations
	// and event delivery.
	PoolSize int

	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
	HandlerTimeout  time.Duration
	DrainGrace      time.Duration
	HealthTimeout   time.Duration

	// AuditWriter receives the audit trail. Nil keeps it log-only.
	AuditWriter io.Writer

	// Metrics, when non-nil, gets the host's Prometheus collectors
	// registered on it.
	Metrics prometheus.Registerer
}

const defaultPoolSize = 128

// Host owns the runtime components for one process.
type Host struct {
	log      *zap.Logger
	pool     *ants.Pool
	bus      *bus.Bus
	services *registry.Registry
	ctrl     *lifecycle.Controller
	agg      *health.Aggregator
	trail    *audit.Trail

	manifestDir string

	mu        sync.Mutex
	factories map[string]api.Factory
	paths     map[string]string // plugin name -> manifest path
	granted   []string

	started atomic.Bool
}

// New assembles a Host. Call Start to discover and initialize plugins.
func New(opts Options) (*Host, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	size := opts.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("host: create pool: %w", err)
	}

	b, err := bus.New(bus.Options{
		Logger:         log,
		Pool:           pool,
		HandlerTimeout: opts.HandlerTimeout,
		DrainGrace:     opts.DrainGrace,
	})
	if err != nil {
		pool.Release()
		return nil, err
	}
	services := registry.New(log)
	trail := audit.New(log, opts.AuditWriter)
	ctrl, err := lifecycle.New(lifecycle.Options{
		Logger:          log,
		Bus:             b,
		Services:        services,
		Pool:            pool,
		InitTimeout:     opts.InitTimeout,
		ShutdownTimeout: opts.ShutdownTimeout,
		Listener:        audit.TransitionListener(trail),
	})
	if err != nil {
		pool.Release()
		return nil, err
	}
	if opts.Metrics != nil {
		telemetry.Register(opts.Metrics)
	}

	h := &Host{
		log:         log.Named("host"),
		pool:        pool,
		bus:         b,
		services:    services,
		ctrl:        ctrl,
		agg:         health.New(ctrl, health.Options{Logger: log, Timeout: opts.HealthTimeout}),
		trail:       trail,
		manifestDir: opts.ManifestDir,
		factories:   make(map[string]api.Factory),
		paths:       make(map[string]string),
		granted:     opts.GrantedPermissions,
	}
	return h, nil
}

// RegisterFactory associates a plugin name with its instance factory.
// Must be called before the plugin is loaded.
func (h *Host) RegisterFactory(name string, factory api.Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[name] = factory
}

// AddPlugin registers a descriptor programmatically, without discovery.
// The plugin is not initialized until Start, StartAll or LoadPlugin.
func (h *Host) AddPlugin(desc *manifest.Descriptor) error {
	if err := h.checkPermissions(desc); err != nil {
		return err
	}
	factory, err := h.factory(desc.Name)
	if err != nil {
		return err
	}
	return h.ctrl.Add(desc, factory)
}

// Start discovers manifests (when a manifest directory is configured),
// resolves the dependency graph and initializes every plugin in order.
// Resolver errors surface synchronously; individual init failures are
// reported in the returned error but leave the host running.
func (h *Host) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("host: already started")
	}
	_ = h.trail.LogEvent("host.start", nil)
	if h.manifestDir != "" {
		if err := h.discover(); err != nil {
			return err
		}
	}
	return h.ctrl.StartAll(ctx)
}

// Stop drains every plugin in reverse dependency order and releases the
// runtime.
func (h *Host) Stop(ctx context.Context) error {
	err := h.ctrl.StopAll(ctx)
	h.bus.Close()
	h.ctrl.Close()
	h.pool.Release()
	_ = h.trail.LogEvent("host.stop", nil)
	return err
}

// discover loads every manifest in the manifest directory, sorted by
// filename for determinism, and registers the descriptors.
func (h *Host) discover() error {
	entries, err := os.ReadDir(h.manifestDir)
	if err != nil {
		return fmt.Errorf("host: read manifest dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(h.manifestDir, name)
		desc, err := manifest.Load(path)
		if err != nil {
			return err
		}
		if err := h.checkPermissions(desc); err != nil {
			return err
		}
		factory, err := h.factory(desc.Name)
		if err != nil {
			return err
		}
		if err := h.ctrl.Add(desc, factory); err != nil {
			return err
		}
		h.mu.Lock()
		h.paths[desc.Name] = path
		h.mu.Unlock()
		_ = h.trail.LogEvent("plugin.discovered", map[string]any{
			"plugin": desc.Name, "version": desc.Version, "path": path,
		})
	}
	return nil
}

func (h *Host) factory(name string) (api.Factory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	factory, ok := h.factories[name]
	if !ok {
		return nil, fmt.Errorf("host: no factory registered for plugin %s", name)
	}
	return factory, nil
}

func (h *Host) checkPermissions(desc *manifest.Descriptor) error {
	if h.granted == nil {
		return nil
	}
	allowed := make(map[string]bool, len(h.granted))
	for _, p := range h.granted {
		allowed[p] = true
	}
	for _, p := range desc.Permissions {
		if !allowed[p] {
			return &api.PermissionDeniedError{Plugin: desc.Name, Permission: p}
		}
	}
	return nil
}
