package host

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/pkg/bus"
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/manifest"
	"github.com/srediag/plugin-host/pkg/registry"
)

var _ api.Admin = (*Host)(nil)

// LoadPlugin reads the plugin's manifest from the manifest directory and
// initializes it. Its dependencies must already be active.
func (h *Host) LoadPlugin(ctx context.Context, name string) error {
	path := h.manifestPath(name)
	if path == "" {
		return fmt.Errorf("host: no manifest directory configured, use AddPlugin for %s", name)
	}
	desc, err := manifest.Load(path)
	if err != nil {
		return err
	}
	if desc.Name != name {
		return fmt.Errorf("host: manifest %s declares plugin %s, expected %s", path, desc.Name, name)
	}
	if err := h.checkPermissions(desc); err != nil {
		return err
	}
	factory, err := h.factory(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.paths[name] = path
	h.mu.Unlock()
	_ = h.trail.LogEvent("plugin.load", map[string]any{"plugin": name})
	return h.ctrl.Load(ctx, desc, factory)
}

// UnloadPlugin drains the plugin and its dependents and removes it.
func (h *Host) UnloadPlugin(ctx context.Context, name string) error {
	_ = h.trail.LogEvent("plugin.unload", map[string]any{"plugin": name})
	return h.ctrl.Unload(ctx, name)
}

// ReloadPlugin hot-reloads the plugin, re-reading its manifest when the
// host discovered it from disk.
func (h *Host) ReloadPlugin(ctx context.Context, name string) error {
	var source lifecycle.DescriptorSource
	if path := h.manifestPath(name); path != "" {
		source = func() (*manifest.Descriptor, error) {
			desc, err := manifest.Load(path)
			if err != nil {
				return nil, err
			}
			if err := h.checkPermissions(desc); err != nil {
				return nil, err
			}
			return desc, nil
		}
	}
	_ = h.trail.LogEvent("plugin.reload", map[string]any{"plugin": name})
	return h.ctrl.Reload(ctx, name, source)
}

func (h *Host) manifestPath(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if path, ok := h.paths[name]; ok {
		return path
	}
	if h.manifestDir == "" {
		return ""
	}
	return filepath.Join(h.manifestDir, name+".yaml")
}

// ListPlugins returns the status of every known plugin, sorted by name.
// This is the view the HTTP layer renders.
func (h *Host) ListPlugins() []lifecycle.PluginStatus {
	return h.ctrl.Statuses()
}

// PluginInfo returns the status of one plugin.
func (h *Host) PluginInfo(name string) (lifecycle.PluginStatus, error) {
	return h.ctrl.Status(name)
}

// Snapshot returns the aggregated health view.
func (h *Host) Snapshot(ctx context.Context) health.Snapshot {
	return h.agg.Snapshot(ctx)
}

// Events returns the process event bus, for collaborators outside the
// plugin set (admin tooling, tests).
func (h *Host) Events() *bus.Bus { return h.bus }

// Services returns the shared service registry.
func (h *Host) Services() *registry.Registry { return h.services }

// Controller returns the lifecycle controller.
func (h *Host) Controller() *lifecycle.Controller { return h.ctrl }

// Health returns the health aggregator.
func (h *Host) Health() *health.Aggregator { return h.agg }
