// Package api defines the public contracts between the plugin host and
// plugin implementations.
package api

import (
	"context"
	"time"
)

// Plugin is the capability set every hosted plugin implements. The host
// invokes the hooks; a plugin never calls them on itself.
type Plugin interface {
	// Initialize brings the plugin to its running state. It may register
	// services and event subscriptions through the supplied HostContext as
	// a side effect. A non-nil error is terminal for this attempt; the
	// host performs no automatic retry.
	Initialize(ctx context.Context, host HostContext) error

	// Shutdown releases plugin-owned resources beyond what the host
	// auto-revokes (subscriptions and service entries are already gone
	// when Shutdown is invoked).
	Shutdown(ctx context.Context) error

	// HealthCheck reports the plugin's current health. It must be
	// read-only and safe to call concurrently with normal operation.
	HealthCheck(ctx context.Context) HealthReport

	// Dependencies returns the names of plugins that must be active
	// before this plugin initializes. Usually mirrors the manifest.
	Dependencies() []string
}

// HostContext is the plugin-facing view of the host, scoped to the owning
// plugin. All registrations made through it are revoked automatically when
// the plugin leaves the active state.
type HostContext interface {
	// PluginName returns the name the host knows this plugin by.
	PluginName() string

	// Config returns the validated configuration object supplied by the
	// configuration loader before Initialize was invoked.
	Config() map[string]any

	// Services exposes the shared service registry, with registrations
	// attributed to this plugin.
	Services() ServiceRegistry

	// Events exposes the event bus, with publishes and subscriptions
	// attributed to this plugin.
	Events() EventBus
}

// ServiceRegistry is the plugin-facing slice of the host service registry.
type ServiceRegistry interface {
	Register(key string, instance any) error
	Lookup(key string) (any, error)
}

// EventBus is the plugin-facing slice of the host event bus.
type EventBus interface {
	Publish(topic string, payload any) error
	Subscribe(pattern string, handler Handler) (Subscription, error)
}

// Event is an immutable value delivered to matching subscriptions.
type Event struct {
	ID        string
	Topic     string
	Payload   any
	Source    string
	Timestamp time.Time
}

// Handler consumes a single event. The context is cancelled when the
// delivery times out or the owning plugin begins draining.
type Handler func(ctx context.Context, ev Event) error

// Subscription is the handle returned by Subscribe. Unsubscribe is
// synchronous: once it returns, the handler receives no further events.
type Subscription interface {
	Pattern() string
	Owner() string
	Unsubscribe()
}
