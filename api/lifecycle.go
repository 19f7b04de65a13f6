// Package api defines public API contracts for plugin-host.
package api

import "context"

// Admin is the lifecycle surface exposed to CLI and admin tooling.
type Admin interface {
	LoadPlugin(ctx context.Context, name string) error
	UnloadPlugin(ctx context.Context, name string) error
	ReloadPlugin(ctx context.Context, name string) error
}

// Factory constructs a fresh plugin instance. It is invoked once per
// load or reload; the returned instance must not be shared.
type Factory func() (Plugin, error)
