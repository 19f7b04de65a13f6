// Package api defines public API contracts for plugin-host.
package api

import "fmt"

// PermissionDeniedError is returned when a plugin manifest requests a
// permission tag the host has not granted.
type PermissionDeniedError struct {
	Plugin     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("plugin %s requests ungranted permission %q", e.Plugin, e.Permission)
}
