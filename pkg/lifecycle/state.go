// Package lifecycle drives plugins through their state machine in
// dependency order, isolating failures and supporting hot-reload without
// restarting the host.
package lifecycle

import (
	"fmt"
	"time"
)

// State is a plugin's position in the lifecycle state machine. Transitions
// for one plugin are serialized; different plugins transition
// independently.
type State int

const (
	// Discovered: descriptor parsed, dependencies not yet resolved.
	Discovered State = iota
	// Resolved: dependencies known and acyclic; eligible to initialize.
	Resolved
	// Initializing: init hook in flight.
	Initializing
	// Active: init hook succeeded; services and subscriptions live.
	Active
	// Draining: shutdown requested; registrations being revoked.
	Draining
	// Stopped: shutdown complete, instance released.
	Stopped
	// Failed: init hook failed; terminal for this attempt.
	Failed
)

var stateNames = [...]string{
	"Discovered", "Resolved", "Initializing", "Active", "Draining", "Stopped", "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// InitializationFailure records a plugin whose init hook failed. It is
// terminal for that plugin's attempt and never fatal to the host.
type InitializationFailure struct {
	Plugin string
	Err    error
}

func (e *InitializationFailure) Error() string {
	return fmt.Sprintf("plugin %s failed to initialize: %v", e.Plugin, e.Err)
}

func (e *InitializationFailure) Unwrap() error { return e.Err }

// ShutdownTimeoutError records a shutdown hook that exceeded its
// timeout; the plugin was forced to Stopped.
type ShutdownTimeoutError struct {
	Plugin  string
	Timeout time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("plugin %s shutdown exceeded %v, forced to Stopped", e.Plugin, e.Timeout)
}

// DuplicatePluginError reports an Add for a name already registered.
type DuplicatePluginError struct {
	Plugin string
}

func (e *DuplicatePluginError) Error() string {
	return fmt.Sprintf("plugin %s already registered", e.Plugin)
}

// UnknownPluginError reports an operation on a name the controller does
// not know.
type UnknownPluginError struct {
	Plugin string
}

func (e *UnknownPluginError) Error() string {
	return fmt.Sprintf("unknown plugin %s", e.Plugin)
}

// TransitionListener observes committed state transitions, for audit
// trails and metrics. Listeners must be fast and must not call back into
// the controller.
type TransitionListener func(plugin string, from, to State, err error)
