// Package registry implements the shared service registry plugins use for
// cross-plugin dependency injection.
package registry

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// DuplicateKeyError is returned when a key is already registered by a
// different, still-active owner.
type DuplicateKeyError struct {
	Key   string
	Owner string // the owner currently holding the key
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("service key %q already registered by plugin %s", e.Key, e.Owner)
}

// NotFoundError is returned by Lookup for an unregistered key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service key %q not registered", e.Key)
}

// Entry is one registered service.
type Entry struct {
	Key      string
	Instance any
	Owner    string
}

// Registry is a keyed store of shared capabilities. Entries live only
// while their owning plugin is active; the lifecycle controller calls
// RevokeAll when an owner begins draining, so the presence of an entry
// implies an active owner. Lookups never block on plugin initialization.
type Registry struct {
	entries cmap.ConcurrentMap[string, Entry]
	log     *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: cmap.New[Entry](),
		log:     log,
	}
}

// Register stores instance under key on behalf of owner. Registering a key
// held by another active owner fails with DuplicateKeyError; re-registering
// one's own key replaces the instance.
func (r *Registry) Register(key string, instance any, owner string) error {
	var conflict string
	r.entries.Upsert(key, Entry{Key: key, Instance: instance, Owner: owner}, func(exists bool, current Entry, next Entry) Entry {
		if exists && current.Owner != owner {
			conflict = current.Owner
			return current
		}
		return next
	})
	if conflict != "" {
		return &DuplicateKeyError{Key: key, Owner: conflict}
	}
	r.log.Debug("service registered", zap.String("key", key), zap.String("owner", owner))
	return nil
}

// Lookup returns the instance registered under key, or NotFoundError. It
// fails immediately for providers that are not yet active; dependency
// ordering is the only availability guarantee.
func (r *Registry) Lookup(key string) (any, error) {
	e, ok := r.entries.Get(key)
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	return e.Instance, nil
}

// Owner returns the plugin owning key, or false if unregistered.
func (r *Registry) Owner(key string) (string, bool) {
	e, ok := r.entries.Get(key)
	if !ok {
		return "", false
	}
	return e.Owner, true
}

// RevokeAll removes every entry owned by the given plugin and returns the
// number removed. Invoked by the lifecycle controller when the owner
// transitions to draining.
func (r *Registry) RevokeAll(owner string) int {
	removed := 0
	for item := range r.entries.IterBuffered() {
		if item.Val.Owner != owner {
			continue
		}
		r.entries.RemoveCb(item.Key, func(key string, e Entry, exists bool) bool {
			if exists && e.Owner == owner {
				removed++
				return true
			}
			return false
		})
	}
	if removed > 0 {
		r.log.Debug("services revoked", zap.String("owner", owner), zap.Int("count", removed))
	}
	return removed
}

// Keys returns the registered keys, unordered.
func (r *Registry) Keys() []string {
	return r.entries.Keys()
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	return r.entries.Count()
}
