// Package bus implements the asynchronous publish/subscribe channel
// plugins use to communicate without direct references to each other.
//
// Topics are dot-delimited strings. A subscription pattern matches either
// one exact topic or, with a trailing "*" segment, any strict suffix of a
// topic prefix ("task.*" matches "task.created" but not "task"). Delivery
// is at-least-once to every subscription existing at publish time, ordered
// per topic and publisher, and isolated: a faulty handler never interrupts
// delivery to other subscribers or the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/telemetry"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus: closed")

// HandlerTimeoutError reports a handler that did not return within the
// delivery timeout. The delivery is counted as attempted; the handler's
// context is cancelled.
type HandlerTimeoutError struct {
	Owner   string
	Pattern string
	Topic   string
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler of plugin %s (pattern %q) exceeded %v on topic %s",
		e.Owner, e.Pattern, e.Timeout, e.Topic)
}

// Options configures a Bus. Zero values pick reasonable defaults.
type Options struct {
	Logger *zap.Logger

	// Pool is the worker pool delivery tasks are scheduled on. When nil
	// the bus owns a private pool of PoolSize workers.
	Pool     *ants.Pool
	PoolSize int

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration

	// DrainGrace is how long in-flight handlers of a draining plugin may
	// keep running before their contexts are cancelled.
	DrainGrace time.Duration
}

const (
	defaultPoolSize       = 64
	defaultHandlerTimeout = 5 * time.Second
	defaultDrainGrace     = 2 * time.Second
)

// Bus is the process-wide event bus. Create with New, release with Close.
type Bus struct {
	log            *zap.Logger
	pool           *ants.Pool
	ownsPool       bool
	handlerTimeout time.Duration
	drainGrace     time.Duration

	subs   cmap.ConcurrentMap[string, *subscription]
	closed atomic.Bool
}

// New creates a Bus ready for use.
func New(opts Options) (*Bus, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		log:            log.Named("bus"),
		handlerTimeout: opts.HandlerTimeout,
		drainGrace:     opts.DrainGrace,
		subs:           cmap.New[*subscription](),
	}
	if b.handlerTimeout <= 0 {
		b.handlerTimeout = defaultHandlerTimeout
	}
	if b.drainGrace <= 0 {
		b.drainGrace = defaultDrainGrace
	}
	if opts.Pool != nil {
		b.pool = opts.Pool
	} else {
		size := opts.PoolSize
		if size <= 0 {
			size = defaultPoolSize
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return nil, fmt.Errorf("bus: create pool: %w", err)
		}
		b.pool = pool
		b.ownsPool = true
	}
	return b, nil
}

// Close stops the bus. Pending queue contents are dropped; subscriptions
// are cancelled.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for item := range b.subs.IterBuffered() {
		item.Val.close(0)
	}
	if b.ownsPool {
		b.pool.Release()
	}
}

// MatchTopic reports whether pattern matches topic. A pattern without a
// wildcard matches only the exact topic; a trailing "*" segment matches
// any suffix below the prefix.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return topic != ""
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".") && len(topic) > len(prefix)+1
	}
	return pattern == topic
}

// Publish delivers ev to every subscription whose pattern matches its
// topic. Missing ID and Timestamp fields are filled in. Publish returns
// once the event is enqueued on every matching subscription; handlers run
// asynchronously on the worker pool.
func (b *Bus) Publish(ev api.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if ev.Topic == "" || strings.Contains(ev.Topic, "*") {
		return fmt.Errorf("bus: invalid topic %q", ev.Topic)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	// Snapshot semantics: subscriptions added after this point do not
	// observe ev.
	for item := range b.subs.IterBuffered() {
		s := item.Val
		if MatchTopic(s.pattern, ev.Topic) {
			s.enqueue(ev)
		}
	}
	telemetry.EventsPublished.WithLabelValues(ev.Topic).Inc()
	return nil
}

// Subscribe registers handler for every future event matching pattern,
// attributed to the owning plugin.
func (b *Bus) Subscribe(pattern string, handler api.Handler, owner string) (api.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	if err := checkPattern(pattern); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		owner:   owner,
		handler: handler,
		bus:     b,
		queue:   queue.New(16),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.subs.Set(s.id, s)
	return s, nil
}

func checkPattern(pattern string) error {
	if pattern == "" {
		return errors.New("bus: empty pattern")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "" {
			return fmt.Errorf("bus: pattern %q has empty segment", pattern)
		}
		if strings.Contains(seg, "*") && (seg != "*" || i != len(segs)-1) {
			return fmt.Errorf("bus: pattern %q: wildcard only allowed as whole trailing segment", pattern)
		}
	}
	return nil
}

// RemoveOwner drops every subscription belonging to the given plugin.
// Queued events for those subscriptions are discarded; handlers already
// running get DrainGrace to finish before their contexts are cancelled.
func (b *Bus) RemoveOwner(owner string) int {
	removed := 0
	for item := range b.subs.IterBuffered() {
		if item.Val.owner == owner {
			item.Val.close(b.drainGrace)
			removed++
		}
	}
	return removed
}

// SubscriptionCount returns the live subscription total.
func (b *Bus) SubscriptionCount() int {
	return b.subs.Count()
}

// View returns the bus scoped to one plugin: publishes carry the plugin as
// source and subscriptions are attributed to it.
func (b *Bus) View(owner string) api.EventBus {
	return &ownerView{bus: b, owner: owner}
}

type ownerView struct {
	bus   *Bus
	owner string
}

func (v *ownerView) Publish(topic string, payload any) error {
	return v.bus.Publish(api.Event{Topic: topic, Payload: payload, Source: v.owner})
}

func (v *ownerView) Subscribe(pattern string, handler api.Handler) (api.Subscription, error) {
	return v.bus.Subscribe(pattern, handler, v.owner)
}
