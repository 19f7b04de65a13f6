package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/telemetry"
)

// subscription pairs a FIFO event queue with a single logical consumer.
// Deliveries for one subscription are serialized (pump runs at most once
// at a time), which yields the per-topic per-publisher ordering guarantee;
// different subscriptions pump independently on the shared pool.
type subscription struct {
	id      string
	pattern string
	owner   string
	handler api.Handler
	bus     *Bus

	queue   *queue.Queue
	pumping atomic.Bool

	// deliverMu is held around each handler invocation. Unsubscribe takes
	// it once after marking the subscription closed, which is the barrier
	// guaranteeing zero deliveries after Unsubscribe returns.
	deliverMu sync.Mutex
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *subscription) Pattern() string { return s.pattern }
func (s *subscription) Owner() string { return s.owner }

// Unsubscribe removes the subscription synchronously. The in-flight
// handler invocation, if any, is waited for; queued events are dropped.
func (s *subscription) Unsubscribe() {
	s.close(0)
}

func (s *subscription) close(grace time.Duration) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.subs.Remove(s.id)
	s.queue.Dispose()
	if grace > 0 {
		time.AfterFunc(grace, s.cancel)
		return
	}
	// Barrier: wait out any invocation that started before closed was
	// observable, then cancel its context.
	s.deliverMu.Lock()
	s.deliverMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
	s.cancel()
}

// enqueue appends ev and makes sure a pump task is scheduled.
func (s *subscription) enqueue(ev api.Event) {
	if s.closed.Load() {
		return
	}
	if err := s.queue.Put(ev); err != nil {
		return // disposed concurrently
	}
	s.schedule()
}

func (s *subscription) schedule() {
	if !s.pumping.CompareAndSwap(false, true) {
		return
	}
	if err := s.bus.pool.Submit(s.pump); err != nil {
		s.pumping.Store(false)
		s.bus.log.Warn("pump submit failed",
			zap.String("owner", s.owner), zap.Error(err))
	}
}

// pump drains the queue, delivering events one at a time. The
// store/recheck dance closes the race with a concurrent enqueue that lost
// the pumping flag.
func (s *subscription) pump() {
	for {
		for s.queue.Len() > 0 {
			items, err := s.queue.Get(1)
			if err != nil || len(items) == 0 {
				s.pumping.Store(false)
				return
			}
			s.deliver(items[0].(api.Event))
		}
		s.pumping.Store(false)
		if s.queue.Len() == 0 || !s.pumping.CompareAndSwap(false, true) {
			return
		}
	}
}

// deliver runs the handler for one event with a bounded timeout. Handler
// errors, panics and timeouts are logged with the owner's identity and
// never propagate.
func (s *subscription) deliver(ev api.Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return
	}

	ctx, cancelTimeout := context.WithTimeout(s.ctx, s.bus.handlerTimeout)
	defer cancelTimeout()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- s.handler(ctx, ev)
	}()

	select {
	case err := <-done:
		telemetry.EventsDelivered.WithLabelValues(s.owner).Inc()
		if err != nil {
			telemetry.HandlerErrors.WithLabelValues(s.owner).Inc()
			s.bus.log.Error("event handler failed",
				zap.String("owner", s.owner),
				zap.String("pattern", s.pattern),
				zap.String("topic", ev.Topic),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	case <-ctx.Done():
		telemetry.HandlerErrors.WithLabelValues(s.owner).Inc()
		err := &HandlerTimeoutError{
			Owner:   s.owner,
			Pattern: s.pattern,
			Topic:   ev.Topic,
			Timeout: s.bus.handlerTimeout,
		}
		s.bus.log.Error("event handler timed out",
			zap.String("owner", s.owner),
			zap.String("topic", ev.Topic),
			zap.Error(err))
	}
}
