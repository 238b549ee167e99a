// Package events provides the in-process event stream between the
// scheduler, the supervisor, and whatever consumes orchestration
// events (API layer, fan-out transports).
//
// Each subscriber owns a buffered channel. Progress events are
// best-effort: when a subscriber's buffer is full they are dropped and
// counted. Terminal events are never dropped; Publish blocks until the
// subscriber drains, so backpressure is explicit rather than hidden in
// an unbounded emitter.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/modelforge/modelforge-go/pkg/models"
)

// Bus is an explicit-channel event registry.
type Bus struct {
	logger  hclog.Logger
	mu      sync.RWMutex
	subs    map[string]*subscriber
	done    chan struct{}
	closed  bool
	dropped atomic.Uint64
}

type subscriber struct {
	name string
	ch   chan models.Event
	done chan struct{}
}

// NewBus creates an event bus.
func NewBus(logger hclog.Logger) *Bus {
	return &Bus{
		logger: logger.Named("events"),
		subs:   make(map[string]*subscriber),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a named subscriber with its own buffer and
// returns the receive channel plus an unsubscribe function. Subscribing
// an existing name replaces the previous registration.
func (b *Bus) Subscribe(name string, buffer int) (<-chan models.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{
		name: name,
		ch:   make(chan models.Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if prev, ok := b.subs[name]; ok {
		close(prev.done)
	}
	b.subs[name] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if b.subs[name] == sub {
			delete(b.subs, name)
		}
		b.mu.Unlock()
		close(sub.done)
	}
	return sub.ch, unsubscribe
}

// Publish delivers an event to every subscriber. Progress events that
// do not fit a subscriber's buffer are dropped and counted; terminal
// events block until delivered, the subscriber unsubscribes, or the
// bus closes.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if ev.Type.Terminal() {
			select {
			case sub.ch <- ev:
			case <-sub.done:
			case <-b.done:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped progress event", "subscriber", sub.name, "job_id", ev.JobID)
		}
	}
}

// Dropped returns the total number of progress events dropped since
// the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and unblocks any pending terminal sends.
// Subscriber channels are left open for draining; they are never
// closed because a concurrent Publish may still hold a reference.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()
	close(b.done)
}
