// Package events implements the in-process event bus. Delivery is FIFO and
// single-threaded: one goroutine drains the queue and handlers never run
// concurrently with each other, so a handler that publishes sees its event
// delivered only after it returns.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sheetpub/sheetpub/internal/logging"
)

// Handler processes one event. A returned error is logged and does not stop delivery.
type Handler func(Event) error

// Subscription is the handle returned by Subscribe
type Subscription struct {
	ID      string
	Type    Type
	handler Handler
}

// Bus is the in-process publish/subscribe hub
type Bus struct {
	sourceID string
	logger   *logging.Logger
	clock    func() time.Time

	mu       sync.Mutex
	idle     *sync.Cond
	subs     []*Subscription
	queue    []Event
	draining bool
	closed   bool
}

// NewBus creates a bus that stamps published events with sourceID
func NewBus(sourceID string, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Bus{
		sourceID: sourceID,
		logger:   logger.With("component", "event_bus"),
		clock:    time.Now,
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// SourceID returns the instance id stamped on locally published events
func (b *Bus) SourceID() string {
	return b.sourceID
}

// Subscribe registers handler for eventType, or every type with Wildcard
func (b *Bus) Subscribe(eventType Type, handler Handler) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Type:    eventType,
		handler: handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub. Events already queued are not delivered to it.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.ID == sub.ID {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish stamps payload into a new event, queues it and returns immediately
func (b *Bus) Publish(payload Payload) Event {
	e := Event{
		ID:               uuid.New().String(),
		Type:             payload.EventType(),
		Payload:          payload,
		CreatedAt:        b.clock().UTC(),
		SourceInstanceID: b.sourceID,
	}
	b.enqueue(e)
	return e
}

// Ingest queues an event that was created elsewhere, keeping its id, timestamp and source
func (b *Bus) Ingest(e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("rejecting ingested event: %w", err)
	}
	b.enqueue(e)
	return nil
}

func (b *Bus) enqueue(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("Event dropped, bus closed", "event_id", e.ID, "type", e.Type)
		return
	}

	b.queue = append(b.queue, e)
	if !b.draining {
		b.draining = true
		go b.drain()
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.idle.Broadcast()
			b.mu.Unlock()
			return
		}

		e := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]

		targets := make([]*Subscription, 0, len(b.subs))
		for _, s := range b.subs {
			if s.Type == Wildcard || s.Type == e.Type {
				targets = append(targets, s)
			}
		}
		b.mu.Unlock()

		for _, s := range targets {
			b.dispatch(s, e)
		}
	}
}

func (b *Bus) dispatch(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"event_id", e.ID, "type", e.Type, "subscription", s.ID, "panic", fmt.Sprint(r))
		}
	}()

	if err := s.handler(e); err != nil {
		b.logger.Error("Event handler failed",
			"event_id", e.ID, "type", e.Type, "subscription", s.ID, "error", err)
	}
}

// Flush blocks until every queued event has been delivered. It must not be
// called from inside a handler.
func (b *Bus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.draining || len(b.queue) > 0 {
		b.idle.Wait()
	}
}

// Close stops accepting events and waits for the queue to drain
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Flush()
}
