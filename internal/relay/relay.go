// Package relay mirrors the local event bus onto a message queue so that
// instances which cannot reach each other over HTTP still see every event.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/queue"
	"github.com/sheetpub/sheetpub/internal/utils"
)

const publishTimeout = 5 * time.Second

// Ingester accepts events that originated on another instance
type Ingester interface {
	Ingest(e events.Event) error
}

// Relay publishes locally originated events to <prefix>.<type> and feeds
// events published by other instances into the ingest path
type Relay struct {
	queue   queue.Queue
	prefix  string
	bus     *events.Bus
	sink    Ingester
	metrics *metrics.Metrics
	logger  *logging.Logger

	outbox chan events.Event

	mu       sync.Mutex
	running  bool
	sub      *events.Subscription
	subjects []string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a relay. The queue is owned by the relay and closed on Stop.
func New(q queue.Queue, prefix string, bus *events.Bus, sink Ingester, m *metrics.Metrics, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Relay{
		queue:   q,
		prefix:  prefix,
		bus:     bus,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "relay"),
		outbox:  make(chan events.Event, utils.DefaultOutboxSize),
	}
}

// Subject returns the queue subject carrying events of type t
func (r *Relay) Subject(t events.Type) string {
	return r.prefix + "." + string(t)
}

// Start subscribes to every known event subject and to the local bus
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	for _, t := range events.KnownTypes() {
		subject := r.Subject(t)
		if err := r.queue.Subscribe(subject, r.consume); err != nil {
			r.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subjects = append(r.subjects, subject)
	}

	r.sub = r.bus.Subscribe(events.Wildcard, r.onLocal)
	r.stopCh = make(chan struct{})
	r.running = true

	r.wg.Add(1)
	go r.run(ctx, r.stopCh)

	r.logger.Info("Event relay started", "prefix", r.prefix, "subjects", len(r.subjects))
	return nil
}

// Stop detaches from the bus and the queue, then closes the queue
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.bus.Unsubscribe(r.sub)
	r.sub = nil
	close(r.stopCh)
	r.unsubscribeLocked()
	r.mu.Unlock()

	r.wg.Wait()
	if err := r.queue.Close(); err != nil {
		r.logger.Warn("Failed to close queue", "error", err)
	}
	r.logger.Info("Event relay stopped")
}

func (r *Relay) unsubscribeLocked() {
	for _, subject := range r.subjects {
		if err := r.queue.Unsubscribe(subject); err != nil {
			r.logger.Debug("Unsubscribe failed", "subject", subject, "error", err)
		}
	}
	r.subjects = nil
}

// onLocal runs on the bus goroutine and must not block on the broker
func (r *Relay) onLocal(e events.Event) error {
	if e.SourceInstanceID != r.bus.SourceID() {
		return nil
	}
	select {
	case r.outbox <- e:
	default:
		r.metrics.RelayMessage("out", fmt.Errorf("outbox full"))
		r.logger.Warn("Relay outbox full, event not published", "event_id", e.ID, "type", e.Type)
	}
	return nil
}

func (r *Relay) run(ctx context.Context, stopCh chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case e := <-r.outbox:
			r.publish(ctx, e)
		}
	}
}

func (r *Relay) publish(ctx context.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = r.queue.Publish(pctx, r.Subject(e.Type), data)
		cancel()
	}

	r.metrics.RelayMessage("out", err)
	if err != nil {
		r.logger.Warn("Failed to publish event to queue", "event_id", e.ID, "type", e.Type, "error", err)
	}
}

// consume handles one queue delivery. Undecodable or invalid events are
// acknowledged and dropped, since redelivery cannot fix them.
func (r *Relay) consume(_ context.Context, msg queue.Message) error {
	var e events.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		r.metrics.RelayMessage("in", err)
		r.logger.Warn("Dropping undecodable queue message", "subject", msg.Subject, "error", err)
		return nil
	}
	if e.SourceInstanceID == r.bus.SourceID() {
		return nil
	}

	err := r.sink.Ingest(e)
	r.metrics.RelayMessage("in", err)
	if err != nil {
		r.logger.Warn("Dropping invalid relayed event", "event_id", e.ID, "type", e.Type, "error", err)
	}
	return nil
}
