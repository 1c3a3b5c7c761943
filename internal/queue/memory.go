package queue

import (
	"context"
	"fmt"
	"sync"
)

const memoryBufferSize = 1024

// MemoryBroker is an in-process broker shared by MemoryQueue clients. Each
// (subject, consumer) pair has its own buffer, so a message published on a
// subject reaches every consumer subscribed to it at publish time.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[string]*memorySub
}

type memorySub struct {
	ch     chan Message
	cancel context.CancelFunc
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[string]*memorySub)}
}

// Client returns a queue bound to consumer
func (b *MemoryBroker) Client(consumer string) *MemoryQueue {
	return &MemoryQueue{
		broker:   b,
		consumer: consumer,
		subjects: make(map[string]bool),
	}
}

// Pending returns the number of undelivered messages buffered for consumer on subject
func (b *MemoryBroker) Pending(subject, consumer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[subject][consumer]; ok {
		return len(s.ch)
	}
	return 0
}

func (b *MemoryBroker) deliver(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var full []string
	for consumer, s := range b.subs[subject] {
		msg := Message{Subject: subject, Data: append([]byte(nil), data...)}
		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			full = append(full, consumer)
		}
	}
	if len(full) > 0 {
		return fmt.Errorf("buffer full for subject %s, consumers %v", subject, full)
	}
	return nil
}

func (b *MemoryBroker) add(subject, consumer string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[subject][consumer]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]*memorySub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &memorySub{ch: make(chan Message, memoryBufferSize), cancel: cancel}
	b.subs[subject][consumer] = s

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.ch:
				// no redelivery in memory; a failed message is dropped
				_ = handler(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *MemoryBroker) remove(subject, consumer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[subject][consumer]
	if !ok {
		return false
	}
	s.cancel()
	delete(b.subs[subject], consumer)
	if len(b.subs[subject]) == 0 {
		delete(b.subs, subject)
	}
	return true
}

// MemoryQueue is one consumer's view of a MemoryBroker. Useful for tests and
// single-host development without an external broker.
type MemoryQueue struct {
	broker   *MemoryBroker
	consumer string

	mu       sync.Mutex
	subjects map[string]bool
	closed   bool
}

// Publish hands data to every current subscriber of subject
func (q *MemoryQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("memory queue is closed")
	}
	return q.broker.deliver(ctx, subject, data)
}

// Subscribe starts delivering subject to handler
func (q *MemoryQueue) Subscribe(subject string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("memory queue is closed")
	}
	if err := q.broker.add(subject, q.consumer, handler); err != nil {
		return err
	}
	q.subjects[subject] = true
	return nil
}

// Unsubscribe stops delivery of subject; buffered messages are discarded
func (q *MemoryQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.subjects[subject] || !q.broker.remove(subject, q.consumer) {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}
	delete(q.subjects, subject)
	return nil
}

// Close drops every subscription of this client
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for subject := range q.subjects {
		q.broker.remove(subject, q.consumer)
		delete(q.subjects, subject)
	}
	q.closed = true
	return nil
}
