// Package queue carries coordination events between instances over a message
// broker. Every backend delivers each published message to every consumer
// name that subscribed to the subject, so instances never compete for events.
package queue

import (
	"context"
	"strings"
)

// Message is one delivery from the broker
type Message struct {
	Subject string
	Data    []byte
}

// Handler processes one delivery. Returning an error leaves the message
// unacknowledged where the backend supports redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes messages to a subject
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Subscriber consumes messages from a subject
type Subscriber interface {
	Subscribe(subject string, handler Handler) error
	Unsubscribe(subject string) error
	Close() error
}

// Queue combines Publisher and Subscriber
type Queue interface {
	Publisher
	Subscriber
}

// sanitize maps a subject onto the character set stream and consumer names accept:
// A-Z, a-z, 0-9, dash and underscore
func sanitize(subject string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, subject)
}
