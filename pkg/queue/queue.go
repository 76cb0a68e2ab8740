// Package queue defines the transport-neutral publish / receive contract used
// between the upload filter and the metadata extractor. Every transport offers
// at-least-once delivery: a nacked or unsettled delivery is handed out again.
package queue

import (
	"context"
	"time"
)

// Message is an outgoing queue message. Key is used by transports that
// partition or deduplicate by key and is otherwise ignored.
type Message struct {
	Key        string
	Body       []byte
	Attributes map[string]string
}

// Publisher sends messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Body() []byte
	// Ack marks the message as processed; it will not be delivered again.
	Ack(ctx context.Context) error
	// Nack releases the message for redelivery.
	Nack(ctx context.Context) error
}

// Receiver pulls batches of deliveries.
type Receiver interface {
	// Receive blocks up to wait for the first delivery and returns at most max.
	// An empty batch with a nil error means nothing arrived in time.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Close() error
}
