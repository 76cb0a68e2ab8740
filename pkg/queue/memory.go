package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Memory after Close.
var ErrClosed = errors.New("queue closed")

// Memory is an in-process queue implementing both Publisher and Receiver.
// Nacked deliveries are put back at the head of the queue.
type Memory struct {
	mu       sync.Mutex
	pending  []Message
	inflight int
	acked    int
	notify   chan struct{}
	closed   bool
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.pending = append(m.pending, msg)
	m.signal()
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.pending) > 0 {
			n := min(max, len(m.pending))
			out := make([]Delivery, 0, n)
			for _, msg := range m.pending[:n] {
				out = append(out, &memoryDelivery{queue: m, msg: msg})
			}
			m.pending = m.pending[n:]
			m.inflight += n
			m.mu.Unlock()
			return out, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-m.notify:
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.signal()
	return nil
}

// Len reports how many messages are waiting to be received.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Acked reports how many deliveries have been acknowledged.
func (m *Memory) Acked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// Messages returns a copy of the messages waiting to be received.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.pending...)
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type memoryDelivery struct {
	queue   *Memory
	msg     Message
	settled bool
}

func (d *memoryDelivery) Body() []byte { return d.msg.Body }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()

	if d.settled {
		return nil
	}
	d.settled = true
	d.queue.inflight--
	d.queue.acked++
	return nil
}

func (d *memoryDelivery) Nack(ctx context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()

	if d.settled {
		return nil
	}
	d.settled = true
	d.queue.inflight--
	d.queue.pending = append([]Message{d.msg}, d.queue.pending...)
	d.queue.signal()
	return nil
}
