package topology

import (
	"context"
	"sync"
)

// Mailbox decouples a producer holding a facade lock from a slow consumer.
// Push never blocks; a pump goroutine drains the queue into Out in order.
// Out is closed when ctx ends or after Close once the queue is drained.
type Mailbox[T any] struct {
	mu      sync.Mutex
	queue   []T
	closing bool
	signal  chan struct{}
	done    chan struct{}
	out     chan T
}

// NewMailbox starts the pump for a new mailbox.
func NewMailbox[T any](ctx context.Context) *Mailbox[T] {
	m := &Mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go m.pump(ctx)
	return m
}

func (m *Mailbox[T]) pump(ctx context.Context) {
	defer close(m.done)
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closing := m.closing
			m.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-m.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-ctx.Done():
			return
		}
	}
}

// Push enqueues v. Returns false once the mailbox is closing or finished.
func (m *Mailbox[T]) Push(v T) bool {
	if m.finished() {
		return false
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	m.wake()
	return true
}

// Close lets the pump deliver what is queued, then closes Out.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.wake()
}

// Out is the delivery channel.
func (m *Mailbox[T]) Out() <-chan T { return m.out }

// Done is closed once the pump has exited.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

func (m *Mailbox[T]) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) finished() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
