package store

import "sync/atomic"

// Subscription is a live feed of store deltas. Its channel is closed when the
// owner calls Close or when the store prunes it for falling behind.
type Subscription struct {
	id     uint64
	ch     chan Delta
	closed atomic.Bool
	store  *Store
}

// ID returns the store-assigned subscription number.
func (s *Subscription) ID() uint64 { return s.id }

// C returns the delta channel.
func (s *Subscription) C() <-chan Delta { return s.ch }

// Closed reports whether the subscription was closed or pruned.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Close unregisters the subscription. Safe to call more than once and
// concurrently with Update.
func (s *Subscription) Close() {
	s.store.remove(s)
}
