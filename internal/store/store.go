// Package store holds the last known characteristic values of every tracked
// accessory and fans changes out to subscribers.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"homescript/internal/value"
)

// DefaultSubscriberBuffer is the channel capacity given to each subscription.
const DefaultSubscriberBuffer = 256

type services map[string]map[string]Record

// Store is the nested Identity → service → characteristic map.
type Store struct {
	mu     sync.RWMutex
	data   map[Identity]services
	subs   []*Subscription
	nextID uint64

	bufSize int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSubscriberBuffer sets the per-subscription channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		data:    make(map[Identity]services),
		bufSize: DefaultSubscriberBuffer,
		now:     time.Now,
		logger:  logger.With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update merges v into the store and broadcasts the change.
// Subscriptions that are closed or whose buffer is full are pruned here.
func (s *Store) Update(id Identity, service, characteristic string, v value.Value) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	svcs, ok := s.data[id]
	if !ok {
		svcs = make(services)
		s.data[id] = svcs
	}
	chars, ok := svcs[service]
	if !ok {
		chars = make(map[string]Record)
		svcs[service] = chars
	}

	at := s.now()
	if prev, ok := chars[characteristic]; ok && at.Before(prev.UpdatedAt) {
		at = prev.UpdatedAt
	}
	rec := Record{Value: v, UpdatedAt: at}
	chars[characteristic] = rec

	s.broadcastLocked(Delta{
		Identity:       id,
		Service:        service,
		Characteristic: characteristic,
		Record:         rec,
	})
	return rec
}

func (s *Store) broadcastLocked(d Delta) {
	live := s.subs[:0]
	for _, sub := range s.subs {
		select {
		case sub.ch <- d:
			live = append(live, sub)
		default:
			sub.closed.Store(true)
			close(sub.ch)
			s.logger.Warn("subscriber pruned (too slow)", "subscription", sub.id)
		}
	}
	clear(s.subs[len(live):])
	s.subs = live
}

// Subscribe registers a new subscription and returns it together with the
// full current state as a replay. No update can fall between the two.
func (s *Store) Subscribe() (*Subscription, []Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{
		id:    s.nextID,
		ch:    make(chan Delta, s.bufSize),
		store: s,
	}
	s.subs = append(s.subs, sub)
	return sub, s.deltasLocked()
}

func (s *Store) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			sub.closed.Store(true)
			close(sub.ch)
			return
		}
	}
}

// Subscribers returns the number of registered subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Characteristic returns one record.
func (s *Store) Characteristic(id Identity, service, characteristic string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[id][service][characteristic]
	return rec, ok
}

// Services returns the sorted service names of id that match f.
// A service matches the characteristic part of the filter when at least one
// of its characteristics has the prefix and, if set, an equal value.
func (s *Store) Services(id Identity, f ServiceFilter) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name, chars := range s.data[id] {
		if !strings.HasPrefix(name, f.NamePrefix) {
			continue
		}
		if f.CharacteristicPrefix != "" || f.Value != nil {
			if !anyCharacteristicMatches(chars, f) {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func anyCharacteristicMatches(chars map[string]Record, f ServiceFilter) bool {
	for name, rec := range chars {
		if !strings.HasPrefix(name, f.CharacteristicPrefix) {
			continue
		}
		if f.Value != nil && !rec.Value.Equal(*f.Value) {
			continue
		}
		return true
	}
	return false
}

// Characteristics returns the sorted characteristic names of one service.
func (s *Store) Characteristics(id Identity, service string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chars := s.data[id][service]
	names := make([]string, 0, len(chars))
	for name := range chars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CharacteristicsAndValues returns a copy of one service's records.
func (s *Store) CharacteristicsAndValues(id Identity, service string) map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Record, len(s.data[id][service]))
	for name, rec := range s.data[id][service] {
		out[name] = rec
	}
	return out
}

// Accessory returns a copy of every service of id.
func (s *Store) Accessory(id Identity) map[string]map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svcs, ok := s.data[id]
	if !ok {
		return nil
	}
	out := make(map[string]map[string]Record, len(svcs))
	for name, chars := range svcs {
		cp := make(map[string]Record, len(chars))
		for c, rec := range chars {
			cp[c] = rec
		}
		out[name] = cp
	}
	return out
}

// Identities returns every identity with data, sorted home → room → name.
func (s *Store) Identities() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]Identity, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	SortIdentities(ids)
	return ids
}

// Snapshot returns the whole store flattened into deltas, in sorted order.
func (s *Store) Snapshot() []Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deltasLocked()
}

func (s *Store) deltasLocked() []Delta {
	ids := make([]Identity, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	SortIdentities(ids)

	var out []Delta
	for _, id := range ids {
		svcNames := make([]string, 0, len(s.data[id]))
		for name := range s.data[id] {
			svcNames = append(svcNames, name)
		}
		sort.Strings(svcNames)
		for _, svc := range svcNames {
			chars := s.data[id][svc]
			charNames := make([]string, 0, len(chars))
			for name := range chars {
				charNames = append(charNames, name)
			}
			sort.Strings(charNames)
			for _, c := range charNames {
				out = append(out, Delta{Identity: id, Service: svc, Characteristic: c, Record: chars[c]})
			}
		}
	}
	return out
}
