// Package session tracks store subscribers (WebSocket clients, watchers) and
// keeps a short history of the changes each one was sent.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"homescript/internal/store"
	"homescript/internal/value"
)

// HistoryCapacity is the number of history items kept per session.
const HistoryCapacity = 250

// DefaultRetained is how many disconnected sessions are remembered.
const DefaultRetained = 32

// HistoryItem is one characteristic change as seen by a session.
type HistoryItem struct {
	ID             string      `json:"id"`
	Home           string      `json:"home"`
	Room           string      `json:"room"`
	Accessory      string      `json:"accessory"`
	Service        string      `json:"service"`
	Characteristic string      `json:"characteristic"`
	Value          value.Value `json:"value"`
	Date           time.Time   `json:"date"`
}

// Session is one subscriber.
type Session struct {
	id      string
	name    string
	remote  string
	started time.Time

	mu        sync.Mutex
	connected bool
	ended     time.Time
	ring      []HistoryItem
	head      int
	total     int
}

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// Record appends d to the history, dropping the oldest item when full.
func (s *Session) Record(d store.Delta) {
	item := HistoryItem{
		ID:             uuid.NewString(),
		Home:           d.Identity.Home,
		Room:           d.Identity.Room,
		Accessory:      d.Identity.Name,
		Service:        d.Service,
		Characteristic: d.Characteristic,
		Value:          d.Record.Value,
		Date:           d.Record.UpdatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.ring) < HistoryCapacity {
		s.ring = append(s.ring, item)
		return
	}
	s.ring[s.head] = item
	s.head = (s.head + 1) % HistoryCapacity
}

// History returns the kept items, newest first.
func (s *Session) History() []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryItem, 0, len(s.ring))
	for i := len(s.ring) - 1; i >= 0; i-- {
		out = append(out, s.ring[(s.head+i)%len(s.ring)])
	}
	return out
}

// Info is a listing entry.
type Info struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Remote    string     `json:"remote,omitempty"`
	Connected bool       `json:"connected"`
	Started   time.Time  `json:"started"`
	Ended     *time.Time `json:"ended,omitempty"`
	Events    int        `json:"events"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	inf := Info{
		ID:        s.id,
		Name:      s.name,
		Remote:    s.remote,
		Connected: s.connected,
		Started:   s.started,
		Events:    s.total,
	}
	if !s.connected {
		ended := s.ended
		inf.Ended = &ended
	}
	return inf
}

// Manager keeps every live session and the most recent disconnected ones.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	retained int
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a manager that remembers up to retained disconnected
// sessions (DefaultRetained when retained <= 0).
func NewManager(logger *slog.Logger, retained int) *Manager {
	if retained <= 0 {
		retained = DefaultRetained
	}
	return &Manager{
		sessions: make(map[string]*Session),
		retained: retained,
		now:      time.Now,
		logger:   logger.With("component", "sessions"),
	}
}

// Open starts a connected session.
func (m *Manager) Open(name, remote string) *Session {
	s := &Session{
		id:        uuid.NewString(),
		name:      name,
		remote:    remote,
		started:   m.now(),
		connected: true,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.logger.Info("session opened", "id", s.id, "name", name, "remote", remote)
	return s
}

// Close marks a session disconnected and forgets the oldest disconnected
// sessions beyond the retention limit.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.mu.Lock()
	s.connected = false
	s.ended = m.now()
	s.mu.Unlock()
	m.logger.Info("session closed", "id", id)

	var gone []Info
	for _, other := range m.sessions {
		if inf := other.info(); !inf.Connected {
			gone = append(gone, inf)
		}
	}
	if len(gone) <= m.retained {
		return
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Ended.Before(*gone[j].Ended) })
	for _, inf := range gone[:len(gone)-m.retained] {
		delete(m.sessions, inf.ID)
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every known session ordered by start time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
