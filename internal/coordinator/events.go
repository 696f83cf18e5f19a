package coordinator

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Lifecycle event types. Value changes are not events; they flow through
// store subscriptions.
const (
	EventTrackStatus     = "track_status"
	EventTrackingStarted = "tracking_started"
	EventTrackingEnded   = "tracking_ended"
	EventTrackFailed     = "track_failed"
	EventHomeLost        = "home_lost"
	EventWriteConfirmed  = "write_confirmed"
	EventWriteFailed     = "write_failed"
)

// Event is one coordinator lifecycle event. At is filled in by Emit.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

type EventHandler func(Event)

type eventSub struct {
	id    uint64
	types []string // empty: every type
	fn    EventHandler
}

// EventBus delivers lifecycle events to handlers synchronously, in
// registration order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []eventSub
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// On registers handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.add([]string{eventType}, handler)
}

// OnAll registers handler for every event type and returns its unsubscribe
// func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.add(nil, handler)
}

func (eb *EventBus) add(types []string, handler EventHandler) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, eventSub{id: id, types: types, fn: handler})
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			eb.subs = slices.DeleteFunc(eb.subs, func(s eventSub) bool { return s.id == id })
		})
	}
}

// Emit calls every handler registered for the event's type. A handler that
// panics is logged and skipped; the rest still run.
func (eb *EventBus) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if len(s.types) == 0 || slices.Contains(s.types, event.Type) {
			targets = append(targets, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range targets {
		eb.call(fn, event)
	}
}

func (eb *EventBus) call(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}
