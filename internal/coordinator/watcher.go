package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"homescript/internal/topology"
)

type accessoryKey struct {
	name string
	room string
}

type interest struct {
	ch chan topology.Accessory
}

// HomeHandle is a resolved home with its running accessory discovery
// listener. Interests in (name, room) are matched against the platform's
// replay of known accessories and every later addition.
type HomeHandle struct {
	home   topology.Home
	events <-chan topology.AccessoryEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu        sync.Mutex
	known     map[accessoryKey]topology.Accessory
	interests map[accessoryKey]map[*interest]struct{}
}

func openHomeHandle(parent context.Context, facade topology.Facade, home topology.Home, logger *slog.Logger) (*HomeHandle, error) {
	ctx, cancel := context.WithCancel(parent)
	events, err := facade.WatchAccessories(ctx, home)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch accessories of %q: %w", home.Name, err)
	}
	return &HomeHandle{
		home:      home,
		events:    events,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger.With("home", home.Name),
		known:     make(map[accessoryKey]topology.Accessory),
		interests: make(map[accessoryKey]map[*interest]struct{}),
	}, nil
}

// Home returns the platform home this handle is bound to.
func (h *HomeHandle) Home() topology.Home { return h.home }

// Done is closed once the handle is evicted or its listener ended.
func (h *HomeHandle) Done() <-chan struct{} { return h.done }

func (h *HomeHandle) close() {
	h.once.Do(func() {
		h.cancel()
		close(h.done)
	})
}

func (h *HomeHandle) listen() {
	defer h.close()
	for ev := range h.events {
		key := accessoryKey{name: ev.Accessory.Name, room: ev.Accessory.Room}
		h.mu.Lock()
		switch ev.Type {
		case topology.AccessoryAdded:
			h.known[key] = ev.Accessory
			for in := range h.interests[key] {
				in.ch <- ev.Accessory
			}
			delete(h.interests, key)
			h.logger.Debug("accessory discovered", "room", key.room, "name", key.name)
		case topology.AccessoryRemoved:
			if cur, ok := h.known[key]; ok && cur.ID == ev.Accessory.ID {
				delete(h.known, key)
			}
			h.logger.Debug("accessory removed", "room", key.room, "name", key.name)
		}
		h.mu.Unlock()
	}
}

// ResolveAccessory waits until an accessory called name in room is known.
// The interest is withdrawn when ctx ends.
func (h *HomeHandle) ResolveAccessory(ctx context.Context, name, room string) (topology.Accessory, error) {
	key := accessoryKey{name: name, room: room}

	h.mu.Lock()
	if acc, ok := h.known[key]; ok {
		h.mu.Unlock()
		return acc, nil
	}
	select {
	case <-h.done:
		h.mu.Unlock()
		return topology.Accessory{}, errHomeLost
	default:
	}
	in := &interest{ch: make(chan topology.Accessory, 1)}
	if h.interests[key] == nil {
		h.interests[key] = make(map[*interest]struct{})
	}
	h.interests[key][in] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if set, ok := h.interests[key]; ok {
			delete(set, in)
			if len(set) == 0 {
				delete(h.interests, key)
			}
		}
		h.mu.Unlock()
	}()

	select {
	case acc := <-in.ch:
		return acc, nil
	case <-h.done:
		return topology.Accessory{}, errHomeLost
	case <-ctx.Done():
		return topology.Accessory{}, abortCause(ctx)
	}
}

// Interests returns the number of pending accessory lookups.
func (h *HomeHandle) Interests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.interests {
		n += len(set)
	}
	return n
}
