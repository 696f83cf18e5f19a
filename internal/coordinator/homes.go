package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"homescript/internal/topology"
)

// HomeRegistry resolves home names to live homes. The first resolution of a
// name is cached as a HomeHandle until the home leaves the platform's list.
type HomeRegistry struct {
	facade topology.Facade
	events *EventBus
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	latest  []topology.Home
	changed chan struct{}
	handles map[string]*HomeHandle
	wg      sync.WaitGroup
}

// NewHomeRegistry creates a registry. The home list is watched lazily on the
// first resolution.
func NewHomeRegistry(facade topology.Facade, events *EventBus, logger *slog.Logger) *HomeRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &HomeRegistry{
		facade:  facade,
		events:  events,
		logger:  logger.With("component", "homes"),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
		handles: make(map[string]*HomeHandle),
	}
}

// Resolve suspends until a home called name is known or ctx ends. It has no
// timeout of its own.
func (r *HomeRegistry) Resolve(ctx context.Context, name string) (*HomeHandle, error) {
	for {
		r.mu.Lock()
		if err := r.startLocked(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		h, err := r.lookupLocked(name)
		wake := r.changed
		r.mu.Unlock()
		if err != nil || h != nil {
			return h, err
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, abortCause(ctx)
		case <-r.ctx.Done():
			return nil, errStopped
		}
	}
}

// Cached returns the handle for name, if one is cached.
func (r *HomeRegistry) Cached(name string) (*HomeHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// Homes returns the last home list reported by the platform.
func (r *HomeRegistry) Homes() []topology.Home {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]topology.Home(nil), r.latest...)
}

// Close stops the home watch and every accessory listener.
func (r *HomeRegistry) Close() {
	r.cancel()
	r.mu.Lock()
	for name, h := range r.handles {
		delete(r.handles, name)
		h.close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *HomeRegistry) startLocked() error {
	if r.ctx.Err() != nil {
		return errStopped
	}
	if r.started {
		return nil
	}
	ch, err := r.facade.WatchHomes(r.ctx)
	if err != nil {
		return fmt.Errorf("watch homes: %w", err)
	}
	r.started = true
	r.wg.Add(1)
	go r.monitor(ch)
	return nil
}

func (r *HomeRegistry) monitor(ch <-chan []topology.Home) {
	defer r.wg.Done()
	for homes := range ch {
		var lost []topology.Home
		r.mu.Lock()
		r.latest = homes
		for name, h := range r.handles {
			if !containsHome(homes, h.home) {
				delete(r.handles, name)
				h.close()
				lost = append(lost, h.home)
			}
		}
		close(r.changed)
		r.changed = make(chan struct{})
		r.mu.Unlock()

		for _, h := range lost {
			r.logger.Info("home lost", "home", h.Name, "id", h.ID)
			r.events.Emit(Event{Type: EventHomeLost, Data: h})
		}
	}
	r.logger.Debug("home watch ended")
}

// lookupLocked returns (nil, nil) when the home is not known yet.
func (r *HomeRegistry) lookupLocked(name string) (*HomeHandle, error) {
	var matches []topology.Home
	for _, h := range r.latest {
		if h.Name == name {
			matches = append(matches, h)
		}
	}

	if h, ok := r.handles[name]; ok {
		for _, m := range matches {
			if m.ID != h.home.ID {
				return nil, fmt.Errorf("home %q resolved to %s, now also %s: %w", name, h.home.ID, m.ID, ErrIdentityConflict)
			}
		}
		return h, nil
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("home %q has %d ids: %w", name, len(matches), ErrIdentityConflict)
	}

	h, err := openHomeHandle(r.ctx, r.facade, matches[0], r.logger)
	if err != nil {
		r.logger.Warn("failed to watch home accessories", "home", name, "err", err)
		return nil, nil
	}
	r.handles[name] = h
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		h.listen()
		r.evict(h)
	}()
	r.logger.Info("home resolved", "home", name, "id", h.home.ID)
	return h, nil
}

// evict drops h when its accessory listener ended on the platform's side.
func (r *HomeRegistry) evict(h *HomeHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.home.Name] == h {
		delete(r.handles, h.home.Name)
	}
}

func containsHome(homes []topology.Home, h topology.Home) bool {
	for _, x := range homes {
		if x.ID == h.ID && x.Name == h.Name {
			return true
		}
	}
	return false
}
