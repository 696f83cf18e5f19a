// Package coordinator finds accessories by (name, room, home), keeps their
// characteristic values flowing into the store, and routes writes back to the
// platform.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"homescript/internal/store"
	"homescript/internal/topology"
)

// Stage is a step of the discovery pipeline.
type Stage int

const (
	StageLookingForHome Stage = iota
	StageHomeFound
	StageLookingForAccessory
	StageAccessoryFound
	StageReadingValues
	StageTracked
)

var stageNames = [...]string{
	StageLookingForHome:      "looking_for_home",
	StageHomeFound:           "home_found",
	StageLookingForAccessory: "looking_for_accessory",
	StageAccessoryFound:      "accessory_found",
	StageReadingValues:       "reading_values",
	StageTracked:             "tracked",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TrackStatus is a progress report of a tracking request.
type TrackStatus struct {
	Identity store.Identity `json:"identity"`
	Stage    Stage          `json:"stage"`
	Message  string         `json:"message"`
}

// TrackOption configures a single Track call.
type TrackOption func(*trackOptions)

type trackOptions struct {
	onFirst  func(store.Identity)
	onStatus func(TrackStatus)
}

// WithFirstComplete registers fn to run once every service has delivered its
// first values, or immediately when the identity is already tracked.
func WithFirstComplete(fn func(store.Identity)) TrackOption {
	return func(o *trackOptions) { o.onFirst = fn }
}

// WithStatus registers fn to receive discovery progress.
func WithStatus(fn func(TrackStatus)) TrackOption {
	return func(o *trackOptions) { o.onStatus = fn }
}

type trackResult struct {
	id  store.Identity
	ok  bool
	err error
}

type waiter struct {
	opts   trackOptions
	result chan trackResult
}

// pendingTrack exists while discovery for an identity is in flight.
type pendingTrack struct {
	waiters []*waiter
	cancel  context.CancelCauseFunc
}

type trackedAccessory struct {
	identity store.Identity
	stream   *Stream
	since    time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWriteTimeout bounds each platform write. Default 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithClock overrides time.Now for write error timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the tracked and pending tables.
type Coordinator struct {
	facade topology.Facade
	store  *store.Store
	homes  *HomeRegistry
	events *EventBus
	logger *slog.Logger

	writeTimeout time.Duration
	now          func() time.Time

	ctx       context.Context
	cancel    context.CancelCauseFunc
	pipelines sync.WaitGroup
	writes    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	tracked map[store.Identity]*trackedAccessory
	pending map[store.Identity]*pendingTrack

	errMu     sync.Mutex
	writeErrs []WriteError
}

// New creates a coordinator over facade that publishes into st.
func New(facade topology.Facade, st *store.Store, events *EventBus, logger *slog.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancelCause(context.Background())
	logger = logger.With("component", "coordinator")
	c := &Coordinator{
		facade:       facade,
		store:        st,
		homes:        NewHomeRegistry(facade, events, logger),
		events:       events,
		logger:       logger,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		tracked:      make(map[store.Identity]*trackedAccessory),
		pending:      make(map[store.Identity]*pendingTrack),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Track locates the accessory named by id and keeps its values flowing into
// the store. It returns once the first value of every characteristic is
// stored; consumption then continues in the background until the accessory
// goes away. Concurrent calls for one identity share a single discovery.
//
// ok is false when the accessory vanished before its first snapshot was
// complete. Errors are ErrDiscoveryAborted, ErrTimeout, or ErrIdentityConflict.
func (c *Coordinator) Track(ctx context.Context, id store.Identity, opts ...TrackOption) (store.Identity, bool, error) {
	var o trackOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return store.Identity{}, false, errStopped
	}
	if _, ok := c.tracked[id]; ok {
		c.mu.Unlock()
		c.logger.Debug("already tracked", "identity", id)
		if o.onFirst != nil {
			o.onFirst(id)
		}
		return id, true, nil
	}
	w := &waiter{opts: o, result: make(chan trackResult, 1)}
	p, joined := c.pending[id]
	if !joined {
		pctx, cancel := context.WithCancelCause(c.ctx)
		p = &pendingTrack{cancel: cancel}
		c.pending[id] = p
		c.pipelines.Add(1)
		go c.run(pctx, cancel, id, p)
	}
	p.waiters = append(p.waiters, w)
	c.mu.Unlock()

	if joined {
		c.logger.Debug("joined pending track", "identity", id)
	}

	select {
	case r := <-w.result:
		return r.id, r.ok, r.err
	case <-ctx.Done():
	}

	cause := abortCause(ctx)
	if !joined {
		// The originating caller gave up: the whole discovery goes with it.
		c.mu.Lock()
		if c.pending[id] == p {
			p.cancel(cause)
		}
		c.mu.Unlock()
		r := <-w.result
		return r.id, r.ok, r.err
	}

	c.mu.Lock()
	p.waiters = slices.DeleteFunc(p.waiters, func(x *waiter) bool { return x == w })
	c.mu.Unlock()
	select {
	case r := <-w.result:
		return r.id, r.ok, r.err
	default:
		return store.Identity{}, false, cause
	}
}

// TrackTimeout is Track bounded by d. When d elapses first the discovery is
// cancelled and ErrTimeout is returned. d <= 0 means no bound.
func (c *Coordinator) TrackTimeout(ctx context.Context, id store.Identity, d time.Duration, opts ...TrackOption) (store.Identity, bool, error) {
	if d <= 0 {
		return c.Track(ctx, id, opts...)
	}
	tctx, cancel := context.WithTimeoutCause(ctx, d, ErrTimeout)
	defer cancel()
	return c.Track(tctx, id, opts...)
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelCauseFunc, id store.Identity, p *pendingTrack) {
	defer c.pipelines.Done()
	defer cancel(nil)
	logger := c.logger.With("identity", id.String())

	var (
		handle *HomeHandle
		acc    topology.Accessory
		err    error
	)
	for {
		c.report(p, id, StageLookingForHome, "looking for home "+id.Home)
		handle, err = c.homes.Resolve(ctx, id.Home)
		if err != nil {
			c.fail(id, p, err)
			return
		}
		c.report(p, id, StageHomeFound, "found home "+id.Home)

		c.report(p, id, StageLookingForAccessory, fmt.Sprintf("looking for accessory %s in room %s", id.Name, id.Room))
		acc, err = handle.ResolveAccessory(ctx, id.Name, id.Room)
		if errors.Is(err, errHomeLost) {
			logger.Info("home lost during discovery, retrying")
			continue
		}
		if err != nil {
			c.fail(id, p, err)
			return
		}
		break
	}
	c.report(p, id, StageAccessoryFound, fmt.Sprintf("found accessory %s in room %s", id.Name, id.Room))

	go func() {
		select {
		case <-handle.Done():
			cancel(errHomeLost)
		case <-ctx.Done():
		}
	}()

	stream, err := OpenStream(ctx, c.facade, acc, logger)
	if err != nil {
		c.fail(id, p, err)
		return
	}

	awaiting := stream.Awaiting()
	seen := make(map[charRef]bool)
	c.report(p, id, StageReadingValues, fmt.Sprintf("reading %d services", len(awaiting)))

	var t *trackedAccessory
	if len(awaiting) == 0 {
		t = c.complete(id, p, stream)
	}
	for u := range stream.C() {
		c.store.Update(id, u.Service, u.Characteristic, u.Value)
		if t != nil {
			continue
		}
		ref := charRef{service: u.Service, characteristic: u.Characteristic}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if n, ok := awaiting[u.Service]; ok {
			if n <= 1 {
				delete(awaiting, u.Service)
			} else {
				awaiting[u.Service] = n - 1
			}
		}
		if len(awaiting) == 0 {
			t = c.complete(id, p, stream)
		}
	}

	if t == nil {
		if err := abortCause(ctx); err != nil {
			c.fail(id, p, err)
		} else {
			logger.Info("accessory gone before first snapshot")
			c.finish(id, p, trackResult{})
		}
		return
	}
	c.retire(t, context.Cause(ctx))
}

// report delivers progress to every current waiter.
func (c *Coordinator) report(p *pendingTrack, id store.Identity, stage Stage, msg string) {
	c.mu.Lock()
	waiters := slices.Clone(p.waiters)
	c.mu.Unlock()

	st := TrackStatus{Identity: id, Stage: stage, Message: msg}
	c.logger.Debug("track status", "identity", id, "stage", stage)
	for _, w := range waiters {
		if w.opts.onStatus != nil {
			c.callback(func() { w.opts.onStatus(st) })
		}
	}
	c.events.Emit(Event{Type: EventTrackStatus, Data: st})
}

func (c *Coordinator) complete(id store.Identity, p *pendingTrack, stream *Stream) *trackedAccessory {
	t := &trackedAccessory{identity: id, stream: stream, since: c.now()}

	c.mu.Lock()
	c.tracked[id] = t
	if c.pending[id] == p {
		delete(c.pending, id)
	}
	waiters := p.waiters
	p.waiters = nil
	c.mu.Unlock()

	c.logger.Info("tracking started", "identity", id, "accessory_id", stream.Accessory().ID)
	for _, w := range waiters {
		if w.opts.onStatus != nil {
			st := TrackStatus{Identity: id, Stage: StageTracked, Message: "tracking " + id.String()}
			c.callback(func() { w.opts.onStatus(st) })
		}
		if w.opts.onFirst != nil {
			c.callback(func() { w.opts.onFirst(id) })
		}
		w.result <- trackResult{id: id, ok: true}
	}
	c.events.Emit(Event{Type: EventTrackingStarted, Data: id})
	return t
}

func (c *Coordinator) fail(id store.Identity, p *pendingTrack, err error) {
	c.logger.Warn("track failed", "identity", id, "err", err)
	c.finish(id, p, trackResult{err: err})
	c.events.Emit(Event{Type: EventTrackFailed, Data: map[string]any{"identity": id, "error": err.Error()}})
}

// finish resolves every waiter of p with r and drops the pending entry.
func (c *Coordinator) finish(id store.Identity, p *pendingTrack, r trackResult) {
	c.mu.Lock()
	if c.pending[id] == p {
		delete(c.pending, id)
	}
	waiters := p.waiters
	p.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w.result <- r
	}
}

func (c *Coordinator) retire(t *trackedAccessory, cause error) {
	c.mu.Lock()
	if c.tracked[t.identity] == t {
		delete(c.tracked, t.identity)
	}
	c.mu.Unlock()

	reason := "accessory gone"
	if cause != nil {
		reason = cause.Error()
	}
	c.logger.Info("tracking ended", "identity", t.identity, "reason", reason)
	c.events.Emit(Event{Type: EventTrackingEnded, Data: map[string]any{"identity": t.identity, "reason": reason}})
}

func (c *Coordinator) callback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("track callback panic", "panic", r)
		}
	}()
	fn()
}

// IsTracked reports whether id has a live stream.
func (c *Coordinator) IsTracked(id store.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[id]
	return ok
}

// Tracked returns the tracked identities, sorted.
func (c *Coordinator) Tracked() []store.Identity {
	c.mu.Lock()
	ids := make([]store.Identity, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	store.SortIdentities(ids)
	return ids
}

// Pending returns the identities with discovery in flight, sorted.
func (c *Coordinator) Pending() []store.Identity {
	c.mu.Lock()
	ids := make([]store.Identity, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	store.SortIdentities(ids)
	return ids
}

// Accessory returns the platform accessory behind a tracked identity.
func (c *Coordinator) Accessory(id store.Identity) (topology.Accessory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tracked[id]
	if !ok {
		return topology.Accessory{}, false
	}
	return t.stream.Accessory(), true
}

// Subscribe opens a store subscription together with a full snapshot replay.
func (c *Coordinator) Subscribe() (*store.Subscription, []store.Delta) {
	return c.store.Subscribe()
}

func (c *Coordinator) Store() *store.Store { return c.store }

func (c *Coordinator) Events() *EventBus { return c.events }

func (c *Coordinator) Homes() *HomeRegistry { return c.homes }

// Context returns the coordinator's context, which is cancelled on Stop.
func (c *Coordinator) Context() context.Context { return c.ctx }

// Stop cancels every pipeline and waits for them and for in-flight writes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel(errStopped)
	c.homes.Close()
	c.pipelines.Wait()
	c.writes.Wait()
	c.logger.Info("coordinator stopped")
}
