//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"homescript/internal/coordinator"
	"homescript/internal/store"
)

// EventChange is the handler event type for store deltas.
const EventChange = "change"

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// handlerFilter selects the events a Lua callback receives. Empty fields
// match anything.
type handlerFilter struct {
	event          string
	name           string
	room           string
	home           string
	service        string
	characteristic string
}

type luaEventHandler struct {
	filter handlerFilter
	fn     *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
	logs     func(string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTrackTimeout bounds homescript.track calls that pass no timeout.
func WithTrackTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.trackTimeout = d
	}
}

// WithRunTimeout bounds RunLuaCode.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.runTimeout = d
	}
}

// Engine manages Lua VMs and dispatches store changes and coordinator events
// to scripts.
type Engine struct {
	coord   *coordinator.Coordinator
	manager *Manager
	logger  *slog.Logger

	systemCfg    SystemConfig
	trackTimeout time.Duration
	runTimeout   time.Duration

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new automation engine.
func NewEngine(coord *coordinator.Coordinator, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		coord:        coord,
		manager:      mgr,
		logger:       logger.With("component", "automation"),
		systemCfg:    sysCfg,
		trackTimeout: 30 * time.Second,
		runTimeout:   5 * time.Second,
		vms:          make(map[string]*scriptVM),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to the coordinator and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)

	sub, _ := e.coord.Subscribe()
	e.wg.Add(1)
	go e.consume(sub)

	if e.manager == nil {
		return
	}
	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Stop cancels all VMs and unsubscribes from the coordinator.
func (e *Engine) Stop() {
	e.cancel()
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of the running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary sandboxed VM and captures its log
// output. Handlers registered with homescript.on are invoked once with a
// synthetic change event.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(e.ctx, e.runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		id:       "run",
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logs: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	registerHomescriptModule(L, vm, e)
	registerSystemModule(L, e.systemModule(vm))

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err, e.runTimeout)
			e.logger.Warn("run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(orDefault(h.filter.event, EventChange)))
		for k, v := range map[string]string{
			"name":           h.filter.name,
			"room":           h.filter.room,
			"home":           h.filter.home,
			"service":        h.filter.service,
			"characteristic": h.filter.characteristic,
		} {
			if v != "" {
				ev.RawSetString(k, lua.LString(v))
			}
		}
		ev.RawSetString("value", lua.LTrue)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func runError(err error, timeout time.Duration) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", timeout)
	}
	return msg
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// newSandbox returns a Lua state without file, process or module loading access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// startScript compiles s and runs its top level on the VM goroutine, so a
// script that blocks in homescript.track does not hold up the caller.
func (e *Engine) startScript(s *Script) error {
	L := newSandbox()
	fn, err := L.LoadString(s.LuaCode)
	if err != nil {
		L.Close()
		return fmt.Errorf("compile script %s: %w", s.ID, err)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	L.SetContext(ctx)
	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerHomescriptModule(L, vm, e)
	registerSystemModule(L, e.systemModule(vm))

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer L.Close()

		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			if ctx.Err() == nil {
				e.logger.Error("script failed", "id", s.ID, "err", err)
			}
			e.mu.Lock()
			if e.vms[s.ID] == vm {
				delete(e.vms, s.ID)
			}
			e.mu.Unlock()
			cancel()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// consume feeds store deltas to handlers until the engine stops. A
// subscription dropped for being slow is replaced.
func (e *Engine) consume(sub *store.Subscription) {
	defer e.wg.Done()
	for {
		e.forward(sub)
		sub.Close()
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Warn("change subscription dropped, resubscribing")
		sub, _ = e.coord.Subscribe()
	}
}

func (e *Engine) forward(sub *store.Subscription) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			e.dispatchDelta(d)
		}
	}
}

func (e *Engine) dispatchDelta(d store.Delta) {
	e.dispatch(EventChange, d.Identity, d.Service, d.Characteristic, func(L *lua.LState) *lua.LTable {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(EventChange))
		setIdentity(ev, d.Identity)
		ev.RawSetString("service", lua.LString(d.Service))
		ev.RawSetString("characteristic", lua.LString(d.Characteristic))
		ev.RawSetString("value", valueToLua(d.Record.Value))
		ev.RawSetString("updated_at", lua.LNumber(d.Record.UpdatedAt.Unix()))
		return ev
	})
}

// dispatchEvent routes a coordinator event to matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	id, service, characteristic := eventScope(event)
	data := eventData(event.Data)
	e.dispatch(event.Type, id, service, characteristic, func(L *lua.LState) *lua.LTable {
		ev := L.NewTable()
		if m, ok := data.(map[string]any); ok {
			for k, v := range m {
				ev.RawSetString(k, goToLua(L, v))
			}
		} else if data != nil {
			ev.RawSetString("data", goToLua(L, data))
		}
		ev.RawSetString("type", lua.LString(event.Type))
		if id != (store.Identity{}) {
			setIdentity(ev, id)
		}
		return ev
	})
}

func (e *Engine) dispatch(eventType string, id store.Identity, service, characteristic string, build func(*lua.LState) *lua.LTable) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h.filter, eventType, id, service, characteristic) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, vm, fn, build(L))
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", vm.id, "event", eventType)
			}
		}
	}
}

func matchesHandler(f handlerFilter, eventType string, id store.Identity, service, characteristic string) bool {
	if orDefault(f.event, EventChange) != eventType {
		return false
	}
	for _, c := range [][2]string{
		{f.name, id.Name},
		{f.room, id.Room},
		{f.home, id.Home},
		{f.service, service},
		{f.characteristic, characteristic},
	} {
		if c[0] != "" && c[0] != c[1] {
			return false
		}
	}
	return true
}

// eventScope extracts the accessory, service and characteristic an event
// is about.
func eventScope(event coordinator.Event) (store.Identity, string, string) {
	switch d := event.Data.(type) {
	case store.Identity:
		return d, "", ""
	case coordinator.TrackStatus:
		return d.Identity, "", ""
	case coordinator.WriteError:
		return d.Identity, d.Service, d.Characteristic
	case store.Delta:
		return d.Identity, d.Service, d.Characteristic
	case map[string]any:
		if id, ok := d["identity"].(store.Identity); ok {
			return id, "", ""
		}
	}
	return store.Identity{}, "", ""
}

// eventData converts an event payload into plain maps and slices.
func eventData(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, ev *lua.LTable) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", vm.id, "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && vm.ctx.Err() != nil {
			return
		}
		e.logger.Error("lua handler error", "id", vm.id, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
