//go:build !no_automation

package automation

import (
	"errors"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"homescript/internal/coordinator"
	"homescript/internal/store"
	"homescript/internal/value"
)

const maxHandlersPerScript = 100

// registerHomescriptModule registers the `homescript` global table in a Lua state.
//
// Functions taking an accessory accept either (name, room, home) or a single
// table {name=..., room=..., home=...}.
func registerHomescriptModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]func(*lua.LState) int{
		"track":              func(L *lua.LState) int { return hsTrack(L, vm, e) },
		"get":                func(L *lua.LState) int { return hsGet(L, e) },
		"set":                func(L *lua.LState) int { return hsSet(L, vm, e) },
		"services":           func(L *lua.LState) int { return hsServices(L, e) },
		"characteristics":    func(L *lua.LState) int { return hsCharacteristics(L, e) },
		"values":             func(L *lua.LState) int { return hsValues(L, e) },
		"tracked":            func(L *lua.LState) int { return hsTracked(L, e) },
		"write_errors":       func(L *lua.LState) int { return hsWriteErrors(L, e) },
		"clear_write_errors": func(L *lua.LState) int { e.coord.ClearWriteErrors(); return 0 },
		"on":                 func(L *lua.LState) int { return hsOn(L, vm) },
		"after":              func(L *lua.LState) int { return hsAfter(L, vm, e) },
		"log":                func(L *lua.LState) int { return hsLog(L, vm, e) },
	}
	mod := L.NewTable()
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("homescript", mod)
}

// checkIdentity reads an accessory starting at argument n and returns it with
// the index of the next argument.
func checkIdentity(L *lua.LState, n int) (store.Identity, int) {
	if tbl, ok := L.Get(n).(*lua.LTable); ok {
		id := store.Identity{
			Name: lua.LVAsString(tbl.RawGetString("name")),
			Room: lua.LVAsString(tbl.RawGetString("room")),
			Home: lua.LVAsString(tbl.RawGetString("home")),
		}
		if id.Name == "" || id.Home == "" {
			L.ArgError(n, "accessory table needs name and home")
		}
		return id, n + 1
	}
	id, err := store.ParseIdentity([]string{L.CheckString(n), L.OptString(n+1, ""), L.CheckString(n + 2)})
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return id, n + 3
}

// errorCode names a coordinator error for scripts.
func errorCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrTimeout):
		return "timeout"
	case errors.Is(err, coordinator.ErrIdentityConflict):
		return "conflict"
	case errors.Is(err, coordinator.ErrNotTracked):
		return "not tracked"
	case errors.Is(err, coordinator.ErrServiceNotFound):
		return "service not found"
	case errors.Is(err, coordinator.ErrCharacteristicNotFound):
		return "characteristic not found"
	case errors.Is(err, coordinator.ErrDiscoveryAborted):
		return "aborted"
	default:
		return err.Error()
	}
}

// homescript.track(accessory[, timeout_s]) -> true | false | nil, reason
//
// Blocks the script until the accessory's first values are stored. false
// means the accessory went away before that.
func hsTrack(L *lua.LState, vm *scriptVM, e *Engine) int {
	id, next := checkIdentity(L, 1)
	timeout := e.trackTimeout
	if L.GetTop() >= next {
		timeout = time.Duration(float64(L.CheckNumber(next)) * float64(time.Second))
	}

	_, ok, err := e.coord.TrackTimeout(vm.ctx, id, timeout)
	if err != nil {
		e.logger.Info("script track failed", "script", vm.id, "identity", id, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(errorCode(err)))
		return 2
	}
	L.Push(lua.LBool(ok))
	return 1
}

// homescript.get(accessory, service, characteristic) -> value, updated_at
func hsGet(L *lua.LState, e *Engine) int {
	id, next := checkIdentity(L, 1)
	svc := L.CheckString(next)
	char := L.CheckString(next + 1)

	rec, ok := e.coord.Store().Characteristic(id, svc, char)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(valueToLua(rec.Value))
	L.Push(lua.LNumber(rec.UpdatedAt.Unix()))
	return 2
}

// homescript.set(accessory, service, characteristic, value) -> true | nil, reason
//
// true means the write was accepted. Failures of accepted writes show up in
// write_errors().
func hsSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	id, next := checkIdentity(L, 1)
	svc := L.CheckString(next)
	char := L.CheckString(next + 1)
	v, err := luaToValue(L.Get(next + 2))
	if err != nil {
		L.ArgError(next+2, err.Error())
		return 0
	}

	if err := e.coord.SetCharacteristic(vm.ctx, id, svc, char, v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(errorCode(err)))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// homescript.services(accessory[, {name_prefix=, char_prefix=, value=}]) -> {names}
func hsServices(L *lua.LState, e *Engine) int {
	id, next := checkIdentity(L, 1)
	var f store.ServiceFilter
	if tbl, ok := L.Get(next).(*lua.LTable); ok {
		f.NamePrefix = lua.LVAsString(tbl.RawGetString("name_prefix"))
		f.CharacteristicPrefix = lua.LVAsString(tbl.RawGetString("char_prefix"))
		if lv := tbl.RawGetString("value"); lv != lua.LNil {
			v, err := luaToValue(lv)
			if err != nil {
				L.ArgError(next, err.Error())
				return 0
			}
			f.Value = &v
		}
	}
	L.Push(stringList(L, e.coord.Store().Services(id, f)))
	return 1
}

// homescript.characteristics(accessory, service) -> {names}
func hsCharacteristics(L *lua.LState, e *Engine) int {
	id, next := checkIdentity(L, 1)
	svc := L.CheckString(next)
	L.Push(stringList(L, e.coord.Store().Characteristics(id, svc)))
	return 1
}

// homescript.values(accessory, service) -> {characteristic = value}
func hsValues(L *lua.LState, e *Engine) int {
	id, next := checkIdentity(L, 1)
	svc := L.CheckString(next)
	tbl := L.NewTable()
	for name, rec := range e.coord.Store().CharacteristicsAndValues(id, svc) {
		tbl.RawSetString(name, valueToLua(rec.Value))
	}
	L.Push(tbl)
	return 1
}

// homescript.tracked() -> {{name=, room=, home=}, ...}
func hsTracked(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, id := range e.coord.Tracked() {
		t := L.NewTable()
		setIdentity(t, id)
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// homescript.write_errors() -> {{name=, room=, home=, service=, characteristic=, value=, error=, at=}, ...}
func hsWriteErrors(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, we := range e.coord.WriteErrors() {
		t := L.NewTable()
		setIdentity(t, we.Identity)
		t.RawSetString("service", lua.LString(we.Service))
		t.RawSetString("characteristic", lua.LString(we.Characteristic))
		t.RawSetString("value", valueToLua(we.Value))
		t.RawSetString("error", lua.LString(we.Err.Error()))
		t.RawSetString("at", lua.LNumber(we.At.Unix()))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// homescript.on(filter, fn)
//
// filter keys: event (default "change"), name, room, home, service,
// characteristic.
func hsOn(L *lua.LState, vm *scriptVM) int {
	filterTable := L.CheckTable(1)
	fn := L.CheckFunction(2)

	h := luaEventHandler{
		filter: handlerFilter{
			event:          lua.LVAsString(filterTable.RawGetString("event")),
			name:           lua.LVAsString(filterTable.RawGetString("name")),
			room:           lua.LVAsString(filterTable.RawGetString("room")),
			home:           lua.LVAsString(filterTable.RawGetString("home")),
			service:        lua.LVAsString(filterTable.RawGetString("service")),
			characteristic: lua.LVAsString(filterTable.RawGetString("characteristic")),
		},
		fn: fn,
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// homescript.after(seconds, fn)
func hsAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full", "id", vm.id)
		}
	}()
	return 0
}

// homescript.log(msg)
func hsLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logs != nil {
		vm.logs(msg)
	}
	e.logger.Info("script log", "id", vm.id, "msg", msg)
	return 0
}

func setIdentity(t *lua.LTable, id store.Identity) {
	t.RawSetString("name", lua.LString(id.Name))
	t.RawSetString("room", lua.LString(id.Room))
	t.RawSetString("home", lua.LString(id.Home))
}

func stringList(L *lua.LState, items []string) *lua.LTable {
	tbl := L.NewTable()
	for i, s := range items {
		tbl.RawSetInt(i+1, lua.LString(s))
	}
	return tbl
}

// valueToLua maps absent to nil and numbers to Lua numbers.
func valueToLua(v value.Value) lua.LValue {
	switch v.Kind() {
	case value.String:
		s, _ := v.AsString()
		return lua.LString(s)
	case value.Bool:
		b, _ := v.AsBool()
		return lua.LBool(b)
	case value.Int:
		i, _ := v.AsInt()
		return lua.LNumber(i)
	case value.Double:
		f, _ := v.AsDouble()
		return lua.LNumber(f)
	default:
		return lua.LNil
	}
}

// luaToValue turns integral numbers into Int and other numbers into Double.
func luaToValue(lv lua.LValue) (value.Value, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return value.Null(), nil
	case lua.LBool:
		return value.OfBool(bool(v)), nil
	case lua.LString:
		return value.OfString(string(v)), nil
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return value.OfInt(int64(f)), nil
		}
		return value.OfDouble(f), nil
	default:
		return value.Null(), errors.New("value must be nil, boolean, number or string")
	}
}
