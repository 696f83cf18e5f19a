//go:build !no_automation

package automation

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"homescript/internal/coordinator"
	"homescript/internal/store"
	"homescript/internal/topology"
	"homescript/internal/value"
	"homescript/internal/virtual"
)

var lamp = store.Identity{Name: "Lamp", Room: "Den", Home: "Lake House"}

func lakeHouse() virtual.HomeDef {
	rw := []string{"read", "write", "notify"}
	return virtual.HomeDef{
		Name: "Lake House",
		Accessories: []virtual.AccessoryDef{{
			Name: "Lamp",
			Room: "Den",
			Services: []virtual.ServiceDef{{
				Name: "Lightbulb",
				Type: "Lightbulb",
				Characteristics: []virtual.CharacteristicDef{
					{Name: "On", Type: "On", Perms: rw, Value: false},
					{Name: "Brightness", Type: "Brightness", Perms: rw, Value: 40},
				},
			}},
		}},
	}
}

type fixture struct {
	facade *virtual.Facade
	coord  *coordinator.Coordinator
	engine *Engine
	acc    topology.Accessory
	bulb   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	f := virtual.New(logger)
	if _, err := f.AddHome(lakeHouse()); err != nil {
		t.Fatal(err)
	}
	acc, _ := f.Lookup("Lake House", "Den", "Lamp")

	coord := coordinator.New(f, store.New(logger), coordinator.NewEventBus(logger), logger)
	t.Cleanup(coord.Stop)

	mgr, err := NewManager(filepath.Join(t.TempDir(), "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(coord, mgr, logger, SystemConfig{}, WithTrackTimeout(2*time.Second))
	t.Cleanup(e.Stop)

	return &fixture{facade: f, coord: coord, engine: e, acc: acc, bulb: coordinator.ServiceName(acc.Services[0])}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunTrackAndRead(t *testing.T) {
	fx := newFixture(t)

	res := fx.engine.RunLuaCode(`
local ok, err = homescript.track("Lamp", "Den", "Lake House")
homescript.log(tostring(ok))
local svcs = homescript.services("Lamp", "Den", "Lake House", {name_prefix = "Light"})
homescript.log(tostring(#svcs))
homescript.log(tostring(homescript.get("Lamp", "Den", "Lake House", svcs[1], "Brightness")))
local vals = homescript.values({name = "Lamp", room = "Den", home = "Lake House"}, svcs[1])
homescript.log(tostring(vals.On))
homescript.log(homescript.tracked()[1].name)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"true", "1", "40", "false", "Lamp"}
	if !reflect.DeepEqual(res.Logs, want) {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunTrackTimeout(t *testing.T) {
	fx := newFixture(t)

	res := fx.engine.RunLuaCode(`
local ok, err = homescript.track("Ghost", "Den", "Lake House", 0.05)
homescript.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "nil timeout" {
		t.Errorf("logs = %q, want [nil timeout]", res.Logs)
	}
	if fx.coord.IsTracked(store.Identity{Name: "Ghost", Room: "Den", Home: "Lake House"}) {
		t.Error("timed out accessory is tracked")
	}
}

func TestRunSet(t *testing.T) {
	fx := newFixture(t)

	res := fx.engine.RunLuaCode(`
local acc = {name = "Lamp", room = "Den", home = "Lake House"}
local ok, err = homescript.set(acc, "Lightbulb 0000", "On", true)
homescript.log(err)
homescript.track(acc)
local svc = homescript.services(acc, {char_prefix = "On"})[1]
assert(homescript.set(acc, svc, "On", true))
local _, err = homescript.set(acc, svc, "Hue", 10)
homescript.log(err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"not tracked", "characteristic not found"}
	if !reflect.DeepEqual(res.Logs, want) {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}

	fx.coord.Wait()
	rec, ok := fx.coord.Store().Characteristic(lamp, fx.bulb, "On")
	if !ok || !rec.Value.Equal(value.OfBool(true)) {
		t.Errorf("On = %v, want true", rec.Value)
	}
}

func TestRunSyntaxError(t *testing.T) {
	fx := newFixture(t)
	if res := fx.engine.RunLuaCode(`homescript.log(`); res.OK || res.Error == "" {
		t.Errorf("result = %+v, want error", res)
	}
}

func TestScriptHandlerFollowsChanges(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.manager.Save(&Script{
		ID:   "dim",
		Meta: ScriptMeta{Name: "Dim", Enabled: true},
		LuaCode: `
homescript.track("Lamp", "Den", "Lake House")
homescript.on({name = "Lamp", characteristic = "Brightness"}, function(ev)
    homescript.set(ev, ev.service, "On", ev.value > 50)
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.manager.Save(&Script{ID: "off", Meta: ScriptMeta{Name: "Off"}, LuaCode: `error("never")`}); err != nil {
		t.Fatal(err)
	}

	fx.engine.Start()
	waitFor(t, "handler registration", func() bool {
		fx.engine.mu.Lock()
		vm, ok := fx.engine.vms["dim"]
		fx.engine.mu.Unlock()
		if !ok {
			return false
		}
		vm.mu.Lock()
		defer vm.mu.Unlock()
		return len(vm.handlers) == 1
	})
	if got := fx.engine.Running(); !reflect.DeepEqual(got, []string{"dim"}) {
		t.Errorf("running = %v, want [dim]", got)
	}

	brightness := fx.acc.Services[0].Characteristics[1]
	if err := fx.facade.PushValue(fx.acc.ID, brightness.ID, value.OfInt(80)); err != nil {
		t.Fatal(err)
	}
	on := fx.acc.Services[0].Characteristics[0]
	waitFor(t, "handler write", func() bool {
		v, _ := fx.facade.Value(fx.acc.ID, on.ID)
		return v.Equal(value.OfBool(true))
	})
}

func TestStopUnblocksTrack(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.engine.manager.Save(&Script{
		ID:      "wait",
		Meta:    ScriptMeta{Name: "Wait", Enabled: true},
		LuaCode: `homescript.track("Ghost", "Den", "Lake House", 60)`,
	}); err != nil {
		t.Fatal(err)
	}
	fx.engine.Start()
	waitFor(t, "pending track", func() bool { return len(fx.coord.Pending()) == 1 })

	done := make(chan struct{})
	go func() {
		fx.engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a tracking script")
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name   string
		filter handlerFilter
		event  string
		svc    string
		want   bool
	}{
		{"any change", handlerFilter{}, EventChange, "Lightbulb 1a2b", true},
		{"change filter misses event", handlerFilter{}, coordinator.EventTrackingStarted, "", false},
		{"event type", handlerFilter{event: coordinator.EventTrackingStarted}, coordinator.EventTrackingStarted, "", true},
		{"name", handlerFilter{name: "Lamp"}, EventChange, "", true},
		{"other name", handlerFilter{name: "Fan"}, EventChange, "", false},
		{"service", handlerFilter{service: "Lightbulb 1a2b"}, EventChange, "Lightbulb 1a2b", true},
		{"other service", handlerFilter{service: "Switch 0001"}, EventChange, "Lightbulb 1a2b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.filter, tt.event, lamp, tt.svc, "On"); got != tt.want {
				t.Errorf("got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventScope(t *testing.T) {
	tests := []struct {
		name string
		ev   coordinator.Event
		want store.Identity
		svc  string
	}{
		{"identity", coordinator.Event{Type: coordinator.EventTrackingStarted, Data: lamp}, lamp, ""},
		{"status", coordinator.Event{Data: coordinator.TrackStatus{Identity: lamp}}, lamp, ""},
		{"ended", coordinator.Event{Data: map[string]any{"identity": lamp, "reason": "gone"}}, lamp, ""},
		{"delta", coordinator.Event{Data: store.Delta{Identity: lamp, Service: "S"}}, lamp, "S"},
		{"home", coordinator.Event{Data: topology.Home{ID: "h", Name: "Lake House"}}, store.Identity{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, svc, _ := eventScope(tt.ev)
			if id != tt.want || svc != tt.svc {
				t.Errorf("got = %v %q, want %v %q", id, svc, tt.want, tt.svc)
			}
		})
	}
}

func TestLuaValueConversion(t *testing.T) {
	tests := []struct {
		lv   lua.LValue
		want value.Value
	}{
		{lua.LNil, value.Null()},
		{lua.LTrue, value.OfBool(true)},
		{lua.LString("x"), value.OfString("x")},
		{lua.LNumber(40), value.OfInt(40)},
		{lua.LNumber(0.5), value.OfDouble(0.5)},
	}
	for _, tt := range tests {
		got, err := luaToValue(tt.lv)
		if err != nil {
			t.Fatalf("luaToValue(%v): %v", tt.lv, err)
		}
		if got.Kind() != tt.want.Kind() || !got.Equal(tt.want) {
			t.Errorf("luaToValue(%v) = %v, want %v", tt.lv, got, tt.want)
		}
		if back := valueToLua(got); back != tt.lv {
			t.Errorf("valueToLua(%v) = %v, want %v", got, back, tt.lv)
		}
	}

	L := lua.NewState()
	defer L.Close()
	if _, err := luaToValue(L.NewTable()); err == nil {
		t.Error("table accepted as a value")
	}
}
