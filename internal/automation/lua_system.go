//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxExecOutput = 64 << 10

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute command paths scripts may run
	ExecTimeout   time.Duration // per command; zero means 10s
}

// systemModule backs the `system` global of one VM.
type systemModule struct {
	cfg    SystemConfig
	logger *slog.Logger
	vm     *scriptVM // nil outside a script VM
	now    func() time.Time
}

func (e *Engine) systemModule(vm *scriptVM) *systemModule {
	return &systemModule{cfg: e.systemCfg, logger: e.logger, vm: vm, now: time.Now}
}

func registerSystemModule(L *lua.LState, m *systemModule) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     m.datetime,
		"time_between": m.timeBetween,
		"sleep":        m.sleep,
		"log":          m.log,
		"exec":         m.exec,
	}))
}

func (m *systemModule) ctx() context.Context {
	if m.vm != nil && m.vm.ctx != nil {
		return m.vm.ctx
	}
	return context.Background()
}

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// system.datetime(component)
func (m *systemModule) datetime(L *lua.LState) int {
	component := L.CheckString(1)
	get, ok := datetimeComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(get(m.now()))
	return 1
}

// system.time_between(from, to) takes hours (22) or "HH:MM" strings. The
// range is half-open and may wrap midnight.
func (m *systemModule) timeBetween(L *lua.LState) int {
	from, err := minuteOfDay(L.CheckAny(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := minuteOfDay(L.CheckAny(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	now := m.now()
	cur := now.Hour()*60 + now.Minute()

	var in bool
	if from <= to {
		in = cur >= from && cur < to
	} else {
		in = cur >= from || cur < to
	}
	L.Push(lua.LBool(in))
	return 1
}

func minuteOfDay(v lua.LValue) (int, error) {
	switch v := v.(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			return 0, fmt.Errorf("hour out of range: %d", h)
		}
		return h * 60, nil
	case lua.LString:
		t, err := time.Parse("15:04", string(v))
		if err != nil {
			return 0, fmt.Errorf("want HH:MM, got %q", string(v))
		}
		return t.Hour()*60 + t.Minute(), nil
	}
	return 0, fmt.Errorf("want hour or HH:MM, got %s", v.Type())
}

// system.sleep(seconds) returns false when the script is stopped first.
func (m *systemModule) sleep(L *lua.LState) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		L.Push(lua.LTrue)
	case <-m.ctx().Done():
		L.Push(lua.LFalse)
	}
	return 1
}

// system.log(level, msg)
func (m *systemModule) log(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if m.vm != nil && m.vm.logs != nil {
		m.vm.logs("[" + level + "] " + msg)
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	attrs := []any{"message", msg}
	if m.vm != nil {
		attrs = append(attrs, "script", m.vm.id)
	}
	m.logger.Log(m.ctx(), lvl, "script log", attrs...)
	return 0
}

// system.exec(cmd) runs an allowlisted absolute command and returns its
// stdout, or nil and an error message.
func (m *systemModule) exec(L *lua.LState) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	fail := func(msg string) int {
		m.logger.Warn("exec refused", "cmd", binary, "reason", msg)
		L.Push(lua.LNil)
		L.Push(lua.LString(msg))
		return 2
	}
	if !filepath.IsAbs(binary) {
		return fail("not an absolute path")
	}
	if !slices.Contains(m.cfg.ExecAllowlist, binary) {
		return fail("not in allowlist")
	}

	timeout := m.cfg.ExecTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(m.ctx(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fail("timeout after " + timeout.String())
		}
		return fail(err.Error())
	}
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	L.Push(lua.LString(out))
	return 1
}
