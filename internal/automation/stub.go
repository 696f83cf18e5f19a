//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"homescript/internal/coordinator"
)

// This file stands in for the Lua engine when built with no_automation.
// NewManager returns a nil manager, which keeps /api/automations at 503.

var ErrScriptNotFound = errors.New("script not found")

var disabledResult = &RunResult{Error: "automation disabled", Logs: []string{}}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

type Option func(*Engine)

func WithTrackTimeout(time.Duration) Option { return func(*Engine) {} }
func WithRunTimeout(time.Duration) Option   { return func(*Engine) {} }

type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (*Manager) List() ([]*Script, error)        { return nil, nil }
func (*Manager) Get(string) (*Script, error)     { return nil, ErrScriptNotFound }
func (*Manager) Save(s *Script) (*Script, error) { return s, nil }
func (*Manager) Delete(string) error             { return ErrScriptNotFound }

type Engine struct{}

func NewEngine(*coordinator.Coordinator, *Manager, *slog.Logger, SystemConfig, ...Option) *Engine {
	return &Engine{}
}

func (*Engine) Start()                      {}
func (*Engine) Stop()                       {}
func (*Engine) Running() []string           { return nil }
func (*Engine) ReloadScript(string) error   { return nil }
func (*Engine) StopScript(string)           {}
func (*Engine) RunScript(string) *RunResult { return disabledResult }
func (*Engine) RunLuaCode(string) *RunResult {
	return disabledResult
}
