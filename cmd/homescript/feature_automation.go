//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"homescript/internal/automation"
	"homescript/internal/coordinator"
	"homescript/internal/web"
)

// initAutomation starts the Lua engine over the scripts directory. The
// returned options expose /api/automations.
func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (func(), []web.ServerOption) {
	scripts, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("automation disabled", "scripts_dir", cfg.ScriptsDir, "err", err)
		return func() {}, nil
	}

	engine := automation.NewEngine(coord, scripts, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Exec.Allowlist,
			ExecTimeout:   duration(cfg.Exec.Timeout, 10*time.Second),
		},
		automation.WithTrackTimeout(duration(cfg.TrackTimeout, 30*time.Second)),
	)
	engine.Start()
	return engine.Stop, []web.ServerOption{web.WithAutomation(engine, scripts)}
}
