//go:build no_automation

package main

import (
	"log/slog"

	"homescript/internal/coordinator"
	"homescript/internal/web"
)

func initAutomation(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) (func(), []web.ServerOption) {
	return func() {}, nil
}
