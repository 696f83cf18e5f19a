//go:build no_mqtt

package main

import (
	"log/slog"

	"homescript/internal/coordinator"
)

func initMQTT(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) func() {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt.enabled is set but this binary was built with no_mqtt")
	}
	return func() {}
}
