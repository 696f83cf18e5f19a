//go:build !no_mqtt

package main

import (
	"log/slog"

	"homescript/internal/coordinator"
	mqttbridge "homescript/internal/mqtt"
)

// initMQTT starts the MQTT bridge when enabled and returns its stop func.
// A broker that cannot be reached leaves the daemon running without MQTT.
func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) func() {
	if !cfg.MQTT.Enabled {
		return func() {}
	}
	bridge, err := mqttbridge.NewBridge(coord, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("MQTT bridge disabled", "broker", cfg.MQTT.Broker, "err", err)
		return func() {}
	}
	bridge.Start()
	return bridge.Stop
}
