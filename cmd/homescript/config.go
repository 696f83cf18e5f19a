package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"homescript/internal/store"
)

// Config is the daemon configuration file.
type Config struct {
	Facade  string `yaml:"facade"` // "virtual" or "homebridge"
	Virtual struct {
		HomesDir  string `yaml:"homes_dir"`
		StatePath string `yaml:"state_path"`
	} `yaml:"virtual"`
	Homebridge struct {
		URL          string `yaml:"url"`
		Token        string `yaml:"token"`
		Home         string `yaml:"home"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"homebridge"`
	Track        []TrackEntry `yaml:"track"`
	TrackTimeout string       `yaml:"track_timeout"`
	Web          struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// TrackEntry is an accessory tracked at startup.
type TrackEntry struct {
	Name string `yaml:"name"`
	Room string `yaml:"room"`
	Home string `yaml:"home"`
}

func (c *Config) validate() error {
	switch c.Facade {
	case "virtual":
	case "homebridge":
		if c.Homebridge.URL == "" {
			return fmt.Errorf("homebridge.url is required")
		}
	default:
		return fmt.Errorf("facade must be virtual or homebridge, got %q", c.Facade)
	}
	for name, d := range map[string]string{
		"track_timeout":            c.TrackTimeout,
		"homebridge.poll_interval": c.Homebridge.PollInterval,
		"exec.timeout":             c.Exec.Timeout,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for i, t := range c.Track {
		if _, err := t.identity(); err != nil {
			return fmt.Errorf("track[%d]: %w", i, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (t TrackEntry) identity() (store.Identity, error) {
	return store.ParseIdentity([]string{t.Name, t.Room, t.Home})
}

// duration parses an already validated duration, falling back to def.
func duration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Facade == "" {
		cfg.Facade = "virtual"
	}
	if cfg.Virtual.HomesDir == "" {
		cfg.Virtual.HomesDir = "homes"
	}
	if cfg.TrackTimeout == "" {
		cfg.TrackTimeout = "30s"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "homescript"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "homescript"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}
