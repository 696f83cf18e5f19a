package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"homescript/internal/coordinator"
	"homescript/internal/homebridge"
	"homescript/internal/session"
	"homescript/internal/store"
	"homescript/internal/topology"
	"homescript/internal/virtual"
	"homescript/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("homescript starting", "version", version, "facade", cfg.Facade)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	facade, closeFacade, err := createFacade(ctx, cfg, logger)
	if err != nil {
		logger.Error("create facade", "err", err)
		os.Exit(1)
	}
	defer closeFacade()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(facade, store.New(logger), events, logger)

	// Start automation engine (no-op when built with no_automation tag).
	stopAutomation, autoWebOpts := initAutomation(coord, cfg, logger)

	trackTimeout := duration(cfg.TrackTimeout, 30*time.Second)
	sessions := session.NewManager(logger, session.DefaultRetained)
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithSessions(sessions),
		web.WithTrackTimeout(trackTimeout),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming /ws and blocking POST /api/track
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	stopMQTT := initMQTT(coord, cfg, logger)

	var tracking sync.WaitGroup
	for _, entry := range cfg.Track {
		id, _ := entry.identity()
		tracking.Add(1)
		go func() {
			defer tracking.Done()
			trackAtStartup(ctx, coord, id, trackTimeout, logger)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	tracking.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopAutomation()
	stopMQTT()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func trackAtStartup(ctx context.Context, coord *coordinator.Coordinator, id store.Identity, timeout time.Duration, logger *slog.Logger) {
	_, ok, err := coord.TrackTimeout(ctx, id, timeout)
	switch {
	case err != nil:
		logger.Warn("startup track failed", "identity", id, "err", err)
	case !ok:
		logger.Warn("startup track: accessory gone", "identity", id)
	}
}

// createFacade builds the configured device platform. The returned func
// releases its resources.
func createFacade(ctx context.Context, cfg *Config, logger *slog.Logger) (topology.Facade, func(), error) {
	switch cfg.Facade {
	case "homebridge":
		f := homebridge.New(homebridge.Config{
			URL:          cfg.Homebridge.URL,
			Token:        cfg.Homebridge.Token,
			Home:         cfg.Homebridge.Home,
			PollInterval: duration(cfg.Homebridge.PollInterval, 5*time.Second),
		}, logger)
		go f.Run(ctx)
		logger.Info("using homebridge facade", "url", cfg.Homebridge.URL)
		return f, func() {}, nil

	case "virtual":
		var opts []virtual.Option
		closeFn := func() {}
		if cfg.Virtual.StatePath != "" {
			st, err := virtual.NewBoltState(cfg.Virtual.StatePath)
			if err != nil {
				return nil, nil, fmt.Errorf("open virtual state: %w", err)
			}
			opts = append(opts, virtual.WithState(st))
			closeFn = func() { st.Close() }
		}
		f := virtual.New(logger, opts...)
		defs, err := virtual.LoadHomesDir(cfg.Virtual.HomesDir, logger)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("load homes: %w", err)
		}
		if err := f.Load(defs); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("load homes: %w", err)
		}
		logger.Info("using virtual facade", "homes", len(defs))
		return f, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown facade: %q (supported: virtual, homebridge)", cfg.Facade)
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
