package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexdns/notifyd/internal/notify/common/clock"
	"github.com/hexdns/notifyd/internal/notify/common/log"
	"github.com/hexdns/notifyd/internal/notify/gateways/transport"
	"github.com/hexdns/notifyd/internal/notify/gateways/wire"
	"github.com/hexdns/notifyd/internal/notify/infra/config"
	"github.com/hexdns/notifyd/internal/notify/infra/metrics"
	"github.com/hexdns/notifyd/internal/notify/repos/ackstate"
	"github.com/hexdns/notifyd/internal/notify/repos/zones"
	"github.com/hexdns/notifyd/internal/notify/services/notifier"
)

const (
	version = "0.1.0-dev"
	appName = "notifyd"
)

// Application holds all the components of the notify daemon.
type Application struct {
	config  *config.AppConfig
	engine  *notifier.Engine
	watcher *zones.Watcher
	store   *ackstate.Store
	metrics *metrics.Metrics
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":        version,
		"env":            cfg.Env,
		"log_level":      cfg.LogLevel,
		"zone_dir":       cfg.ZoneDir,
		"state_path":     cfg.StatePath,
		"retry_interval": cfg.RetryInterval,
		"max_retries":    cfg.MaxRetries,
	}, "Starting notifyd")

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				log.Info(nil, "SIGHUP received, reloading zones")
				app.watcher.Reload()
				continue
			}
			log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
			cancel()
			return
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Daemon failed")
	}

	log.Info(nil, "notifyd stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()
	clk := &clock.RealClock{}
	codec := wire.NewNotifyCodec(logger)
	dialer := transport.NewUDPDialer(transport.Options{})

	loaded, err := zones.LoadDirectory(cfg.ZoneDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	keys, err := zones.MergeKeys(loaded)
	if err != nil {
		return nil, err
	}

	var store *ackstate.Store
	if cfg.StatePath != "" {
		store, err = ackstate.New(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ack state: %w", err)
		}
		logger.Info(map[string]any{
			"path": cfg.StatePath,
			"acks": store.Count(),
		}, "Opened ack state database")
	}

	var m *metrics.Metrics
	var engineMetrics notifier.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		engineMetrics = m
	}

	engineOpts := notifier.Options{
		Codec:         codec,
		Dialer:        dialer,
		Clock:         clk,
		Logger:        logger,
		Metrics:       engineMetrics,
		Keys:          keys,
		RetryInterval: time.Duration(cfg.RetryInterval) * time.Second,
		MaxRetries:    cfg.MaxRetries,
		RejectBurst:   cfg.RejectBurst,
	}
	if store != nil {
		engineOpts.Store = store
	}
	engine, err := notifier.New(engineOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build notify engine: %w", err)
	}

	for _, z := range loaded {
		if err := engine.Register(z.Apex, z.Targets); err != nil {
			return nil, err
		}
	}
	logger.Info(map[string]any{"zones": len(loaded)}, "Zones registered")

	watcher := zones.NewWatcher(cfg.ZoneDir,
		time.Duration(cfg.PollInterval)*time.Second, logger, engine.Arm)
	watcher.Prime(loaded)

	return &Application{
		config:  cfg,
		engine:  engine,
		watcher: watcher,
		store:   store,
		metrics: m,
	}, nil
}

// Run starts the engine, watcher, and metrics endpoint, and blocks until
// the context is cancelled.
func (app *Application) Run(ctx context.Context) error {
	go app.engine.Run()
	go app.watcher.Run(ctx)

	var metricsSrv *http.Server
	if app.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.metrics.Handler())
		metricsSrv = &http.Server{Addr: app.config.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(map[string]any{"error": err.Error()}, "Metrics endpoint failed")
			}
		}()
		log.Info(map[string]any{"address": app.config.MetricsAddr}, "Metrics endpoint started")
	}

	<-ctx.Done()

	// Force-close every open notify socket before the process exits.
	app.engine.ShutdownAll()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing ack state")
		}
	}
	return nil
}
