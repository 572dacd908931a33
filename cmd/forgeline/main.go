// Forgeline control plane. Serves the HTTP API, watches for ready
// features, drives pipeline workers, and manages interactive work
// sessions with their prompt queues.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgeline/forgeline/pkg/api"
	"github.com/forgeline/forgeline/pkg/cleanup"
	"github.com/forgeline/forgeline/pkg/config"
	"github.com/forgeline/forgeline/pkg/database"
	"github.com/forgeline/forgeline/pkg/driver"
	"github.com/forgeline/forgeline/pkg/events"
	"github.com/forgeline/forgeline/pkg/github"
	"github.com/forgeline/forgeline/pkg/monitor"
	"github.com/forgeline/forgeline/pkg/pipeline"
	"github.com/forgeline/forgeline/pkg/queue"
	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/slack"
	"github.com/forgeline/forgeline/pkg/slots"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/forgeline/forgeline/pkg/store/entstore"
	"github.com/forgeline/forgeline/pkg/store/memstore"
	"github.com/forgeline/forgeline/pkg/tracker"
	"github.com/forgeline/forgeline/pkg/version"
	"github.com/forgeline/forgeline/pkg/watcher"
)

// shutdownTimeout bounds the staged shutdown: watcher drain and session
// teardown share it, the HTTP server gets its own budget below.
const shutdownTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configFile := flag.String("config",
		getEnv("FORGELINE_CONFIG", "forgeline.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env before the config initializes, so env overrides see it.
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	slog.Info("Starting forgeline",
		"version", version.Full(),
		"config_file", *configFile)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configFile)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the store: PostgreSQL through ent, or the in-memory store
	// for single-process local setups
	var (
		st       store.Store
		dbClient *database.Client
	)
	switch mode := getEnv("STORE", "postgres"); mode {
	case "memory":
		st = memstore.New()
		slog.Info("Using in-memory store")
	case "postgres":
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		st = entstore.New(dbClient.Client)
		slog.Info("Connected to PostgreSQL database")
	default:
		slog.Error("Unknown STORE value", "store", mode)
		os.Exit(1)
	}

	// 3. One-time startup orphan recovery
	if recovered, err := cleanup.RecoverOrphans(ctx, st); err != nil {
		slog.Error("Failed to recover orphaned runs", "error", err)
		// Non-fatal, continue
	} else if recovered > 0 {
		slog.Info("Recovered orphaned runs", "count", recovered)
	}

	// 4. Streaming infrastructure
	bus := events.NewBus()
	defer bus.Stop()
	connManager := events.NewConnectionManager(bus, 10*time.Second)
	slog.Info("Streaming infrastructure initialized")

	// 5. Worker driver
	var drv driver.Driver
	switch cfg.Worker.Mode {
	case config.WorkerModeRemote:
		remote, err := driver.NewRemoteDriver(cfg.Worker.RunnerAddr, cfg.Worker.Image)
		if err != nil {
			slog.Error("Failed to initialize remote driver",
				"addr", cfg.Worker.RunnerAddr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := remote.Close(); err != nil {
				slog.Error("Error closing remote driver", "error", err)
			}
		}()
		drv = remote
		slog.Info("Remote worker driver initialized", "addr", cfg.Worker.RunnerAddr)
	default:
		drv = driver.NewLocalDriver(cfg.Worker.Entrypoint, cfg.Worker.WorkRoot)
		slog.Info("Local worker driver initialized",
			"entrypoint", cfg.Worker.Entrypoint, "work_root", cfg.Worker.WorkRoot)
	}

	// 6. Git credential source
	var tokens github.TokenSource
	if cfg.GitHub.AppConfigured() {
		pem, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
		if err != nil {
			slog.Error("Failed to read GitHub App private key",
				"path", cfg.GitHub.PrivateKeyPath, "error", err)
			os.Exit(1)
		}
		appTokens, err := github.NewAppTokenSource(cfg.GitHub.AppID, cfg.GitHub.InstallationID, pem)
		if err != nil {
			slog.Error("Failed to initialize GitHub App token source", "error", err)
			os.Exit(1)
		}
		tokens = appTokens
		slog.Info("GitHub App token source initialized", "app_id", cfg.GitHub.AppID)
	} else if token := os.Getenv(cfg.GitHub.TokenEnv); token != "" {
		tokens = github.NewStaticTokenSource(token)
		slog.Info("Static token source initialized", "token_env", cfg.GitHub.TokenEnv)
	} else {
		slog.Warn("No git credentials configured, workers run without a token",
			"token_env", cfg.GitHub.TokenEnv)
	}

	// 7. Issue tracker sync
	var hook tracker.Hook = tracker.NewNop()
	if key := os.Getenv(cfg.Tracker.APIKeyEnv); key != "" {
		var opts []tracker.LinearOption
		if cfg.Tracker.Endpoint != "" {
			opts = append(opts, tracker.WithEndpoint(cfg.Tracker.Endpoint))
		}
		hook = tracker.NewLinear(key, opts...)
		slog.Info("Linear tracker sync enabled")
	}

	// 8. Slack notifications
	var notifier *slack.Service
	if cfg.Slack.Enabled {
		notifier = slack.NewService(slack.ServiceConfig{
			Token:        os.Getenv(cfg.Slack.TokenEnv),
			Channel:      cfg.Slack.Channel,
			DashboardURL: cfg.Server.DashboardURL,
		})
		if notifier == nil {
			slog.Warn("Slack enabled but token missing, notifications disabled",
				"token_env", cfg.Slack.TokenEnv)
		} else {
			slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
		}
	}

	// 9. Pipeline engine and feature watcher
	engine := pipeline.New(pipeline.Config{
		Store:           st,
		Driver:          drv,
		Monitor:         monitor.New(st, bus),
		Tokens:          tokens,
		Hook:            hook,
		Notifier:        notifier,
		MaxStepRetries:  cfg.Dispatch.MaxStepRetries,
		MaxReviewCycles: cfg.Dispatch.MaxReviewCycles,
		Watch: monitor.Options{
			PollInterval:         cfg.Worker.PollInterval,
			StatusUpdateInterval: cfg.Worker.StatusUpdateInterval,
			RunTimeout:           cfg.Worker.RunTimeout,
		},
	})
	featureWatcher := watcher.New(st, slots.NewManager(), engine, watcher.Options{
		ScanInterval: cfg.Dispatch.WatchInterval,
		ScanJitter:   cfg.Dispatch.WatchIntervalJitter,
		AutoDispatch: cfg.Dispatch.AutoDispatch,
	})
	featureWatcher.Start(ctx)
	slog.Info("Feature watcher started",
		"auto_dispatch", cfg.Dispatch.AutoDispatch,
		"scan_interval", cfg.Dispatch.WatchInterval)

	// 10. Work sessions and the prompt queue
	sessionMgr := session.NewManager(st, bus, session.Config{
		CLI:               cfg.Session.CLI,
		WorkspaceRoot:     cfg.Session.WorkspaceRoot,
		InactivityTimeout: cfg.Session.InactivityTimeout,
	})
	queueMgr := queue.NewManager(st, tokens)
	queueMgr.SetSessionManager(sessionMgr)
	sessionMgr.SetOnSessionEnd(queueMgr.HandleSessionEnd)
	slog.Info("Session manager initialized", "cli", cfg.Session.CLI)

	// 11. Retention cleanup
	retention := cleanup.NewService(cfg.Retention, st)
	retention.Start(ctx)
	defer retention.Stop()

	// 12. HTTP server
	httpServer := api.NewServer(cfg.Server, st, sessionMgr, queueMgr, bus, connManager)
	if dbClient != nil {
		httpServer.SetDatabaseClient(dbClient)
	}
	httpServer.SetDispatcher(featureWatcher)
	if tokens != nil {
		httpServer.SetTokenSource(tokens)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Server.HTTPAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("forgeline started",
		"addr", cfg.Server.HTTPAddr,
		"worker_mode", cfg.Worker.Mode)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	// Stop the watcher first so nothing new starts, then wait for
	// in-flight pipelines.
	featureWatcher.Stop()
	if err := featureWatcher.Drain(shutdownCtx); err != nil {
		slog.Warn("Shutdown timeout exceeded, in-flight pipelines will be orphan-recovered")
	} else {
		slog.Info("Pipelines drained")
	}

	// Queue dispatch stops before sessions are torn down so the drain
	// cannot respawn workers.
	queueMgr.Stop()

	sessionsDone := make(chan struct{})
	go func() {
		if err := sessionMgr.Cleanup(); err != nil {
			slog.Error("Error ending work sessions", "error", err)
		}
		close(sessionsDone)
	}()

	select {
	case <-sessionsDone:
		slog.Info("Work sessions ended")
	case <-shutdownCtx.Done():
		slog.Warn("Session shutdown timeout exceeded")
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
