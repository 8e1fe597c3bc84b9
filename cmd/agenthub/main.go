package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agenthub-ai/agenthub/internal/backend"
	"github.com/agenthub-ai/agenthub/internal/catalog"
	"github.com/agenthub-ai/agenthub/internal/config"
	"github.com/agenthub-ai/agenthub/internal/events"
	"github.com/agenthub-ai/agenthub/internal/llm"
	"github.com/agenthub-ai/agenthub/internal/logger"
	"github.com/agenthub-ai/agenthub/internal/orchestrator"
	"github.com/agenthub-ai/agenthub/internal/pidfile"
	"github.com/agenthub-ai/agenthub/internal/registry"
	"github.com/agenthub-ai/agenthub/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", config.GetConfigPath(), "path to the config file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn, error, none (overrides config)")
	noWatch := flag.Bool("no-watch", false, "disable config file watching")
	noCheckpoint := flag.Bool("no-checkpoint", false, "disable conversation persistence")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Environment and flags override the config file for logging.
	if envLevel := strings.TrimSpace(os.Getenv("AGENTHUB_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("AGENTHUB_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	var loggerInitialized bool
	defer func() {
		if !loggerInitialized {
			return
		}
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("initializing logger: %w", initErr)
	}
	loggerInitialized = true
	logger.Info("agenthub starting")

	pf := pidfile.New(cfg.PidPath())
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if releaseErr := pf.Release(); releaseErr != nil {
			logger.Warn("releasing pidfile: %v", releaseErr)
		}
	}()

	apiKey, err := cfg.Provider.ResolveAPIKey()
	if err != nil {
		return err
	}
	model, err := llm.NewClient(cfg.Provider.Provider, apiKey, cfg.Provider.Model, cfg.Provider.BaseURL)
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}
	logger.Info("model provider %s (%s)", cfg.Provider.Provider, model.ModelName())

	hub := events.NewHub()

	compile := func(cat *catalog.Catalog, invoker orchestrator.Invoker) (*orchestrator.Graph, error) {
		return orchestrator.Compile(orchestrator.Options{
			Client:      model,
			Catalog:     cat,
			Invoker:     invoker,
			Events:      hub,
			MaxLoops:    cfg.MaxGraphLoops,
			WindowTurns: cfg.HistoryWindowTurns,
			TokenBudget: cfg.HistoryTokenBudget,
			Temperature: cfg.Provider.Temperature,
			MaxTokens:   cfg.Provider.MaxTokens,
		})
	}

	store := registry.NewStore(
		time.Duration(cfg.RemovalCooldownSeconds)*time.Second,
		time.Duration(cfg.TenantTTLSeconds)*time.Second,
	)
	lifecycle := backend.NewLifecycle(
		time.Duration(cfg.BackendTimeoutSeconds)*time.Second,
		time.Duration(cfg.SettleDelayMs)*time.Millisecond,
	)
	reg := registry.New(store, lifecycle, compile, hub)

	var checkpointer server.Checkpointer
	if !*noCheckpoint {
		fileCheckpointer, cpErr := server.NewFileCheckpointer("")
		if cpErr != nil {
			logger.Warn("conversation persistence disabled: %v", cpErr)
		} else {
			checkpointer = fileCheckpointer
		}
	}
	conversations := server.NewConversationStore(checkpointer)

	srv := server.New(cfg, reg, hub, conversations)

	if !*noWatch {
		if _, statErr := os.Stat(*configPath); statErr == nil {
			watcher, watchErr := config.Watch(*configPath, srv.ApplyConfig)
			if watchErr != nil {
				logger.Warn("config watching disabled: %v", watchErr)
			} else {
				defer watcher.Close()
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("shutdown: %v", shutdownErr)
	}
	return nil
}
