// Colloquy server: multi-agent conversation orchestration over HTTP, with
// routing, group chat, streaming, cost accounting, and the human approval
// gate.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/colloquy-ai/colloquy/pkg/agent"
	"github.com/colloquy-ai/colloquy/pkg/api"
	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/cleanup"
	"github.com/colloquy-ai/colloquy/pkg/config"
	"github.com/colloquy-ai/colloquy/pkg/costs"
	"github.com/colloquy-ai/colloquy/pkg/kv"
	"github.com/colloquy-ai/colloquy/pkg/llm"
	"github.com/colloquy-ai/colloquy/pkg/masking"
	"github.com/colloquy-ai/colloquy/pkg/notify"
	"github.com/colloquy-ai/colloquy/pkg/orchestrator"
	"github.com/colloquy-ai/colloquy/pkg/pause"
	"github.com/colloquy-ai/colloquy/pkg/resilience"
	"github.com/colloquy-ai/colloquy/pkg/stream"
	"github.com/colloquy-ai/colloquy/pkg/version"
)

func main() {
	configPath := flag.String("config", getEnv("COLLOQUY_CONFIG", "./colloquy.yaml"),
		"Path to colloquy.yaml")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting colloquy",
		"version", version.Full(),
		"config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Persistence backend: Redis when enabled, in-memory otherwise.
	var store kv.Store
	if cfg.Redis.Enabled {
		redisStore, err := kv.NewRedisStore(ctx, cfg.Redis.RedisSettings())
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisStore.Close(); err != nil {
				slog.Error("Error closing Redis client", "error", err)
			}
		}()
		store = redisStore
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	} else {
		store = kv.NewMemoryStore()
		slog.Info("Using in-memory store; state will not survive restarts")
	}

	// Approval gate: assessment, redaction, persistence, notifications.
	masker := masking.New(cfg.Masking.Patterns)
	notifier := notify.NewService(cfg.Slack.NotifySettings())
	approvalStore := approval.NewStore(store, approval.NewAssessor(nil), masker, notifier)
	pauseManager := pause.NewManager(store, approvalStore)
	approvalStore.SetResumer(pauseManager)

	tracker := costs.NewTracker(cfg.Costs.DefaultBudgetDecimal())

	// Model provider. The echo client answers locally; swap in a real
	// provider implementation of llm.ModelClient for production use.
	var client llm.ModelClient = llm.NewEchoClient()
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing model client", "error", err)
		}
	}()

	registry, err := agent.Load(cfg.AgentsDir, client, nil)
	if err != nil {
		slog.Error("Failed to load agent registry", "dir", cfg.AgentsDir, "error", err)
		os.Exit(1)
	}
	if registry.Len() == 0 {
		slog.Error("No agent definitions found", "dir", cfg.AgentsDir)
		os.Exit(1)
	}

	monitor := resilience.NewHealthMonitor(cfg.Health.IntervalDuration())
	breaker := resilience.NewCircuitBreaker(cfg.Orchestrator.Name, cfg.Breaker.BreakerSettings())

	orch := orchestrator.New(orchestrator.Config{
		Name:         cfg.Orchestrator.Name,
		MaxTurns:     cfg.Orchestrator.MaxTurns,
		ModelTimeout: cfg.Orchestrator.ModelTimeoutDuration(),
	}, orchestrator.Deps{
		Registry:  registry,
		Breaker:   breaker,
		Monitor:   monitor,
		Tracker:   tracker,
		Approvals: approvalStore,
		Pauses:    pauseManager,
		Mux:       stream.NewMux(cfg.Stream.StreamSettings()),
	})

	retention := cleanup.NewService(cfg.Retention.CleanupSettings(), approvalStore, tracker)

	// Background services.
	monitor.Start(ctx)
	defer monitor.Stop()
	pauseManager.Start(ctx)
	defer pauseManager.Stop()
	retention.Start(ctx)
	defer retention.Stop()

	// Expire any approvals that lapsed while the process was down.
	if _, err := approvalStore.CheckTimeouts(ctx); err != nil {
		slog.Warn("Startup approval timeout sweep failed", "error", err)
	}

	server := api.NewServer(cfg.Server.Addr, orch, approvalStore)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
