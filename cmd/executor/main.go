// Perp Executor — an automated trade executor for crypto perpetual swaps.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires adapter → router → manager, owns all goroutines
//	router/router.go     — signal entry point: validation, whitelist, defaults, fan-out
//	position/manager.go  — position lifecycle: open/close/ladder/modify under per-symbol locks
//	position/monitor.go  — evaluates exit rules on every tick against fresh mark prices
//	risk/evaluator.go    — pure exit-rule decisions: SL, TP, ladder, trailing, expiry
//	risk/gates.go        — open-side limits: cooling period, daily caps, position cap
//	exchange/client.go   — OKX v5 REST adapter (orders, positions, instruments, mark price)
//	exchange/ws.go       — mark-price WebSocket feed with auto-reconnect
//	store/store.go       — sqlite persistence (open positions + closed history)
//	api/server.go        — HTTP trigger endpoint and read-only views
//
// What it does:
//
//	External signal sources (webhooks, strategy processes) POST trade
//	signals to /api/trigger. The executor sizes and places the orders,
//	then manages each position's full lifecycle: stop-loss, take-profit,
//	staged ladder reductions, trailing stop, and max-hold expiry — all
//	driven by the live mark-price stream. Positions survive restarts via
//	the sqlite store.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perp-executor/internal/api"
	"perp-executor/internal/config"
	"perp-executor/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXEC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Start API server if enabled
	var apiServer *api.Server
	if cfg.Server.Enabled {
		handlers := api.NewHandlers(eng.Router(), eng.Reporter(), eng.Manager(), logger)
		apiServer = api.NewServer(cfg.Server, handlers, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("perp executor started",
		"leverage", cfg.Strategy.Leverage,
		"per_position_quote", cfg.Strategy.PerPositionQuote,
		"max_concurrent", cfg.Risk.MaxConcurrentPositions,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API first so no new signals arrive during teardown
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
