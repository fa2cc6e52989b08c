// Paper-trading venue — a simulated execution venue for Indian equities,
// futures, and options, priced from live Upstox market data.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires feed → bus → orders → accounts, owns all lifecycles
//	market/instruments.go — instrument registry built from the broker master file
//	market/bus.go         — coalescing tick bus fanning the feed out to all consumers
//	market/candle.go      — per-instrument OHLCV aggregation across chart intervals
//	market/oracle.go      — reference price resolution with tiered fallbacks
//	market/health.go      — feed liveness verdict gating order admission
//	exchange/ws.go        — broker WebSocket feed with auto-reconnect and a decode breaker
//	exchange/client.go    — broker REST client for snapshot quotes and historical candles
//	risk/manager.go       — pre-trade checks: leverage, concentration, margin buffer, expiry
//	orders/service.go     — order admission, margin blocking, fill scan, expiry settlement
//	account/mtm.go        — mark-to-market snapshots, margin status, auto-liquidation
//	store/db.go           — SQLite persistence: ledger, orders, trades, positions, wallets
//	api/server.go         — HTTP API, SSE market stream, Prometheus metrics
//
// How it works:
//
//	Clients trade virtual cash against real market prices. Every fill settles
//	instantly through a double-entry ledger; positions are marked to market on
//	each tick, and under-margined accounts are liquidated the way a real
//	broker would. Strategies get rehearsed end to end without risking capital.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/engine"
)

func main() {
	// Optional .env for local runs; absent in deployments.
	_ = godotenv.Load()

	cfgPath := os.Getenv("VENUE_CONFIG")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}))

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("paper trading venue started",
		"addr", cfg.HTTP.Addr,
		"paper_trading_mode", cfg.PaperTradingMode,
		"db", cfg.Store.DBPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("received shutdown signal")

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
