// Package engine is the composition root of the paper-trading venue.
//
// It wires together all subsystems:
//
//  1. The store persists orders, trades, positions, wallets, the ledger,
//     watchlists, and an instrument mirror in one SQLite file.
//  2. The instrument registry loads from the broker master file at boot,
//     falling back to the SQLite mirror when the file is absent.
//  3. The tick bus fans the live feed out to candle aggregation,
//     mark-to-market, and the client stream; the feed supervisor feeds the
//     health monitor raw records ahead of bus coalescing.
//  4. Orders, risk, and accounts close the loop from tick to fill to wallet,
//     with the stream hub pushing every committed transition to clients.
//  5. The HTTP server exposes the trading API, SSE stream, and /metrics;
//     cron runs the pre-open instrument refresh and the post-close expiry
//     sweep on the IST trading calendar.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/account"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/api"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/exchange"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/orders"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/risk"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/store"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// Engine orchestrates all components of the venue.
// It owns the lifecycle of every background goroutine.
type Engine struct {
	cfg *config.Config

	st       *store.Store
	registry *market.InstrumentStore
	bus      *market.Bus
	health   *market.HealthMonitor
	mtm      *account.Engine
	svc      *orders.Service
	client   *exchange.Client
	feed     *exchange.Supervisor
	server   *api.Server
	cron     *cron.Cron
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all venue components. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, err
	}

	registry := market.NewInstrumentStore(logger)
	bus := market.NewBus(logger)
	health := market.NewHealthMonitor(logger, market.HealthConfig{
		MaxTickAge:      cfg.MaxTickAge(),
		MinTickRate:     cfg.Feed.MinTickRate,
		MinActiveTokens: cfg.Feed.MinActiveTokens,
	})

	candles := market.NewCandleEngine(logger, nil)
	bus.Subscribe(candles.OnTick)

	oracle := market.NewOracle(logger, bus, health, registry, cfg.MaxTickAge(), cfg.PaperTradingMode)

	tokens := exchange.NewTokenSource(st, logger)
	client := exchange.NewClient(*cfg, tokens, logger)
	feed := exchange.NewSupervisor(cfg.Upstox.FeedURL, tokens, registry, bus, health, logger)

	wallets := account.NewWallets(st, decimal.NewFromFloat(cfg.Wallet.DefaultBalance), logger)
	mtm := account.NewEngine(st, wallets, bus, logger)
	wallets.AttachMarks(mtm)

	riskMgr := risk.NewManager(cfg.Risk, cfg.Fill, oracle, wallets, mtm, logger)

	svc := orders.NewService(cfg, st, wallets, mtm, riskMgr, bus, oracle, registry, logger)
	mtm.SetLiquidator(svc)

	hub := api.NewStreamHub(logger, bus, feed, st.Watchlists, st.Positions, cfg.Feed.PrewarmKeys)
	svc.SetNotifier(hub)
	candles.AddSink(hub.OnCandle)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		st:       st,
		registry: registry,
		bus:      bus,
		health:   health,
		mtm:      mtm,
		svc:      svc,
		client:   client,
		feed:     feed,
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.server = api.NewServer(cfg.HTTP, api.Deps{
		Store:    st,
		Orders:   svc,
		Wallets:  wallets,
		Registry: registry,
		Candles:  candles,
		History:  client,
		Health:   health,
		Tokens:   tokens,
		Feed:     feed,
		Refresh:  e.refreshInstruments,
		Hub:      hub,
	}, logger)

	e.cron = cron.New(cron.WithLocation(types.IST))
	// 08:45 IST weekdays: reload the instrument master before the open.
	if _, err := e.cron.AddFunc("45 8 * * 1-5", e.runScheduledRefresh); err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("schedule instrument refresh: %w", err)
	}
	// 15:35 IST weekdays: settle expired contracts after the close.
	if _, err := e.cron.AddFunc("35 15 * * 1-5", e.runExpirySweep); err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("schedule expiry sweep: %w", err)
	}

	return e, nil
}

// Start loads the instrument registry, launches all background loops (tick
// bus, feed health, mark-to-market, order scan, feed supervisor), prewarms
// reference prices, and brings up cron and the HTTP server.
func (e *Engine) Start() error {
	e.loadInstruments()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bus.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.health.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.mtm.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.svc.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("feed supervisor stopped", "error", err)
		}
	}()

	e.prewarmQuotes()

	e.cron.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil {
			e.logger.Error("api server stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts down in reverse: cron first so no job starts mid-teardown,
// then every loop via context cancel, the feed socket, the API server with
// its stream clients, and the database last.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()

	e.cancel()

	if err := e.feed.Close(); err != nil {
		e.logger.Warn("feed close", "error", err)
	}
	if err := e.server.Stop(); err != nil {
		e.logger.Warn("api server shutdown", "error", err)
	}

	e.wg.Wait()

	if err := e.st.Close(); err != nil {
		e.logger.Error("store close", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// loadInstruments brings the registry up at boot: master file first, the
// SQLite mirror when the file is missing. With neither, the registry stays
// not ready and instrument-dependent endpoints answer 503 until an admin
// refresh succeeds.
func (e *Engine) loadInstruments() {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	fileErr := e.refreshInstruments(ctx)
	if fileErr == nil {
		return
	}
	e.logger.Warn("instrument master file unavailable, trying the store mirror", "error", fileErr)

	instruments, err := e.st.LoadInstruments(ctx)
	if err != nil {
		e.logger.Error("instrument mirror load failed, registry not ready until refresh", "error", err)
		return
	}
	if len(instruments) == 0 {
		e.logger.Error("no instruments in file or mirror, registry not ready until refresh")
		return
	}
	if err := e.registry.Load(instruments); err != nil {
		e.logger.Error("instrument mirror rejected, registry not ready until refresh", "error", err)
		return
	}
	e.logger.Info("instruments loaded from store mirror", "count", e.registry.Count())
}

// refreshInstruments reloads the registry from the instrument master file
// and mirrors the rows into SQLite for the next file-less boot. Serves the
// admin refresh endpoint and the scheduled pre-open reload.
func (e *Engine) refreshInstruments(ctx context.Context) error {
	path := e.cfg.Store.InstrumentsPath
	if path == "" {
		return fmt.Errorf("instruments_path is not configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read instrument master: %w", err)
	}
	instruments, err := market.ParseMaster(data)
	if err != nil {
		return fmt.Errorf("parse instrument master: %w", err)
	}
	if err := e.registry.Load(instruments); err != nil {
		return err
	}

	if err := e.st.SaveInstruments(ctx, instruments); err != nil {
		// Registry already swapped; the mirror is only the boot fallback.
		e.logger.Warn("instrument mirror save failed", "error", err)
	}
	return nil
}

// runScheduledRefresh reloads the instrument master on weekday mornings,
// picking up the previous night's contract changes.
func (e *Engine) runScheduledRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, time.Minute)
	defer cancel()

	if err := e.refreshInstruments(ctx); err != nil {
		e.logger.Error("scheduled instrument refresh failed", "error", err)
		return
	}
	e.logger.Info("scheduled instrument refresh done", "count", e.registry.Count())
}

// runExpirySweep cash-settles open positions and expires working orders on
// contracts past their expiry, after each weekday close.
func (e *Engine) runExpirySweep() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Minute)
	defer cancel()

	if err := e.svc.SettleExpired(ctx); err != nil {
		e.logger.Error("expiry sweep failed", "error", err)
	}
}

// prewarmQuotes seeds the bus cache with REST snapshot quotes for the
// configured index keys so reference prices exist before the first feed
// tick. Best effort: a missing token or closed market only logs.
func (e *Engine) prewarmQuotes() {
	keys := e.cfg.Feed.PrewarmKeys
	if len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	quotes, err := e.client.Quotes(ctx, keys)
	if err != nil {
		e.logger.Warn("quote prewarm failed", "error", err)
		return
	}

	now := time.Now()
	published := 0
	for key, q := range quotes {
		price := q.LastPrice
		if price <= 0 {
			price = q.ClosePrice
		}
		if price <= 0 {
			continue
		}
		tick := types.Tick{
			InstrumentKey: key,
			Price:         price,
			Volume:        q.Volume,
			PrevClose:     q.ClosePrice,
			Timestamp:     q.Timestamp,
			ReceivedAt:    now,
		}
		if tick.Timestamp == 0 {
			tick.Timestamp = now.Unix()
		}
		if inst, err := e.registry.Get(key); err == nil {
			tick.Symbol = inst.TradingSymbol
			tick.Exchange = inst.Exchange
		}
		e.bus.Publish(tick)
		published++
	}
	e.bus.Flush()
	e.logger.Info("quotes prewarmed", "requested", len(keys), "published", published)
}
