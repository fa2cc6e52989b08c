package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/account"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/orders"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/risk"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/store"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const (
	relKey   = "NSE_EQ|INE002A01018"
	futKey   = "NSE_FO|53001"
	niftyKey = "NSE_INDEX|Nifty 50"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		PaperTradingMode: true,
		Wallet:           config.WalletConfig{DefaultBalance: 1_000_000, ResetBalance: 1_000_000},
		Risk: config.RiskConfig{
			MaxAccountLeverage:               5,
			MaxPositionNotionalPerSymbol:     10_000_000,
			MaxDerivativeNotional:            20_000_000,
			MaxSingleInstrumentConcentration: 0.25,
			MinMarginBufferRatio:             1.1,
		},
		Feed: config.FeedConfig{
			MaxTickAgeMS:    5000,
			MinTickRate:     0.5,
			MinActiveTokens: 3,
			PrewarmKeys:     []string{niftyKey},
		},
		Fill: config.FillConfig{
			TickMaxAgeSeconds:  8,
			SlippageBpsEquity:  5,
			SlippageBpsFutures: 10,
			SlippageBpsOptions: 15,
			ScanInterval:       time.Second,
			ScanWorkers:        2,
		},
		Fees: config.FeesConfig{EquityBps: 3, DerivativeBps: 2},
	}
}

func testInstruments() []types.Instrument {
	nextMonth := time.Now().In(types.IST).AddDate(0, 1, 0)
	return []types.Instrument{
		{InstrumentKey: relKey, TradingSymbol: "RELIANCE", Name: "Reliance Industries", Type: types.Equity, TickSize: dec("0.05"), LotSize: 1},
		{InstrumentKey: futKey, TradingSymbol: "NIFTYFUT", Name: "Nifty Futures", Type: types.Future, TickSize: dec("0.05"), LotSize: 50, Expiry: nextMonth},
		{InstrumentKey: niftyKey, TradingSymbol: "NIFTY", Name: "Nifty 50", Type: types.Index, TickSize: dec("0.05"), LotSize: 1},
	}
}

// fakeDemand records reference counts the hub pushes upstream.
type fakeDemand struct {
	mu   sync.Mutex
	subs map[string]int
}

func newFakeDemand() *fakeDemand {
	return &fakeDemand{subs: make(map[string]int)}
}

func (d *fakeDemand) Subscribe(keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.subs[k]++
	}
	return nil
}

func (d *fakeDemand) Unsubscribe(keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.subs[k]--
	}
	return nil
}

func (d *fakeDemand) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[key]
}

type fakeTokens struct {
	mu  sync.Mutex
	got string
}

func (f *fakeTokens) Set(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = token
	return nil
}

func (f *fakeTokens) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type fakeFeed struct {
	mu      sync.Mutex
	resumed int
}

func (f *fakeFeed) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeFeed) resumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed
}

type fixture struct {
	cfg     *config.Config
	st      *store.Store
	bus     *market.Bus
	reg     *market.InstrumentStore
	wallets *account.Wallets
	candles *market.CandleEngine
	svc     *orders.Service
	demand  *fakeDemand
	tokens  *fakeTokens
	feed    *fakeFeed
	hub     *StreamHub
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()
	cfg := testConfig()

	st, err := store.Open(filepath.Join(t.TempDir(), "venue.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := market.NewInstrumentStore(logger)
	if err := reg.Load(testInstruments()); err != nil {
		t.Fatalf("registry load: %v", err)
	}

	bus := market.NewBus(logger)
	health := market.NewHealthMonitor(logger, market.HealthConfig{
		MaxTickAge:      cfg.MaxTickAge(),
		MinTickRate:     cfg.Feed.MinTickRate,
		MinActiveTokens: cfg.Feed.MinActiveTokens,
	})
	oracle := market.NewOracle(logger, bus, health, reg, cfg.MaxTickAge(), false)

	candles := market.NewCandleEngine(logger, nil)
	bus.Subscribe(candles.OnTick)

	wallets := account.NewWallets(st, decimal.NewFromFloat(cfg.Wallet.DefaultBalance), logger)
	engine := account.NewEngine(st, wallets, bus, logger)
	riskMgr := risk.NewManager(cfg.Risk, cfg.Fill, oracle, wallets, engine, logger)

	svc := orders.NewService(cfg, st, wallets, engine, riskMgr, bus, oracle, reg, logger)
	engine.SetLiquidator(svc)

	demand := newFakeDemand()
	hub := NewStreamHub(logger, bus, demand, st.Watchlists, st.Positions, cfg.Feed.PrewarmKeys)
	candles.AddSink(hub.OnCandle)
	svc.SetNotifier(hub)
	t.Cleanup(hub.Close)

	tokens := &fakeTokens{}
	feed := &fakeFeed{}
	handlers := NewHandlers(Deps{
		Store:    st,
		Orders:   svc,
		Wallets:  wallets,
		Registry: reg,
		Candles:  candles,
		Health:   health,
		Tokens:   tokens,
		Feed:     feed,
		Refresh:  func(ctx context.Context) error { return nil },
		Hub:      hub,
	}, logger)

	return &fixture{
		cfg: cfg, st: st, bus: bus, reg: reg, wallets: wallets,
		candles: candles, svc: svc, demand: demand, tokens: tokens,
		feed: feed, hub: hub, mux: handlers.routes(),
	}
}

// publish pushes one tick and flushes the bus synchronously.
func (f *fixture) publish(key string, price float64) {
	f.bus.Publish(types.Tick{InstrumentKey: key, Price: price, ReceivedAt: time.Now()})
	f.bus.Flush()
}

func (f *fixture) do(t *testing.T, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.publish(relKey, 100)

	rec := f.do(t, http.MethodPost, "/api/orders", "u1", placeOrderRequest{
		InstrumentKey: relKey,
		Side:          types.BUY,
		Quantity:      10,
		OrderType:     types.OrderTypeMarket,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var ref orderRef
	decodeJSON(t, rec, &ref)
	if ref.OrderID == "" {
		t.Error("OrderID is empty")
	}
	if ref.Status != types.OrderAccepted {
		t.Errorf("Status = %v, want ACCEPTED", ref.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/orders", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var list []types.Order
	decodeJSON(t, rec, &list)
	if len(list) != 1 {
		t.Fatalf("orders = %d, want 1", len(list))
	}
	if list[0].ID != ref.OrderID {
		t.Errorf("listed id = %s, want %s", list[0].ID, ref.OrderID)
	}

	rec = f.do(t, http.MethodGet, "/api/wallet", "u1", nil)
	var w types.Wallet
	decodeJSON(t, rec, &w)
	// 1,000,000 - 10 * 100.05 blocked at acceptance
	if !w.Balance.Equal(dec("998999.50")) {
		t.Errorf("Balance = %v, want 998999.50", w.Balance)
	}
	if !w.BlockedBalance.Equal(dec("1000.50")) {
		t.Errorf("BlockedBalance = %v, want 1000.50", w.BlockedBalance)
	}
}

func TestPlaceOrderRejectionEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.publish(relKey, 100)

	rec := f.do(t, http.MethodPost, "/api/orders", "u1", placeOrderRequest{
		InstrumentKey: relKey,
		Side:          types.BUY,
		Quantity:      10,
		OrderType:     types.OrderTypeLimit,
		LimitPrice:    dec("100.07"), // off the 0.05 grid
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	decodeJSON(t, rec, &body)
	if body.Code != types.CodePriceTickValidation {
		t.Errorf("code = %v, want PRICE_TICK_VALIDATION", body.Code)
	}
	if body.Message == "" {
		t.Error("message is empty")
	}

	rec = f.do(t, http.MethodPost, "/api/orders", "u1", placeOrderRequest{
		InstrumentKey: "NSE_EQ|NOPE",
		Side:          types.BUY,
		Quantity:      1,
		OrderType:     types.OrderTypeMarket,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown instrument status = %d, want 404", rec.Code)
	}
}

func TestMissingUserHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, target := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/orders"},
		{http.MethodGet, "/api/orders"},
		{http.MethodGet, "/api/wallet"},
		{http.MethodGet, "/api/positions"},
		{http.MethodPost, "/api/account/reset"},
		{http.MethodGet, "/api/watchlist"},
	} {
		rec := f.do(t, target.method, target.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", target.method, target.path, rec.Code)
		}
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.publish(relKey, 105)

	rec := f.do(t, http.MethodPost, "/api/orders", "u1", placeOrderRequest{
		InstrumentKey: relKey,
		Side:          types.BUY,
		Quantity:      10,
		OrderType:     types.OrderTypeLimit,
		LimitPrice:    dec("100"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("place status = %d (%s)", rec.Code, rec.Body.String())
	}
	var ref orderRef
	decodeJSON(t, rec, &ref)

	rec = f.do(t, http.MethodDelete, "/api/orders/"+ref.OrderID, "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d (%s)", rec.Code, rec.Body.String())
	}
	var cancelled orderRef
	decodeJSON(t, rec, &cancelled)
	if cancelled.Status != types.OrderCancelled {
		t.Errorf("Status = %v, want CANCELLED", cancelled.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/wallet", "u1", nil)
	var w types.Wallet
	decodeJSON(t, rec, &w)
	if !w.Balance.Equal(dec("1000000")) {
		t.Errorf("Balance = %v, want 1000000", w.Balance)
	}
	if !w.BlockedBalance.IsZero() {
		t.Errorf("BlockedBalance = %v, want 0", w.BlockedBalance)
	}

	rec = f.do(t, http.MethodDelete, "/api/orders/"+ref.OrderID, "u1", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("re-cancel status = %d, want 409", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/orders/nope", "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown order status = %d, want 404", rec.Code)
	}
}

func TestWatchlistLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Symbols canonicalize to instrument keys on add.
	rec := f.do(t, http.MethodPost, "/api/watchlist", "u1", watchlistRequest{InstrumentKey: "RELIANCE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add status = %d (%s)", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/watchlist", "u1", nil)
	var entries []types.WatchlistEntry
	decodeJSON(t, rec, &entries)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].InstrumentKey != relKey {
		t.Errorf("InstrumentKey = %s, want %s", entries[0].InstrumentKey, relKey)
	}

	rec = f.do(t, http.MethodPost, "/api/watchlist", "u1", watchlistRequest{InstrumentKey: "NSE_EQ|NOPE"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown add status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/api/watchlist/"+url.PathEscape(relKey), "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/watchlist", "u1", nil)
	decodeJSON(t, rec, &entries)
	if len(entries) != 0 {
		t.Errorf("entries after remove = %d, want 0", len(entries))
	}
}

func TestInstrumentSearch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/instruments/search?q=relia", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var results []types.Instrument
	decodeJSON(t, rec, &results)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].InstrumentKey != relKey {
		t.Errorf("InstrumentKey = %s, want %s", results[0].InstrumentKey, relKey)
	}

	rec = f.do(t, http.MethodGet, "/api/instruments/search", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", rec.Code)
	}
}

func TestCandlesEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Two buckets: one closed bar plus the open one.
	base := time.Now().Unix() / 60 * 60
	f.bus.Publish(types.Tick{InstrumentKey: relKey, Price: 100, Timestamp: base, ReceivedAt: time.Now()})
	f.bus.Flush()
	f.bus.Publish(types.Tick{InstrumentKey: relKey, Price: 101, Timestamp: base + 61, ReceivedAt: time.Now()})
	f.bus.Flush()

	rec := f.do(t, http.MethodGet, "/api/candles?instrumentKey="+url.QueryEscape(relKey)+"&interval=60&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var payload candlesPayload
	decodeJSON(t, rec, &payload)
	if payload.InstrumentKey != relKey {
		t.Errorf("InstrumentKey = %s, want %s", payload.InstrumentKey, relKey)
	}
	if payload.Interval != 60 {
		t.Errorf("Interval = %d, want 60", payload.Interval)
	}
	if len(payload.Candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(payload.Candles))
	}
	if payload.Candles[0].OpenTime != base {
		t.Errorf("first OpenTime = %d, want %d", payload.Candles[0].OpenTime, base)
	}
	if payload.Candles[1].Close != 101 {
		t.Errorf("open bar close = %v, want 101", payload.Candles[1].Close)
	}

	rec = f.do(t, http.MethodGet, "/api/candles?instrumentKey="+url.QueryEscape(relKey)+"&interval=42", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad interval status = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/candles?instrumentKey=NSE_EQ%7CNOPE", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown instrument status = %d, want 404", rec.Code)
	}
}

func TestCandlesHistoryBackfill(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	base := time.Now().Unix() / 60 * 60
	f.bus.Publish(types.Tick{InstrumentKey: relKey, Price: 100, Timestamp: base, ReceivedAt: time.Now()})
	f.bus.Flush()

	history := func(ctx context.Context, key string, interval int64, from, to time.Time) ([]types.Candle, error) {
		return []types.Candle{
			{InstrumentKey: key, Interval: interval, OpenTime: base - 120, Open: 98, High: 99, Low: 98, Close: 99},
			{InstrumentKey: key, Interval: interval, OpenTime: base - 60, Open: 99, High: 100, Low: 99, Close: 100},
			// At or past the live window start: must be dropped.
			{InstrumentKey: key, Interval: interval, OpenTime: base, Open: 100, High: 100, Low: 100, Close: 100},
		}, nil
	}
	handlers := NewHandlers(Deps{
		Store:    f.st,
		Orders:   f.svc,
		Wallets:  f.wallets,
		Registry: f.reg,
		Candles:  f.candles,
		History:  historyFunc(history),
		Health:   market.NewHealthMonitor(quietLogger(), market.HealthConfig{}),
		Hub:      f.hub,
	}, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/candles?instrumentKey="+url.QueryEscape(relKey)+"&interval=60&limit=10", nil)
	rec := httptest.NewRecorder()
	handlers.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var payload candlesPayload
	decodeJSON(t, rec, &payload)
	if len(payload.Candles) != 3 {
		t.Fatalf("candles = %d, want 3 (two history + open bar)", len(payload.Candles))
	}
	for i := 1; i < len(payload.Candles); i++ {
		if payload.Candles[i].OpenTime <= payload.Candles[i-1].OpenTime {
			t.Fatalf("OpenTime not increasing at %d: %d then %d", i, payload.Candles[i-1].OpenTime, payload.Candles[i].OpenTime)
		}
	}
	if payload.Candles[0].OpenTime != base-120 {
		t.Errorf("first OpenTime = %d, want %d", payload.Candles[0].OpenTime, base-120)
	}
}

// historyFunc adapts a function to the CandleHistory interface.
type historyFunc func(ctx context.Context, key string, interval int64, from, to time.Time) ([]types.Candle, error)

func (f historyFunc) HistoricalCandles(ctx context.Context, key string, interval int64, from, to time.Time) ([]types.Candle, error) {
	return f(ctx, key, interval, from, to)
}

func TestResetAccountEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.publish(relKey, 100)

	rec := f.do(t, http.MethodPost, "/api/orders", "u1", placeOrderRequest{
		InstrumentKey: relKey,
		Side:          types.BUY,
		Quantity:      10,
		OrderType:     types.OrderTypeMarket,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("place status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/account/reset", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d (%s)", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/orders", "u1", nil)
	var list []types.Order
	decodeJSON(t, rec, &list)
	if len(list) != 0 {
		t.Errorf("orders after reset = %d, want 0", len(list))
	}

	rec = f.do(t, http.MethodGet, "/api/wallet", "u1", nil)
	var w types.Wallet
	decodeJSON(t, rec, &w)
	if !w.Balance.Equal(dec("1000000")) {
		t.Errorf("Balance = %v, want 1000000", w.Balance)
	}
}

func TestAdminToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/token", "", tokenRequest{Token: "t-abc123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if got := f.tokens.last(); got != "t-abc123" {
		t.Errorf("token = %q, want t-abc123", got)
	}
	if f.feed.resumes() != 1 {
		t.Errorf("resumes = %d, want 1", f.feed.resumes())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Feed  market.Verdict  `json:"feed"`
		Store map[string]bool `json:"store"`
	}
	decodeJSON(t, rec, &body)
	if !body.Store["healthy"] {
		t.Error("store healthy = false, want true")
	}
}
