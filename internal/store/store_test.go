package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "venue.db")
	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHealthy(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if !s.Healthy(context.Background()) {
		t.Error("Healthy = false on a fresh store")
	}
}

func TestBrokerTokenRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.BrokerToken(ctx)
	if err != nil {
		t.Fatalf("BrokerToken on empty store: %v", err)
	}
	if tok != "" {
		t.Errorf("token on empty store = %q, want empty", tok)
	}

	if err := s.SaveBrokerToken(ctx, "tok-1"); err != nil {
		t.Fatalf("SaveBrokerToken: %v", err)
	}
	if err := s.SaveBrokerToken(ctx, "tok-2"); err != nil {
		t.Fatalf("SaveBrokerToken overwrite: %v", err)
	}

	tok, err = s.BrokerToken(ctx)
	if err != nil {
		t.Fatalf("BrokerToken: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("token = %q, want tok-2", tok)
	}
}

func TestInstrumentsRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	expiry := time.Date(2026, 8, 27, 0, 0, 0, 0, types.IST)
	in := []types.Instrument{
		{
			InstrumentKey: "NSE_EQ|INE002A01018",
			TradingSymbol: "RELIANCE",
			Name:          "Reliance Industries",
			ISIN:          "INE002A01018",
			Segment:       "NSE_EQ",
			Exchange:      "NSE",
			Type:          types.Equity,
			TickSize:      decimal.NewFromFloat(0.05),
			LotSize:       1,
		},
		{
			InstrumentKey: "NSE_FO|54321",
			TradingSymbol: "NIFTY26AUGFUT",
			Underlying:    "NIFTY",
			Segment:       "NSE_FO",
			Exchange:      "NSE",
			Type:          types.Future,
			Expiry:        expiry,
			TickSize:      decimal.NewFromFloat(0.05),
			LotSize:       75,
		},
	}
	if err := s.SaveInstruments(ctx, in); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}

	out, err := s.LoadInstruments(ctx)
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d instruments, want 2", len(out))
	}

	byKey := map[string]types.Instrument{}
	for _, i := range out {
		byKey[i.InstrumentKey] = i
	}
	eq := byKey["NSE_EQ|INE002A01018"]
	if eq.TradingSymbol != "RELIANCE" {
		t.Errorf("TradingSymbol = %q, want RELIANCE", eq.TradingSymbol)
	}
	if !eq.TickSize.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("TickSize = %v, want 0.05", eq.TickSize)
	}
	fut := byKey["NSE_FO|54321"]
	if fut.LotSize != 75 {
		t.Errorf("LotSize = %v, want 75", fut.LotSize)
	}
	if !fut.Expiry.Equal(expiry) {
		t.Errorf("Expiry = %v, want %v", fut.Expiry, expiry)
	}
}

func TestSaveInstrumentsReplacesAll(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := []types.Instrument{{
		InstrumentKey: "NSE_EQ|OLD",
		TradingSymbol: "OLD",
		Type:          types.Equity,
		TickSize:      decimal.NewFromFloat(0.05),
		LotSize:       1,
	}}
	if err := s.SaveInstruments(ctx, first); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}

	second := []types.Instrument{{
		InstrumentKey: "NSE_EQ|NEW",
		TradingSymbol: "NEW",
		Type:          types.Equity,
		TickSize:      decimal.NewFromFloat(0.05),
		LotSize:       1,
	}}
	if err := s.SaveInstruments(ctx, second); err != nil {
		t.Fatalf("SaveInstruments replace: %v", err)
	}

	out, err := s.LoadInstruments(ctx)
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("loaded %d instruments, want 1", len(out))
	}
	if out[0].InstrumentKey != "NSE_EQ|NEW" {
		t.Errorf("key = %q, want NSE_EQ|NEW", out[0].InstrumentKey)
	}
}

func TestWalletRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Wallets.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get on empty store: %v", err)
	}
	if ok {
		t.Error("Get on empty store reported a wallet")
	}

	w := types.Wallet{
		UserID:         "u1",
		Balance:        decimal.NewFromInt(105000),
		BlockedBalance: decimal.NewFromInt(15000),
		RealizedPnL:    decimal.NewFromInt(5000),
		UnrealizedPnL:  decimal.NewFromInt(-110000),
		Fees:           decimal.NewFromFloat(12.5),
		MarginStatus:   types.MarginStressed,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.Wallets.Save(ctx, w); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Wallets.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get reported no wallet after Save")
	}
	if !got.Balance.Equal(w.Balance) {
		t.Errorf("Balance = %v, want %v", got.Balance, w.Balance)
	}
	if got.MarginStatus != types.MarginStressed {
		t.Errorf("MarginStatus = %v, want STRESSED", got.MarginStatus)
	}
	// equity recomputed: 105000 + 15000 - 110000
	if !got.Equity.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Equity = %v, want 10000", got.Equity)
	}
}

func TestWatchlistAddRemoveList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Watchlists.Add(ctx, "u1", "NSE_EQ|A"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Watchlists.Add(ctx, "u1", "NSE_EQ|B"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// re-adding is a no-op
	if err := s.Watchlists.Add(ctx, "u1", "NSE_EQ|A"); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}

	list, err := s.Watchlists.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}

	if err := s.Watchlists.Remove(ctx, "u1", "NSE_EQ|A"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	list, err = s.Watchlists.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List after remove: %v", err)
	}
	if len(list) != 1 || list[0].InstrumentKey != "NSE_EQ|B" {
		t.Errorf("list after remove = %+v, want single NSE_EQ|B", list)
	}
}
