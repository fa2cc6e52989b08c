package market

import (
	"testing"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// newTestOracle wires an oracle over fresh collaborators with a frozen clock.
func newTestOracle(paperMode bool) (*Oracle, *Bus, *HealthMonitor, *InstrumentStore, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	bus := NewBus(testLogger())
	health := NewHealthMonitor(testLogger(), HealthConfig{
		MaxTickAge:      5 * time.Second,
		MinTickRate:     0.5,
		MinActiveTokens: 3,
	})
	store := NewInstrumentStore(testLogger())
	oracle := NewOracle(testLogger(), bus, health, store, 5*time.Second, paperMode)

	health.now = func() time.Time { return now }
	oracle.now = func() time.Time { return now }
	return oracle, bus, health, store, &now
}

func TestOracleFreshTickWins(t *testing.T) {
	oracle, bus, _, store, now := newTestOracle(true)
	if err := store.Load(testInstruments()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	bus.Publish(types.Tick{InstrumentKey: "NSE_EQ|INE002A01018", Price: 3001, ReceivedAt: *now})

	price, err := oracle.BestPrice("NSE_EQ|INE002A01018")
	if err != nil {
		t.Fatalf("BestPrice() error = %v", err)
	}
	if price != 3001 {
		t.Errorf("price = %v, want 3001 from the live tick", price)
	}
}

func TestOracleFallsBackToHealthPrice(t *testing.T) {
	oracle, bus, health, store, now := newTestOracle(true)
	if err := store.Load(testInstruments()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Bus cache is stale; the health monitor saw a fresher print.
	bus.Publish(types.Tick{InstrumentKey: "NSE_EQ|INE002A01018", Price: 2990, ReceivedAt: now.Add(-time.Minute)})
	health.OnTick(types.Tick{InstrumentKey: "NSE_EQ|INE002A01018", Price: 2995, ReceivedAt: now.Add(-2 * time.Second)})

	price, err := oracle.BestPrice("NSE_EQ|INE002A01018")
	if err != nil {
		t.Fatalf("BestPrice() error = %v", err)
	}
	if price != 2995 {
		t.Errorf("price = %v, want 2995 from the health monitor", price)
	}
}

func TestOracleFallsBackToPrevClose(t *testing.T) {
	oracle, _, _, store, _ := newTestOracle(false)
	if err := store.Load(testInstruments()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	price, err := oracle.BestPrice("NSE_EQ|INE002A01018")
	if err != nil {
		t.Fatalf("BestPrice() error = %v", err)
	}
	if price != 2980 {
		t.Errorf("price = %v, want 2980 previous close", price)
	}
}

func TestOracleSimulationOnlyInPaperMode(t *testing.T) {
	instruments := []types.Instrument{{
		InstrumentKey: "NSE_FO|NIFTY26SEP25000CE",
		TradingSymbol: "NIFTY26SEP25000CE",
		Underlying:    "NIFTY",
		Type:          types.Option,
		OptionType:    types.CallOption,
		Strike:        25000,
		TickSize:      mustDecimal(t, "0.05"),
		LotSize:       25,
		// no PrevClose: only the simulator can price this
	}}

	live, _, _, liveStore, _ := newTestOracle(false)
	if err := liveStore.Load(instruments); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	_, err := live.BestPrice("NSE_FO|NIFTY26SEP25000CE")
	if !types.IsCode(err, types.CodeNoReferencePrice) {
		t.Errorf("live-mode code = %v, want NO_REFERENCE_PRICE", types.CodeOf(err))
	}

	paper, _, _, paperStore, _ := newTestOracle(true)
	if err := paperStore.Load(instruments); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p1, err := paper.BestPrice("NSE_FO|NIFTY26SEP25000CE")
	if err != nil {
		t.Fatalf("paper-mode BestPrice() error = %v", err)
	}
	if p1 <= 0 {
		t.Fatalf("simulated price = %v, want > 0", p1)
	}
	p2, err := paper.BestPrice("NSE_FO|NIFTY26SEP25000CE")
	if err != nil {
		t.Fatalf("second BestPrice() error = %v", err)
	}
	if p1 != p2 {
		t.Errorf("simulated prices differ within a minute: %v vs %v", p1, p2)
	}

	// Near 2% of strike, not near the strike itself.
	if p1 < 25000*0.02*0.9 || p1 > 25000*0.02*1.1 {
		t.Errorf("simulated premium = %v, want within 10%% of 500", p1)
	}
}

func TestOracleUnknownInstrument(t *testing.T) {
	oracle, _, _, store, _ := newTestOracle(true)
	if err := store.Load(testInstruments()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	_, err := oracle.BestPrice("NSE_EQ|NOPE")
	if !types.IsCode(err, types.CodeInstrumentNotFound) {
		t.Errorf("code = %v, want INSTRUMENT_NOT_FOUND", types.CodeOf(err))
	}
}
