package market

import (
	"testing"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

func newTestHealth() (*HealthMonitor, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	m := NewHealthMonitor(testLogger(), HealthConfig{
		MaxTickAge:      5 * time.Second,
		MinTickRate:     0.5,
		MinActiveTokens: 3,
	})
	m.now = func() time.Time { return now }
	return m, &now
}

func feedTicks(m *HealthMonitor, at time.Time, key string, n int) {
	for i := 0; i < n; i++ {
		m.OnTick(types.Tick{
			InstrumentKey: key,
			Price:         100,
			ReceivedAt:    at.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}
}

func TestHealthHealthyWithFreshTicks(t *testing.T) {
	m, now := newTestHealth()
	m.SetConnected(true)
	m.SetSession(types.SessionConnected)
	m.SetSubscribed(2)
	feedTicks(m, *now, "NSE_EQ|A", 10)

	v := m.Evaluate()
	if !v.Healthy {
		t.Fatalf("Healthy = false, want true: %+v", v)
	}
}

func TestHealthUnhealthyAfterSilence(t *testing.T) {
	m, now := newTestHealth()
	m.SetConnected(true)
	m.SetSession(types.SessionConnected)
	m.SetSubscribed(2)
	feedTicks(m, *now, "NSE_EQ|A", 10)

	// Six seconds of silence during a trading session.
	*now = now.Add(6 * time.Second)
	v := m.Evaluate()
	if v.Healthy {
		t.Fatalf("Healthy = true after 6s silence, want false: %+v", v)
	}
	if v.GlobalAgeMS < 5000 {
		t.Errorf("GlobalAgeMS = %d, want >= 5000", v.GlobalAgeMS)
	}
}

func TestHealthUnhealthyWhenDisconnected(t *testing.T) {
	m, now := newTestHealth()
	m.SetConnected(false)
	m.SetSession(types.SessionDisconnected)
	feedTicks(m, *now, "NSE_EQ|A", 10)

	if v := m.Evaluate(); v.Healthy {
		t.Fatalf("Healthy = true while disconnected, want false: %+v", v)
	}
}

func TestHealthExpectedSilenceForcesHealthy(t *testing.T) {
	m, now := newTestHealth()
	m.SetConnected(false)
	m.SetSession(types.SessionExpectedSilence)
	feedTicks(m, *now, "NSE_EQ|A", 1)
	*now = now.Add(10 * time.Minute)

	v := m.Evaluate()
	if !v.Healthy {
		t.Fatalf("Healthy = false during EXPECTED_SILENCE, want forced true: %+v", v)
	}

	// Fallback pricing stays available even though the price is old news
	// for the freshness bound.
	if _, ok := m.LastPrice("NSE_EQ|A", 5*time.Second); ok {
		t.Error("LastPrice within 5s bound = ok, want miss after 10m")
	}
	if price, ok := m.LastPrice("NSE_EQ|A", time.Hour); !ok || price != 100 {
		t.Errorf("LastPrice within 1h bound = %v %v, want 100 true", price, ok)
	}
}

func TestHealthRateFloorWaivedBelowMinActive(t *testing.T) {
	m, now := newTestHealth()
	m.SetConnected(true)
	m.SetSession(types.SessionConnected)
	m.SetSubscribed(2) // below MinActiveTokens=3
	feedTicks(m, *now, "NSE_EQ|A", 1)

	v := m.Evaluate()
	if !v.Healthy {
		t.Fatalf("Healthy = false with tiny subscription set, want rate floor waived: %+v", v)
	}

	// With enough tokens subscribed, one tick in 10s misses the 0.5/s floor.
	m.SetSubscribed(5)
	if v := m.Evaluate(); v.Healthy {
		t.Fatalf("Healthy = true below rate floor with 5 subscribed, want false: %+v", v)
	}
}

func TestHealthLastPriceUnknownKey(t *testing.T) {
	m, _ := newTestHealth()
	if _, ok := m.LastPrice("NSE_EQ|missing", time.Hour); ok {
		t.Error("LastPrice for never-seen key = ok, want miss")
	}
}
