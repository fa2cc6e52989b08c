package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// rateWindowSecs is the rolling window for the tick rate estimate.
const rateWindowSecs = 10

// HealthConfig carries the thresholds for the health verdict.
type HealthConfig struct {
	MaxTickAge      time.Duration // both global and per-instrument freshness bound
	MinTickRate     float64       // ticks/sec floor, applied once enough tokens are live
	MinActiveTokens int           // below this subscription count the rate floor is waived
}

// Verdict is one health evaluation.
type Verdict struct {
	Healthy     bool               `json:"healthy"`
	Connected   bool               `json:"connected"`
	Session     types.SessionState `json:"session"`
	GlobalAgeMS int64              `json:"globalAgeMs"` // -1 before the first tick
	TickRate    float64            `json:"tickRate"`
	Subscribed  int                `json:"subscribed"`
	Stale       int                `json:"stale"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// HealthMonitor watches tick arrival and connection state and produces a
// feed health verdict every second. During EXPECTED_SILENCE the verdict is
// forced healthy; last-known prices keep serving either way.
type HealthMonitor struct {
	logger *slog.Logger
	cfg    HealthConfig
	now    func() time.Time

	mu         sync.Mutex
	lastSeen   map[string]time.Time
	lastPrice  map[string]float64
	secCounts  [rateWindowSecs]int64 // circular per-second tick counts
	secMarks   [rateWindowSecs]int64 // which unix second each slot holds
	connected  bool
	session    types.SessionState
	subscribed int
	verdict    Verdict
}

// NewHealthMonitor creates a monitor. The exchange supervisor drives it:
// OnTick with every decoded record ahead of bus coalescing, and
// SetConnected / SetSession / SetSubscribed on session transitions.
func NewHealthMonitor(logger *slog.Logger, cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		logger:    logger.With("component", "feedhealth"),
		cfg:       cfg,
		now:       time.Now,
		lastSeen:  make(map[string]time.Time),
		lastPrice: make(map[string]float64),
		session:   types.SessionDisconnected,
		verdict:   Verdict{Session: types.SessionDisconnected, GlobalAgeMS: -1},
	}
}

// OnTick records arrival time and price. Registered as a bus handler.
func (m *HealthMonitor) OnTick(tick types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen[tick.InstrumentKey] = tick.ReceivedAt
	m.lastPrice[tick.InstrumentKey] = tick.Price

	sec := tick.ReceivedAt.Unix()
	slot := int(sec % rateWindowSecs)
	if m.secMarks[slot] != sec {
		m.secMarks[slot] = sec
		m.secCounts[slot] = 0
	}
	m.secCounts[slot]++
}

// SetConnected is called by the supervisor on socket transitions.
func (m *HealthMonitor) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

// SetSession is called by the supervisor on session state transitions.
func (m *HealthMonitor) SetSession(state types.SessionState) {
	m.mu.Lock()
	m.session = state
	m.mu.Unlock()
}

// SetSubscribed is called by the supervisor when the upstream subscription
// count changes.
func (m *HealthMonitor) SetSubscribed(n int) {
	m.mu.Lock()
	m.subscribed = n
	m.mu.Unlock()
}

// LastPrice returns the instrument's last observed price if it arrived
// within maxAge.
func (m *HealthMonitor) LastPrice(key string, maxAge time.Duration) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, ok := m.lastSeen[key]
	if !ok || m.now().Sub(seen) > maxAge {
		return 0, false
	}
	return m.lastPrice[key], true
}

// Verdict returns the most recent evaluation.
func (m *HealthMonitor) Verdict() Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verdict
}

// Healthy is a convenience accessor on the most recent evaluation.
func (m *HealthMonitor) Healthy() bool { return m.Verdict().Healthy }

// Run evaluates once per second until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

// Evaluate recomputes the verdict. Exposed for tests.
func (m *HealthMonitor) Evaluate() Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	v := Verdict{
		Connected:   m.connected,
		Session:     m.session,
		Subscribed:  m.subscribed,
		GlobalAgeMS: -1,
		EvaluatedAt: now,
	}

	var newest time.Time
	for _, seen := range m.lastSeen {
		if seen.After(newest) {
			newest = seen
		}
		if now.Sub(seen) > m.cfg.MaxTickAge {
			v.Stale++
		}
	}
	if !newest.IsZero() {
		v.GlobalAgeMS = now.Sub(newest).Milliseconds()
	}

	cutoff := now.Unix() - rateWindowSecs
	var count int64
	for slot := 0; slot < rateWindowSecs; slot++ {
		if m.secMarks[slot] > cutoff {
			count += m.secCounts[slot]
		}
	}
	v.TickRate = float64(count) / rateWindowSecs

	fresh := v.GlobalAgeMS >= 0 && v.GlobalAgeMS <= m.cfg.MaxTickAge.Milliseconds()
	rateOK := v.Subscribed < m.cfg.MinActiveTokens || v.TickRate >= m.cfg.MinTickRate
	staleOK := v.Subscribed == 0 || v.Stale < v.Subscribed
	v.Healthy = v.Connected && fresh && rateOK && staleOK

	if m.session == types.SessionExpectedSilence {
		v.Healthy = true
	}

	if v.Healthy != m.verdict.Healthy {
		if v.Healthy {
			m.logger.Info("feed healthy", "tick_rate", v.TickRate, "global_age_ms", v.GlobalAgeMS)
		} else {
			m.logger.Warn("feed unhealthy",
				"connected", v.Connected, "global_age_ms", v.GlobalAgeMS,
				"tick_rate", v.TickRate, "stale", v.Stale, "subscribed", v.Subscribed)
		}
	}
	m.verdict = v
	return v
}
