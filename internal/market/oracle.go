package market

import (
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// simDriftPct bounds a single simulated step to ±1% of the base price.
const simDriftPct = 0.01

// Oracle resolves the best available reference price for an instrument.
// Resolution order: fresh bus tick, health monitor last-known price,
// instrument previous close, then (paper mode only) a deterministic
// random walk. Every price returned is strictly positive.
type Oracle struct {
	logger      *slog.Logger
	bus         *Bus
	health      *HealthMonitor
	instruments *InstrumentStore
	maxTickAge  time.Duration
	paperMode   bool
	now         func() time.Time
}

// NewOracle wires the oracle to its price sources.
func NewOracle(logger *slog.Logger, bus *Bus, health *HealthMonitor, instruments *InstrumentStore, maxTickAge time.Duration, paperMode bool) *Oracle {
	return &Oracle{
		logger:      logger.With("component", "oracle"),
		bus:         bus,
		health:      health,
		instruments: instruments,
		maxTickAge:  maxTickAge,
		paperMode:   paperMode,
		now:         time.Now,
	}
}

// BestPrice resolves a reference price for the instrument key, or fails
// with NO_REFERENCE_PRICE when every source is exhausted.
func (o *Oracle) BestPrice(key string) (float64, error) {
	now := o.now()

	if tick, ok := o.bus.Latest(key); ok {
		if tick.Age(now) <= o.maxTickAge && tick.Price > 0 {
			return tick.Price, nil
		}
	}

	if price, ok := o.health.LastPrice(key, o.maxTickAge); ok && price > 0 {
		return price, nil
	}

	inst, err := o.instruments.Get(key)
	if err != nil {
		return 0, err
	}
	if inst.PrevClose > 0 {
		return inst.PrevClose, nil
	}

	if o.paperMode {
		if price, ok := o.simulate(inst, now); ok {
			return price, nil
		}
	}

	return 0, types.E(types.CodeNoReferencePrice, "no reference price for %q", key)
}

// simulate produces a deterministic pseudo price for an instrument with no
// live or close data. The walk is seeded by the instrument key and the
// current minute, so repeated calls within a minute agree and successive
// minutes drift in a bounded band.
func (o *Oracle) simulate(inst types.Instrument, now time.Time) (float64, bool) {
	base := inst.PrevClose
	if base <= 0 {
		switch {
		case inst.Type == types.Option && inst.Strike > 0:
			// A synthetic premium near 2% of strike keeps option math sane.
			base = inst.Strike * 0.02
		case inst.Strike > 0:
			base = inst.Strike
		default:
			return 0, false
		}
	}

	h := fnv.New64a()
	h.Write([]byte(inst.InstrumentKey))
	seed := int64(h.Sum64()) ^ (now.Unix() / 60)
	rng := rand.New(rand.NewSource(seed))

	drift := (rng.Float64()*2 - 1) * simDriftPct
	price := base * (1 + drift)
	if price <= 0 {
		price = base
	}
	return price, true
}
