package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// fillResult is the outcome of pricing one working order against the book.
type fillResult struct {
	fill   bool
	price  decimal.Decimal
	reason types.Code // CodeNoTick when no usable tick; empty while a limit waits
}

// decideFill prices a working order against the latest tick.
//
// Market orders take the tick price adjusted by the tiered slippage for the
// instrument class, rounded away from the taker. Limit orders fill only when
// the tick crosses the limit, at the tick price rounded toward the taker's
// side of the grid, so a fill never breaches the limit. Expiry exits settle
// at the recorded settlement price and ignore tick freshness entirely.
func decideFill(o types.Order, inst types.Instrument, tick types.Tick, haveTick bool, now time.Time, maxAge time.Duration, bps int) fillResult {
	if o.ExitReason == types.ExitExpiry && o.SettlementPrice.IsPositive() {
		return fillResult{fill: true, price: o.SettlementPrice}
	}
	if !haveTick || tick.Age(now) > maxAge {
		return fillResult{reason: types.CodeNoTick}
	}
	price := decimal.NewFromFloat(tick.Price)
	if !price.IsPositive() {
		return fillResult{reason: types.CodeNoTick}
	}

	if o.OrderType == types.OrderTypeMarket {
		return fillResult{fill: true, price: types.ApplySlippage(price, bps, o.Side, inst.TickSize)}
	}

	if o.Side == types.BUY {
		if price.GreaterThan(o.LimitPrice) {
			return fillResult{}
		}
		return fillResult{fill: true, price: types.FloorToTick(price, inst.TickSize)}
	}
	if price.LessThan(o.LimitPrice) {
		return fillResult{}
	}
	return fillResult{fill: true, price: types.CeilToTick(price, inst.TickSize)}
}

// slippageBps returns the venue slippage band for the instrument class.
func slippageBps(cfg config.FillConfig, t types.InstrumentType) int {
	switch t {
	case types.Future:
		return cfg.SlippageBpsFutures
	case types.Option:
		return cfg.SlippageBpsOptions
	default:
		return cfg.SlippageBpsEquity
	}
}

// tradeFee computes the flat venue fee on fill notional, in paise precision.
func tradeFee(cfg config.FeesConfig, t types.InstrumentType, notional decimal.Decimal) decimal.Decimal {
	bps := cfg.EquityBps
	if t.Derivative() {
		bps = cfg.DerivativeBps
	}
	return notional.Mul(decimal.NewFromInt(int64(bps))).Div(decimal.NewFromInt(10_000)).Round(2)
}
