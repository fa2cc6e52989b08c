// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the venue core — instruments,
// normalized ticks, candles, orders, trades, positions, ledger entries, and
// wallet projections. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// IST is the exchange calendar zone. Session windows and expiry-day
// arithmetic are evaluated in this zone regardless of host timezone.
var IST = time.FixedZone("IST", 5*3600+1800)

// -----------------------------------------------------------------------------
// Core enums
// -----------------------------------------------------------------------------

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SELL {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET" // fill at reference price with slippage
	OrderTypeLimit  OrderType = "LIMIT"  // fill only when the tape crosses the limit
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderAccepted        OrderStatus = "ACCEPTED"         // admitted, margin blocked, awaiting first scan
	OrderWorking         OrderStatus = "WORKING"          // scanned at least once, still unfilled
	OrderFilled          OrderStatus = "FILLED"           // terminal
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED" // reserved; fills are all-or-nothing today
	OrderRejected        OrderStatus = "REJECTED"         // terminal
	OrderCancelled       OrderStatus = "CANCELLED"        // terminal
	OrderExpired         OrderStatus = "EXPIRED"          // terminal
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// InstrumentType classifies a tradable contract.
type InstrumentType string

const (
	Equity InstrumentType = "EQUITY"
	Index  InstrumentType = "INDEX"
	Future InstrumentType = "FUTURE"
	Option InstrumentType = "OPTION"
)

// Derivative reports whether the type carries expiry and leverage semantics.
func (t InstrumentType) Derivative() bool {
	return t == Future || t == Option
}

// OptionType is CE (call) or PE (put); empty for non-options.
type OptionType string

const (
	CallOption OptionType = "CE"
	PutOption  OptionType = "PE"
)

// AccountType names the five double-entry ledger accounts per user.
type AccountType string

const (
	AccountCash          AccountType = "CASH"
	AccountMarginBlocked AccountType = "MARGIN_BLOCKED"
	AccountUnrealizedPnL AccountType = "UNREALIZED_PNL"
	AccountRealizedPnL   AccountType = "REALIZED_PNL"
	AccountFees          AccountType = "FEES"
)

// MarginStatus classifies account stress from the marginUsed/equity ratio.
type MarginStatus string

const (
	MarginNormal      MarginStatus = "NORMAL"      // ratio < 0.60
	MarginStressed    MarginStatus = "STRESSED"    // ratio < 0.85
	MarginLiquidating MarginStatus = "LIQUIDATING" // ratio >= 0.85
)

// SessionState is the broker feed connection state machine.
type SessionState string

const (
	SessionDisconnected    SessionState = "DISCONNECTED"
	SessionConnecting      SessionState = "CONNECTING"
	SessionConnected       SessionState = "CONNECTED"
	SessionExpectedSilence SessionState = "EXPECTED_SILENCE" // outside trading hours; not unhealthy
	SessionFailed          SessionState = "FAILED"           // gave up after repeated failures
)

// ExitReason marks system-initiated exits. Empty for user-placed orders.
type ExitReason string

const (
	ExitLiquidation ExitReason = "LIQUIDATION" // forced exit from margin breach
	ExitExpiry      ExitReason = "EXPIRY"      // settlement at contract expiry
)

// Ledger reference types.
const (
	RefOrder      = "ORDER"
	RefTrade      = "TRADE"
	RefAdjustment = "ADJUSTMENT"
)

// -----------------------------------------------------------------------------
// Instruments and market data
// -----------------------------------------------------------------------------

// Instrument is one tradable contract from the broker's instrument master.
// InstrumentKey is the broker's exchange-qualified identifier, e.g.
// "NSE_EQ|INE002A01018" or "NSE_INDEX|Nifty 50". TickSize and LotSize are
// immutable for the lifetime of the key.
type Instrument struct {
	InstrumentKey string          `json:"instrumentKey"`
	TradingSymbol string          `json:"tradingSymbol"`
	Name          string          `json:"name"`
	ISIN          string          `json:"isin"` // wire records carry ISIN, not the key
	Underlying    string          `json:"underlying"`
	Segment       string          `json:"segment"` // e.g. NSE_EQ, NSE_FO, NSE_INDEX
	Exchange      string          `json:"exchange"`
	Type          InstrumentType  `json:"instrumentType"`
	OptionType    OptionType      `json:"optionType,omitempty"`
	Strike        float64         `json:"strike,omitempty"`
	Expiry        time.Time       `json:"expiry,omitempty"` // zero for equities and indices
	TickSize      decimal.Decimal `json:"tickSize"`         // minimum price increment, > 0
	LotSize       int64           `json:"lotSize"`          // quantity multiplier, >= 1
	PrevClose     float64         `json:"prevClose,omitempty"`
}

// Derivative reports whether the instrument expires.
func (i Instrument) Derivative() bool { return i.Type.Derivative() }

// DaysToExpiry counts whole IST calendar days from now to expiry.
// Returns a large positive number for non-expiring instruments.
func (i Instrument) DaysToExpiry(now time.Time) int {
	if i.Expiry.IsZero() {
		return 1 << 20
	}
	n := now.In(IST)
	e := i.Expiry.In(IST)
	nd := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, IST)
	ed := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, IST)
	return int(ed.Sub(nd) / (24 * time.Hour))
}

// Tick is a normalized market data update for one instrument.
// Price is the last traded price; Timestamp is the exchange time in unix
// seconds; ReceivedAt is local arrival time and drives freshness checks.
type Tick struct {
	InstrumentKey string    `json:"instrumentKey"`
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume        int64     `json:"volume"`
	PrevClose     float64   `json:"prevClose,omitempty"` // 0 = unknown
	Exchange      string    `json:"exchange"`
	Timestamp     int64     `json:"timestamp"`
	ReceivedAt    time.Time `json:"-"`
}

// Age returns how long ago the tick arrived locally.
func (t Tick) Age(now time.Time) time.Duration { return now.Sub(t.ReceivedAt) }

// Candle is one OHLCV bar. OpenTime is unix seconds aligned to Interval.
type Candle struct {
	InstrumentKey string  `json:"instrumentKey"`
	Interval      int64   `json:"interval"` // seconds
	OpenTime      int64   `json:"openTime"` // multiple of Interval
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        int64   `json:"volume"`
}

// CandleKind distinguishes a fresh bar from an update to the open bar.
type CandleKind string

const (
	CandleNew    CandleKind = "new"
	CandleUpdate CandleKind = "update"
)

// CandleEvent is emitted by the candle engine on every applied tick.
type CandleEvent struct {
	Kind   CandleKind `json:"kind"`
	Candle Candle     `json:"candle"`
}

// -----------------------------------------------------------------------------
// Orders, trades, positions
// -----------------------------------------------------------------------------

// Order is the full order record. Monetary fields are decimals; Quantity is
// in instrument units (shares for equity, contracts x lot size handled by
// the caller).
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	InstrumentKey   string          `json:"instrumentKey"`
	Side            Side            `json:"side"`
	Quantity        int64           `json:"quantity"`
	OrderType       OrderType       `json:"orderType"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty"` // zero for MARKET
	Status          OrderStatus     `json:"status"`
	FilledQty       int64           `json:"filledQty"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice,omitempty"`
	RealizedPnL     decimal.Decimal `json:"realizedPnL,omitempty"`
	BlockedMargin   decimal.Decimal `json:"blockedMargin,omitempty"` // released on fill/cancel
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	ExitReason      ExitReason      `json:"exitReason,omitempty"`
	SettlementPrice decimal.Decimal `json:"settlementPrice,omitempty"` // EXPIRY exits fill here
	RejectReason    string          `json:"rejectReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExecutedAt      time.Time       `json:"executedAt,omitempty"`
}

// Open reports whether the order is still eligible for the fill scan.
func (o Order) Open() bool {
	return o.Status == OrderAccepted || o.Status == OrderWorking
}

// Trade is one execution. Immutable once written.
type Trade struct {
	ID            string                     `json:"id"`
	OrderID       string                     `json:"orderId"`
	UserID        string                     `json:"userId"`
	InstrumentKey string                     `json:"instrumentKey"`
	Side          Side                       `json:"side"`
	Quantity      int64                      `json:"quantity"`
	Price         decimal.Decimal            `json:"price"`
	Fees          decimal.Decimal            `json:"fees"`
	FeeBreakdown  map[string]decimal.Decimal `json:"feeBreakdown,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// Position is current exposure in one instrument. Quantity is signed:
// positive long, negative short. A flat position has no row. BlockedMargin
// is the collateral retained while the position is open; a closing fill
// releases it back to cash.
type Position struct {
	UserID        string          `json:"userId"`
	InstrumentKey string          `json:"instrumentKey"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	BlockedMargin decimal.Decimal `json:"blockedMargin"`
	Type          InstrumentType  `json:"instrumentType"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Notional returns |quantity| * mark.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	q := p.Quantity
	if q < 0 {
		q = -q
	}
	return mark.Mul(decimal.NewFromInt(q))
}

// UnrealizedPnL returns signedQuantity * (mark - avgPrice).
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Quantity))
}

// -----------------------------------------------------------------------------
// Ledger and wallet
// -----------------------------------------------------------------------------

// LedgerEntry is one immutable double-entry row: Amount moves from the
// debit account to the credit account of the same user. Amount > 0 always;
// direction carries the sign.
type LedgerEntry struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Debit          AccountType     `json:"debitAccount"`
	Credit         AccountType     `json:"creditAccount"`
	Amount         decimal.Decimal `json:"amount"`
	ReferenceType  string          `json:"referenceType"`
	ReferenceID    string          `json:"referenceId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Wallet is the materialized projection of a user's ledger. Persisted only
// as cache; RecalculateFromLedger rebuilds it from the journal.
type Wallet struct {
	UserID         string          `json:"userId"`
	Balance        decimal.Decimal `json:"balance"`        // CASH
	BlockedBalance decimal.Decimal `json:"blockedBalance"` // MARGIN_BLOCKED
	RealizedPnL    decimal.Decimal `json:"realizedPnL"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnL"`
	Fees           decimal.Decimal `json:"fees"`
	Equity         decimal.Decimal `json:"equity"`
	MarginStatus   MarginStatus    `json:"marginStatus"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// MarginSnapshot is the MTM engine's live per-user view. Flushed into the
// wallet projection on a coalesced cadence.
type MarginSnapshot struct {
	UserID        string          `json:"userId"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPnL   decimal.Decimal `json:"realizedPnL"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
	Equity        decimal.Decimal `json:"equity"`
	MarginUsed    decimal.Decimal `json:"marginUsed"`
	MarginBuffer  decimal.Decimal `json:"marginBuffer"` // equity - marginUsed
	MarginStatus  MarginStatus    `json:"marginStatus"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ClassifyMargin applies the stress thresholds to marginUsed/equity.
// Zero margin used is NORMAL; non-positive equity with exposure is LIQUIDATING.
func ClassifyMargin(marginUsed, equity decimal.Decimal) MarginStatus {
	if marginUsed.IsZero() {
		return MarginNormal
	}
	if equity.Sign() <= 0 {
		return MarginLiquidating
	}
	ratio := marginUsed.Div(equity)
	switch {
	case ratio.LessThan(decimal.NewFromFloat(0.60)):
		return MarginNormal
	case ratio.LessThan(decimal.NewFromFloat(0.85)):
		return MarginStressed
	default:
		return MarginLiquidating
	}
}

// WatchlistEntry is one instrument pinned to a user's watchlist.
type WatchlistEntry struct {
	InstrumentKey string    `json:"instrumentKey"`
	AddedAt       time.Time `json:"addedAt"`
}

// -----------------------------------------------------------------------------
// Price grid
// -----------------------------------------------------------------------------

// FloorToTick rounds price down to the exchange tick grid. A non-positive
// tick size returns the price unchanged.
func FloorToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.Sign() <= 0 {
		return price
	}
	_, rem := price.QuoRem(tickSize, 0)
	if rem.IsZero() {
		return price
	}
	return price.Sub(rem)
}

// CeilToTick rounds price up to the exchange tick grid.
func CeilToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.Sign() <= 0 {
		return price
	}
	_, rem := price.QuoRem(tickSize, 0)
	if rem.IsZero() {
		return price
	}
	return price.Sub(rem).Add(tickSize)
}

// ApplySlippage worsens price against the taker by bps basis points and
// rounds the result away from the taker on the tick grid: up for a BUY,
// down for a SELL.
func ApplySlippage(price decimal.Decimal, bps int, side Side, tickSize decimal.Decimal) decimal.Decimal {
	delta := price.Mul(decimal.NewFromInt(int64(bps))).Div(decimal.NewFromInt(10_000))
	if side == BUY {
		return CeilToTick(price.Add(delta), tickSize)
	}
	return FloorToTick(price.Sub(delta), tickSize)
}
