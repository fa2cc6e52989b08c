// Package risk runs order acceptance and pre-trade portfolio checks.
//
// Checks run in two tiers, in the order a broker RMS would apply them:
//
//   - Acceptance (cheap, per order): quantity sanity, the paper-mode
//     full-exit-only rule, limit price tick alignment, fat-finger deviation
//     from the reference price, per-order notional cap.
//   - Portfolio (projected): account leverage, per-instrument notional,
//     derivative notional, single-instrument concentration, margin buffer,
//     option expiry guard, free cash. All of them evaluate the book as it
//     would look after the fill, valued at the latest marks.
//
// CheckOrder returns the margin to block and the prices it was measured at,
// so the execution service blocks exactly what was checked. System exits
// (liquidation, expiry settlement) never pass through here; they only
// shrink the book and release margin.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

var (
	futureMarginRate     = decimal.NewFromFloat(0.15)
	optionSellMarginRate = decimal.NewFromFloat(1.20)

	// fatFingerMaxDeviation rejects limit prices more than 50% away from
	// the reference price.
	fatFingerMaxDeviation = decimal.NewFromFloat(0.5)

	// tickAlignmentEpsilon absorbs float noise from JSON-sourced prices.
	tickAlignmentEpsilon = decimal.New(1, -6)
)

// PriceSource resolves a reference price for an instrument.
type PriceSource interface {
	BestPrice(key string) (float64, error)
}

// WalletSource returns the live wallet view, equity included.
type WalletSource interface {
	Get(ctx context.Context, userID string) (types.Wallet, error)
}

// BookSource exposes the MTM engine's position mirror and latest marks.
type BookSource interface {
	Positions(userID string) []types.Position
	Mark(key string) (decimal.Decimal, bool)
}

// OrderIntent is one order awaiting admission.
type OrderIntent struct {
	UserID     string
	Instrument types.Instrument
	Side       types.Side
	Type       types.OrderType
	Quantity   int64
	LimitPrice decimal.Decimal // zero unless Type is LIMIT
}

// Approval carries what admission needs to block margin consistently with
// the checks that passed.
type Approval struct {
	RequiredMargin  decimal.Decimal
	ReferencePrice  decimal.Decimal
	AcceptancePrice decimal.Decimal
	FullExit        bool
}

// Manager evaluates orders against the configured limits.
type Manager struct {
	cfg    config.RiskConfig
	fill   config.FillConfig
	logger *slog.Logger

	prices  PriceSource
	wallets WalletSource
	book    BookSource

	now func() time.Time
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, fill config.FillConfig, prices PriceSource, wallets WalletSource, book BookSource, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		fill:    fill,
		logger:  logger.With("component", "risk"),
		prices:  prices,
		wallets: wallets,
		book:    book,
		now:     time.Now,
	}
}

// CheckOrder runs the full admission gauntlet. On rejection the returned
// error carries the rejection code; nothing is mutated either way.
func (m *Manager) CheckOrder(ctx context.Context, intent OrderIntent) (Approval, error) {
	approval, err := m.evaluate(ctx, intent)
	if err != nil {
		m.logger.Info("order rejected",
			"user", intent.UserID,
			"instrument", intent.Instrument.InstrumentKey,
			"side", intent.Side,
			"qty", intent.Quantity,
			"code", types.CodeOf(err))
		return Approval{}, err
	}
	return approval, nil
}

func (m *Manager) evaluate(ctx context.Context, intent OrderIntent) (Approval, error) {
	if intent.Quantity <= 0 {
		return Approval{}, types.E(types.CodeQuantitySanity, "quantity must be positive, got %d", intent.Quantity)
	}
	inst := intent.Instrument

	current, held := m.currentPosition(intent.UserID, inst.InstrumentKey)
	reducing := held && intent.Side.Sign()*sign(current.Quantity) < 0
	fullExit := reducing && intent.Quantity == abs(current.Quantity)
	if reducing && !fullExit {
		return Approval{}, types.E(types.CodePartialExitNotAllowed,
			"paper mode exits must close the whole position of %d", abs(current.Quantity))
	}

	raw, err := m.prices.BestPrice(inst.InstrumentKey)
	if err != nil {
		return Approval{}, err
	}
	refPrice := decimal.NewFromFloat(raw)

	if intent.Type == types.OrderTypeLimit {
		if err := validateLimitPrice(intent.LimitPrice, inst.TickSize, refPrice); err != nil {
			return Approval{}, err
		}
	}

	acceptance := m.acceptancePrice(intent, refPrice, inst)
	orderNotional := acceptance.Mul(decimal.NewFromInt(intent.Quantity))
	if lim := m.cfg.MaxNotionalPerOrder; lim > 0 && orderNotional.GreaterThan(decimal.NewFromFloat(lim)) {
		return Approval{}, types.E(types.CodeMaxNotionalPerOrder,
			"order notional %s exceeds per-order cap %.0f", orderNotional, lim)
	}

	approval := Approval{
		RequiredMargin:  decimal.Zero,
		ReferencePrice:  refPrice,
		AcceptancePrice: acceptance,
		FullExit:        fullExit,
	}
	if fullExit {
		// a whole-position close only shrinks the book; margin releases on fill
		return approval, nil
	}

	approval.RequiredMargin = RequiredMargin(inst, intent.Side, intent.Quantity, acceptance)

	wallet, err := m.wallets.Get(ctx, intent.UserID)
	if err != nil {
		return Approval{}, err
	}
	if err := m.checkPortfolio(intent, inst, acceptance, approval.RequiredMargin, wallet); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

// RequiredMargin applies the margin schedule at the given price:
// FUTURE 15% of notional, OPTION BUY the full premium, OPTION SELL 120%
// of notional, EQUITY the full notional.
func RequiredMargin(inst types.Instrument, side types.Side, quantity int64, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(quantity))
	switch inst.Type {
	case types.Future:
		return notional.Mul(futureMarginRate)
	case types.Option:
		if side == types.SELL {
			return notional.Mul(optionSellMarginRate)
		}
		return notional
	default:
		return notional
	}
}

// acceptancePrice is the price risk is measured at and margin is blocked
// at: the limit for LIMIT orders, the slippage-adjusted reference for
// MARKET orders, matching what the fill engine will produce.
func (m *Manager) acceptancePrice(intent OrderIntent, refPrice decimal.Decimal, inst types.Instrument) decimal.Decimal {
	if intent.Type == types.OrderTypeLimit {
		return intent.LimitPrice
	}
	return types.ApplySlippage(refPrice, m.slippageBps(inst.Type), intent.Side, inst.TickSize)
}

func (m *Manager) slippageBps(t types.InstrumentType) int {
	switch t {
	case types.Future:
		return m.fill.SlippageBpsFutures
	case types.Option:
		return m.fill.SlippageBpsOptions
	default:
		return m.fill.SlippageBpsEquity
	}
}

func validateLimitPrice(limit, tickSize, refPrice decimal.Decimal) error {
	if limit.Sign() <= 0 {
		return types.E(types.CodePriceTickValidation, "limit price must be positive, got %s", limit)
	}
	if tickSize.Sign() > 0 {
		_, rem := limit.QuoRem(tickSize, 0)
		if rem.GreaterThan(tickAlignmentEpsilon) && tickSize.Sub(rem).GreaterThan(tickAlignmentEpsilon) {
			return types.E(types.CodePriceTickValidation,
				"limit price %s not aligned to tick size %s", limit, tickSize)
		}
	}
	if refPrice.Sign() > 0 {
		deviation := limit.Sub(refPrice).Abs().Div(refPrice)
		if deviation.GreaterThan(fatFingerMaxDeviation) {
			return types.E(types.CodeFatFingerPrice,
				"limit price %s is %s away from reference %s", limit, deviation.Round(4), refPrice)
		}
	}
	return nil
}

// bookEntry is one instrument of the projected post-trade book.
type bookEntry struct {
	key      string
	qty      int64
	price    decimal.Decimal
	instType types.InstrumentType
}

func (m *Manager) checkPortfolio(intent OrderIntent, inst types.Instrument, acceptance, required decimal.Decimal, wallet types.Wallet) error {
	equity := wallet.Equity
	projected := m.projectBook(intent, inst, acceptance)

	var totalNotional, derivativeNotional, projectedMargin, tradedNotional decimal.Decimal
	for _, entry := range projected {
		notional := entry.price.Mul(decimal.NewFromInt(abs(entry.qty)))
		totalNotional = totalNotional.Add(notional)
		if entry.instType.Derivative() {
			derivativeNotional = derivativeNotional.Add(notional)
		}
		projectedMargin = projectedMargin.Add(positionMargin(entry.instType, entry.qty, notional))
		if entry.key == inst.InstrumentKey {
			tradedNotional = notional
		}
	}

	maxLeverage := decimal.NewFromFloat(m.cfg.MaxAccountLeverage)
	if equity.Sign() <= 0 || totalNotional.GreaterThan(equity.Mul(maxLeverage)) {
		lev := "inf"
		if equity.Sign() > 0 {
			lev = totalNotional.Div(equity).Round(2).String()
		}
		return types.E(types.CodeLeverageExceeded,
			"projected leverage %sx exceeds %.2fx", lev, m.cfg.MaxAccountLeverage)
	}
	if lim := decimal.NewFromFloat(m.cfg.MaxPositionNotionalPerSymbol); tradedNotional.GreaterThan(lim) {
		return types.E(types.CodePositionLimitExceeded,
			"projected notional %s in %s exceeds per-symbol cap %s", tradedNotional, inst.InstrumentKey, lim)
	}
	if lim := decimal.NewFromFloat(m.cfg.MaxDerivativeNotional); derivativeNotional.GreaterThan(lim) {
		return types.E(types.CodeDerivativeExposure,
			"projected derivative notional %s exceeds cap %s", derivativeNotional, lim)
	}
	maxConcentration := decimal.NewFromFloat(m.cfg.MaxSingleInstrumentConcentration)
	if tradedNotional.GreaterThan(equity.Mul(maxConcentration)) {
		return types.E(types.CodeConcentrationRisk,
			"instrument notional %s exceeds %.0f%% of equity %s", tradedNotional, m.cfg.MaxSingleInstrumentConcentration*100, equity)
	}
	if projectedMargin.Sign() > 0 {
		ratio := decimal.NewFromFloat(m.cfg.MinMarginBufferRatio)
		if !equity.GreaterThan(projectedMargin.Mul(ratio)) {
			return types.E(types.CodeInsufficientMarginBuffer,
				"equity %s does not cover projected margin %s at buffer %.2f", equity, projectedMargin, m.cfg.MinMarginBufferRatio)
		}
	}
	if inst.Type == types.Option && inst.DaysToExpiry(m.now()) < 1 {
		return types.E(types.CodeExpiryRiskBlock, "option expires within a day; only exits allowed")
	}
	if wallet.Balance.LessThan(required) {
		return types.E(types.CodeInsufficientFunds,
			"free cash %s below required margin %s", wallet.Balance, required)
	}
	return nil
}

// projectBook overlays the order on the user's current positions. Existing
// positions are valued at their latest mark (average entry if the
// instrument has not ticked); the traded instrument at the acceptance
// price.
func (m *Manager) projectBook(intent OrderIntent, inst types.Instrument, acceptance decimal.Decimal) []bookEntry {
	entries := make(map[string]bookEntry)
	for _, pos := range m.book.Positions(intent.UserID) {
		price := pos.AvgPrice
		if mark, ok := m.book.Mark(pos.InstrumentKey); ok {
			price = mark
		}
		entries[pos.InstrumentKey] = bookEntry{
			key:      pos.InstrumentKey,
			qty:      pos.Quantity,
			price:    price,
			instType: pos.Type,
		}
	}

	traded := entries[inst.InstrumentKey]
	traded.key = inst.InstrumentKey
	traded.qty += intent.Side.Sign() * intent.Quantity
	traded.price = acceptance
	traded.instType = inst.Type
	entries[inst.InstrumentKey] = traded

	out := make([]bookEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry)
	}
	return out
}

// positionMargin applies the schedule to a projected position; short
// options margin at the sell rate.
func positionMargin(t types.InstrumentType, qty int64, notional decimal.Decimal) decimal.Decimal {
	switch t {
	case types.Future:
		return notional.Mul(futureMarginRate)
	case types.Option:
		if qty < 0 {
			return notional.Mul(optionSellMarginRate)
		}
		return notional
	default:
		return notional
	}
}

func (m *Manager) currentPosition(userID, key string) (types.Position, bool) {
	for _, pos := range m.book.Positions(userID) {
		if pos.InstrumentKey == key {
			return pos, true
		}
	}
	return types.Position{}, false
}

func sign(q int64) int64 {
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	default:
		return 0
	}
}

func abs(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}
