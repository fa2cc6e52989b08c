package orders

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/account"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// Run drives the working-order scan until ctx is cancelled, then drains the
// worker pool. Each cycle prices every open order against the latest ticks;
// per-user locks keep concurrent workers off the same book.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Fill.ScanInterval)
	defer ticker.Stop()
	defer s.pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	open, err := s.st.Orders.Open(ctx)
	if err != nil {
		s.logger.Error("scan open orders", "error", err)
		return
	}
	if len(open) == 0 {
		return
	}

	group := s.pool.Group()
	for _, o := range open {
		o := o
		group.Submit(func() {
			s.attempt(ctx, o)
		})
	}
	group.Wait()
}

// attempt prices one order and executes the fill when the book crosses.
// Failures leave the order open; the next cycle retries.
func (s *Service) attempt(ctx context.Context, stale types.Order) {
	if ctx.Err() != nil {
		return
	}
	release := s.locks.Acquire(stale.UserID)
	defer release()

	// Re-read under the lock: a cancel or a concurrent fill may have
	// retired the order since the scan snapshot.
	o, err := s.st.Orders.Get(ctx, stale.ID)
	if err != nil || !o.Open() {
		return
	}
	inst, err := s.reg.Get(o.InstrumentKey)
	if err != nil {
		s.logger.Warn("open order on unknown instrument", "order", o.ID, "instrument", o.InstrumentKey)
		return
	}

	if o.ExitReason != "" && !s.exitStillValid(ctx, o) {
		s.retireStaleExit(ctx, o)
		return
	}

	tick, ok := s.bus.Latest(o.InstrumentKey)
	res := decideFill(o, inst, tick, ok, s.now(), s.cfg.FillTickMaxAge(), slippageBps(s.cfg.Fill, inst.Type))
	if !res.fill {
		if o.Status == types.OrderAccepted {
			s.markWorking(ctx, o)
		}
		return
	}

	if err := s.executeFill(ctx, o, inst, res.price); err != nil {
		s.logger.Error("fill failed, order stays working",
			"order", o.ID, "user", o.UserID, "error", err)
	}
}

// exitStillValid checks that a system exit still matches the live position.
// A user's own full exit can race the liquidation queue; filling the stale
// exit afterwards would open fresh exposure instead of closing any.
func (s *Service) exitStillValid(ctx context.Context, o types.Order) bool {
	pos, found, err := s.st.Positions.Get(ctx, o.UserID, o.InstrumentKey)
	if err != nil || !found || pos.Quantity == 0 {
		return false
	}
	return o.Side == exitSide(pos) && o.Quantity == absQty(pos.Quantity)
}

func (s *Service) retireStaleExit(ctx context.Context, o types.Order) {
	o.Status = types.OrderCancelled
	o.ExecutedAt = s.now()
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.st.Orders.Update(ctx, tx, o)
	})
	if err != nil {
		s.logger.Warn("retire stale exit", "order", o.ID, "error", err)
		return
	}
	s.notifyOrder(o)
	metrics.Orders.WithLabelValues(string(types.OrderCancelled)).Inc()
	s.logger.Info("stale system exit retired", "order", o.ID, "user", o.UserID,
		"instrument", o.InstrumentKey, "reason", o.ExitReason)
}

func (s *Service) markWorking(ctx context.Context, o types.Order) {
	o.Status = types.OrderWorking
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.st.Orders.Update(ctx, tx, o)
	})
	if err != nil {
		s.logger.Warn("mark order working", "order", o.ID, "error", err)
		return
	}
	s.notifyOrder(o)
	metrics.Orders.WithLabelValues(string(types.OrderWorking)).Inc()
}

// executeFill applies one all-or-nothing fill as a single transaction: trade
// row, position mutation, margin release on close, realized PnL and fee
// postings, and the terminal order update. The caller holds the user lock.
func (s *Service) executeFill(ctx context.Context, o types.Order, inst types.Instrument, price decimal.Decimal) error {
	now := s.now()
	prior, _, err := s.st.Positions.Get(ctx, o.UserID, o.InstrumentKey)
	if err != nil {
		return err
	}

	effect := account.ApplyFill(prior, o.Side, o.Quantity, price)

	pos := effect.Position
	pos.UserID = o.UserID
	pos.InstrumentKey = o.InstrumentKey
	pos.Type = inst.Type
	pos.UpdatedAt = now

	// Margin is collateral for the position: an opening fill keeps the
	// order's block, a closing fill releases everything accumulated.
	released := decimal.Zero
	switch {
	case effect.Closed:
		released = prior.BlockedMargin.Add(o.BlockedMargin)
		pos.BlockedMargin = decimal.Zero
	case effect.Opened:
		pos.BlockedMargin = prior.BlockedMargin.Add(o.BlockedMargin)
	default:
		pos.BlockedMargin = prior.BlockedMargin
	}

	notional := price.Mul(decimal.NewFromInt(o.Quantity))
	fee := tradeFee(s.cfg.Fees, inst.Type, notional)
	trade := types.Trade{
		ID:            uuid.NewString(),
		OrderID:       o.ID,
		UserID:        o.UserID,
		InstrumentKey: o.InstrumentKey,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         price,
		Fees:          fee,
		FeeBreakdown:  map[string]decimal.Decimal{"brokerage": fee},
		Timestamp:     now,
	}

	o.Status = types.OrderFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.RealizedPnL = effect.Realized
	o.ExecutedAt = now

	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.st.Trades.Insert(ctx, tx, trade); err != nil {
			return err
		}
		if released.IsPositive() {
			_, _, err := s.st.Ledger.Append(ctx, tx, types.LedgerEntry{
				UserID:         o.UserID,
				Debit:          types.AccountMarginBlocked,
				Credit:         types.AccountCash,
				Amount:         released,
				ReferenceType:  types.RefOrder,
				ReferenceID:    o.ID,
				IdempotencyKey: "UNBLOCK-" + o.ID,
			})
			if err != nil {
				return err
			}
		}
		if !effect.Realized.IsZero() {
			entry := types.LedgerEntry{
				UserID:         o.UserID,
				Amount:         effect.Realized.Abs(),
				ReferenceType:  types.RefTrade,
				ReferenceID:    trade.ID,
				IdempotencyKey: "PNL-" + trade.ID,
			}
			if effect.Realized.IsPositive() {
				entry.Debit = types.AccountRealizedPnL
				entry.Credit = types.AccountCash
			} else {
				entry.Debit = types.AccountCash
				entry.Credit = types.AccountRealizedPnL
			}
			if _, _, err := s.st.Ledger.Append(ctx, tx, entry); err != nil {
				return err
			}
		}
		if fee.IsPositive() {
			_, _, err := s.st.Ledger.Append(ctx, tx, types.LedgerEntry{
				UserID:         o.UserID,
				Debit:          types.AccountCash,
				Credit:         types.AccountFees,
				Amount:         fee,
				ReferenceType:  types.RefTrade,
				ReferenceID:    trade.ID,
				IdempotencyKey: "FEE-" + trade.ID,
			})
			if err != nil {
				return err
			}
		}
		if err := s.st.Positions.Upsert(ctx, tx, pos); err != nil {
			return err
		}
		return s.st.Orders.Update(ctx, tx, o)
	})
	if err != nil {
		return err
	}

	s.wallets.Invalidate(o.UserID)
	s.engine.NotePosition(pos)
	s.notifyOrder(o)
	s.notifyPosition(pos)
	metrics.Fills.Inc()
	metrics.Orders.WithLabelValues(string(types.OrderFilled)).Inc()
	s.logger.Info("order filled",
		"user", o.UserID, "order", o.ID, "instrument", o.InstrumentKey,
		"side", o.Side, "qty", o.Quantity, "price", price,
		"realized", effect.Realized, "fee", fee, "exit", o.ExitReason)
	return nil
}

// ----------------------------------------------------------------------------
// System exits
// ----------------------------------------------------------------------------

// ForceExit enqueues a liquidation MARKET order closing the whole position.
// The order goes through the normal fill path; a second call while one exit
// is still open is a no-op.
func (s *Service) ForceExit(ctx context.Context, pos types.Position) error {
	placed, err := s.placeExit(ctx, pos, types.ExitLiquidation, decimal.Zero, "")
	if err != nil {
		return err
	}
	if placed {
		metrics.Liquidations.Inc()
	}
	return nil
}

// SettleExpired closes every position on an expired contract at its
// settlement price and expires open orders still resting on dead
// instruments. The engine runs it after the close on weekdays.
func (s *Service) SettleExpired(ctx context.Context) error {
	now := s.now()

	positions, err := s.st.Positions.All(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		inst, err := s.reg.Get(pos.InstrumentKey)
		if err != nil {
			s.logger.Warn("position on unknown instrument", "instrument", pos.InstrumentKey, "user", pos.UserID)
			continue
		}
		if inst.Expiry.IsZero() || now.Before(inst.Expiry) {
			continue
		}
		settlement := s.settlementPrice(pos)
		key := "EXPIRY-" + pos.InstrumentKey + "-" + pos.UserID
		if _, err := s.placeExit(ctx, pos, types.ExitExpiry, settlement, key); err != nil {
			s.logger.Error("place expiry exit", "user", pos.UserID, "instrument", pos.InstrumentKey, "error", err)
		}
	}

	open, err := s.st.Orders.Open(ctx)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.ExitReason != "" {
			continue
		}
		inst, err := s.reg.Get(o.InstrumentKey)
		if err != nil {
			continue
		}
		if inst.Expiry.IsZero() || now.Before(inst.Expiry) {
			continue
		}
		s.expireOrder(ctx, o)
	}
	return nil
}

// settlementPrice resolves the price an expired contract settles at: the
// oracle chain first, the position's entry as the last resort.
func (s *Service) settlementPrice(pos types.Position) decimal.Decimal {
	px, err := s.oracle.BestPrice(pos.InstrumentKey)
	if err != nil || px <= 0 {
		s.logger.Warn("no settlement reference, settling at entry",
			"instrument", pos.InstrumentKey, "user", pos.UserID)
		return pos.AvgPrice
	}
	return decimal.NewFromFloat(px)
}

// placeExit inserts a system MARKET order closing pos in full. Reports
// whether a new order was actually placed.
func (s *Service) placeExit(ctx context.Context, pos types.Position, reason types.ExitReason, settlement decimal.Decimal, idemKey string) (bool, error) {
	release := s.locks.Acquire(pos.UserID)
	defer release()

	if idemKey != "" {
		_, found, err := s.st.Orders.ByIdempotencyKey(ctx, pos.UserID, idemKey)
		if err != nil {
			return false, err
		}
		if found {
			return false, nil
		}
	}
	dup, err := s.openExitExists(ctx, pos.UserID, pos.InstrumentKey)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	order := types.Order{
		ID:              uuid.NewString(),
		UserID:          pos.UserID,
		InstrumentKey:   pos.InstrumentKey,
		Side:            exitSide(pos),
		Quantity:        absQty(pos.Quantity),
		OrderType:       types.OrderTypeMarket,
		Status:          types.OrderAccepted,
		IdempotencyKey:  idemKey,
		ExitReason:      reason,
		SettlementPrice: settlement,
		CreatedAt:       s.now(),
	}
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.st.Orders.Insert(ctx, tx, order)
	})
	if err != nil {
		return false, err
	}

	s.notifyOrder(order)
	metrics.Orders.WithLabelValues(string(types.OrderAccepted)).Inc()
	s.logger.Info("system exit enqueued",
		"user", pos.UserID, "instrument", pos.InstrumentKey,
		"side", order.Side, "qty", order.Quantity, "reason", reason)
	return true, nil
}

// openExitExists reports whether a system exit for (user, instrument) is
// already on the book.
func (s *Service) openExitExists(ctx context.Context, userID, instrumentKey string) (bool, error) {
	open, err := s.st.Orders.Open(ctx)
	if err != nil {
		return false, err
	}
	for _, o := range open {
		if o.UserID == userID && o.InstrumentKey == instrumentKey && o.ExitReason != "" {
			return true, nil
		}
	}
	return false, nil
}

// expireOrder retires one resting order on a dead contract: release its
// margin and mark it EXPIRED.
func (s *Service) expireOrder(ctx context.Context, o types.Order) {
	release := s.locks.Acquire(o.UserID)
	defer release()

	cur, err := s.st.Orders.Get(ctx, o.ID)
	if err != nil || !cur.Open() {
		return
	}
	cur.Status = types.OrderExpired
	cur.ExecutedAt = s.now()
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if cur.BlockedMargin.IsPositive() {
			_, _, err := s.st.Ledger.Append(ctx, tx, types.LedgerEntry{
				UserID:         cur.UserID,
				Debit:          types.AccountMarginBlocked,
				Credit:         types.AccountCash,
				Amount:         cur.BlockedMargin,
				ReferenceType:  types.RefOrder,
				ReferenceID:    cur.ID,
				IdempotencyKey: "UNBLOCK-" + cur.ID,
			})
			if err != nil {
				return err
			}
		}
		return s.st.Orders.Update(ctx, tx, cur)
	})
	if err != nil {
		s.logger.Warn("expire order", "order", cur.ID, "error", err)
		return
	}

	s.wallets.Invalidate(cur.UserID)
	s.notifyOrder(cur)
	metrics.Orders.WithLabelValues(string(types.OrderExpired)).Inc()
	s.logger.Info("order expired with its contract", "order", cur.ID, "user", cur.UserID,
		"instrument", cur.InstrumentKey)
}

func exitSide(pos types.Position) types.Side {
	if pos.Quantity > 0 {
		return types.SELL
	}
	return types.BUY
}

func absQty(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
