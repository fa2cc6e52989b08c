package orders

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// seedPosition installs an existing position with its margin already blocked,
// the state a filled opening order leaves behind.
func seedPosition(t *testing.T, f *fixture, userID, key string, qty int64, avg, margin decimal.Decimal, instType types.InstrumentType) types.Position {
	t.Helper()
	ctx := context.Background()
	if err := f.wallets.EnsureSeeded(ctx, userID); err != nil {
		t.Fatalf("EnsureSeeded: %v", err)
	}
	pos := types.Position{
		UserID:        userID,
		InstrumentKey: key,
		Quantity:      qty,
		AvgPrice:      avg,
		BlockedMargin: margin,
		Type:          instType,
		UpdatedAt:     time.Now(),
	}
	err := f.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := f.st.Positions.Upsert(ctx, tx, pos); err != nil {
			return err
		}
		_, _, err := f.st.Ledger.Append(ctx, tx, types.LedgerEntry{
			UserID:         userID,
			Debit:          types.AccountCash,
			Credit:         types.AccountMarginBlocked,
			Amount:         margin,
			ReferenceType:  types.RefOrder,
			ReferenceID:    "seed-" + key,
			IdempotencyKey: "MARGIN-seed-" + key,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	f.wallets.Invalidate(userID)
	return pos
}

func TestMarketOrderRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.publish(relKey, 100)

	buy, err := f.svc.Place(ctx, PlaceRequest{
		UserID: "u1", InstrumentKey: relKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Place buy: %v", err)
	}
	f.svc.scan(ctx)

	got, err := f.st.Orders.Get(ctx, buy.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.OrderFilled {
		t.Fatalf("Status = %v, want FILLED", got.Status)
	}
	if !got.AvgFillPrice.Equal(dec("100.05")) {
		t.Errorf("AvgFillPrice = %v, want 100.05", got.AvgFillPrice)
	}

	trades, err := f.st.Trades.ListByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Trades.ListByUser: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("len(trades) = %d, want 1", len(trades))
	}
	if !trades[0].Fees.Equal(dec("0.30")) {
		t.Errorf("buy fee = %v, want 0.30", trades[0].Fees)
	}

	pos, found, err := f.st.Positions.Get(ctx, "u1", relKey)
	if err != nil || !found {
		t.Fatalf("position missing after fill: found=%v err=%v", found, err)
	}
	if pos.Quantity != 10 || !pos.AvgPrice.Equal(dec("100.05")) {
		t.Errorf("position = %d @ %v, want 10 @ 100.05", pos.Quantity, pos.AvgPrice)
	}
	if !pos.BlockedMargin.Equal(dec("1000.50")) {
		t.Errorf("position BlockedMargin = %v, want 1000.50", pos.BlockedMargin)
	}

	w := f.wallet(t, "u1")
	if !w.Balance.Equal(dec("998999.20")) {
		t.Errorf("Balance = %v, want 998999.20", w.Balance)
	}
	if !w.BlockedBalance.Equal(dec("1000.50")) {
		t.Errorf("BlockedBalance = %v, want 1000.50", w.BlockedBalance)
	}

	// sell the whole lot into a higher tape
	f.publish(relKey, 120)
	sell, err := f.svc.Place(ctx, PlaceRequest{
		UserID: "u1", InstrumentKey: relKey, Side: types.SELL,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Place sell: %v", err)
	}
	if !sell.BlockedMargin.IsZero() {
		t.Errorf("full exit BlockedMargin = %v, want 0", sell.BlockedMargin)
	}
	f.svc.scan(ctx)

	got, err = f.st.Orders.Get(ctx, sell.ID)
	if err != nil {
		t.Fatalf("Get sell: %v", err)
	}
	if got.Status != types.OrderFilled {
		t.Fatalf("sell Status = %v, want FILLED", got.Status)
	}
	if !got.AvgFillPrice.Equal(dec("119.94")) {
		t.Errorf("sell AvgFillPrice = %v, want 119.94", got.AvgFillPrice)
	}
	if !got.RealizedPnL.Equal(dec("198.90")) {
		t.Errorf("RealizedPnL = %v, want 198.90", got.RealizedPnL)
	}

	if _, found, _ := f.st.Positions.Get(ctx, "u1", relKey); found {
		t.Error("position still present after full exit")
	}

	w = f.wallet(t, "u1")
	if !w.Balance.Equal(dec("1000198.24")) {
		t.Errorf("final Balance = %v, want 1000198.24", w.Balance)
	}
	if !w.BlockedBalance.IsZero() {
		t.Errorf("final BlockedBalance = %v, want 0", w.BlockedBalance)
	}
	if !w.RealizedPnL.Equal(dec("198.90")) {
		t.Errorf("final RealizedPnL = %v, want 198.90", w.RealizedPnL)
	}
	if !w.Equity.Equal(dec("1000198.24")) {
		t.Errorf("final Equity = %v, want 1000198.24", w.Equity)
	}
}

func TestLimitOrderWaitsThenFillsInsideLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.publish(relKey, 105)

	order, err := f.svc.Place(ctx, PlaceRequest{
		UserID: "u1", InstrumentKey: relKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeLimit, LimitPrice: dec("100"),
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	f.svc.scan(ctx)
	got, _ := f.st.Orders.Get(ctx, order.ID)
	if got.Status != types.OrderWorking {
		t.Fatalf("Status after first scan = %v, want WORKING", got.Status)
	}

	// tape crosses below the limit; fill rounds down to the tick grid
	f.publish(relKey, 99.97)
	f.svc.scan(ctx)

	got, _ = f.st.Orders.Get(ctx, order.ID)
	if got.Status != types.OrderFilled {
		t.Fatalf("Status = %v, want FILLED", got.Status)
	}
	if !got.AvgFillPrice.Equal(dec("99.95")) {
		t.Errorf("AvgFillPrice = %v, want 99.95", got.AvgFillPrice)
	}

	pos, found, _ := f.st.Positions.Get(ctx, "u1", relKey)
	if !found {
		t.Fatal("position missing after fill")
	}
	if !pos.AvgPrice.Equal(dec("99.95")) {
		t.Errorf("position AvgPrice = %v, want 99.95", pos.AvgPrice)
	}
}

func TestOrderWaitsForTickThenFills(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// HDFCBANK has a previous close but no live tick: the order is admitted
	// off the close and parks WORKING until the first tick lands.
	order, err := f.svc.Place(ctx, PlaceRequest{
		UserID: "u1", InstrumentKey: hdfcKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !order.BlockedMargin.Equal(dec("1000.50")) {
		t.Errorf("BlockedMargin = %v, want 1000.50", order.BlockedMargin)
	}

	f.svc.scan(ctx)
	got, _ := f.st.Orders.Get(ctx, order.ID)
	if got.Status != types.OrderWorking {
		t.Fatalf("Status without ticks = %v, want WORKING", got.Status)
	}

	f.publish(hdfcKey, 100)
	f.svc.scan(ctx)

	got, _ = f.st.Orders.Get(ctx, order.ID)
	if got.Status != types.OrderFilled {
		t.Fatalf("Status = %v, want FILLED", got.Status)
	}
	if !got.AvgFillPrice.Equal(dec("100.05")) {
		t.Errorf("AvgFillPrice = %v, want 100.05", got.AvgFillPrice)
	}
}

func TestForceExitClosesShortFuture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	pos := seedPosition(t, f, "u1", futKey, -2, dec("20000"), dec("6000"), types.Future)
	w := f.wallet(t, "u1")
	if !w.Balance.Equal(dec("994000")) || !w.BlockedBalance.Equal(dec("6000")) {
		t.Fatalf("seeded wallet = %v / %v, want 994000 / 6000", w.Balance, w.BlockedBalance)
	}

	f.publish(futKey, 21000)

	if err := f.svc.ForceExit(ctx, pos); err != nil {
		t.Fatalf("ForceExit: %v", err)
	}
	open, err := f.st.Orders.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("len(open) = %d, want 1", len(open))
	}
	exit := open[0]
	if exit.Side != types.BUY || exit.Quantity != 2 || exit.ExitReason != types.ExitLiquidation {
		t.Errorf("exit = %v %d %v, want BUY 2 LIQUIDATION", exit.Side, exit.Quantity, exit.ExitReason)
	}

	// a second sweep while the exit rests must not stack another
	if err := f.svc.ForceExit(ctx, pos); err != nil {
		t.Fatalf("second ForceExit: %v", err)
	}
	if open, _ = f.st.Orders.Open(ctx); len(open) != 1 {
		t.Fatalf("len(open) after repeat = %d, want 1", len(open))
	}

	f.svc.scan(ctx)

	got, err := f.st.Orders.Get(ctx, exit.ID)
	if err != nil {
		t.Fatalf("Get exit: %v", err)
	}
	if got.Status != types.OrderFilled {
		t.Fatalf("exit Status = %v, want FILLED", got.Status)
	}
	// buy to cover at 21000 plus 10 bps of slippage
	if !got.AvgFillPrice.Equal(dec("21021")) {
		t.Errorf("AvgFillPrice = %v, want 21021", got.AvgFillPrice)
	}
	if !got.RealizedPnL.Equal(dec("-2042")) {
		t.Errorf("RealizedPnL = %v, want -2042", got.RealizedPnL)
	}

	if _, found, _ := f.st.Positions.Get(ctx, "u1", futKey); found {
		t.Error("short position still present after liquidation")
	}
	w = f.wallet(t, "u1")
	if !w.BlockedBalance.IsZero() {
		t.Errorf("BlockedBalance = %v, want 0", w.BlockedBalance)
	}
	// 994000 + 6000 released - 2042 loss - 8.41 fee
	if !w.Balance.Equal(dec("997949.59")) {
		t.Errorf("Balance = %v, want 997949.59", w.Balance)
	}
	if !w.RealizedPnL.Equal(dec("-2042")) {
		t.Errorf("RealizedPnL = %v, want -2042", w.RealizedPnL)
	}
}

func TestSettleExpiredSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seedPosition(t, f, "u1", oldFutKey, 3, dec("19000"), dec("8550"), types.Future)

	// a limit order resting on the dead contract, margin blocked at placement
	resting := types.Order{
		ID:            uuid.NewString(),
		UserID:        "u1",
		InstrumentKey: oldFutKey,
		Side:          types.BUY,
		Quantity:      1,
		OrderType:     types.OrderTypeLimit,
		LimitPrice:    dec("18000"),
		Status:        types.OrderAccepted,
		BlockedMargin: dec("2850"),
		CreatedAt:     time.Now(),
	}
	err := f.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := f.st.Orders.Insert(ctx, tx, resting); err != nil {
			return err
		}
		_, _, err := f.st.Ledger.Append(ctx, tx, types.LedgerEntry{
			UserID:         "u1",
			Debit:          types.AccountCash,
			Credit:         types.AccountMarginBlocked,
			Amount:         resting.BlockedMargin,
			ReferenceType:  types.RefOrder,
			ReferenceID:    resting.ID,
			IdempotencyKey: "MARGIN-" + resting.ID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed resting order: %v", err)
	}
	f.wallets.Invalidate("u1")

	// no ticks for the expired contract: settlement comes from the close
	if err := f.svc.SettleExpired(ctx); err != nil {
		t.Fatalf("SettleExpired: %v", err)
	}
	if err := f.svc.SettleExpired(ctx); err != nil {
		t.Fatalf("repeat SettleExpired: %v", err)
	}

	open, err := f.st.Orders.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("len(open) = %d, want 1 expiry exit", len(open))
	}
	exit := open[0]
	if exit.ExitReason != types.ExitExpiry || exit.Side != types.SELL || exit.Quantity != 3 {
		t.Errorf("exit = %v %v %d, want EXPIRY SELL 3", exit.ExitReason, exit.Side, exit.Quantity)
	}
	if !exit.SettlementPrice.Equal(dec("19500")) {
		t.Errorf("SettlementPrice = %v, want 19500", exit.SettlementPrice)
	}

	expired, err := f.st.Orders.Get(ctx, resting.ID)
	if err != nil {
		t.Fatalf("Get resting: %v", err)
	}
	if expired.Status != types.OrderExpired {
		t.Errorf("resting Status = %v, want EXPIRED", expired.Status)
	}

	f.svc.scan(ctx)

	got, err := f.st.Orders.Get(ctx, exit.ID)
	if err != nil {
		t.Fatalf("Get exit: %v", err)
	}
	if got.Status != types.OrderFilled {
		t.Fatalf("exit Status = %v, want FILLED", got.Status)
	}
	if !got.AvgFillPrice.Equal(dec("19500")) {
		t.Errorf("AvgFillPrice = %v, want settlement 19500", got.AvgFillPrice)
	}
	if !got.RealizedPnL.Equal(dec("1500")) {
		t.Errorf("RealizedPnL = %v, want 1500", got.RealizedPnL)
	}

	if _, found, _ := f.st.Positions.Get(ctx, "u1", oldFutKey); found {
		t.Error("position still present after settlement")
	}

	w := f.wallet(t, "u1")
	// seed - 8550 - 2850, both released, + 1500 settlement pnl - 11.70 fee
	if !w.Balance.Equal(dec("1001488.30")) {
		t.Errorf("Balance = %v, want 1001488.30", w.Balance)
	}
	if !w.BlockedBalance.IsZero() {
		t.Errorf("BlockedBalance = %v, want 0", w.BlockedBalance)
	}
	if !w.RealizedPnL.Equal(dec("1500")) {
		t.Errorf("RealizedPnL = %v, want 1500", w.RealizedPnL)
	}
	if !w.Fees.Equal(dec("11.70")) {
		t.Errorf("Fees = %v, want 11.70", w.Fees)
	}
}

func TestStaleSystemExitIsRetired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	pos := seedPosition(t, f, "u1", futKey, -2, dec("20000"), dec("6000"), types.Future)
	f.publish(futKey, 21000)

	if err := f.svc.ForceExit(ctx, pos); err != nil {
		t.Fatalf("ForceExit: %v", err)
	}

	// the user covers on their own before the scan reaches the exit
	err := f.st.WithTx(ctx, func(tx *sql.Tx) error {
		pos.Quantity = 0
		return f.st.Positions.Upsert(ctx, tx, pos)
	})
	if err != nil {
		t.Fatalf("flatten position: %v", err)
	}

	f.svc.scan(ctx)

	open, _ := f.st.Orders.Open(ctx)
	if len(open) != 0 {
		t.Fatalf("len(open) = %d, want 0", len(open))
	}
	orders, _ := f.st.Orders.ListByUser(ctx, "u1", 10)
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	if orders[0].Status != types.OrderCancelled {
		t.Errorf("stale exit Status = %v, want CANCELLED", orders[0].Status)
	}
	trades, _ := f.st.Trades.ListByUser(ctx, "u1", 10)
	if len(trades) != 0 {
		t.Errorf("len(trades) = %d, want 0 for a retired exit", len(trades))
	}
}
