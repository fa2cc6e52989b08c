package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const orderColumns = `id, user_id, instrument_key, side, quantity, order_type,
	limit_price, status, filled_qty, avg_fill_price, realized_pnl,
	blocked_margin, idempotency_key, exit_reason, settlement_price,
	reject_reason, created_at, executed_at`

// OrderRepo persists order rows through their lifecycle.
type OrderRepo struct {
	db *sql.DB
}

// Insert writes a new order inside the caller's transaction.
func (r *OrderRepo) Insert(ctx context.Context, tx *sql.Tx, o types.Order) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.InstrumentKey, string(o.Side), o.Quantity, string(o.OrderType),
		o.LimitPrice.String(), string(o.Status), o.FilledQty, o.AvgFillPrice.String(),
		o.RealizedPnL.String(), o.BlockedMargin.String(), o.IdempotencyKey,
		string(o.ExitReason), o.SettlementPrice.String(), o.RejectReason,
		encodeTime(o.CreatedAt), encodeTime(o.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites the mutable order fields inside the caller's transaction.
func (r *OrderRepo) Update(ctx context.Context, tx *sql.Tx, o types.Order) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET
			status = ?, filled_qty = ?, avg_fill_price = ?, realized_pnl = ?,
			blocked_margin = ?, exit_reason = ?, settlement_price = ?,
			reject_reason = ?, executed_at = ?
		 WHERE id = ?`,
		string(o.Status), o.FilledQty, o.AvgFillPrice.String(), o.RealizedPnL.String(),
		o.BlockedMargin.String(), string(o.ExitReason), o.SettlementPrice.String(),
		o.RejectReason, encodeTime(o.ExecutedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return types.E(types.CodeOrderNotFound, "order %s not found", o.ID)
	}
	return nil
}

// Get returns one order by id.
func (r *OrderRepo) Get(ctx context.Context, id string) (types.Order, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return types.Order{}, types.E(types.CodeOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// ByIdempotencyKey returns the user's order carrying the key, if any.
func (r *OrderRepo) ByIdempotencyKey(ctx context.Context, userID, key string) (types.Order, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND idempotency_key = ?`,
		userID, key)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, fmt.Errorf("order by idempotency key: %w", err)
	}
	return o, true, nil
}

// Open returns every ACCEPTED or WORKING order, oldest first. The fill scan
// and boot rehydration both feed from here.
func (r *OrderRepo) Open(ctx context.Context) ([]types.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN (?, ?) ORDER BY created_at, id`,
		string(types.OrderAccepted), string(types.OrderWorking))
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return collectOrders(rows)
}

// ListByUser returns the user's orders newest first, capped at limit.
func (r *OrderRepo) ListByUser(ctx context.Context, userID string, limit int) ([]types.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectOrders(rows)
}

// DeleteForUser wipes the user's orders. Only account reset calls this.
func (r *OrderRepo) DeleteForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete orders: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (types.Order, error) {
	var o types.Order
	var side, orderType, limitPrice, status, avgFill, realized, blocked string
	var exitReason, settlement, createdAt, executedAt string
	err := row.Scan(&o.ID, &o.UserID, &o.InstrumentKey, &side, &o.Quantity, &orderType,
		&limitPrice, &status, &o.FilledQty, &avgFill, &realized, &blocked,
		&o.IdempotencyKey, &exitReason, &settlement, &o.RejectReason,
		&createdAt, &executedAt)
	if err != nil {
		return types.Order{}, err
	}
	o.Side = types.Side(side)
	o.OrderType = types.OrderType(orderType)
	o.LimitPrice = decodeDecimal(limitPrice)
	o.Status = types.OrderStatus(status)
	o.AvgFillPrice = decodeDecimal(avgFill)
	o.RealizedPnL = decodeDecimal(realized)
	o.BlockedMargin = decodeDecimal(blocked)
	o.ExitReason = types.ExitReason(exitReason)
	o.SettlementPrice = decodeDecimal(settlement)
	o.CreatedAt = decodeTime(createdAt)
	o.ExecutedAt = decodeTime(executedAt)
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]types.Order, error) {
	defer rows.Close()
	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Trades
// ----------------------------------------------------------------------------

// TradeRepo persists executions. Trades are immutable once written.
type TradeRepo struct {
	db *sql.DB
}

// Insert writes one trade inside the caller's transaction.
func (r *TradeRepo) Insert(ctx context.Context, tx *sql.Tx, t types.Trade) error {
	breakdown := ""
	if len(t.FeeBreakdown) > 0 {
		var err error
		breakdown, err = encodeJSON(t.FeeBreakdown)
		if err != nil {
			return fmt.Errorf("encode fee breakdown: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO trades
			(id, order_id, user_id, instrument_key, side, quantity, price, fees, fee_breakdown, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.UserID, t.InstrumentKey, string(t.Side), t.Quantity,
		t.Price.String(), t.Fees.String(), breakdown, encodeTime(t.Timestamp))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByUser returns the user's trades newest first, capped at limit.
func (r *TradeRepo) ListByUser(ctx context.Context, userID string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, user_id, instrument_key, side, quantity, price, fees, fee_breakdown, ts
		 FROM trades WHERE user_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var side, price, fees, breakdown, ts string
		err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.InstrumentKey, &side,
			&t.Quantity, &price, &fees, &breakdown, &ts)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = types.Side(side)
		t.Price = decodeDecimal(price)
		t.Fees = decodeDecimal(fees)
		t.Timestamp = decodeTime(ts)
		if breakdown != "" {
			if err := decodeJSON(breakdown, &t.FeeBreakdown); err != nil {
				return nil, fmt.Errorf("decode fee breakdown: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteForUser wipes the user's trades. Only account reset calls this.
func (r *TradeRepo) DeleteForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete trades: %w", err)
	}
	return nil
}
