package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// PositionRepo persists per-instrument exposure. Flat positions hold no row,
// so Upsert deletes when quantity reaches zero.
type PositionRepo struct {
	db *sql.DB
}

// Upsert writes the position inside the caller's transaction, removing the
// row when the position is flat.
func (r *PositionRepo) Upsert(ctx context.Context, tx *sql.Tx, p types.Position) error {
	if p.Quantity == 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM positions WHERE user_id = ? AND instrument_key = ?`,
			p.UserID, p.InstrumentKey)
		if err != nil {
			return fmt.Errorf("delete flat position: %w", err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, instrument_key, quantity, avg_price, blocked_margin, instrument_type, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, instrument_key) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			blocked_margin = excluded.blocked_margin,
			instrument_type = excluded.instrument_type,
			updated_at = excluded.updated_at`,
		p.UserID, p.InstrumentKey, p.Quantity, p.AvgPrice.String(),
		p.BlockedMargin.String(), string(p.Type), encodeTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.InstrumentKey, err)
	}
	return nil
}

// Get returns the user's position in one instrument, reporting presence.
func (r *PositionRepo) Get(ctx context.Context, userID, instrumentKey string) (types.Position, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, instrument_key, quantity, avg_price, blocked_margin, instrument_type, updated_at
		 FROM positions WHERE user_id = ? AND instrument_key = ?`,
		userID, instrumentKey)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, fmt.Errorf("get position: %w", err)
	}
	return p, true, nil
}

// ListByUser returns the user's open positions.
func (r *PositionRepo) ListByUser(ctx context.Context, userID string) ([]types.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, instrument_key, quantity, avg_price, blocked_margin, instrument_type, updated_at
		 FROM positions WHERE user_id = ? ORDER BY instrument_key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return collectPositions(rows)
}

// All returns every open position across users. The MTM engine hydrates its
// reverse index from here at boot, and the expiry sweep walks it.
func (r *PositionRepo) All(ctx context.Context) ([]types.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, instrument_key, quantity, avg_price, blocked_margin, instrument_type, updated_at
		 FROM positions ORDER BY user_id, instrument_key`)
	if err != nil {
		return nil, fmt.Errorf("all positions: %w", err)
	}
	return collectPositions(rows)
}

// DeleteForUser wipes the user's positions. Only account reset calls this.
func (r *PositionRepo) DeleteForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	return nil
}

func scanPosition(row rowScanner) (types.Position, error) {
	var p types.Position
	var avgPrice, blocked, instType, updatedAt string
	err := row.Scan(&p.UserID, &p.InstrumentKey, &p.Quantity, &avgPrice, &blocked, &instType, &updatedAt)
	if err != nil {
		return types.Position{}, err
	}
	p.AvgPrice = decodeDecimal(avgPrice)
	p.BlockedMargin = decodeDecimal(blocked)
	p.Type = types.InstrumentType(instType)
	p.UpdatedAt = decodeTime(updatedAt)
	return p, nil
}

func collectPositions(rows *sql.Rows) ([]types.Position, error) {
	defer rows.Close()
	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
