package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// WatchlistRepo persists per-user instrument watchlists.
type WatchlistRepo struct {
	db *sql.DB
}

// Add inserts the instrument into the user's watchlist. Re-adding is a no-op.
func (r *WatchlistRepo) Add(ctx context.Context, userID, instrumentKey string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO watchlists (user_id, instrument_key, added_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, instrument_key) DO NOTHING`,
		userID, instrumentKey, encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("add watchlist entry: %w", err)
	}
	return nil
}

// Remove drops the instrument from the user's watchlist.
func (r *WatchlistRepo) Remove(ctx context.Context, userID, instrumentKey string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM watchlists WHERE user_id = ? AND instrument_key = ?`,
		userID, instrumentKey)
	if err != nil {
		return fmt.Errorf("remove watchlist entry: %w", err)
	}
	return nil
}

// List returns the user's watched instrument keys, oldest first.
func (r *WatchlistRepo) List(ctx context.Context, userID string) ([]types.WatchlistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT instrument_key, added_at FROM watchlists
		 WHERE user_id = ? ORDER BY added_at, instrument_key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()

	var out []types.WatchlistEntry
	for rows.Next() {
		var e types.WatchlistEntry
		var addedAt string
		if err := rows.Scan(&e.InstrumentKey, &addedAt); err != nil {
			return nil, fmt.Errorf("scan watchlist entry: %w", err)
		}
		e.AddedAt = decodeTime(addedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteForUser wipes the user's watchlist. Only account reset calls this.
func (r *WatchlistRepo) DeleteForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM watchlists WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete watchlist: %w", err)
	}
	return nil
}
