package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// WalletRepo persists the wallet projection. The ledger stays authoritative;
// these rows exist so reads survive restarts without a full refold.
type WalletRepo struct {
	db *sql.DB
}

// Save upserts the projection outside any transaction.
func (r *WalletRepo) Save(ctx context.Context, w types.Wallet) error {
	_, err := r.db.ExecContext(ctx, walletUpsertSQL, walletUpsertArgs(w)...)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.UserID, err)
	}
	return nil
}

// SaveTx upserts the projection inside the caller's transaction.
func (r *WalletRepo) SaveTx(ctx context.Context, tx *sql.Tx, w types.Wallet) error {
	_, err := tx.ExecContext(ctx, walletUpsertSQL, walletUpsertArgs(w)...)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.UserID, err)
	}
	return nil
}

const walletUpsertSQL = `
	INSERT INTO wallets (user_id, balance, blocked_balance, realized_pnl, unrealized_pnl, fees, margin_status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		balance = excluded.balance,
		blocked_balance = excluded.blocked_balance,
		realized_pnl = excluded.realized_pnl,
		unrealized_pnl = excluded.unrealized_pnl,
		fees = excluded.fees,
		margin_status = excluded.margin_status,
		updated_at = excluded.updated_at`

func walletUpsertArgs(w types.Wallet) []any {
	return []any{
		w.UserID, w.Balance.String(), w.BlockedBalance.String(),
		w.RealizedPnL.String(), w.UnrealizedPnL.String(), w.Fees.String(),
		string(w.MarginStatus), encodeTime(w.UpdatedAt),
	}
}

// Get returns the stored projection, reporting presence. Equity is not a
// column; callers recompute it from the parts.
func (r *WalletRepo) Get(ctx context.Context, userID string) (types.Wallet, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, blocked_balance, realized_pnl, unrealized_pnl, fees, margin_status, updated_at
		 FROM wallets WHERE user_id = ?`, userID)

	var w types.Wallet
	var balance, blocked, realized, unrealized, fees, status, updatedAt string
	err := row.Scan(&w.UserID, &balance, &blocked, &realized, &unrealized, &fees, &status, &updatedAt)
	if err == sql.ErrNoRows {
		return types.Wallet{}, false, nil
	}
	if err != nil {
		return types.Wallet{}, false, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	w.Balance = decodeDecimal(balance)
	w.BlockedBalance = decodeDecimal(blocked)
	w.RealizedPnL = decodeDecimal(realized)
	w.UnrealizedPnL = decodeDecimal(unrealized)
	w.Fees = decodeDecimal(fees)
	w.MarginStatus = types.MarginStatus(status)
	w.UpdatedAt = decodeTime(updatedAt)
	w.Equity = w.Balance.Add(w.BlockedBalance).Add(w.UnrealizedPnL)
	return w, true, nil
}

// DeleteForUser wipes the projection row. Only account reset calls this.
func (r *WalletRepo) DeleteForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM wallets WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	return nil
}
