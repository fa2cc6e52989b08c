package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// ledgerScale is the paise resolution every journal amount is stored at.
const ledgerScale = 2

var validAccounts = map[types.AccountType]bool{
	types.AccountCash:          true,
	types.AccountMarginBlocked: true,
	types.AccountRealizedPnL:   true,
	types.AccountUnrealizedPnL: true,
	types.AccountFees:          true,
}

// LedgerRepo is the append-only double-entry journal. Every money movement
// in the venue is one row here; wallets are projections of this table.
type LedgerRepo struct {
	db     *sql.DB
	logger *slog.Logger
}

// Append writes one journal entry inside the caller's transaction. A reused
// idempotency key returns the prior entry's id with replayed=true and no
// second write.
func (r *LedgerRepo) Append(ctx context.Context, tx *sql.Tx, entry types.LedgerEntry) (string, bool, error) {
	if !entry.Amount.IsPositive() {
		return "", false, fmt.Errorf("ledger append: amount %s is not positive", entry.Amount)
	}
	if entry.Debit == entry.Credit {
		return "", false, fmt.Errorf("ledger append: debit and credit are both %s", entry.Debit)
	}
	if !validAccounts[entry.Debit] || !validAccounts[entry.Credit] {
		return "", false, fmt.Errorf("ledger append: unknown account pair %s/%s", entry.Debit, entry.Credit)
	}
	if entry.UserID == "" || entry.IdempotencyKey == "" {
		return "", false, fmt.Errorf("ledger append: user id and idempotency key are required")
	}

	var prior string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM ledger_entries WHERE idempotency_key = ?`,
		entry.IdempotencyKey).Scan(&prior)
	if err == nil {
		return prior, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("ledger replay check: %w", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries
			(id, user_id, debit_account, credit_account, amount,
			 reference_type, reference_id, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, string(entry.Debit), string(entry.Credit),
		entry.Amount.Round(ledgerScale).String(),
		entry.ReferenceType, entry.ReferenceID, entry.IdempotencyKey,
		encodeTime(entry.CreatedAt))
	if err != nil {
		return "", false, fmt.Errorf("ledger insert: %w", err)
	}

	metrics.LedgerEntries.Inc()
	return entry.ID, false, nil
}

// Record is Append in its own serializable transaction, for callers with
// nothing else to commit alongside.
func (r *LedgerRepo) Record(ctx context.Context, entry types.LedgerEntry) (string, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id, replayed, err := r.Append(ctx, tx, entry)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return id, replayed, nil
}

// Balances folds the user's journal into per-account balances, computed as
// sum(credits) - sum(debits). Every account is present in the result, zero
// when untouched.
func (r *LedgerRepo) Balances(ctx context.Context, userID string) (map[types.AccountType]decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT debit_account, credit_account, amount FROM ledger_entries WHERE user_id = ?`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("ledger balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[types.AccountType]decimal.Decimal, len(validAccounts))
	for acct := range validAccounts {
		balances[acct] = decimal.Zero
	}
	for rows.Next() {
		var debit, credit, amount string
		if err := rows.Scan(&debit, &credit, &amount); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		amt := decodeDecimal(amount)
		balances[types.AccountType(credit)] = balances[types.AccountType(credit)].Add(amt)
		balances[types.AccountType(debit)] = balances[types.AccountType(debit)].Sub(amt)
	}
	return balances, rows.Err()
}

// EntriesForUser returns the user's journal oldest first.
func (r *LedgerRepo) EntriesForUser(ctx context.Context, userID string) ([]types.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, debit_account, credit_account, amount,
		        reference_type, reference_id, idempotency_key, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var debit, credit, amount, createdAt string
		err := rows.Scan(&e.ID, &e.UserID, &debit, &credit, &amount,
			&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Debit = types.AccountType(debit)
		e.Credit = types.AccountType(credit)
		e.Amount = decodeDecimal(amount)
		e.CreatedAt = decodeTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteForUser wipes the user's journal. Only account reset calls this.
func (r *LedgerRepo) DeleteForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete ledger entries: %w", err)
	}
	return nil
}
