// Package store persists the venue's books in a single SQLite database:
// the double-entry ledger, orders, trades, positions, the wallet projection,
// watchlists, the instrument master mirror, and the broker token.
//
// The database opens in WAL mode with synchronous=FULL; the ledger is an
// audit trail and loses nothing on a crash. Money columns are decimal
// strings rendered by shopspring/decimal; nothing monetary ever passes
// through a float. Multi-table writes (order admission, fills, account
// reset) run inside a single serializable transaction via WithTx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// queryTimeout bounds single statements issued outside a caller context
// deadline.
const queryTimeout = 3 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	debit_account   TEXT NOT NULL,
	credit_account  TEXT NOT NULL,
	amount          TEXT NOT NULL,
	reference_type  TEXT NOT NULL,
	reference_id    TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, created_at);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	instrument_key   TEXT NOT NULL,
	side             TEXT NOT NULL,
	quantity         INTEGER NOT NULL,
	order_type       TEXT NOT NULL,
	limit_price      TEXT NOT NULL DEFAULT '0',
	status           TEXT NOT NULL,
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	avg_fill_price   TEXT NOT NULL DEFAULT '0',
	realized_pnl     TEXT NOT NULL DEFAULT '0',
	blocked_margin   TEXT NOT NULL DEFAULT '0',
	idempotency_key  TEXT NOT NULL DEFAULT '',
	exit_reason      TEXT NOT NULL DEFAULT '',
	settlement_price TEXT NOT NULL DEFAULT '0',
	reject_reason    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	executed_at      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idem
	ON orders(user_id, idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(status)
	WHERE status IN ('ACCEPTED', 'WORKING');

CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	order_id       TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	instrument_key TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	price          TEXT NOT NULL,
	fees           TEXT NOT NULL DEFAULT '0',
	fee_breakdown  TEXT NOT NULL DEFAULT '',
	ts             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, ts);

CREATE TABLE IF NOT EXISTS positions (
	user_id         TEXT NOT NULL,
	instrument_key  TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	avg_price       TEXT NOT NULL,
	blocked_margin  TEXT NOT NULL DEFAULT '0',
	instrument_type TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (user_id, instrument_key)
);

CREATE TABLE IF NOT EXISTS wallets (
	user_id         TEXT PRIMARY KEY,
	balance         TEXT NOT NULL,
	blocked_balance TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL,
	unrealized_pnl  TEXT NOT NULL,
	fees            TEXT NOT NULL,
	margin_status   TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watchlists (
	user_id        TEXT NOT NULL,
	instrument_key TEXT NOT NULL,
	added_at       TEXT NOT NULL,
	PRIMARY KEY (user_id, instrument_key)
);

CREATE TABLE IF NOT EXISTS instruments (
	instrument_key TEXT PRIMARY KEY,
	payload        TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_tokens (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	token      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store owns the database handle and exposes one repository per concern.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	Ledger     *LedgerRepo
	Orders     *OrderRepo
	Trades     *TradeRepo
	Positions  *PositionRepo
	Wallets    *WalletRepo
	Watchlists *WatchlistRepo
}

// Open opens (creating if needed) the venue database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger = logger.With("component", "store")
	s := &Store{db: db, logger: logger}
	s.Ledger = &LedgerRepo{db: db, logger: logger}
	s.Orders = &OrderRepo{db: db}
	s.Trades = &TradeRepo{db: db}
	s.Positions = &PositionRepo{db: db}
	s.Wallets = &WalletRepo{db: db}
	s.Watchlists = &WatchlistRepo{db: db}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy reports whether the database answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// WithTx runs fn inside a serializable transaction, committing on nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// BrokerToken returns the persisted broker access token, empty when unset.
func (s *Store) BrokerToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM broker_tokens WHERE id = 1`).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read broker token: %w", err)
	}
	return token, nil
}

// SaveBrokerToken persists the broker access token.
func (s *Store) SaveBrokerToken(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broker_tokens (id, token, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		token, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save broker token: %w", err)
	}
	return nil
}

// SaveInstruments replaces the persisted instrument master mirror.
func (s *Store) SaveInstruments(ctx context.Context, instruments []types.Instrument) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM instruments`); err != nil {
			return fmt.Errorf("clear instruments: %w", err)
		}
		now := encodeTime(time.Now())
		for _, inst := range instruments {
			payload, err := encodeJSON(inst)
			if err != nil {
				return fmt.Errorf("encode instrument %s: %w", inst.InstrumentKey, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO instruments (instrument_key, payload, updated_at) VALUES (?, ?, ?)`,
				inst.InstrumentKey, payload, now)
			if err != nil {
				return fmt.Errorf("insert instrument %s: %w", inst.InstrumentKey, err)
			}
		}
		return nil
	})
}

// LoadInstruments reads the persisted instrument master mirror. Used as the
// boot fallback when the master file is absent.
func (s *Store) LoadInstruments(ctx context.Context) ([]types.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM instruments`)
	if err != nil {
		return nil, fmt.Errorf("load instruments: %w", err)
	}
	defer rows.Close()

	var out []types.Instrument
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		var inst types.Instrument
		if err := decodeJSON(payload, &inst); err != nil {
			s.logger.Warn("skipping undecodable instrument row", "error", err)
			continue
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Column codecs
// ----------------------------------------------------------------------------

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

