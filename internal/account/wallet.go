// wallet.go implements the wallet service: bootstrap seeding, TTL-cached
// ledger folds, and the persisted projection the API reads.
package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/store"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const (
	// foldTTL absorbs pre-trade-risk bursts: admission checks several
	// limits against the same wallet within one request.
	foldTTL = 3 * time.Second

	bootstrapRef = "WALLET_BOOTSTRAP_CASH"
)

// MarkSource supplies live unrealized PnL per user. The MTM engine
// implements it; a nil source values open positions at zero.
type MarkSource interface {
	Unrealized(userID string) decimal.Decimal
}

// ledgerFold is the cached result of folding one user's journal.
type ledgerFold struct {
	cash     decimal.Decimal
	blocked  decimal.Decimal
	fees     decimal.Decimal
	realized decimal.Decimal // trade-attributed only; the bootstrap entry shows no PnL
	at       time.Time
}

// Wallets folds the ledger into per-user wallets. The journal stays
// authoritative: the cache and the projection row are both rebuildable.
type Wallets struct {
	store  *store.Store
	logger *slog.Logger
	seed   decimal.Decimal
	now    func() time.Time

	marksMu sync.RWMutex
	marks   MarkSource

	mu     sync.Mutex
	folds  map[string]ledgerFold
	seeded map[string]struct{}
}

// NewWallets builds the service. seed is the cash granted on first touch.
func NewWallets(st *store.Store, seed decimal.Decimal, logger *slog.Logger) *Wallets {
	return &Wallets{
		store:  st,
		logger: logger.With("component", "wallets"),
		seed:   seed,
		now:    time.Now,
		folds:  make(map[string]ledgerFold),
		seeded: make(map[string]struct{}),
	}
}

// AttachMarks wires the unrealized PnL source. Called once at composition.
func (w *Wallets) AttachMarks(src MarkSource) {
	w.marksMu.Lock()
	w.marks = src
	w.marksMu.Unlock()
}

// EnsureSeeded grants the bootstrap cash on the user's first touch. The
// fixed idempotency key makes re-seeding a replay, so every API path can
// call this unconditionally.
func (w *Wallets) EnsureSeeded(ctx context.Context, userID string) error {
	w.mu.Lock()
	_, done := w.seeded[userID]
	w.mu.Unlock()
	if done {
		return nil
	}

	_, replayed, err := w.store.Ledger.Record(ctx, BootstrapEntry(userID, w.seed))
	if err != nil {
		return err
	}
	if !replayed {
		w.logger.Info("wallet seeded", "user", userID, "amount", w.seed)
	}

	w.mu.Lock()
	w.seeded[userID] = struct{}{}
	w.mu.Unlock()
	return nil
}

// BootstrapEntry is the journal's unique zero: REALIZED_PNL funds CASH so
// that balance(CASH) starts at the seed. Its ADJUSTMENT reference keeps it
// out of the displayed realized PnL.
func BootstrapEntry(userID string, amount decimal.Decimal) types.LedgerEntry {
	return types.LedgerEntry{
		UserID:         userID,
		Debit:          types.AccountRealizedPnL,
		Credit:         types.AccountCash,
		Amount:         amount,
		ReferenceType:  types.RefAdjustment,
		ReferenceID:    bootstrapRef,
		IdempotencyKey: "ADJUSTMENT-" + bootstrapRef + "-" + userID,
	}
}

// Get returns the user's wallet valued at live marks.
func (w *Wallets) Get(ctx context.Context, userID string) (types.Wallet, error) {
	if err := w.EnsureSeeded(ctx, userID); err != nil {
		return types.Wallet{}, err
	}
	return w.Compute(ctx, userID, w.unrealized(userID))
}

// Compute builds the wallet from the (possibly cached) ledger fold and the
// supplied unrealized PnL. The MTM engine calls this with its own valuation
// to avoid re-entering itself through the mark source.
func (w *Wallets) Compute(ctx context.Context, userID string, unrealized decimal.Decimal) (types.Wallet, error) {
	fold, err := w.fold(ctx, userID)
	if err != nil {
		return types.Wallet{}, err
	}
	return w.build(userID, fold, unrealized), nil
}

// Recalculate drops the cache and refolds the journal from scratch, then
// repairs the projection row. The round-trip property lives here: the
// result must match the online projection entry for entry.
func (w *Wallets) Recalculate(ctx context.Context, userID string) (types.Wallet, error) {
	w.Invalidate(userID)
	wallet, err := w.Get(ctx, userID)
	if err != nil {
		return types.Wallet{}, err
	}
	if err := w.store.Wallets.Save(ctx, wallet); err != nil {
		return types.Wallet{}, err
	}
	return wallet, nil
}

// Invalidate drops the user's cached fold. Fills, cancels, and resets call
// this after committing ledger writes.
func (w *Wallets) Invalidate(userID string) {
	w.mu.Lock()
	delete(w.folds, userID)
	w.mu.Unlock()
}

// Forget additionally clears the seeded marker. Account reset uses it so
// the next touch re-seeds.
func (w *Wallets) Forget(userID string) {
	w.mu.Lock()
	delete(w.folds, userID)
	delete(w.seeded, userID)
	w.mu.Unlock()
}

func (w *Wallets) unrealized(userID string) decimal.Decimal {
	w.marksMu.RLock()
	src := w.marks
	w.marksMu.RUnlock()
	if src == nil {
		return decimal.Zero
	}
	return src.Unrealized(userID)
}

func (w *Wallets) fold(ctx context.Context, userID string) (ledgerFold, error) {
	w.mu.Lock()
	cached, ok := w.folds[userID]
	w.mu.Unlock()
	if ok && w.now().Sub(cached.at) < foldTTL {
		return cached, nil
	}

	entries, err := w.store.Ledger.EntriesForUser(ctx, userID)
	if err != nil {
		return ledgerFold{}, err
	}

	fold := ledgerFold{
		cash:     decimal.Zero,
		blocked:  decimal.Zero,
		fees:     decimal.Zero,
		realized: decimal.Zero,
		at:       w.now(),
	}
	for _, e := range entries {
		fold.cash = applyTo(fold.cash, types.AccountCash, e)
		fold.blocked = applyTo(fold.blocked, types.AccountMarginBlocked, e)
		fold.fees = applyTo(fold.fees, types.AccountFees, e)
		if e.ReferenceType == types.RefTrade {
			// profit debits REALIZED_PNL into CASH; loss runs the other way
			if e.Debit == types.AccountRealizedPnL {
				fold.realized = fold.realized.Add(e.Amount)
			}
			if e.Credit == types.AccountRealizedPnL {
				fold.realized = fold.realized.Sub(e.Amount)
			}
		}
	}

	w.mu.Lock()
	w.folds[userID] = fold
	w.mu.Unlock()
	return fold, nil
}

// applyTo folds one entry into the running balance of account:
// credits add, debits subtract.
func applyTo(balance decimal.Decimal, account types.AccountType, e types.LedgerEntry) decimal.Decimal {
	if e.Credit == account {
		balance = balance.Add(e.Amount)
	}
	if e.Debit == account {
		balance = balance.Sub(e.Amount)
	}
	return balance
}

func (w *Wallets) build(userID string, fold ledgerFold, unrealized decimal.Decimal) types.Wallet {
	equity := fold.cash.Add(fold.blocked).Add(unrealized)
	return types.Wallet{
		UserID:         userID,
		Balance:        fold.cash,
		BlockedBalance: fold.blocked,
		RealizedPnL:    fold.realized,
		UnrealizedPnL:  unrealized,
		Fees:           fold.fees,
		Equity:         equity,
		MarginStatus:   types.ClassifyMargin(fold.blocked, equity),
		UpdatedAt:      w.now().UTC(),
	}
}
