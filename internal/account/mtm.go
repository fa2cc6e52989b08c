// mtm.go implements the mark-to-market engine. It revalues open positions on
// every tick, classifies margin stress, flushes wallet projections on a
// coalesced cadence, and forces exits when an account tips into LIQUIDATING.
package account

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/store"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const (
	// flushInterval bounds projection writes and wallet events per user.
	flushInterval = 250 * time.Millisecond

	liquidationQueueSize = 64
)

// Liquidator submits a forced MARKET exit for one position. The execution
// service implements it; the engine never imports the order layer.
type Liquidator interface {
	ForceExit(ctx context.Context, pos types.Position) error
}

// Engine is the MTM singleton. It owns the reverse index instrument → users
// and an in-memory mirror of open positions, both hydrated from the store at
// boot and maintained by NotePosition on every committed fill.
type Engine struct {
	logger  *slog.Logger
	store   *store.Store
	wallets *Wallets
	bus     *market.Bus

	mu        sync.Mutex
	index     map[string]map[string]struct{}       // instrumentKey -> userIDs
	positions map[string]map[string]types.Position // userID -> instrumentKey
	marks     map[string]decimal.Decimal
	snaps     map[string]types.Wallet
	dirty     map[string]struct{}

	liqMu      sync.Mutex
	liqPending map[string]struct{}
	liqCh      chan string
	liquidator Liquidator

	lisMu     sync.Mutex
	listeners []func(types.Wallet)

	runCtx context.Context
	sub    market.Subscription
}

// NewEngine builds the MTM engine and attaches itself as the wallet
// service's mark source.
func NewEngine(st *store.Store, wallets *Wallets, bus *market.Bus, logger *slog.Logger) *Engine {
	e := &Engine{
		logger:     logger.With("component", "mtm"),
		store:      st,
		wallets:    wallets,
		bus:        bus,
		index:      make(map[string]map[string]struct{}),
		positions:  make(map[string]map[string]types.Position),
		marks:      make(map[string]decimal.Decimal),
		snaps:      make(map[string]types.Wallet),
		dirty:      make(map[string]struct{}),
		liqPending: make(map[string]struct{}),
		liqCh:      make(chan string, liquidationQueueSize),
		runCtx:     context.Background(),
	}
	wallets.AttachMarks(e)
	return e
}

// SetLiquidator wires the forced-exit path. Without one, breaches are only
// logged and classified.
func (e *Engine) SetLiquidator(l Liquidator) {
	e.liqMu.Lock()
	e.liquidator = l
	e.liqMu.Unlock()
}

// OnWallet registers a listener for flushed wallet snapshots.
func (e *Engine) OnWallet(fn func(types.Wallet)) {
	e.lisMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lisMu.Unlock()
}

// Hydrate mirrors every open position from the store. Run once at boot,
// before ticks flow.
func (e *Engine) Hydrate(ctx context.Context) error {
	all, err := e.store.Positions.All(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, p := range all {
		e.trackLocked(p)
	}
	users := make([]string, 0, len(e.positions))
	for userID := range e.positions {
		users = append(users, userID)
	}
	e.mu.Unlock()

	for _, userID := range users {
		e.recompute(ctx, userID)
	}
	e.logger.Info("mtm hydrated", "positions", len(all), "users", len(users))
	return nil
}

// Run subscribes to the tick bus and drives the flush and liquidation loops
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.runCtx = ctx
	e.sub = e.bus.Subscribe(e.onTick)
	defer e.bus.Unsubscribe(e.sub)

	go e.liquidationLoop(ctx)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.flushDirty(context.Background())
			return
		case <-ticker.C:
			e.flushDirty(ctx)
		}
	}
}

// NotePosition mirrors a committed position write. A zero quantity removes
// the row from the index.
func (e *Engine) NotePosition(pos types.Position) {
	e.mu.Lock()
	e.trackLocked(pos)
	e.mu.Unlock()
	e.recompute(e.runCtx, pos.UserID)
}

// Unrealized implements MarkSource: the sum of signedQty * (mark - avg)
// across the user's open positions, valued at the latest seen marks.
func (e *Engine) Unrealized(userID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unrealizedLocked(userID)
}

// Snapshot returns the user's last computed margin view.
func (e *Engine) Snapshot(userID string) (types.MarginSnapshot, bool) {
	e.mu.Lock()
	w, ok := e.snaps[userID]
	e.mu.Unlock()
	if !ok {
		return types.MarginSnapshot{}, false
	}
	return snapshotFromWallet(w), true
}

// ForceRefresh recomputes and flushes the user immediately. Used after
// resets and by anything that cannot wait out the coalescing interval.
func (e *Engine) ForceRefresh(ctx context.Context, userID string) (types.MarginSnapshot, error) {
	e.wallets.Invalidate(userID)
	w, err := e.recompute(ctx, userID)
	if err != nil {
		return types.MarginSnapshot{}, err
	}
	e.flushUser(ctx, userID, w)
	return snapshotFromWallet(w), nil
}

// Drop forgets a user entirely. Account reset calls this after wiping rows.
func (e *Engine) Drop(userID string) {
	e.mu.Lock()
	for key := range e.positions[userID] {
		if users, ok := e.index[key]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(e.index, key)
			}
		}
	}
	delete(e.positions, userID)
	delete(e.snaps, userID)
	delete(e.dirty, userID)
	e.mu.Unlock()

	e.liqMu.Lock()
	delete(e.liqPending, userID)
	e.liqMu.Unlock()
}

// TrackedInstruments returns every instrument with at least one open
// position. The stream layer bootstraps subscriptions from it.
func (e *Engine) TrackedInstruments(userID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.positions[userID]))
	for key := range e.positions[userID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Positions returns the user's open positions from the in-memory mirror,
// ordered by instrument key. Pre-trade risk projects from this view.
func (e *Engine) Positions(userID string) []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Position, 0, len(e.positions[userID]))
	for _, pos := range e.positions[userID] {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentKey < out[j].InstrumentKey })
	return out
}

// Mark returns the latest price seen for the instrument.
func (e *Engine) Mark(key string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mark, ok := e.marks[key]
	return mark, ok
}

func (e *Engine) onTick(tick types.Tick) {
	price := decimal.NewFromFloat(tick.Price)

	e.mu.Lock()
	e.marks[tick.InstrumentKey] = price
	users := make([]string, 0, len(e.index[tick.InstrumentKey]))
	for userID := range e.index[tick.InstrumentKey] {
		users = append(users, userID)
	}
	e.mu.Unlock()

	for _, userID := range users {
		e.recompute(e.runCtx, userID)
	}
}

func (e *Engine) trackLocked(pos types.Position) {
	key := pos.InstrumentKey
	userID := pos.UserID
	if pos.Quantity == 0 {
		if byKey, ok := e.positions[userID]; ok {
			delete(byKey, key)
			if len(byKey) == 0 {
				delete(e.positions, userID)
			}
		}
		if users, ok := e.index[key]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(e.index, key)
			}
		}
		return
	}

	if e.positions[userID] == nil {
		e.positions[userID] = make(map[string]types.Position)
	}
	e.positions[userID][key] = pos
	if e.index[key] == nil {
		e.index[key] = make(map[string]struct{})
	}
	e.index[key][userID] = struct{}{}
}

// unrealizedLocked values the user's positions at the latest marks. An
// instrument that has not ticked yet contributes zero.
func (e *Engine) unrealizedLocked(userID string) decimal.Decimal {
	total := decimal.Zero
	for key, pos := range e.positions[userID] {
		mark, ok := e.marks[key]
		if !ok {
			continue
		}
		total = total.Add(pos.UnrealizedPnL(mark))
	}
	return total
}

func (e *Engine) recompute(ctx context.Context, userID string) (types.Wallet, error) {
	e.mu.Lock()
	unrealized := e.unrealizedLocked(userID)
	e.mu.Unlock()

	w, err := e.wallets.Compute(ctx, userID, unrealized)
	if err != nil {
		e.logger.Warn("mtm recompute failed", "user", userID, "error", err)
		return types.Wallet{}, err
	}

	e.mu.Lock()
	e.snaps[userID] = w
	e.dirty[userID] = struct{}{}
	e.mu.Unlock()

	if w.MarginStatus == types.MarginLiquidating {
		e.enqueueLiquidation(userID)
	} else {
		e.liqMu.Lock()
		delete(e.liqPending, userID)
		e.liqMu.Unlock()
	}
	return w, nil
}

func (e *Engine) enqueueLiquidation(userID string) {
	e.liqMu.Lock()
	defer e.liqMu.Unlock()
	if e.liquidator == nil {
		return
	}
	if _, pending := e.liqPending[userID]; pending {
		return
	}
	select {
	case e.liqCh <- userID:
		e.liqPending[userID] = struct{}{}
	default:
		// queue full; the next tick retries
	}
}

func (e *Engine) liquidationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-e.liqCh:
			e.liquidate(ctx, userID)
		}
	}
}

// liquidate force-exits the user's positions, worst loss first. Pending
// state stays set until the margin status recovers, so tick storms do not
// resubmit exits while the first round is still filling.
func (e *Engine) liquidate(ctx context.Context, userID string) {
	e.liqMu.Lock()
	liq := e.liquidator
	e.liqMu.Unlock()
	if liq == nil {
		return
	}

	e.mu.Lock()
	ordered := make([]types.Position, 0, len(e.positions[userID]))
	losses := make(map[string]decimal.Decimal, len(e.positions[userID]))
	for key, pos := range e.positions[userID] {
		mark, ok := e.marks[key]
		if !ok {
			mark = pos.AvgPrice
		}
		ordered = append(ordered, pos)
		losses[key] = pos.UnrealizedPnL(mark)
	}
	e.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool {
		return losses[ordered[i].InstrumentKey].LessThan(losses[ordered[j].InstrumentKey])
	})

	e.logger.Warn("liquidating account", "user", userID, "positions", len(ordered))
	for _, pos := range ordered {
		if err := liq.ForceExit(ctx, pos); err != nil {
			e.logger.Error("forced exit failed", "user", userID, "instrument", pos.InstrumentKey, "error", err)
			metrics.CountError(err)
		}
	}
}

func (e *Engine) flushDirty(ctx context.Context) {
	e.mu.Lock()
	batch := make(map[string]types.Wallet, len(e.dirty))
	for userID := range e.dirty {
		if w, ok := e.snaps[userID]; ok {
			batch[userID] = w
		}
	}
	e.dirty = make(map[string]struct{})
	e.mu.Unlock()

	for userID, w := range batch {
		e.flushUser(ctx, userID, w)
	}
}

func (e *Engine) flushUser(ctx context.Context, userID string, w types.Wallet) {
	if err := e.store.Wallets.Save(ctx, w); err != nil {
		e.logger.Warn("wallet projection flush failed", "user", userID, "error", err)
	}
	e.lisMu.Lock()
	listeners := make([]func(types.Wallet), len(e.listeners))
	copy(listeners, e.listeners)
	e.lisMu.Unlock()
	for _, fn := range listeners {
		fn(w)
	}
}

func snapshotFromWallet(w types.Wallet) types.MarginSnapshot {
	return types.MarginSnapshot{
		UserID:        w.UserID,
		Cash:          w.Balance,
		RealizedPnL:   w.RealizedPnL,
		UnrealizedPnL: w.UnrealizedPnL,
		Equity:        w.Equity,
		MarginUsed:    w.BlockedBalance,
		MarginBuffer:  w.Equity.Sub(w.BlockedBalance),
		MarginStatus:  w.MarginStatus,
		UpdatedAt:     w.UpdatedAt,
	}
}
