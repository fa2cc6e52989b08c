// Package orders is the execution service: it admits orders through pre-trade
// risk, blocks margin, scans the working book against live ticks, executes
// fills as single serializable transactions, and carries the system-driven
// exits (liquidation, contract expiry) through the same fill path.
//
// Money moves only inside fill, cancel, and reset transactions, always under
// the owning user's lock; the scan workers never touch two users' books from
// one task.
package orders

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/account"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/risk"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/store"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// PlaceRequest is one order submission. SettlementPrice is only honored on
// system exits; user flows leave it zero.
type PlaceRequest struct {
	UserID         string
	InstrumentKey  string // key or trading symbol
	Side           types.Side
	Quantity       int64
	OrderType      types.OrderType
	LimitPrice     decimal.Decimal
	IdempotencyKey string
}

// Notifier receives committed order and position updates for client fan-out.
// Implementations must not block.
type Notifier interface {
	OrderUpdate(types.Order)
	PositionUpdate(types.Position)
}

// Service owns the order lifecycle end to end.
type Service struct {
	cfg      *config.Config
	st       *store.Store
	wallets  *account.Wallets
	engine   *account.Engine
	risk     *risk.Manager
	bus      *market.Bus
	oracle   *market.Oracle
	reg      *market.InstrumentStore
	locks    *account.Locks
	logger   *slog.Logger
	pool     *pond.WorkerPool
	notifier Notifier
	now      func() time.Time
}

// NewService wires the execution service. The scan pool is sized from
// fill.scan_workers and drained on shutdown by Run.
func NewService(
	cfg *config.Config,
	st *store.Store,
	wallets *account.Wallets,
	engine *account.Engine,
	riskMgr *risk.Manager,
	bus *market.Bus,
	oracle *market.Oracle,
	registry *market.InstrumentStore,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		st:      st,
		wallets: wallets,
		engine:  engine,
		risk:    riskMgr,
		bus:     bus,
		oracle:  oracle,
		reg:     registry,
		locks:   account.NewLocks(),
		logger:  logger.With("component", "orders"),
		pool: pond.New(cfg.Fill.ScanWorkers, 4*cfg.Fill.ScanWorkers,
			pond.MinWorkers(1), pond.Strategy(pond.Balanced())),
		now: time.Now,
	}
}

// SetNotifier wires the stream fan-out. Call during composition, before Run.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) notifyOrder(o types.Order) {
	if s.notifier != nil {
		s.notifier.OrderUpdate(o)
	}
}

func (s *Service) notifyPosition(p types.Position) {
	if s.notifier != nil {
		s.notifier.PositionUpdate(p)
	}
}

// Place admits one order: resolve the instrument, run pre-trade risk, block
// the required margin, and persist the order in ACCEPTED, all serialized per
// user. A reused idempotency key returns the prior order unchanged. Rejected
// orders are persisted with their reject code so history shows them.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (types.Order, error) {
	if req.UserID == "" {
		return types.Order{}, types.E(types.CodeValidation, "user id is required")
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return types.Order{}, types.E(types.CodeValidation, "side must be BUY or SELL, got %q", req.Side)
	}
	if req.OrderType != types.OrderTypeMarket && req.OrderType != types.OrderTypeLimit {
		return types.Order{}, types.E(types.CodeValidation, "order type must be MARKET or LIMIT, got %q", req.OrderType)
	}
	inst, err := s.reg.Resolve(req.InstrumentKey)
	if err != nil {
		return types.Order{}, err
	}
	if err := s.wallets.EnsureSeeded(ctx, req.UserID); err != nil {
		return types.Order{}, err
	}

	release := s.locks.Acquire(req.UserID)
	defer release()

	if req.IdempotencyKey != "" {
		prior, found, err := s.st.Orders.ByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return types.Order{}, err
		}
		if found {
			s.logger.Info("order replayed", "user", req.UserID, "order", prior.ID, "key", req.IdempotencyKey)
			return prior, nil
		}
	}

	order := types.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		InstrumentKey:  inst.InstrumentKey,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
	}

	approval, err := s.risk.CheckOrder(ctx, risk.OrderIntent{
		UserID:     req.UserID,
		Instrument: inst,
		Side:       req.Side,
		Type:       req.OrderType,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		s.persistRejected(ctx, order, err)
		return types.Order{}, err
	}

	order.Status = types.OrderAccepted
	order.BlockedMargin = approval.RequiredMargin

	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if approval.RequiredMargin.IsPositive() {
			_, _, err := s.st.Ledger.Append(ctx, tx, types.LedgerEntry{
				UserID:         req.UserID,
				Debit:          types.AccountCash,
				Credit:         types.AccountMarginBlocked,
				Amount:         approval.RequiredMargin,
				ReferenceType:  types.RefOrder,
				ReferenceID:    order.ID,
				IdempotencyKey: "MARGIN-" + order.ID,
			})
			if err != nil {
				return err
			}
		}
		return s.st.Orders.Insert(ctx, tx, order)
	})
	if err != nil {
		return types.Order{}, err
	}

	s.wallets.Invalidate(req.UserID)
	s.notifyOrder(order)
	metrics.Orders.WithLabelValues(string(types.OrderAccepted)).Inc()
	s.logger.Info("order accepted",
		"user", req.UserID, "order", order.ID, "instrument", order.InstrumentKey,
		"side", order.Side, "qty", order.Quantity, "type", order.OrderType,
		"margin", order.BlockedMargin)
	return order, nil
}

// persistRejected writes the rejected order row for history. Best effort: a
// storage failure here must not mask the rejection itself.
func (s *Service) persistRejected(ctx context.Context, order types.Order, cause error) {
	order.Status = types.OrderRejected
	order.RejectReason = string(types.CodeOf(cause))
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.st.Orders.Insert(ctx, tx, order)
	})
	if err != nil {
		s.logger.Warn("persist rejected order", "order", order.ID, "error", err)
		return
	}
	metrics.Orders.WithLabelValues(string(types.OrderRejected)).Inc()
}

// Cancel atomically releases the order's blocked margin and retires it.
// Only ACCEPTED and WORKING orders can be cancelled.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (types.Order, error) {
	release := s.locks.Acquire(userID)
	defer release()

	order, err := s.st.Orders.Get(ctx, orderID)
	if err != nil {
		return types.Order{}, err
	}
	if order.UserID != userID {
		return types.Order{}, types.E(types.CodeOrderNotFound, "order %s not found", orderID)
	}
	if !order.Open() {
		return types.Order{}, types.E(types.CodeOrderNotOpen, "order %s is %s", orderID, order.Status)
	}

	order.Status = types.OrderCancelled
	order.ExecutedAt = s.now()
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if order.BlockedMargin.IsPositive() {
			_, _, err := s.st.Ledger.Append(ctx, tx, types.LedgerEntry{
				UserID:         userID,
				Debit:          types.AccountMarginBlocked,
				Credit:         types.AccountCash,
				Amount:         order.BlockedMargin,
				ReferenceType:  types.RefOrder,
				ReferenceID:    order.ID,
				IdempotencyKey: "UNBLOCK-" + order.ID,
			})
			if err != nil {
				return err
			}
		}
		return s.st.Orders.Update(ctx, tx, order)
	})
	if err != nil {
		return types.Order{}, err
	}

	s.wallets.Invalidate(userID)
	s.notifyOrder(order)
	metrics.Orders.WithLabelValues(string(types.OrderCancelled)).Inc()
	s.logger.Info("order cancelled", "user", userID, "order", orderID)
	return order, nil
}

// ResetAccount wipes the user's orders, trades, positions, and journal in one
// transaction and reseeds the wallet at the configured reset balance. The MTM
// engine drops its mirror and the projection is refreshed before returning.
func (s *Service) ResetAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return types.E(types.CodeValidation, "user id is required")
	}
	release := s.locks.Acquire(userID)
	defer release()

	seed := decimal.NewFromFloat(s.cfg.Wallet.ResetBalance)
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.st.Orders.DeleteForUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.st.Trades.DeleteForUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.st.Positions.DeleteForUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.st.Ledger.DeleteForUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.st.Wallets.DeleteForUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.st.Watchlists.DeleteForUser(ctx, tx, userID); err != nil {
			return err
		}
		_, _, err := s.st.Ledger.Append(ctx, tx, account.BootstrapEntry(userID, seed))
		return err
	})
	if err != nil {
		return err
	}

	s.wallets.Forget(userID)
	s.engine.Drop(userID)
	if _, err := s.engine.ForceRefresh(ctx, userID); err != nil {
		s.logger.Warn("refresh after reset", "user", userID, "error", err)
	}
	s.logger.Info("account reset", "user", userID, "balance", seed)
	return nil
}
