package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/account"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/orders"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/store"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const (
	defaultListLimit   = 50
	defaultSearchLimit = 20
	defaultCandleCount = 300
	maxCandleCount     = 500
)

// TokenControl rotates the broker access token.
type TokenControl interface {
	Set(ctx context.Context, token string) error
}

// FeedControl pokes the feed supervisor after an operator action.
type FeedControl interface {
	Resume()
}

// CandleHistory backfills chart candles from the broker REST API.
type CandleHistory interface {
	HistoricalCandles(ctx context.Context, key string, interval int64, from, to time.Time) ([]types.Candle, error)
}

// Deps carries everything the handler set calls into.
type Deps struct {
	Store    *store.Store
	Orders   *orders.Service
	Wallets  *account.Wallets
	Registry *market.InstrumentStore
	Candles  *market.CandleEngine
	History  CandleHistory // nil disables history backfill
	Health   *market.HealthMonitor
	Tokens   TokenControl
	Feed     FeedControl
	Refresh  func(ctx context.Context) error
	Hub      *StreamHub
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
}

// user extracts the caller identity. Auth proper lives in front of this
// service; an absent header is rejected before any state is touched.
func (h *Handlers) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if id == "" {
		h.writeErrorStatus(w, http.StatusUnauthorized, types.E(types.CodeValidation, "missing X-User-Id header"))
		return "", false
	}
	return id, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// writeError serializes a rejection as {code, message} and bumps the
// per-code counter. Every caller-surfaced failure funnels through here so
// each rejection is counted exactly once.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	if code == "" {
		code = types.CodeInternal
	}
	h.writeErrorStatus(w, httpStatus(code), err)
}

func (h *Handlers) writeErrorStatus(w http.ResponseWriter, status int, err error) {
	metrics.CountError(err)
	code := types.CodeOf(err)
	if code == "" {
		code = types.CodeInternal
	}
	message := "internal error"
	var coded *types.CodedError
	if errors.As(err, &coded) && coded.Message != "" {
		message = coded.Message
	}
	h.writeJSON(w, status, errorBody{Code: code, Message: message})
}

func httpStatus(code types.Code) int {
	switch code {
	case types.CodeInstrumentNotFound, types.CodeOrderNotFound:
		return http.StatusNotFound
	case types.CodeOrderNotOpen:
		return http.StatusConflict
	case types.CodeUpstoxTokenMissing, types.CodeUpstreamAuth:
		return http.StatusUnauthorized
	case types.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.CodeInstrumentStoreNotReady, types.CodeFeedUnhealthy:
		return http.StatusServiceUnavailable
	case types.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// HandlePlaceOrder admits an order through the full acceptance pipeline.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.E(types.CodeValidation, "invalid request body"))
		return
	}
	order, err := h.deps.Orders.Place(r.Context(), orders.PlaceRequest{
		UserID:         userID,
		InstrumentKey:  req.InstrumentKey,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderRef{OrderID: order.ID, Status: order.Status})
}

// HandleCancelOrder cancels an open order and releases its margin.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	order, err := h.deps.Orders.Cancel(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderRef{OrderID: order.ID, Status: order.Status})
}

// HandleListOrders returns the user's orders, newest first.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Store.Orders.ListByUser(r.Context(), userID, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		h.writeError(w, types.Wrap(types.CodeInternal, err, "list orders"))
		return
	}
	if list == nil {
		list = []types.Order{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleListTrades returns the user's fills, newest first.
func (h *Handlers) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Store.Trades.ListByUser(r.Context(), userID, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		h.writeError(w, types.Wrap(types.CodeInternal, err, "list trades"))
		return
	}
	if list == nil {
		list = []types.Trade{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleListPositions returns the user's open positions.
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Store.Positions.ListByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, types.Wrap(types.CodeInternal, err, "list positions"))
		return
	}
	if list == nil {
		list = []types.Position{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleWallet returns the wallet projection with live marks attached.
func (h *Handlers) HandleWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	wallet, err := h.deps.Wallets.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// HandleResetAccount wipes the user's book back to the seed balance.
func (h *Handlers) HandleResetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	if err := h.deps.Orders.ResetAccount(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCandles serves the chart bootstrap: broker history backfill stitched
// under the live ring, oldest first.
func (h *Handlers) HandleCandles(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("instrumentKey")
	if key == "" {
		h.writeError(w, types.E(types.CodeValidation, "instrumentKey is required"))
		return
	}
	inst, err := h.deps.Registry.Resolve(key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	interval := int64(60)
	if raw := r.URL.Query().Get("interval"); raw != "" {
		interval, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, types.E(types.CodeValidation, "invalid interval %q", raw))
			return
		}
	}
	supported := false
	for _, iv := range market.DefaultIntervals {
		if iv == interval {
			supported = true
			break
		}
	}
	if !supported {
		h.writeError(w, types.E(types.CodeValidation, "unsupported interval %d", interval))
		return
	}

	limit := queryInt(r, "limit", defaultCandleCount)
	if limit > maxCandleCount {
		limit = maxCandleCount
	}

	live := h.deps.Candles.Snapshot(inst.InstrumentKey, interval, limit)
	candles := live
	if missing := limit - len(live); missing > 0 && h.deps.History != nil {
		to := h.now()
		if len(live) > 0 {
			to = time.Unix(live[0].OpenTime, 0)
		}
		from := to.Add(-time.Duration(interval*int64(missing)) * time.Second)
		hist, err := h.deps.History.HistoricalCandles(r.Context(), inst.InstrumentKey, interval, from, to)
		if err != nil {
			h.logger.Warn("candle history backfill failed", "instrument", inst.InstrumentKey, "error", err)
		} else {
			merged := make([]types.Candle, 0, len(hist)+len(live))
			for _, c := range hist {
				if len(live) == 0 || c.OpenTime < live[0].OpenTime {
					merged = append(merged, c)
				}
			}
			merged = append(merged, live...)
			if len(merged) > limit {
				merged = merged[len(merged)-limit:]
			}
			candles = merged
		}
	}
	if candles == nil {
		candles = []types.Candle{}
	}
	h.writeJSON(w, http.StatusOK, candlesPayload{
		InstrumentKey: inst.InstrumentKey,
		Interval:      interval,
		Candles:       candles,
	})
}

// HandleSearchInstruments matches symbols and names against a query.
func (h *Handlers) HandleSearchInstruments(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.writeError(w, types.E(types.CodeValidation, "q is required"))
		return
	}
	results := h.deps.Registry.Search(query, queryInt(r, "limit", defaultSearchLimit))
	if results == nil {
		results = []types.Instrument{}
	}
	h.writeJSON(w, http.StatusOK, results)
}

// HandleWatchlist returns the user's saved instruments.
func (h *Handlers) HandleWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	entries, err := h.deps.Store.Watchlists.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, types.Wrap(types.CodeInternal, err, "list watchlist"))
		return
	}
	if entries == nil {
		entries = []types.WatchlistEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// HandleWatchlistAdd saves an instrument, canonicalized through the registry.
func (h *Handlers) HandleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req watchlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.E(types.CodeValidation, "invalid request body"))
		return
	}
	inst, err := h.deps.Registry.Resolve(req.InstrumentKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.deps.Store.Watchlists.Add(r.Context(), userID, inst.InstrumentKey); err != nil {
		h.writeError(w, types.Wrap(types.CodeInternal, err, "add watchlist entry"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWatchlistRemove drops an instrument. Removing a key that is absent
// or delisted succeeds.
func (h *Handlers) HandleWatchlistRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	if err := h.deps.Store.Watchlists.Remove(r.Context(), userID, r.PathValue("key")); err != nil {
		h.writeError(w, types.Wrap(types.CodeInternal, err, "remove watchlist entry"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStream serves the SSE market stream.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	h.deps.Hub.handleStream(w, r, userID)
}

// resolveStreamKeys canonicalizes side-channel keys. strict rejects unknown
// instruments; lax passes them through so stale holds can still be dropped.
func (h *Handlers) resolveStreamKeys(keys []string, strict bool) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		inst, err := h.deps.Registry.Resolve(key)
		if err != nil {
			if strict {
				return nil, err
			}
			out = append(out, key)
			continue
		}
		out = append(out, inst.InstrumentKey)
	}
	return out, nil
}

// HandleStreamSubscribe raises demand for instruments on an open stream.
func (h *Handlers) HandleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.user(w, r); !ok {
		return
	}
	var req streamKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.E(types.CodeValidation, "invalid request body"))
		return
	}
	if req.ClientID == "" || len(req.InstrumentKeys) == 0 {
		h.writeError(w, types.E(types.CodeValidation, "clientId and instrumentKeys are required"))
		return
	}
	keys, err := h.resolveStreamKeys(req.InstrumentKeys, true)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.deps.Hub.AddKeys(req.ClientID, keys); err != nil {
		if errors.Is(err, errUnknownStreamClient) {
			h.writeErrorStatus(w, http.StatusNotFound, types.E(types.CodeValidation, "unknown stream client %s", req.ClientID))
			return
		}
		h.writeError(w, types.Wrap(types.CodeInternal, err, "subscribe"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStreamUnsubscribe releases demand a stream client added.
func (h *Handlers) HandleStreamUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.user(w, r); !ok {
		return
	}
	var req streamKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.E(types.CodeValidation, "invalid request body"))
		return
	}
	if req.ClientID == "" || len(req.InstrumentKeys) == 0 {
		h.writeError(w, types.E(types.CodeValidation, "clientId and instrumentKeys are required"))
		return
	}
	keys, _ := h.resolveStreamKeys(req.InstrumentKeys, false)
	if err := h.deps.Hub.DropKeys(req.ClientID, keys); err != nil {
		if errors.Is(err, errUnknownStreamClient) {
			h.writeErrorStatus(w, http.StatusNotFound, types.E(types.CodeValidation, "unknown stream client %s", req.ClientID))
			return
		}
		h.writeError(w, types.Wrap(types.CodeInternal, err, "unsubscribe"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSetToken installs a fresh broker token and wakes the feed.
func (h *Handlers) HandleSetToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.E(types.CodeValidation, "invalid request body"))
		return
	}
	if err := h.deps.Tokens.Set(r.Context(), req.Token); err != nil {
		h.writeError(w, err)
		return
	}
	h.deps.Feed.Resume()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRefreshInstruments reloads the instrument master from the broker.
func (h *Handlers) HandleRefreshInstruments(w http.ResponseWriter, r *http.Request) {
	if h.deps.Refresh == nil {
		h.writeError(w, types.E(types.CodeInternal, "instrument refresh not wired"))
		return
	}
	if err := h.deps.Refresh(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"instruments": strconv.Itoa(h.deps.Registry.Count()),
	})
}

// HandleHealthz reports feed and store health. The store going down makes
// the venue unusable, so it alone degrades the status code.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	verdict := h.deps.Health.Verdict()
	storeOK := h.deps.Store.Healthy(r.Context())
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{
		"feed":  verdict,
		"store": map[string]bool{"healthy": storeOK},
	})
}
