package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const (
	// streamFlushInterval batches coalesced ticks into one write burst.
	streamFlushInterval = 25 * time.Millisecond
	// streamHeartbeat keeps idle connections alive through proxies.
	streamHeartbeat = 20 * time.Second
	// streamQueueSize bounds the per-client event queue.
	streamQueueSize = 64
	// streamDropLimit is how many consecutive displaced events a client
	// survives before it is disconnected as too slow.
	streamDropLimit = 256
	// streamWriteTimeout caps a single SSE write.
	streamWriteTimeout = 10 * time.Second
)

var errUnknownStreamClient = errors.New("unknown stream client")

// Demand mutates the reference-counted upstream subscription set. A key
// stays subscribed at the broker for as long as at least one client holds it.
type Demand interface {
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
}

// WatchlistSource lists a user's saved instruments for connect bootstrap.
type WatchlistSource interface {
	List(ctx context.Context, userID string) ([]types.WatchlistEntry, error)
}

// PositionSource lists a user's open positions for connect bootstrap.
type PositionSource interface {
	ListByUser(ctx context.Context, userID string) ([]types.Position, error)
}

// streamClient is one SSE connection. Ticks coalesce latest-per-key in
// pending and are drained on the flush ticker; discrete events (candles,
// order and position updates) ride the bounded events channel with a
// drop-oldest policy.
type streamClient struct {
	id     string
	userID string

	mu      sync.Mutex
	keys    map[string]int // demand counts held by this connection
	pending map[string]types.Tick
	drops   int

	events   chan streamEvent
	kick     chan struct{}
	kickOnce sync.Once
}

func newStreamClient(userID string) *streamClient {
	return &streamClient{
		id:      uuid.NewString(),
		userID:  userID,
		keys:    make(map[string]int),
		pending: make(map[string]types.Tick),
		events:  make(chan streamEvent, streamQueueSize),
		kick:    make(chan struct{}),
	}
}

func (c *streamClient) wants(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key] > 0
}

// queueTick overwrites the pending tick for the key, so a slow consumer
// always flushes the latest price instead of a backlog.
func (c *streamClient) queueTick(tick types.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[tick.InstrumentKey] > 0 {
		c.pending[tick.InstrumentKey] = tick
	}
}

func (c *streamClient) takePending() []types.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]types.Tick, 0, len(c.pending))
	for _, tick := range c.pending {
		out = append(out, tick)
	}
	c.pending = make(map[string]types.Tick)
	return out
}

// enqueue offers an event to the bounded queue. When the queue is full the
// oldest event is displaced; a client that keeps displacing gets kicked.
func (c *streamClient) enqueue(event streamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.events <- event:
		c.drops = 0
		return
	default:
	}

	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- event:
	default:
	}

	c.drops++
	if c.drops >= streamDropLimit {
		c.kickOnce.Do(func() { close(c.kick) })
	}
}

// heldKeys expands the demand counts into one entry per held reference.
func (c *streamClient) heldKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for key, n := range c.keys {
		for i := 0; i < n; i++ {
			out = append(out, key)
		}
	}
	return out
}

// StreamHub fans the tick bus, candle engine, and execution updates out to
// SSE clients, and owns the demand side of the upstream subscription set.
type StreamHub struct {
	logger    *slog.Logger
	bus       *market.Bus
	busSub    market.Subscription
	demand    Demand
	watch     WatchlistSource
	book      PositionSource
	indexKeys []string

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	byID    map[string]*streamClient
	closed  bool

	done chan struct{}
}

// NewStreamHub registers the hub on the tick bus. indexKeys are streamed to
// every connection regardless of watchlist.
func NewStreamHub(logger *slog.Logger, bus *market.Bus, demand Demand, watch WatchlistSource, book PositionSource, indexKeys []string) *StreamHub {
	h := &StreamHub{
		logger:    logger.With("component", "stream"),
		bus:       bus,
		demand:    demand,
		watch:     watch,
		book:      book,
		indexKeys: indexKeys,
		clients:   make(map[*streamClient]struct{}),
		byID:      make(map[string]*streamClient),
		done:      make(chan struct{}),
	}
	h.busSub = bus.Subscribe(h.onTick)
	return h
}

func (h *StreamHub) onTick(tick types.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.queueTick(tick)
	}
}

// OnCandle is a candle engine sink. Only completed-bar rollovers are
// forwarded; clients repaint the open bar from the tick stream.
func (h *StreamHub) OnCandle(event types.CandleEvent) {
	if event.Kind != types.CandleNew {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(event.Candle.InstrumentKey) {
			client.enqueue(candleEvent(event.Candle))
		}
	}
}

// OrderUpdate routes an order state change to the owning user's connections.
func (h *StreamHub) OrderUpdate(order types.Order) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.userID == order.UserID {
			client.enqueue(orderEvent(order))
		}
	}
}

// PositionUpdate routes a position change to the owning user's connections.
func (h *StreamHub) PositionUpdate(position types.Position) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.userID == position.UserID {
			client.enqueue(positionEvent(position))
		}
	}
}

// AddKeys raises demand for keys on behalf of a connected client.
func (h *StreamHub) AddKeys(clientID string, keys []string) error {
	client := h.lookup(clientID)
	if client == nil {
		return errUnknownStreamClient
	}
	if err := h.demand.Subscribe(keys); err != nil {
		return err
	}
	client.mu.Lock()
	for _, key := range keys {
		client.keys[key]++
	}
	client.mu.Unlock()
	return nil
}

// DropKeys releases demand a client previously added. Keys the client does
// not hold are ignored.
func (h *StreamHub) DropKeys(clientID string, keys []string) error {
	client := h.lookup(clientID)
	if client == nil {
		return errUnknownStreamClient
	}
	client.mu.Lock()
	released := make([]string, 0, len(keys))
	for _, key := range keys {
		if client.keys[key] > 0 {
			client.keys[key]--
			if client.keys[key] == 0 {
				delete(client.keys, key)
			}
			released = append(released, key)
		}
	}
	client.mu.Unlock()
	if len(released) == 0 {
		return nil
	}
	return h.demand.Unsubscribe(released)
}

func (h *StreamHub) lookup(clientID string) *streamClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byID[clientID]
}

// Clients reports the number of open connections.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and detaches from the tick bus. Handlers
// drain on their own goroutines; the HTTP shutdown waits for them.
func (h *StreamHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()
	h.bus.Unsubscribe(h.busSub)
}

func (h *StreamHub) register(client *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	h.byID[client.id] = client
	metrics.StreamClients.Inc()
	h.logger.Info("stream client connected", "client", client.id, "user", client.userID, "count", len(h.clients))
	return true
}

func (h *StreamHub) release(client *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		delete(h.byID, client.id)
		metrics.StreamClients.Dec()
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	if held := client.heldKeys(); len(held) > 0 {
		if err := h.demand.Unsubscribe(held); err != nil {
			h.logger.Warn("release demand failed", "client", client.id, "error", err)
		}
	}
	h.logger.Info("stream client disconnected", "client", client.id, "count", count)
}

// bootstrapKeys assembles the connect-time subscription: index instruments,
// the user's watchlist, and instruments with an open position.
func (h *StreamHub) bootstrapKeys(ctx context.Context, userID string) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(h.indexKeys))
	add := func(key string) {
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	for _, key := range h.indexKeys {
		add(key)
	}
	if entries, err := h.watch.List(ctx, userID); err != nil {
		h.logger.Warn("watchlist bootstrap failed", "user", userID, "error", err)
	} else {
		for _, entry := range entries {
			add(entry.InstrumentKey)
		}
	}
	if positions, err := h.book.ListByUser(ctx, userID); err != nil {
		h.logger.Warn("position bootstrap failed", "user", userID, "error", err)
	} else {
		for _, position := range positions {
			add(position.InstrumentKey)
		}
	}
	return keys
}

// handleStream serves one SSE connection until the client goes away, the
// hub shuts down, or the client is kicked for falling behind.
func (h *StreamHub) handleStream(w http.ResponseWriter, r *http.Request, userID string) {
	client := newStreamClient(userID)
	if !h.register(client) {
		http.Error(w, "stream shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.release(client)

	keys := h.bootstrapKeys(r.Context(), userID)
	if len(keys) > 0 {
		if err := h.demand.Subscribe(keys); err != nil {
			h.logger.Warn("bootstrap demand failed", "client", client.id, "error", err)
		}
		client.mu.Lock()
		for _, key := range keys {
			client.keys[key]++
		}
		client.mu.Unlock()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := h.writeEvent(w, rc, connectedEvent(client.id, keys)); err != nil {
		return
	}

	flush := time.NewTicker(streamFlushInterval)
	defer flush.Stop()
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-client.kick:
			h.logger.Warn("dropping slow stream client", "client", client.id)
			return
		case <-flush.C:
			for _, tick := range client.takePending() {
				if err := h.writeEvent(w, rc, tickEvent(tick)); err != nil {
					return
				}
			}
		case event := <-client.events:
			if err := h.writeEvent(w, rc, event); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := h.writeEvent(w, rc, heartbeatEvent()); err != nil {
				return
			}
		}
	}
}

func (h *StreamHub) writeEvent(w http.ResponseWriter, rc *http.ResponseController, event streamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal stream event", "type", event.Type, "error", err)
		return nil
	}
	// Deadline and flush errors are best-effort; recorders used in tests
	// support neither.
	_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	_ = rc.Flush()
	_ = rc.SetWriteDeadline(time.Time{})
	return nil
}
