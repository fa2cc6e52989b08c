// Package market provides the market data plane: the canonical instrument
// registry, the tick bus, candle aggregation, feed health, and reference
// pricing.
//
// The tick bus is the spine. The exchange adapter is its single writer;
// candles, fills, mark-to-market, health, and the client stream all consume
// from it:
//   - Publish is non-blocking: ticks land in a latest-wins pending map and
//     a flusher goroutine delivers batches on a short cooperative boundary.
//   - Between flushes, concurrent ticks for one instrument coalesce; each
//     flush delivers at most one tick per instrument, in publication order
//     per key across flushes.
//   - A panicking handler is isolated; the batch still reaches everyone else.
package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// flushBoundary is the cooperative delivery cadence. Publishes between two
// boundaries coalesce per instrument.
const flushBoundary = 10 * time.Millisecond

// Handler consumes one normalized tick. Handlers run on the flusher
// goroutine and must not block.
type Handler func(types.Tick)

// Subscription identifies a registered handler for Unsubscribe.
type Subscription int64

// BusStats is a point-in-time counter snapshot.
type BusStats struct {
	Published     uint64
	Coalesced     uint64
	Delivered     uint64
	Flushes       uint64
	HandlerPanics uint64
	Instruments   int
}

// Bus is the single-writer, multi-subscriber tick broadcaster.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]types.Tick // coalesced since last flush
	latest   map[string]types.Tick // last tick ever, per instrument
	counts   map[string]uint64     // per-instrument publish counts
	subs     map[Subscription]Handler
	nextSub  Subscription
	stats    BusStats
	notifyCh chan struct{}

	flushMu sync.Mutex // serializes flush cycles
}

// NewBus creates an idle bus. Run starts the flusher.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger.With("component", "tickbus"),
		pending:  make(map[string]types.Tick),
		latest:   make(map[string]types.Tick),
		counts:   make(map[string]uint64),
		subs:     make(map[Subscription]Handler),
		notifyCh: make(chan struct{}, 1),
	}
}

// Publish records a tick and schedules a flush. Never blocks; concurrent
// ticks for the same instrument overwrite each other until the next flush.
func (b *Bus) Publish(tick types.Tick) {
	if tick.InstrumentKey == "" || tick.Price <= 0 {
		return
	}
	if tick.ReceivedAt.IsZero() {
		tick.ReceivedAt = time.Now()
	}

	b.mu.Lock()
	if _, dup := b.pending[tick.InstrumentKey]; dup {
		b.stats.Coalesced++
	}
	b.pending[tick.InstrumentKey] = tick
	b.latest[tick.InstrumentKey] = tick
	b.counts[tick.InstrumentKey]++
	b.stats.Published++
	b.mu.Unlock()

	metrics.TicksReceived.Inc()

	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
}

// Subscribe registers a handler for every future flush.
func (b *Bus) Subscribe(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = h
	return id
}

// Unsubscribe drops a handler. Batches not yet flushed are not delivered
// to it.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Latest returns the most recent tick for an instrument, if any.
func (b *Bus) Latest(key string) (types.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tick, ok := b.latest[key]
	return tick, ok
}

// Stats returns a copy of the counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Instruments = len(b.latest)
	return s
}

// Reset clears all cached ticks and counters. Subscriptions survive.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string]types.Tick)
	b.latest = make(map[string]types.Tick)
	b.counts = make(map[string]uint64)
	b.stats = BusStats{}
}

// Run drives the flush loop until ctx is cancelled. A final flush drains
// anything still pending on shutdown.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(flushBoundary)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			return
		case <-b.notifyCh:
			// Wait out the boundary so bursts coalesce instead of
			// flushing one tick at a time.
			select {
			case <-ticker.C:
			case <-ctx.Done():
				b.Flush()
				return
			}
			b.Flush()
		}
	}
}

// Flush delivers the current pending batch to every subscriber: exactly one
// tick per pending instrument, each handler isolated from the others'
// panics. Exposed for tests and for the shutdown drain.
func (b *Bus) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]types.Tick)
	handlers := make(map[Subscription]Handler, len(b.subs))
	for id, h := range b.subs {
		handlers[id] = h
	}
	b.stats.Flushes++
	b.stats.Delivered += uint64(len(batch)) * uint64(len(handlers))
	b.mu.Unlock()

	for _, tick := range batch {
		for _, h := range handlers {
			b.deliver(h, tick)
		}
	}
}

func (b *Bus) deliver(h Handler, tick types.Tick) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.HandlerPanics++
			b.mu.Unlock()
			b.logger.Error("tick handler panicked", "instrument", tick.InstrumentKey, "panic", r)
		}
	}()
	h(tick)
}
