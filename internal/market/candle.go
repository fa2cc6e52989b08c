package market

import (
	"log/slog"
	"sync"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// DefaultIntervals are the aggregation timeframes, in seconds.
var DefaultIntervals = []int64{60, 300, 900, 3600, 86400}

// candleRingSize bounds the per-(instrument, interval) history kept for the
// chart bootstrap API.
const candleRingSize = 500

// maxBucketGap is how many empty buckets may pass silently before a gap is
// logged. No backfill happens either way; the next candle simply opens at
// the new bucket.
const maxBucketGap = 5

// CandleSink receives candle events synchronously on the bus flusher
// goroutine. Sinks must not block.
type CandleSink func(types.CandleEvent)

// candleSeries is the live state for one (instrument, interval) pair.
type candleSeries struct {
	current    types.Candle
	lastBucket int64
	started    bool
	ring       []types.Candle // closed candles, chronological, capped
}

func (s *candleSeries) close() {
	s.ring = append(s.ring, s.current)
	if len(s.ring) > candleRingSize {
		s.ring = s.ring[len(s.ring)-candleRingSize:]
	}
}

// CandleEngine folds the tick stream into OHLCV bars per instrument and
// interval. Candle times are strictly monotonic per series; ticks older
// than the open bar are discarded.
type CandleEngine struct {
	logger    *slog.Logger
	intervals []int64

	mu     sync.Mutex
	series map[string]map[int64]*candleSeries // instrumentKey -> interval -> state
	sinks  []CandleSink
}

// NewCandleEngine aggregates over the given intervals (DefaultIntervals
// when empty).
func NewCandleEngine(logger *slog.Logger, intervals []int64) *CandleEngine {
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}
	return &CandleEngine{
		logger:    logger.With("component", "candles"),
		intervals: intervals,
		series:    make(map[string]map[int64]*candleSeries),
	}
}

// AddSink registers a candle event consumer. Not safe to call after the
// engine is receiving ticks.
func (e *CandleEngine) AddSink(sink CandleSink) {
	e.sinks = append(e.sinks, sink)
}

// OnTick applies one tick to every interval series of its instrument.
// Registered as a bus handler.
func (e *CandleEngine) OnTick(tick types.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byInterval, ok := e.series[tick.InstrumentKey]
	if !ok {
		byInterval = make(map[int64]*candleSeries, len(e.intervals))
		e.series[tick.InstrumentKey] = byInterval
	}

	for _, interval := range e.intervals {
		s, ok := byInterval[interval]
		if !ok {
			s = &candleSeries{}
			byInterval[interval] = s
		}
		if event, ok := e.apply(s, tick, interval); ok {
			e.emit(event)
		}
	}
}

// apply advances one series by one tick. Returns the event to emit, if any.
func (e *CandleEngine) apply(s *candleSeries, tick types.Tick, interval int64) (types.CandleEvent, bool) {
	bucket := tick.Timestamp / interval
	aligned := bucket * interval

	switch {
	case !s.started || bucket > s.lastBucket:
		if s.started {
			if gap := bucket - s.lastBucket; gap > maxBucketGap {
				e.logger.Info("candle gap",
					"instrument", tick.InstrumentKey, "interval", interval,
					"missed_buckets", gap-1)
			}
			s.close()
		}
		s.current = types.Candle{
			InstrumentKey: tick.InstrumentKey,
			Interval:      interval,
			OpenTime:      aligned,
			Open:          tick.Price,
			High:          tick.Price,
			Low:           tick.Price,
			Close:         tick.Price,
		}
		s.lastBucket = bucket
		s.started = true
		return types.CandleEvent{Kind: types.CandleNew, Candle: s.current}, true

	case tick.Timestamp < s.current.OpenTime:
		// Stale: older than the open bar.
		return types.CandleEvent{}, false

	default:
		s.current.Close = tick.Price
		if tick.Price > s.current.High {
			s.current.High = tick.Price
		}
		if tick.Price < s.current.Low {
			s.current.Low = tick.Price
		}
		s.current.Volume += tick.Volume
		return types.CandleEvent{Kind: types.CandleUpdate, Candle: s.current}, true
	}
}

func (e *CandleEngine) emit(event types.CandleEvent) {
	for _, sink := range e.sinks {
		sink(event)
	}
}

// Snapshot returns up to n most recent candles for a series, oldest first,
// including the open bar.
func (e *CandleEngine) Snapshot(key string, interval int64, n int) []types.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()

	byInterval, ok := e.series[key]
	if !ok {
		return nil
	}
	s, ok := byInterval[interval]
	if !ok || !s.started {
		return nil
	}

	out := make([]types.Candle, 0, len(s.ring)+1)
	out = append(out, s.ring...)
	out = append(out, s.current)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Reset drops all series for an instrument.
func (e *CandleEngine) Reset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.series, key)
}

// ResetInterval drops a single (instrument, interval) series, used when a
// client switches timeframe.
func (e *CandleEngine) ResetInterval(key string, interval int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byInterval, ok := e.series[key]; ok {
		delete(byInterval, interval)
	}
}
