// Package metrics registers the venue's Prometheus instruments.
//
// Everything is registered once in init() and served by the API server at
// /metrics. The error counter is the observability half of the coded-error
// contract: every rejection surfaced to a caller increments exactly one
// {code} series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

var (
	// Errors is the per-code monotonic rejection counter.
	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_errors_total",
			Help: "Coded rejections and failures surfaced to callers",
		},
		[]string{"code"},
	)

	// TicksReceived counts normalized ticks published to the bus.
	TicksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_ticks_received_total",
			Help: "Normalized ticks published to the tick bus",
		},
	)

	// TicksDropped counts inbound records that never became ticks.
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_ticks_dropped_total",
			Help: "Feed records dropped before normalization",
		},
		[]string{"reason"}, // malformed | unresolved
	)

	// FeedConnected is 1 while the broker socket is established.
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "venue_feed_connected",
			Help: "Broker websocket connection state (0/1)",
		},
	)

	// FeedReconnects counts reconnect attempts.
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_feed_reconnects_total",
			Help: "Broker websocket reconnect attempts",
		},
	)

	// Orders counts order admissions by terminal-or-current status.
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_orders_total",
			Help: "Orders by lifecycle outcome",
		},
		[]string{"status"},
	)

	// Fills counts executed trades.
	Fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_fills_total",
			Help: "Trades written by the execution service",
		},
	)

	// Liquidations counts forced exits enqueued by the MTM engine.
	Liquidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_liquidations_total",
			Help: "Forced-exit orders enqueued by margin breach",
		},
	)

	// StreamClients tracks connected SSE clients.
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "venue_stream_clients",
			Help: "Connected market stream clients",
		},
	)

	// LedgerEntries counts journal appends.
	LedgerEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_ledger_entries_total",
			Help: "Ledger entries written",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Errors,
		TicksReceived,
		TicksDropped,
		FeedConnected,
		FeedReconnects,
		Orders,
		Fills,
		Liquidations,
		StreamClients,
		LedgerEntries,
	)
}

// CountError bumps the per-code counter for a coded failure. Nil errors and
// idempotent replays are not failures and are not counted.
func CountError(err error) {
	if err == nil {
		return
	}
	code := types.CodeOf(err)
	if code == "" || code == types.CodeIdempotencyReplay {
		return
	}
	Errors.WithLabelValues(string(code)).Inc()
}
