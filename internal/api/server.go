package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
)

// Server runs the HTTP and SSE API.
type Server struct {
	cfg      config.HTTPConfig
	hub      *StreamHub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server. The stream hub arrives pre-wired in
// deps because it is also the execution service's update sink.
func NewServer(cfg config.HTTPConfig, deps Deps, logger *slog.Logger) *Server {
	handlers := NewHandlers(deps, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: the stream endpoint holds responses open and
		// every SSE write carries its own deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

func (h *Handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/orders", h.HandlePlaceOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.HandleCancelOrder)
	mux.HandleFunc("GET /api/orders", h.HandleListOrders)
	mux.HandleFunc("GET /api/trades", h.HandleListTrades)
	mux.HandleFunc("GET /api/positions", h.HandleListPositions)
	mux.HandleFunc("GET /api/wallet", h.HandleWallet)
	mux.HandleFunc("POST /api/account/reset", h.HandleResetAccount)

	mux.HandleFunc("GET /api/candles", h.HandleCandles)
	mux.HandleFunc("GET /api/instruments/search", h.HandleSearchInstruments)
	mux.HandleFunc("GET /api/watchlist", h.HandleWatchlist)
	mux.HandleFunc("POST /api/watchlist", h.HandleWatchlistAdd)
	mux.HandleFunc("DELETE /api/watchlist/{key}", h.HandleWatchlistRemove)

	mux.HandleFunc("GET /api/stream", h.HandleStream)
	mux.HandleFunc("POST /api/stream/subscribe", h.HandleStreamSubscribe)
	mux.HandleFunc("POST /api/stream/unsubscribe", h.HandleStreamUnsubscribe)

	mux.HandleFunc("POST /admin/token", h.HandleSetToken)
	mux.HandleFunc("POST /admin/instruments/refresh", h.HandleRefreshInstruments)

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop disconnects stream clients and drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
