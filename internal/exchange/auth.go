package exchange

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// TokenStore persists the broker access token across restarts.
type TokenStore interface {
	BrokerToken(ctx context.Context) (string, error)
	SaveBrokerToken(ctx context.Context, token string) error
}

// TokenSource hands out the Upstox access token for REST and feed calls.
// Upstox mints tokens daily; an operator pastes the fresh one in through
// the admin endpoint and every caller picks it up on its next request.
// The venue never runs the OAuth dance itself.
type TokenSource struct {
	store  TokenStore
	logger *slog.Logger

	mu     sync.RWMutex
	cached string
}

func NewTokenSource(store TokenStore, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		store:  store,
		logger: logger.With("component", "token_source"),
	}
}

// Token returns the current access token, loading it from the store on
// first use. A missing token is a coded error so callers surface
// UPSTOX_TOKEN_MISSING instead of a generic failure.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.RLock()
	cached := t.cached
	t.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	tok, err := t.store.BrokerToken(ctx)
	if err != nil {
		return "", types.Wrap(types.CodeUpstoxTokenMissing, err, "load broker token")
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", types.E(types.CodeUpstoxTokenMissing, "no broker token configured")
	}

	t.mu.Lock()
	t.cached = tok
	t.mu.Unlock()
	return tok, nil
}

// Set persists a new token and makes it the cached one.
func (t *TokenSource) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.E(types.CodeUpstoxTokenMissing, "empty broker token")
	}
	if err := t.store.SaveBrokerToken(ctx, token); err != nil {
		return err
	}
	t.mu.Lock()
	t.cached = token
	t.mu.Unlock()
	t.logger.Info("broker token updated")
	return nil
}

// Invalidate drops the cached token so the next call re-reads the store.
// Called after an upstream 401.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.cached = ""
	t.mu.Unlock()
}
