// Package exchange implements the Upstox market data clients: REST for
// quotes and history, WebSocket for the live tick feed.
//
// The REST client (Client) covers the read-only slice of the broker API
// that a paper venue needs:
//   - Quotes:            GET /market-quote/quotes     — snapshot quotes for a key batch
//   - HistoricalCandles: GET /historical-candle/...   — OHLCV history for chart bootstrap
//
// Every request is paced by a shared rate.Limiter, retried on 5xx, and
// authenticated with the bearer token from TokenSource. A 401 invalidates
// the cached token and replays the request once before giving up with
// UPSTREAM_AUTH.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// Quote is one instrument's snapshot quote from the broker.
type Quote struct {
	LastPrice  float64 `json:"last_price"`
	ClosePrice float64 `json:"close_price"`
	Volume     int64   `json:"volume"`
	Timestamp  int64   `json:"timestamp"`
}

type quotesResponse struct {
	Status string           `json:"status"`
	Data   map[string]Quote `json:"data"`
}

type candlesResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]any `json:"candles"`
	} `json:"data"`
}

// brokerInterval maps candle interval seconds to the broker's path segment.
var brokerInterval = map[int64]string{
	60:    "1minute",
	300:   "5minute",
	900:   "15minute",
	3600:  "60minute",
	86400: "day",
}

// Client is the Upstox REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and bearer auth.
type Client struct {
	http    *resty.Client // HTTP client with retry + base URL
	tokens  *TokenSource  // bearer token provider, refreshed on 401
	limiter *rate.Limiter // outbound request pacing
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, tokens *TokenSource, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Upstox.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.Upstox.RequestsPerSecond), cfg.Upstox.RequestBurst),
		logger:  logger,
	}
}

// Quotes fetches snapshot quotes for the given instrument keys.
func (c *Client) Quotes(ctx context.Context, keys []string) (map[string]Quote, error) {
	if len(keys) == 0 {
		return map[string]Quote{}, nil
	}

	var result quotesResponse
	resp, err := c.do(ctx, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetQueryParam("instrument_key", strings.Join(keys, ",")).
			SetResult(&result).
			Get("/market-quote/quotes")
	})
	if err != nil {
		return nil, fmt.Errorf("quotes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("quotes: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Data, nil
}

// HistoricalCandles fetches OHLCV history for one instrument. The interval
// is in seconds and must be one of the supported chart intervals. The broker
// returns rows newest first; callers get them oldest first.
func (c *Client) HistoricalCandles(ctx context.Context, key string, interval int64, from, to time.Time) ([]types.Candle, error) {
	segment, ok := brokerInterval[interval]
	if !ok {
		return nil, fmt.Errorf("historical candles: unsupported interval %ds", interval)
	}

	path := fmt.Sprintf("/historical-candle/%s/%s/%s/%s",
		url.PathEscape(key), segment,
		to.In(types.IST).Format("2006-01-02"),
		from.In(types.IST).Format("2006-01-02"))

	var result candlesResponse
	resp, err := c.do(ctx, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetResult(&result).
			Get(path)
	})
	if err != nil {
		return nil, fmt.Errorf("historical candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("historical candles: status %d: %s", resp.StatusCode(), resp.String())
	}

	candles := make([]types.Candle, 0, len(result.Data.Candles))
	for _, row := range result.Data.Candles {
		candle, err := parseCandleRow(key, interval, row)
		if err != nil {
			c.logger.Warn("skipping malformed candle row", "instrument", key, "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	slices.Reverse(candles)
	return candles, nil
}

// do runs one authenticated request, replaying it once after a token
// refresh when the broker answers 401.
func (c *Client) do(ctx context.Context, fn func(token string) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := fn(token)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return resp, nil
	}

	c.logger.Warn("broker returned 401, refreshing token")
	c.tokens.Invalidate()
	token, err = c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = fn(token)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, types.E(types.CodeUpstreamAuth, "broker rejected access token")
	}
	return resp, nil
}

// classifyTransport tags timeouts with UPSTREAM_TIMEOUT so API callers can
// tell a slow broker from a broken request.
func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.Wrap(types.CodeUpstreamTimeout, err, "broker request timed out")
	}
	return err
}

// parseCandleRow decodes one broker candle row:
// [tsISO, open, high, low, close, volume, openInterest].
func parseCandleRow(key string, interval int64, row []any) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("row has %d fields, want at least 6", len(row))
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return types.Candle{}, fmt.Errorf("timestamp is %T, want string", row[0])
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
	}

	nums := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, ok := row[i+1].(float64)
		if !ok {
			return types.Candle{}, fmt.Errorf("field %d is %T, want number", i+1, row[i+1])
		}
		nums[i] = v
	}

	return types.Candle{
		InstrumentKey: key,
		Interval:      interval,
		OpenTime:      ts.Unix(),
		Open:          nums[0],
		High:          nums[1],
		Low:           nums[2],
		Close:         nums[3],
		Volume:        int64(nums[4]),
	}, nil
}
