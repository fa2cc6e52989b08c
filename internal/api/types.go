package api

import (
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// placeOrderRequest is the POST /api/orders body. InstrumentKey accepts a
// key or a trading symbol.
type placeOrderRequest struct {
	InstrumentKey  string          `json:"instrumentKey"`
	Side           types.Side      `json:"side"`
	Quantity       int64           `json:"quantity"`
	OrderType      types.OrderType `json:"orderType"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// orderRef is the acknowledgement for a placed or cancelled order.
type orderRef struct {
	OrderID string            `json:"orderId"`
	Status  types.OrderStatus `json:"status"`
}

// errorBody is the structured rejection envelope.
type errorBody struct {
	Code    types.Code `json:"code"`
	Message string     `json:"message"`
}

// watchlistRequest names one instrument to add or remove.
type watchlistRequest struct {
	InstrumentKey string `json:"instrumentKey"`
}

// tokenRequest carries a fresh broker access token.
type tokenRequest struct {
	Token string `json:"token"`
}

// streamKeysRequest is the side-channel subscribe/unsubscribe body. ClientID
// comes from the connected event of an open stream.
type streamKeysRequest struct {
	ClientID       string   `json:"clientId"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// candlesPayload is the chart bootstrap response: broker history merged with
// the live ring, oldest first, the open bar last.
type candlesPayload struct {
	InstrumentKey string         `json:"instrumentKey"`
	Interval      int64          `json:"interval"`
	Candles       []types.Candle `json:"candles"`
}
