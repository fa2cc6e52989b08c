package api

import (
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// Event types carried on the market stream.
const (
	eventConnected = "connected"
	eventTick      = "tick"
	eventCandle    = "candle"
	eventOrder     = "order"
	eventPosition  = "position"
	eventHeartbeat = "heartbeat"
)

// streamEvent is the wrapper for every event sent on an SSE connection.
type streamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// connectedPayload is the data of the first event on a stream. ClientID keys
// the side-channel subscribe and unsubscribe calls for this connection.
type connectedPayload struct {
	ClientID   string   `json:"clientId"`
	Subscribed []string `json:"subscribed"`
}

func connectedEvent(clientID string, keys []string) streamEvent {
	return streamEvent{Type: eventConnected, Data: connectedPayload{ClientID: clientID, Subscribed: keys}}
}

func tickEvent(t types.Tick) streamEvent {
	return streamEvent{Type: eventTick, Data: t}
}

func candleEvent(c types.Candle) streamEvent {
	return streamEvent{Type: eventCandle, Data: c}
}

func orderEvent(o types.Order) streamEvent {
	return streamEvent{Type: eventOrder, Data: o}
}

func positionEvent(p types.Position) streamEvent {
	return streamEvent{Type: eventPosition, Data: p}
}

func heartbeatEvent() streamEvent {
	return streamEvent{Type: eventHeartbeat}
}
