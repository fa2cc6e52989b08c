// ws.go implements the live tick feed supervisor.
//
// One socket per process. The supervisor dials the broker feed with a
// bearer token, subscribes the ref-counted instrument set, decodes binary
// tick frames, and publishes normalized ticks to the tick bus. It
// reconnects with jittered exponential backoff (1s -> 30s cap), declares
// the session FAILED after failureThreshold consecutive failures, and
// pauses dialing while the decode breaker is open. An IST session clock
// flips CONNECTED to EXPECTED_SILENCE outside market hours so a quiet
// evening is not mistaken for an outage.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/gorilla/websocket"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/market"
	"github.com/papermarketofficial-creator/paper-market-sub004/internal/metrics"
	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

const (
	connectTimeout   = 10 * time.Second // websocket handshake deadline
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	backoffJitter    = 0.20             // +-20% spread on reconnect waits
	failureThreshold = 10               // consecutive failures before FAILED
	decodeCoolOff    = 30 * time.Second // reconnect pause while the decode breaker is open
	sessionTick      = 30 * time.Second // IST session clock granularity
)

// feedControlMsg is the JSON control frame for (un)subscribing keys.
// Data flows the other way as binary frames, see codec.go.
type feedControlMsg struct {
	Action         string   `json:"action"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// Supervisor manages the single broker feed socket. It handles connection
// lifecycle, subscription tracking, frame decoding, and automatic
// reconnection with exponential backoff.
type Supervisor struct {
	url         string
	tokens      *TokenSource
	instruments *market.InstrumentStore
	bus         *market.Bus
	health      *market.HealthMonitor

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Ref-counted so several stream clients can watch one instrument and
	// the upstream subscription survives until the last of them leaves.
	subscribedMu sync.RWMutex
	subscribed   map[string]int

	stateMu  sync.Mutex
	state    types.SessionState
	failures int

	// Tripped by malformed frames; an open breaker pauses reconnects so a
	// broken upstream deploy does not turn into a dial storm.
	breaker circuitbreaker.CircuitBreaker[any]

	resumeCh   chan struct{}
	sawTraffic bool
	trafficMu  sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

// NewSupervisor creates the feed supervisor. Run must be called to connect.
func NewSupervisor(feedURL string, tokens *TokenSource, instruments *market.InstrumentStore, bus *market.Bus, health *market.HealthMonitor, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		url:         feedURL,
		tokens:      tokens,
		instruments: instruments,
		bus:         bus,
		health:      health,
		subscribed:  make(map[string]int),
		state:       types.SessionDisconnected,
		breaker: circuitbreaker.NewBuilder[any]().
			WithFailureThresholdRatio(5, 10).
			WithDelay(decodeCoolOff).
			Build(),
		resumeCh: make(chan struct{}, 1),
		now:      time.Now,
		logger:   logger.With("component", "feed"),
	}
}

// State returns the current session state.
func (s *Supervisor) State() types.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Resume clears FAILED so the reconnect loop tries again. Called after an
// operator fixes whatever broke, typically by pasting a fresh token.
func (s *Supervisor) Resume() {
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// Run connects and maintains the feed socket with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	go s.sessionLoop(ctx)

	backoff := time.Second
	for {
		if !s.breaker.TryAcquirePermit() {
			s.logger.Warn("decode breaker open, pausing reconnect", "cooloff", decodeCoolOff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(decodeCoolOff):
			}
			continue
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			s.setState(types.SessionDisconnected)
			return ctx.Err()
		}

		if s.tookTraffic() {
			// The previous session was live, so this is a fresh outage.
			backoff = time.Second
		}

		metrics.FeedReconnects.Inc()
		failures := s.noteFailure()
		if failures >= failureThreshold {
			s.setState(types.SessionFailed)
			s.logger.Error("feed failed, waiting for operator",
				"failures", failures,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.resumeCh:
				s.resetFailures()
				backoff = time.Second
				s.logger.Info("feed resumed")
				continue
			}
		}

		wait := jitterDuration(backoff)
		s.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"backoff", wait,
			"failures", failures,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds instrument keys to the feed, bumping per-key refcounts.
// Keys going 0 -> 1 are subscribed upstream when the socket is up; the
// rest ride the existing subscription.
func (s *Supervisor) Subscribe(keys []string) error {
	s.subscribedMu.Lock()
	fresh := make([]string, 0, len(keys))
	for _, key := range keys {
		s.subscribed[key]++
		if s.subscribed[key] == 1 {
			fresh = append(fresh, key)
		}
	}
	total := len(s.subscribed)
	s.subscribedMu.Unlock()

	s.health.SetSubscribed(total)
	if len(fresh) == 0 {
		return nil
	}
	if err := s.writeJSON(feedControlMsg{Action: "subscribe", InstrumentKeys: fresh}); err != nil {
		// Not connected yet; the keys are tracked and the connect-time
		// batch subscription picks them up.
		s.logger.Debug("deferred subscribe", "keys", len(fresh), "error", err)
	}
	return nil
}

// Unsubscribe drops one reference per key, unsubscribing upstream for keys
// that reach zero.
func (s *Supervisor) Unsubscribe(keys []string) error {
	s.subscribedMu.Lock()
	gone := make([]string, 0, len(keys))
	for _, key := range keys {
		n, ok := s.subscribed[key]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(s.subscribed, key)
			gone = append(gone, key)
		} else {
			s.subscribed[key] = n - 1
		}
	}
	total := len(s.subscribed)
	s.subscribedMu.Unlock()

	s.health.SetSubscribed(total)
	if len(gone) == 0 {
		return nil
	}
	if err := s.writeJSON(feedControlMsg{Action: "unsubscribe", InstrumentKeys: gone}); err != nil {
		s.logger.Debug("deferred unsubscribe", "keys", len(gone), "error", err)
	}
	return nil
}

// Subscribed returns the number of distinct subscribed keys.
func (s *Supervisor) Subscribed() int {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	return len(s.subscribed)
}

// Close gracefully closes the connection.
func (s *Supervisor) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Supervisor) connectAndRead(ctx context.Context) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return err
	}

	s.setState(types.SessionConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
		s.health.SetConnected(false)
		metrics.FeedConnected.Set(0)
		if s.State() != types.SessionFailed {
			s.setState(types.SessionDisconnected)
		}
	}()

	// Protocol pongs extend the read deadline so an idle but live socket
	// survives quiet stretches.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.markConnected()
		if msgType == websocket.BinaryMessage {
			s.handleFrame(msg)
		}
		// Text frames are broker keep-alives and acks; nothing to do.
	}
}

// markConnected flips the session to CONNECTED (or EXPECTED_SILENCE off
// hours) on the first frame of a connection and clears the failure streak.
func (s *Supervisor) markConnected() {
	s.trafficMu.Lock()
	first := !s.sawTraffic
	s.sawTraffic = true
	s.trafficMu.Unlock()
	if !first {
		return
	}

	s.resetFailures()
	s.health.SetConnected(true)
	metrics.FeedConnected.Set(1)
	if InTradingSession(s.now()) {
		s.setState(types.SessionConnected)
	} else {
		s.setState(types.SessionExpectedSilence)
	}
	s.logger.Info("feed connected", "subscribed", s.Subscribed())
}

// handleFrame decodes one binary frame and publishes its ticks.
func (s *Supervisor) handleFrame(data []byte) {
	records, malformed := DecodeFrame(data)
	if malformed > 0 {
		metrics.TicksDropped.WithLabelValues("malformed").Add(float64(malformed))
		s.breaker.RecordFailure()
		s.logger.Warn("dropped malformed feed records", "count", malformed)
	} else if len(records) > 0 {
		s.breaker.RecordSuccess()
	}

	now := s.now()
	for _, rec := range records {
		inst, ok := s.instruments.ByISIN(rec.ISIN)
		if !ok {
			metrics.TicksDropped.WithLabelValues("unresolved").Inc()
			continue
		}
		tick := types.Tick{
			InstrumentKey: inst.InstrumentKey,
			Symbol:        inst.TradingSymbol,
			Price:         rec.LTP(),
			Volume:        rec.Volume,
			PrevClose:     rec.PrevClose(),
			Exchange:      rec.Exchange,
			Timestamp:     rec.Timestamp,
			ReceivedAt:    now,
		}
		s.health.OnTick(tick)
		s.bus.Publish(tick)
	}
}

// sendInitialSubscription subscribes every tracked key in one batch.
func (s *Supervisor) sendInitialSubscription() error {
	s.subscribedMu.RLock()
	keys := make([]string, 0, len(s.subscribed))
	for key := range s.subscribed {
		keys = append(keys, key)
	}
	s.subscribedMu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	return s.writeJSON(feedControlMsg{Action: "subscribe", InstrumentKeys: keys})
}

// sessionLoop flips CONNECTED <-> EXPECTED_SILENCE at the IST session
// boundaries. Other states belong to the reconnect loop.
func (s *Supervisor) sessionLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inSession := InTradingSession(s.now())
			s.stateMu.Lock()
			switch {
			case !inSession && s.state == types.SessionConnected:
				s.transitionLocked(types.SessionExpectedSilence)
			case inSession && s.state == types.SessionExpectedSilence:
				s.transitionLocked(types.SessionConnected)
			}
			s.stateMu.Unlock()
		}
	}
}

func (s *Supervisor) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Supervisor) setState(state types.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.transitionLocked(state)
}

func (s *Supervisor) transitionLocked(state types.SessionState) {
	if s.state == state {
		return
	}
	s.logger.Info("session state", "from", s.state, "to", state)
	s.state = state
	s.health.SetSession(state)
}

func (s *Supervisor) noteFailure() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.failures++
	return s.failures
}

func (s *Supervisor) resetFailures() {
	s.stateMu.Lock()
	s.failures = 0
	s.stateMu.Unlock()
}

// tookTraffic reports and clears whether the last connection delivered at
// least one frame.
func (s *Supervisor) tookTraffic() bool {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	saw := s.sawTraffic
	s.sawTraffic = false
	return saw
}

// jitterDuration spreads d by +-backoffJitter so restarting replicas do
// not reconnect in lockstep.
func jitterDuration(d time.Duration) time.Duration {
	spread := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	return time.Duration(float64(d) * spread)
}

func (s *Supervisor) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Supervisor) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
