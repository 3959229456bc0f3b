package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateFailed means the reconnect budget is spent. Only an explicit
	// Connect, Reconnect or Resume leaves it.
	StateFailed ConnState = "failed"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	b       backoff.BackOff
	attempt int
}

func newReconnector(cfg *Config) *reconnector {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectBaseDelay
	exp.MaxInterval = cfg.ReconnectMaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	r := &reconnector{b: backoff.WithMaxRetries(exp, uint64(cfg.MaxReconnectAttempts))}
	r.reset()
	return r
}

// nextDelay returns the wait before the next attempt, or false once the
// attempt cap is reached.
func (r *reconnector) nextDelay() (time.Duration, bool) {
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempt++
	return d, true
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.b.Reset()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the one WebSocket channel of a client session:
// connect, automatic reconnect with bounded backoff, heartbeat, resume checks
// and fire-and-forget sends. Inbound frames are decoded into typed events and
// delivered on Events(), interleaved with ConnectionStateChanged events.
type ConnectionManager struct {
	url     string
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	clock   clock.Clock
	limiter *rate.Limiter

	events chan Event

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	generation       int
	cancelFn         context.CancelFunc
	stopReconnect    context.CancelFunc
	recon            *reconnector
	stateHandlers    []func(ConnState)

	pendingMu    sync.Mutex
	pendingPings map[string]chan Pong

	life     context.Context
	shutdown context.CancelFunc
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnLogger sets the logger.
func WithConnLogger(l *zap.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.log = l }
}

// WithConnMetrics sets the metrics sink.
func WithConnMetrics(mt *Metrics) ConnectionOption {
	return func(m *ConnectionManager) { m.metrics = mt }
}

// WithConnClock replaces the wall clock used for backoff waits and heartbeats.
func WithConnClock(c clock.Clock) ConnectionOption {
	return func(m *ConnectionManager) { m.clock = c }
}

// NewConnectionManager creates a manager for baseURL (http(s) or ws(s)).
// Call Connect to establish the channel.
func NewConnectionManager(baseURL string, cfg Config, opts ...ConnectionOption) *ConnectionManager {
	cfg.defaults()
	life, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		url:          websocketURL(baseURL, cfg.Token),
		cfg:          cfg,
		log:          zap.NewNop(),
		clock:        clock.New(),
		limiter:      rate.NewLimiter(rate.Limit(cfg.SendRateLimit), cfg.SendBurst),
		events:       make(chan Event, cfg.EventBuffer),
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan Pong),
		life:         life,
		shutdown:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func websocketURL(base, token string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// Events returns the inbound event stream. It is never closed.
func (m *ConnectionManager) Events() <-chan Event {
	return m.events
}

// OnStateChange registers a handler called on every state transition.
func (m *ConnectionManager) OnStateChange(h func(ConnState)) {
	m.mu.Lock()
	m.stateHandlers = append(m.stateHandlers, h)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the WebSocket connection. It is a no-op while a
// connection is up or being (re)established.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting || m.state == StateReconnecting {
		m.mu.Unlock()
		return nil
	}
	m.intentionalClose = false
	m.recon.reset()
	m.mu.Unlock()

	m.setState(StateConnecting, 0, "")
	if err := m.dial(ctx); err != nil {
		m.setState(StateDisconnected, 0, err.Error())
		return err
	}
	return nil
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(m.life)

	m.mu.Lock()
	if m.intentionalClose || ctx.Err() != nil {
		m.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return errors.New("websocket dial: closed while dialing")
	}
	prev, prevCancel := m.conn, m.cancelFn
	m.conn = conn
	m.generation++
	gen := m.generation
	m.cancelFn = cancel
	m.mu.Unlock()

	// Only one socket may feed Events().
	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		prev.Close(websocket.StatusNormalClosure, "replaced")
	}

	m.setState(StateConnected, 0, "")
	m.log.Info("ws_connected", zap.String("url", redactToken(m.url)), zap.Int("generation", gen))

	go m.readLoop(connCtx, conn, gen)
	go m.heartbeatLoop(connCtx, gen)
	return nil
}

// Disconnect gracefully closes the connection and disables reconnects.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.intentionalClose = true
	conn := m.conn
	m.conn = nil
	cancel := m.cancelFn
	m.cancelFn = nil
	stop := m.stopReconnect
	m.stopReconnect = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			m.log.Debug("ws_close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	m.clearPendingPings()
	m.setState(StateDisconnected, 0, "client disconnect")
	return nil
}

// Close disconnects and stops every background goroutine for good.
func (m *ConnectionManager) Close() error {
	err := m.Disconnect()
	m.shutdown()
	return err
}

// Reconnect drops the current connection, if any, and dials again with a
// fresh reconnect budget.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	_ = m.Disconnect()
	return m.Connect(ctx)
}

// Resume is called when the application returns from the background. A
// connection that claims to be up is probed with a ping; a dead or failed
// one is re-established.
func (m *ConnectionManager) Resume(ctx context.Context) error {
	switch m.State() {
	case StateConnected:
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		_, err := m.Ping(pctx)
		cancel()
		if err == nil {
			return nil
		}
		m.log.Warn("ws_resume_ping_failed", zap.Error(err))
		return m.Reconnect(ctx)
	case StateConnecting, StateReconnecting:
		return nil
	default:
		return m.Connect(ctx)
	}
}

// Send transmits one fire-and-forget command.
func (m *ConnectionManager) Send(ctx context.Context, eventType string, payload any) error {
	return m.send(ctx, eventType, payload, "")
}

func (m *ConnectionManager) send(ctx context.Context, eventType string, payload any, requestID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw, RequestID: requestID})
	if err != nil {
		return err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	m.metrics.outbound(eventType)
	return nil
}

// Ping sends a ping and waits for the matching pong.
func (m *ConnectionManager) Ping(ctx context.Context) (*Pong, error) {
	requestID := "ping-" + uuid.NewString()

	ch := make(chan Pong, 1)
	m.pendingMu.Lock()
	m.pendingPings[requestID] = ch
	m.pendingMu.Unlock()

	drop := func() {
		m.pendingMu.Lock()
		delete(m.pendingPings, requestID)
		m.pendingMu.Unlock()
	}

	if err := m.send(ctx, CmdPing, Pong{RequestID: requestID}, requestID); err != nil {
		drop()
		return nil, err
	}

	timer := m.clock.Timer(m.cfg.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		drop()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// ── Background loops ─────────────────────────────────────

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			m.log.Debug("ws_frame_undecodable", zap.Error(err))
			continue
		}

		if pong, ok := ev.(Pong); ok {
			m.resolvePing(pong)
			continue
		}

		select {
		case m.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) handleDrop(gen int, cause error) {
	m.mu.Lock()
	if m.intentionalClose || gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.conn = nil
	ctx, stop := context.WithCancel(m.life)
	defer stop()
	if m.stopReconnect != nil {
		m.stopReconnect()
	}
	m.stopReconnect = stop
	m.mu.Unlock()

	m.clearPendingPings()
	m.log.Warn("ws_dropped", zap.Int("generation", gen), zap.Error(cause))
	m.setState(StateDisconnected, 0, cause.Error())
	m.reconnectLoop(ctx)
}

// reconnectLoop retries until a dial succeeds, the budget runs out or ctx is
// cancelled by Disconnect.
func (m *ConnectionManager) reconnectLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.intentionalClose || ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		delay, ok := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.mu.Unlock()

		if !ok {
			m.metrics.connectionFailed()
			m.log.Error("ws_reconnect_exhausted", zap.Int("attempts", m.cfg.MaxReconnectAttempts))
			m.setState(StateFailed, attempt, "reconnect attempts exhausted")
			return
		}

		m.metrics.reconnectAttempt()
		m.log.Info("ws_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		m.setState(StateReconnecting, attempt, "")

		timer := m.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		err := m.dial(dialCtx)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.recon.reset()
			m.mu.Unlock()
			return
		}
		m.log.Warn("ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, gen int) {
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			conn := m.conn
			current := gen == m.generation
			m.mu.Unlock()
			if !current || conn == nil {
				return
			}

			if _, err := m.Ping(ctx); err != nil {
				// Heartbeat failed, force close; the read loop reconnects.
				m.log.Warn("ws_heartbeat_failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (m *ConnectionManager) setState(s ConnState, attempt int, reason string) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	handlers := append([]func(ConnState){}, m.stateHandlers...)
	m.mu.Unlock()

	// Reconnecting is re-announced per attempt so consumers can show progress.
	if !changed && s != StateReconnecting {
		return
	}
	for _, h := range handlers {
		go h(s)
	}
	select {
	case m.events <- ConnectionStateChanged{State: s, Attempt: attempt, Reason: reason}:
	case <-m.life.Done():
	}
}

func (m *ConnectionManager) resolvePing(p Pong) {
	m.pendingMu.Lock()
	ch, ok := m.pendingPings[p.RequestID]
	if ok {
		delete(m.pendingPings, p.RequestID)
	}
	m.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (m *ConnectionManager) clearPendingPings() {
	m.pendingMu.Lock()
	for k, ch := range m.pendingPings {
		close(ch)
		delete(m.pendingPings, k)
	}
	m.pendingMu.Unlock()
}

func redactToken(u string) string {
	if i := strings.Index(u, "token="); i >= 0 {
		return u[:i] + "token=<redacted>"
	}
	return u
}
