package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake push server
// ============================================================================

type serverConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *serverConn) write(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

type pushServer struct {
	*httptest.Server
	accept   atomic.Bool
	silent   atomic.Bool // stop answering pings
	dials    atomic.Int32
	live     atomic.Int32 // upgraded connections not yet closed
	received chan Envelope

	mu    sync.Mutex
	conns []*serverConn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{received: make(chan Envelope, 64)}
	s.accept.Store(true)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if !s.accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.live.Add(1)
		defer s.live.Add(-1)
		c := &serverConn{ws: ws}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == CmdPing {
				if !s.silent.Load() {
					c.write(Envelope{Type: EventPong, RequestID: env.RequestID})
				}
				continue
			}
			s.received <- env
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *pushServer) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, c.write(Envelope{Type: eventType, Payload: raw}))
}

func (s *pushServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.conns = nil
}

func (s *pushServer) expect(t *testing.T, eventType string) Envelope {
	t.Helper()
	for {
		select {
		case env := <-s.received:
			if env.Type == eventType {
				return env
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %s", eventType)
		}
	}
}

func testConnConfig() Config {
	cfg := DefaultConfig()
	cfg.Token = "tok"
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.PingTimeout = time.Second
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

// nextState skips non-state events until a state transition to want arrives.
func nextState(t *testing.T, events <-chan Event, want ConnState) ConnectionStateChanged {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if s, ok := ev.(ConnectionStateChanged); ok && s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://chat.example.com/ws?token=abc", websocketURL("https://chat.example.com/", "abc"))
	assert.Equal(t, "ws://localhost:8080/ws", websocketURL("http://localhost:8080", ""))
	assert.Equal(t, "ws://h/ws", websocketURL("ws://h/ws", ""))
	assert.Equal(t, "ws://h/ws?token=<redacted>", redactToken("ws://h/ws?token=abc"))
}

func TestConnectionSendReceive(t *testing.T) {
	srv := newPushServer(t)
	m := NewConnectionManager(srv.URL, testConnConfig(), WithConnMetrics(NewMetrics(nil)))
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	nextState(t, m.Events(), StateConnected)
	assert.Equal(t, StateConnected, m.State())

	require.NoError(t, m.Send(ctx, CmdJoinConversation, MembershipPayload{UserID: "alice", ConversationID: "c1"}))
	env := srv.expect(t, CmdJoinConversation)
	assert.JSONEq(t, `{"userId":"alice","conversationId":"c1","members":null}`, string(env.Payload))

	srv.push(t, EventNewMessage, MessageNew{ConversationID: "c1", Message: Message{ID: "m1", SenderID: "bob"}})
	select {
	case ev := <-m.Events():
		got, ok := ev.(MessageNew)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, "m1", got.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound event")
	}

	pong, err := m.Ping(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestConnectionReconnects(t *testing.T) {
	srv := newPushServer(t)
	m := NewConnectionManager(srv.URL, testConnConfig())
	defer m.Close()

	var mu sync.Mutex
	var seen []ConnState
	m.OnStateChange(func(s ConnState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m.Events(), StateConnected)

	srv.dropAll()
	rec := nextState(t, m.Events(), StateReconnecting)
	assert.Equal(t, 1, rec.Attempt)
	nextState(t, m.Events(), StateConnected)
	assert.EqualValues(t, 2, srv.dials.Load())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 5
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionFailsAfterBudget(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConnConfig()
	cfg.MaxReconnectAttempts = 3
	metrics := NewMetrics(nil)
	m := NewConnectionManager(srv.URL, cfg, WithConnMetrics(metrics))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m.Events(), StateConnected)

	srv.accept.Store(false)
	srv.dropAll()

	failed := nextState(t, m.Events(), StateFailed)
	assert.Equal(t, 3, failed.Attempt)
	assert.Equal(t, StateFailed, m.State())
	assert.EqualValues(t, 4, srv.dials.Load(), "one initial dial plus three retries")

	err := m.Send(context.Background(), CmdTypingStart, TypingPayload{})
	assert.ErrorIs(t, err, ErrNotConnected)

	t.Run("resume after failure reconnects", func(t *testing.T) {
		srv.accept.Store(true)
		require.NoError(t, m.Resume(context.Background()))
		nextState(t, m.Events(), StateConnected)
	})
}

func TestConnectionDisconnectStopsReconnect(t *testing.T) {
	srv := newPushServer(t)
	m := NewConnectionManager(srv.URL, testConnConfig())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m.Events(), StateConnected)

	require.NoError(t, m.Disconnect())
	nextState(t, m.Events(), StateDisconnected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.EqualValues(t, 1, srv.dials.Load())
}

func TestConnectionManualReconnectDuringBackoff(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConnConfig()
	cfg.ReconnectBaseDelay = 300 * time.Millisecond
	cfg.ReconnectMaxDelay = 300 * time.Millisecond
	m := NewConnectionManager(srv.URL, cfg)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m.Events(), StateConnected)

	srv.dropAll()
	nextState(t, m.Events(), StateReconnecting)
	require.NoError(t, m.Reconnect(context.Background()))
	assert.Equal(t, StateConnected, m.State())

	// Outlast the abandoned backoff timer.
	time.Sleep(700 * time.Millisecond)
	assert.EqualValues(t, 2, srv.dials.Load())
	assert.Eventually(t, func() bool { return srv.live.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectionResumeProbesLiveness(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConnConfig()
	cfg.PingTimeout = 100 * time.Millisecond
	m := NewConnectionManager(srv.URL, cfg)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m.Events(), StateConnected)

	// Healthy socket: resume is a no-op.
	require.NoError(t, m.Resume(context.Background()))
	assert.EqualValues(t, 1, srv.dials.Load())

	// Half-open socket: pings go unanswered, resume dials again.
	srv.silent.Store(true)
	require.NoError(t, m.Resume(context.Background()))
	assert.EqualValues(t, 2, srv.dials.Load())
	assert.Equal(t, StateConnected, m.State())
}
