package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ops-console/terminal/internal/model"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bridgeServer is a minimal fake backend bridge for transport tests.
type bridgeServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn

	// reject makes the handler refuse the upgrade with 401.
	reject bool
}

func newBridgeServer(t *testing.T) *bridgeServer {
	t.Helper()
	b := &bridgeServer{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		reject := b.reject
		b.mu.Unlock()
		if reject {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		// Keep the connection open; discard client frames.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridgeServer) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *bridgeServer) send(t *testing.T, msg *Message) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.conns, "no bridge connection")
	conn := b.conns[len(b.conns)-1]
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (b *bridgeServer) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
	b.conns = nil
}

func waitForState(t *testing.T, ch *Channel, want model.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel never reached state %s, stuck at %s", want, ch.State().State)
}

func TestChannelConnect(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{URL: bridge.url()})
	defer ch.Disconnect()

	err := ch.Connect(Credentials{Token: "secret"})
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, ch.State().State)

	// Second connect while live is a no-op.
	require.NoError(t, ch.Connect(Credentials{Token: "secret"}))
}

func TestChannelConnectRejected(t *testing.T) {
	bridge := newBridgeServer(t)
	bridge.reject = true

	ch := NewChannel(Config{URL: bridge.url()})
	err := ch.Connect(Credentials{Token: "bad"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnectionRejected)
	assert.Equal(t, model.StateError, ch.State().State)
}

func TestChannelSendWhenClosed(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1/ws"})
	ok := ch.Send(TopicInput, &Message{SessionID: "s1", Data: "ls\n"})
	assert.False(t, ok, "send on a closed channel must return false, not error")
}

func TestChannelSubscribeRouting(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{URL: bridge.url()})
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(Credentials{}))

	got := make(chan *Message, 4)
	ch.Subscribe(TopicOutput, func(msg *Message) { got <- msg })

	bridge.send(t, &Message{Topic: TopicOutput, SessionID: "s1", Data: "hello"})

	select {
	case msg := <-got:
		assert.Equal(t, "s1", msg.SessionID)
		assert.Equal(t, "hello", msg.Data)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the message")
	}
}

func TestChannelSubscriberOrderAndUnsubscribe(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{URL: bridge.url()})
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(Credentials{}))

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 1)

	ch.Subscribe(TopicOutput, func(*Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	unsub := ch.Subscribe(TopicOutput, func(*Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	ch.Subscribe(TopicOutput, func(*Message) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
		done <- struct{}{}
	})

	bridge.send(t, &Message{Topic: TopicOutput, SessionID: "s1"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribers never ran")
	}

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	order = nil
	mu.Unlock()

	unsub()
	bridge.send(t, &Message{Topic: TopicOutput, SessionID: "s1"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("remaining subscribers never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestChannelSubscriberPanicIsRecovered(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{URL: bridge.url()})
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(Credentials{}))

	survived := make(chan struct{}, 1)
	ch.Subscribe(TopicOutput, func(*Message) { panic("subscriber bug") })
	ch.Subscribe(TopicOutput, func(*Message) { survived <- struct{}{} })

	bridge.send(t, &Message{Topic: TopicOutput, SessionID: "s1"})

	select {
	case <-survived:
	case <-time.After(time.Second):
		t.Fatal("panic in one subscriber starved its sibling")
	}
}

func TestChannelOnStateChangeImmediate(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1/ws"})

	var got []model.State
	ch.OnStateChange(func(s model.ConnectionState) { got = append(got, s.State) })

	require.Len(t, got, 1, "handler must fire immediately with the current state")
	assert.Equal(t, model.StateDisconnected, got[0])
}

func TestChannelReconnects(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{
		URL:         bridge.url(),
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	})
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(Credentials{}))

	var mu sync.Mutex
	var seen []model.State
	ch.OnStateChange(func(s model.ConnectionState) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})

	bridge.dropConnections()

	// The channel reads Connected until the read loop notices the drop, so
	// wait for the reconnecting transition first, then for the recovery.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		dropped := containsState(seen, model.StateReconnecting)
		mu.Unlock()
		if dropped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channel never entered reconnecting")
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, ch, model.StateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.StateConnected, seen[len(seen)-1])
	assert.Zero(t, ch.State().Attempt, "attempt counter must reset on reconnect")
}

func containsState(states []model.State, want model.State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}

func TestChannelReconnectExhaustion(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{
		URL:         bridge.url(),
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})
	require.NoError(t, ch.Connect(Credentials{}))

	// Take the bridge down entirely so every retry fails.
	bridge.srv.CloseClientConnections()
	bridge.srv.Close()

	waitForState(t, ch, model.StateError)

	// No further transitions after exhaustion.
	final := ch.State()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, final, ch.State())
}

func TestChannelDisconnectIdempotent(t *testing.T) {
	bridge := newBridgeServer(t)
	ch := NewChannel(Config{URL: bridge.url()})
	require.NoError(t, ch.Connect(Credentials{}))

	fired := make(chan model.State, 8)
	ch.OnStateChange(func(s model.ConnectionState) { fired <- s.State })
	<-fired // immediate invocation

	ch.Disconnect()
	ch.Disconnect()

	assert.Equal(t, model.StateDisconnected, ch.State().State)
	assert.False(t, ch.Send(TopicInput, &Message{SessionID: "s1"}))

	// Listeners were unregistered; nothing else may fire.
	select {
	case s := <-fired:
		t.Fatalf("state callback %s fired after Disconnect returned", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBackoffIsGeometricAndCapped(t *testing.T) {
	ch := NewChannel(Config{
		URL:       "ws://127.0.0.1:1/ws",
		BaseDelay: time.Second,
		MaxDelay:  8 * time.Second,
	})

	assert.Equal(t, 1*time.Second, ch.backoff(1))
	assert.Equal(t, 2*time.Second, ch.backoff(2))
	assert.Equal(t, 4*time.Second, ch.backoff(3))
	assert.Equal(t, 8*time.Second, ch.backoff(4))
	assert.Equal(t, 8*time.Second, ch.backoff(5))
}
