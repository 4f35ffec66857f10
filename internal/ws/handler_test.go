package ws

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

	"github.com/ops-console/terminal/internal/conn"
	"github.com/ops-console/terminal/internal/model"
	"github.com/ops-console/terminal/internal/tabs"
)

// fakeSessionConn stands in for a connection machine behind the
// multiplexer.
type fakeSessionConn struct {
	mu      sync.Mutex
	cb      conn.Callbacks
	state   model.ConnectionState
	inputs  []string
	resizes [][2]uint16
}

func (f *fakeSessionConn) Connect() error {
	f.mu.Lock()
	f.state = model.Connected()
	cb := f.cb.OnStateChange
	f.mu.Unlock()
	if cb != nil {
		cb("", model.Connected())
	}
	return nil
}

func (f *fakeSessionConn) SendInput(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.State != model.StateConnected {
		return false
	}
	f.inputs = append(f.inputs, string(data))
	return true
}

func (f *fakeSessionConn) Resize(cols, rows uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
}

func (f *fakeSessionConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = model.Disconnected()
}

func (f *fakeSessionConn) State() model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type wsFixture struct {
	svc  *Service
	mux  *tabs.Multiplexer
	srv  *httptest.Server
	conn *fakeSessionConn
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	f := &wsFixture{svc: NewService(), conn: &fakeSessionConn{}}
	factory := func(_ string, cb conn.Callbacks) tabs.Conn {
		f.conn.cb = cb
		return f.conn
	}
	f.mux = tabs.NewMultiplexer(tabs.Config{}, factory, nil, f.svc.Callbacks())
	f.svc.Bind(f.mux)

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tabID := strings.TrimPrefix(r.URL.Path, "/ws/")
		f.svc.Handler().HandleConnection(w, r, tabID)
	}))
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.svc.Close)
	return f
}

func (f *wsFixture) dial(t *testing.T, tabID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/" + tabID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) *Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func writeMessage(t *testing.T, c *websocket.Conn, msg *Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func waitForInputs(t *testing.T, fc *fakeSessionConn, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		got := make([]string, len(fc.inputs))
		copy(got, fc.inputs)
		fc.mu.Unlock()
		if len(got) == len(want) {
			assert.Equal(t, want, got)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never received %v", want)
}

func TestHandleConnectionUnknownTab(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/no-such-tab"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleConnectionSendsStatusOnJoin(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)

	c := f.dial(t, tab.ID)

	msg := readMessage(t, c)
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, string(model.SessionStatusPending), msg.Status)
}

func TestStdinAndCommandFrames(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)
	require.NoError(t, f.mux.Connect(tab.ID))

	c := f.dial(t, tab.ID)
	readMessage(t, c) // join status

	writeMessage(t, c, &Message{Type: MessageTypeStdin, Data: "l"})
	writeMessage(t, c, &Message{Type: MessageTypeStdin, Data: "s"})
	writeMessage(t, c, &Message{Type: MessageTypeCommand, Data: "uptime"})

	waitForInputs(t, f.conn, []string{"l", "s", "uptime\n"})

	// Command frames land in the tab's recall; stdin keystrokes do not.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cmds, err := f.mux.Commands(tab.ID)
		require.NoError(t, err)
		if len(cmds) == 1 {
			assert.Equal(t, []string{"uptime"}, cmds)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("command was never recorded")
}

func TestResizeAndPingFrames(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)
	require.NoError(t, f.mux.Connect(tab.ID))

	c := f.dial(t, tab.ID)
	readMessage(t, c) // join status

	writeMessage(t, c, &Message{Type: MessageTypeResize, Cols: 132, Rows: 43})
	writeMessage(t, c, &Message{Type: MessageTypeResize, Cols: 0, Rows: 43}) // ignored
	writeMessage(t, c, &Message{Type: MessageTypePing})

	msg := readMessage(t, c)
	assert.Equal(t, MessageTypePong, msg.Type)

	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	assert.Equal(t, [][2]uint16{{132, 43}}, f.conn.resizes)
}

func TestStdinWithoutConnectionReportsError(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)

	c := f.dial(t, tab.ID)
	readMessage(t, c) // join status

	writeMessage(t, c, &Message{Type: MessageTypeStdin, Data: "ls"})

	msg := readMessage(t, c)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.NotEmpty(t, msg.Error)
}

func TestSessionOutputFansOutToAllViewers(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)
	require.NoError(t, f.mux.Connect(tab.ID))

	first := f.dial(t, tab.ID)
	second := f.dial(t, tab.ID)
	readMessage(t, first)
	readMessage(t, second)

	// Output arrives from the session and fans out, ANSI intact.
	payload := "\x1b[32mok\x1b[0m"
	f.conn.cb.OnData(tab.SessionID, []byte(payload))

	for _, c := range []*websocket.Conn{first, second} {
		msg := readMessage(t, c)
		assert.Equal(t, MessageTypeStdout, msg.Type)
		assert.Equal(t, payload, msg.Data)
	}
}

func TestStatusChangeFansOut(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)

	c := f.dial(t, tab.ID)
	readMessage(t, c) // join status

	require.NoError(t, f.mux.Connect(tab.ID))

	msg := readMessage(t, c)
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, string(model.SessionStatusActive), msg.Status)
}

func TestTabCloseDetachesViewers(t *testing.T) {
	f := newWSFixture(t)
	tab, err := f.mux.CreateTab("host-a", "")
	require.NoError(t, err)

	c := f.dial(t, tab.ID)
	readMessage(t, c) // join status
	require.NotNil(t, f.svc.HubManager().Get(tab.ID))

	require.NoError(t, f.mux.CloseTab(tab.ID))

	assert.Nil(t, f.svc.HubManager().Get(tab.ID), "hub must be dropped with its tab")

	// The hub teardown closes the viewer's socket.
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}
