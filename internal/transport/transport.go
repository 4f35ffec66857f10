package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ops-console/terminal/internal/model"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second

	writeWait = 10 * time.Second
)

// Handler receives messages published on a subscribed topic.
type Handler func(msg *Message)

// StateHandler receives connection-state transitions.
type StateHandler func(state model.ConnectionState)

// Config holds configuration for a Channel.
type Config struct {
	// URL of the backend bridge WebSocket endpoint.
	URL string

	// MaxAttempts bounds automatic reconnection after an unexpected close.
	MaxAttempts int

	// BaseDelay is the first reconnect delay; it doubles per attempt up to
	// MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Dialer overrides the default websocket dialer (tests).
	Dialer *websocket.Dialer
}

type subscription struct {
	id int
	fn Handler
}

type stateSub struct {
	id int
	fn StateHandler
}

// Channel is one reconnecting, authenticated bidirectional channel. It may
// be shared by several session connection machines; messages are routed by
// topic and demultiplexed by session id at the subscriber.
type Channel struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	creds     Credentials
	state     model.ConnectionState
	subs      map[Topic][]subscription
	stateSubs []stateSub
	nextID    int
	retry     *time.Timer
	gen       int

	// closed is set by Disconnect; checked lock-free on hot paths so no
	// handler fires after Disconnect returns.
	closed atomic.Bool

	writeMu sync.Mutex
}

// NewChannel creates a disconnected Channel for the given bridge URL.
func NewChannel(cfg Config) *Channel {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		cfg:   cfg,
		state: model.Disconnected(),
		subs:  make(map[Topic][]subscription),
	}
}

// Connect dials the bridge and authenticates. A rejected handshake is a
// terminal failure: the channel enters the error state and the call fails
// with ErrConnectionRejected; it is never retried automatically. Connect is
// a no-op while the channel is already live.
func (c *Channel) Connect(creds Credentials) error {
	c.mu.Lock()
	if c.state.Live() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(false)
	c.creds = creds
	notify := c.setStateLocked(model.Connecting())
	c.mu.Unlock()
	notify()

	conn, err := c.dial()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		notify = c.setStateLocked(model.Errored(err.Error()))
		c.mu.Unlock()
		notify()
		return fmt.Errorf("%w: %v", model.ErrConnectionRejected, err)
	}

	c.conn = conn
	c.gen++
	gen := c.gen
	notify = c.setStateLocked(model.Connected())
	c.mu.Unlock()
	notify()

	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the channel gracefully and unregisters all listeners.
// It is idempotent; pending reconnect timers are cancelled synchronously
// and no callback fires after it returns.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.closed.Store(true)
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = model.Disconnected()
	c.subs = make(map[Topic][]subscription)
	c.stateSubs = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// Send publishes a message on the given topic. It is best-effort: when the
// channel is not open it returns false without error.
func (c *Channel) Send(topic Topic, msg *Message) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state.State == model.StateConnected && conn != nil
	c.mu.Unlock()
	if !open {
		return false
	}

	msg.Topic = topic
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("transport: failed to marshal %s message: %v", topic, err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// Subscribe registers a handler for a topic and returns its disposer.
// Subscribers are invoked in registration order; handler panics are
// recovered and never propagate.
func (c *Channel) Subscribe(topic Topic, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs[topic] = append(c.subs[topic], subscription{id: id, fn: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[topic]
		for i, s := range list {
			if s.id == id {
				c.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers a state listener and returns its disposer. The
// handler is invoked immediately with the current state, then on every
// transition.
func (c *Channel) OnStateChange(h StateHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stateSubs = append(c.stateSubs, stateSub{id: id, fn: h})
	cur := c.state
	c.mu.Unlock()

	h(cur)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.stateSubs {
			if s.id == id {
				c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// State returns the current connection state.
func (c *Channel) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.creds.Token != "" {
		header.Set("Authorization", "Bearer "+c.creds.Token)
	}
	conn, resp, err := c.cfg.Dialer.Dial(c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %v (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %v", c.cfg.URL, err)
	}
	return conn, nil
}

// setStateLocked updates the state and returns a closure that notifies
// listeners outside the lock.
func (c *Channel) setStateLocked(state model.ConnectionState) func() {
	c.state = state
	listeners := make([]StateHandler, len(c.stateSubs))
	for i, s := range c.stateSubs {
		listeners[i] = s.fn
	}
	return func() {
		for _, fn := range listeners {
			if c.closed.Load() && state.State != model.StateDisconnected {
				return
			}
			invoke(func() { fn(state) })
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("transport: failed to unmarshal message: %v", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Channel) dispatch(msg *Message) {
	c.mu.Lock()
	list := c.subs[msg.Topic]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.fn
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		if c.closed.Load() {
			return
		}
		h := fn
		invoke(func() { h(msg) })
	}
}

// handleClosed reacts to an unexpected connection close by scheduling
// bounded reconnection with geometric backoff.
func (c *Channel) handleClosed(gen int) {
	c.mu.Lock()
	if c.closed.Load() || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	notify := c.scheduleRetryLocked(1)
	c.mu.Unlock()
	notify()
}

// scheduleRetryLocked arms the next reconnect attempt and returns the
// state notification to run outside the lock.
func (c *Channel) scheduleRetryLocked(attempt int) func() {
	if attempt > c.cfg.MaxAttempts {
		return c.setStateLocked(model.Errored("reconnect attempts exhausted"))
	}

	delay := c.backoff(attempt)
	notify := c.setStateLocked(model.Reconnecting(attempt, delay))
	c.retry = time.AfterFunc(delay, func() { c.tryReconnect(attempt) })
	return notify
}

func (c *Channel) tryReconnect(attempt int) {
	if c.closed.Load() {
		return
	}

	conn, err := c.dial()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Printf("transport: reconnect attempt %d failed: %v", attempt, err)
		notify := c.scheduleRetryLocked(attempt + 1)
		c.mu.Unlock()
		notify()
		return
	}

	c.conn = conn
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(model.Connected())
	c.mu.Unlock()
	notify()

	go c.readLoop(conn, gen)
}

// backoff returns the geometric delay for the given attempt, capped at the
// configured ceiling.
func (c *Channel) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if delay > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return delay
}

// invoke runs fn, recovering any panic so one subscriber cannot take down
// the read loop or its sibling subscribers.
func invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transport: subscriber panic recovered: %v", r)
		}
	}()
	fn()
}
