// Package conn drives one logical session's lifecycle atop the shared
// channel transport: two-phase handshake, pre-ack input buffering,
// coalesced resize and reconnection handling.
package conn

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ops-console/terminal/internal/model"
	"github.com/ops-console/terminal/internal/transport"
)

const (
	// DefaultHandshakeTimeout bounds the wait for a create-terminal ack.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultResizeDebounce coalesces resize bursts into one transmission.
	DefaultResizeDebounce = 300 * time.Millisecond

	// DefaultCols and DefaultRows are the initial terminal geometry.
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// ErrMachineClosed is returned by Connect after an explicit Disconnect or a
// backend termination; the machine instance is terminal at that point.
var ErrMachineClosed = errors.New("session connection is closed")

// Link is the subset of the channel transport a Machine needs. A Link may
// be shared by several machines; each demultiplexes strictly by session id.
// Send must not call back into the machine synchronously.
type Link interface {
	Connect(creds transport.Credentials) error
	Send(topic transport.Topic, msg *transport.Message) bool
	Subscribe(topic transport.Topic, h transport.Handler) func()
	OnStateChange(h transport.StateHandler) func()
	State() model.ConnectionState
}

// Config holds per-session machine configuration.
type Config struct {
	Credentials      transport.Credentials
	Cols             uint16
	Rows             uint16
	HandshakeTimeout time.Duration
	ResizeDebounce   time.Duration
}

// Callbacks deliver session events upward. All callbacks may be nil.
// None fires after Disconnect has returned.
type Callbacks struct {
	// OnData receives remote output attributed to this session.
	OnData func(sessionID string, data []byte)

	// OnStateChange receives every session connection-state transition.
	OnStateChange func(sessionID string, state model.ConnectionState)

	// OnError receives handshake timeouts, transport exhaustion and
	// backend terminations.
	OnError func(sessionID string, err error)

	// OnBlocked receives backend policy vetoes; the reason is surfaced,
	// never interpreted.
	OnBlocked func(command, reason string)
}

// Machine is the connection state machine for one session.
type Machine struct {
	sessionID string
	link      Link
	cfg       Config
	cb        Callbacks

	mu     sync.Mutex
	state  model.ConnectionState
	closed bool

	// ackPending is true from create-terminal until the matching ack.
	ackPending bool

	// pending buffers input submitted before the handshake completes,
	// flushed in submission order on ack.
	pending [][]byte

	// One pending-timer slot per concern; overwritten, never queued.
	handshakeTimer *time.Timer
	resizeTimer    *time.Timer

	pendingCols, pendingRows uint16
	sentCols, sentRows       uint16

	unsubs []func()
}

// NewMachine creates a machine for the given server-issued session id.
// The machine stays Disconnected until Connect is called.
func NewMachine(sessionID string, link Link, cfg Config, cb Callbacks) *Machine {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ResizeDebounce == 0 {
		cfg.ResizeDebounce = DefaultResizeDebounce
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	return &Machine{
		sessionID: sessionID,
		link:      link,
		cfg:       cfg,
		cb:        cb,
		state:     model.Disconnected(),
		sentCols:  cfg.Cols,
		sentRows:  cfg.Rows,
	}
}

// SessionID returns the session id this machine drives.
func (m *Machine) SessionID() string {
	return m.sessionID
}

// State returns the current session connection state.
func (m *Machine) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens (or reuses) the transport and starts the two-phase
// handshake. It is a no-op while already Connecting or Connected. The call
// returns once the handshake is underway; Connected is reached when the
// matching create-terminal ack arrives, and the machine enters Error if no
// ack arrives within the handshake window.
func (m *Machine) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMachineClosed
	}
	if m.state.Live() {
		m.mu.Unlock()
		return nil
	}
	m.ackPending = true
	notify := m.setStateLocked(model.Connecting())
	m.armHandshakeTimerLocked()
	m.mu.Unlock()
	notify()

	// Subscribing delivers the current transport state immediately: when
	// the shared channel is already open the handshake goes out here,
	// otherwise the state listener sends it once the channel opens.
	m.subscribe()

	if err := m.link.Connect(m.cfg.Credentials); err != nil {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return err
		}
		m.stopTimersLocked()
		m.unsubscribeLocked()
		notify = m.setStateLocked(model.Errored(err.Error()))
		m.mu.Unlock()
		notify()
		m.emitError(err)
		return err
	}
	return nil
}

// SendInput submits input for delivery in exactly the order submitted.
// While the handshake is incomplete the data is queued and flushed FIFO on
// ack. When the session is Disconnected or Error it returns false without
// queuing.
func (m *Machine) SendInput(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	switch m.state.State {
	case model.StateDisconnected, model.StateError:
		return false
	}

	if m.ackPending {
		buf := make([]byte, len(data))
		copy(buf, data)
		m.pending = append(m.pending, buf)
		return true
	}

	// Sent under the lock so a concurrent ack flush cannot reorder input.
	return m.link.Send(transport.TopicInput, &transport.Message{
		SessionID: m.sessionID,
		Data:      string(data),
	})
}

// Resize requests a terminal geometry change. It is effective only while
// Connected. Calls within the debounce window are coalesced to the last
// geometry; a resize matching the last transmitted geometry is suppressed
// entirely.
func (m *Machine) Resize(cols, rows uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state.State != model.StateConnected {
		return
	}

	m.pendingCols, m.pendingRows = cols, rows
	if m.resizeTimer != nil {
		m.resizeTimer.Reset(m.cfg.ResizeDebounce)
		return
	}
	if cols == m.sentCols && rows == m.sentRows {
		return
	}
	m.resizeTimer = time.AfterFunc(m.cfg.ResizeDebounce, m.flushResize)
}

// Disconnect tears the session down: a best-effort terminate notice when
// connected, then local listeners and timers regardless of the transport
// result. It is idempotent, returns immediately, and cancels all pending
// timers synchronously; no callback fires after it returns.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	wasConnected := m.state.State == model.StateConnected
	m.stopTimersLocked()
	m.unsubscribeLocked()
	m.pending = nil
	m.state = model.Disconnected()
	m.mu.Unlock()

	if wasConnected {
		m.link.Send(transport.TopicTerminate, &transport.Message{
			SessionID: m.sessionID,
			Reason:    "client disconnect",
		})
	}
}

// sendHandshake transmits create-terminal for this session id.
func (m *Machine) sendHandshake() {
	m.mu.Lock()
	if m.closed || !m.ackPending {
		m.mu.Unlock()
		return
	}
	cols, rows := m.cfg.Cols, m.cfg.Rows
	m.mu.Unlock()

	if !m.link.Send(transport.TopicCreateTerminal, &transport.Message{
		SessionID: m.sessionID,
		Cols:      cols,
		Rows:      rows,
	}) {
		log.Printf("conn %s: create-terminal not sent, channel not open yet", m.sessionID)
	}
}

func (m *Machine) onAck(msg *transport.Message) {
	if msg.SessionID != m.sessionID {
		return
	}

	m.mu.Lock()
	if m.closed || !m.ackPending {
		m.mu.Unlock()
		return
	}
	m.ackPending = false
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}

	// Flush queued input in submission order before releasing the lock,
	// so no concurrent SendInput can slip ahead of the backlog.
	for _, data := range m.pending {
		m.link.Send(transport.TopicInput, &transport.Message{
			SessionID: m.sessionID,
			Data:      string(data),
		})
	}
	m.pending = nil

	notify := m.setStateLocked(model.Connected())
	m.mu.Unlock()
	notify()
}

func (m *Machine) onOutput(msg *transport.Message) {
	if msg.SessionID != m.sessionID {
		return
	}
	m.mu.Lock()
	closed := m.closed
	cb := m.cb.OnData
	m.mu.Unlock()
	if closed || cb == nil {
		return
	}
	cb(m.sessionID, []byte(msg.Data))
}

func (m *Machine) onTerminate(msg *transport.Message) {
	if msg.SessionID != m.sessionID {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimersLocked()
	m.unsubscribeLocked()
	m.pending = nil
	notify := m.setStateLocked(model.ConnectionState{
		State: model.StateDisconnected,
		Cause: msg.Reason,
	})
	m.mu.Unlock()
	notify()

	m.emitError(&model.TerminationError{SessionID: m.sessionID, Reason: msg.Reason})
}

func (m *Machine) onBlocked(msg *transport.Message) {
	if msg.SessionID != m.sessionID {
		return
	}
	m.mu.Lock()
	closed := m.closed
	cb := m.cb.OnBlocked
	m.mu.Unlock()
	if closed || cb == nil {
		return
	}
	cb(msg.Command, msg.Reason)
}

// onLinkState tracks the shared transport. A transport drop moves a live
// session to Reconnecting and re-arms the handshake; transport exhaustion
// is terminal for the session.
func (m *Machine) onLinkState(state model.ConnectionState) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	switch state.State {
	case model.StateReconnecting:
		if !m.state.Live() {
			m.mu.Unlock()
			return
		}
		m.ackPending = true
		m.stopResizeLocked()
		notify := m.setStateLocked(model.Reconnecting(state.Attempt, state.Delay))
		m.armHandshakeTimerLocked()
		m.mu.Unlock()
		notify()

	case model.StateConnected:
		needHandshake := m.ackPending
		m.mu.Unlock()
		if needHandshake {
			m.sendHandshake()
		}

	case model.StateError:
		// During Connecting the Connect call itself reports dial
		// failures; only an established session reacts here.
		if m.state.State != model.StateConnected && m.state.State != model.StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.stopTimersLocked()
		notify := m.setStateLocked(model.Errored(state.Cause))
		m.mu.Unlock()
		notify()
		m.emitError(fmt.Errorf("transport failed: %s", state.Cause))

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) onHandshakeTimeout() {
	m.mu.Lock()
	if m.closed || !m.ackPending {
		m.mu.Unlock()
		return
	}
	m.ackPending = false
	m.stopTimersLocked()
	m.unsubscribeLocked()
	m.pending = nil
	notify := m.setStateLocked(model.Errored(model.ErrHandshakeTimeout.Error()))
	m.mu.Unlock()
	notify()

	m.emitError(model.ErrHandshakeTimeout)
}

func (m *Machine) flushResize() {
	m.mu.Lock()
	m.resizeTimer = nil
	if m.closed || m.state.State != model.StateConnected {
		m.mu.Unlock()
		return
	}
	cols, rows := m.pendingCols, m.pendingRows
	if cols == m.sentCols && rows == m.sentRows {
		m.mu.Unlock()
		return
	}
	m.sentCols, m.sentRows = cols, rows
	m.mu.Unlock()

	m.link.Send(transport.TopicResize, &transport.Message{
		SessionID: m.sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// subscribe registers all transport listeners. Not called under m.mu: the
// transport invokes the state listener synchronously on registration.
func (m *Machine) subscribe() {
	m.mu.Lock()
	if m.closed || len(m.unsubs) > 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	unsubs := []func(){
		m.link.Subscribe(transport.TopicCreateTerminalAck, m.onAck),
		m.link.Subscribe(transport.TopicOutput, m.onOutput),
		m.link.Subscribe(transport.TopicTerminate, m.onTerminate),
		m.link.Subscribe(transport.TopicBlocked, m.onBlocked),
		m.link.OnStateChange(m.onLinkState),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	m.unsubs = unsubs
	m.mu.Unlock()
}

func (m *Machine) unsubscribeLocked() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

func (m *Machine) armHandshakeTimerLocked() {
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
	}
	m.handshakeTimer = time.AfterFunc(m.cfg.HandshakeTimeout, m.onHandshakeTimeout)
}

func (m *Machine) stopResizeLocked() {
	if m.resizeTimer != nil {
		m.resizeTimer.Stop()
		m.resizeTimer = nil
	}
}

func (m *Machine) stopTimersLocked() {
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
	m.stopResizeLocked()
}

// setStateLocked updates the state and returns a closure notifying the
// state callback outside the lock.
func (m *Machine) setStateLocked(state model.ConnectionState) func() {
	m.state = state
	cb := m.cb.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(m.sessionID, state) }
}

func (m *Machine) emitError(err error) {
	m.mu.Lock()
	cb := m.cb.OnError
	m.mu.Unlock()
	if cb != nil {
		cb(m.sessionID, err)
	}
}
