// Package tabs multiplexes a bounded, ordered set of terminal tabs, each
// owning at most one live session connection.
package tabs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ops-console/terminal/internal/buffer"
	"github.com/ops-console/terminal/internal/conn"
	"github.com/ops-console/terminal/internal/model"
)

const (
	// DefaultCapacity bounds the number of simultaneously open tabs.
	DefaultCapacity = 10

	// DefaultRingSize bounds the in-memory command recall per session.
	DefaultRingSize = 100
)

// Recorder persists session summaries and command entries. Implemented by
// the history store. Failures at multiplexer call sites are logged and
// swallowed; session handling never depends on storage health.
type Recorder interface {
	RecordSessionEnd(ctx context.Context, rec *model.HistoryRecord) error
	RecordCommand(ctx context.Context, entry *model.CommandEntry) error
}

// Conn is the session connection surface a tab drives. *conn.Machine
// satisfies it.
type Conn interface {
	Connect() error
	SendInput(data []byte) bool
	Resize(cols, rows uint16)
	Disconnect()
	State() model.ConnectionState
}

// ConnFactory builds a connection machine for a server-style session id.
type ConnFactory func(sessionID string, cb conn.Callbacks) Conn

// Config holds configuration for the multiplexer.
type Config struct {
	Capacity int
	RingSize int
}

// Callbacks deliver tab-scoped session events upward, typically to the
// WebSocket fan-out hubs. All callbacks may be nil.
type Callbacks struct {
	OnOutput  func(tabID, sessionID string, data []byte)
	OnStatus  func(tab model.Tab)
	OnBlocked func(tabID, command, reason string)

	// OnClosed fires after a tab is removed, on explicit close and on
	// capacity eviction. The fan-out layer drops the tab's viewers here.
	OnClosed func(tabID string)
}

// TabContext holds the runtime context for one tab.
type TabContext struct {
	Tab  *model.Tab
	Conn Conn
	Ring *buffer.CommandRing

	// recorded marks that a history record was already written for the
	// current session, so a later close does not overwrite it.
	recorded bool
}

// Multiplexer manages the tab set. Zero or one tab is active at any time.
type Multiplexer struct {
	cfg      Config
	factory  ConnFactory
	recorder Recorder
	cb       Callbacks

	mu    sync.RWMutex
	tabs  map[string]*TabContext
	order []string

	now func() time.Time
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(cfg Config, factory ConnFactory, recorder Recorder, cb Callbacks) *Multiplexer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	return &Multiplexer{
		cfg:      cfg,
		factory:  factory,
		recorder: recorder,
		cb:       cb,
		tabs:     make(map[string]*TabContext),
		now:      time.Now,
	}
}

// CreateTab opens a new tab for the given host and activates it. At
// capacity the least-recently-active inactive tab is evicted first, its
// live session disconnected and recorded as interrupted. The bound is
// soft: creation proceeds even when nothing is evictable.
func (m *Multiplexer) CreateTab(hostID, title string) (*model.Tab, error) {
	if hostID == "" {
		return nil, model.ErrHostRequired
	}

	m.mu.Lock()
	var evicted *TabContext
	if len(m.tabs) >= m.cfg.Capacity {
		evicted = m.evictLocked()
	}

	now := m.now()
	tab := &model.Tab{
		ID:           uuid.New().String(),
		Title:        title,
		HostID:       hostID,
		SessionID:    uuid.New().String(),
		Status:       model.SessionStatusPending,
		IsActive:     true,
		Cols:         conn.DefaultCols,
		Rows:         conn.DefaultRows,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if tab.Title == "" {
		tab.Title = hostID
	}

	for _, tc := range m.tabs {
		tc.Tab.IsActive = false
	}
	m.tabs[tab.ID] = &TabContext{
		Tab:  tab,
		Ring: buffer.NewCommandRing(m.cfg.RingSize),
	}
	m.order = append(m.order, tab.ID)
	out := *tab
	m.mu.Unlock()

	if evicted != nil {
		m.finishTab(evicted, model.HistoryStatusInterrupted)
		if m.cb.OnClosed != nil {
			m.cb.OnClosed(evicted.Tab.ID)
		}
	}
	return &out, nil
}

// CloseTab terminates the tab's live session, records it as interrupted
// unless a completed record already exists, and removes the tab. When the
// closed tab was active, the most-recently-active remaining tab is
// activated, or none when the set is empty.
func (m *Multiplexer) CloseTab(tabID string) error {
	m.mu.Lock()
	tc, exists := m.tabs[tabID]
	if !exists {
		m.mu.Unlock()
		return model.ErrTabNotFound
	}
	wasActive := tc.Tab.IsActive
	delete(m.tabs, tabID)
	for i, id := range m.order {
		if id == tabID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	if wasActive {
		if next := m.mostRecentLocked(); next != nil {
			next.Tab.IsActive = true
		}
	}
	m.mu.Unlock()

	m.finishTab(tc, model.HistoryStatusInterrupted)
	if m.cb.OnClosed != nil {
		m.cb.OnClosed(tabID)
	}
	return nil
}

// SwitchTab makes the given tab the single active one and bumps its
// last-activity timestamp. Connection state is untouched.
func (m *Multiplexer) SwitchTab(tabID string) error {
	m.mu.Lock()
	tc, exists := m.tabs[tabID]
	if !exists {
		m.mu.Unlock()
		return model.ErrTabNotFound
	}
	for _, other := range m.tabs {
		other.Tab.IsActive = false
	}
	tc.Tab.IsActive = true
	tc.Tab.LastActiveAt = m.now()
	m.mu.Unlock()
	return nil
}

// Connect starts (or restarts) the tab's session connection. A tab whose
// previous session ended gets a fresh session id and a fresh command
// recall; a tab that is already live is left alone.
func (m *Multiplexer) Connect(tabID string) error {
	m.mu.Lock()
	tc, exists := m.tabs[tabID]
	if !exists {
		m.mu.Unlock()
		return model.ErrTabNotFound
	}
	if tc.Conn != nil && tc.Tab.Status.Live() {
		m.mu.Unlock()
		return nil
	}

	if tc.Conn != nil {
		// Machines are terminal once closed; a reconnect is a new session.
		tc.Tab.SessionID = uuid.New().String()
		tc.Ring.Clear()
		tc.Tab.CommandCount = 0
		tc.recorded = false
	}
	sessionID := tc.Tab.SessionID
	machine := m.factory(sessionID, conn.Callbacks{
		OnData: func(sid string, data []byte) {
			if m.cb.OnOutput != nil {
				m.cb.OnOutput(tabID, sid, data)
			}
		},
		OnStateChange: func(_ string, state model.ConnectionState) {
			m.onConnState(tabID, state)
		},
		OnError: func(sid string, err error) {
			m.onConnError(tabID, sid, err)
		},
		OnBlocked: func(command, reason string) {
			if m.cb.OnBlocked != nil {
				m.cb.OnBlocked(tabID, command, reason)
			}
		},
	})
	tc.Conn = machine
	m.mu.Unlock()

	// Connect outside the lock: machine state callbacks fire synchronously
	// and re-enter the multiplexer.
	return machine.Connect()
}

// SendInput forwards input to the tab's session in submission order.
func (m *Multiplexer) SendInput(tabID string, data []byte) bool {
	m.mu.RLock()
	tc, exists := m.tabs[tabID]
	var c Conn
	if exists {
		c = tc.Conn
	}
	m.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.SendInput(data)
}

// Resize updates the tab's recorded geometry and forwards the resize to
// its session, where it is debounced.
func (m *Multiplexer) Resize(tabID string, cols, rows uint16) {
	m.mu.Lock()
	tc, exists := m.tabs[tabID]
	var c Conn
	if exists {
		tc.Tab.Cols, tc.Tab.Rows = cols, rows
		c = tc.Conn
	}
	m.mu.Unlock()
	if c != nil {
		c.Resize(cols, rows)
	}
}

// UpdateStatus propagates a session status onto its tab. Entering the
// active status starts a fresh connected-duration clock and resets the
// command counter.
func (m *Multiplexer) UpdateStatus(tabID string, status model.SessionStatus) {
	m.mu.Lock()
	tc, exists := m.tabs[tabID]
	if !exists {
		m.mu.Unlock()
		return
	}
	if status == model.SessionStatusActive && tc.Tab.Status != model.SessionStatusActive {
		tc.Tab.ConnectedAt = m.now()
		tc.Tab.CommandCount = 0
	}
	tc.Tab.Status = status
	snapshot := *tc.Tab
	m.mu.Unlock()

	if m.cb.OnStatus != nil {
		m.cb.OnStatus(snapshot)
	}
}

// AddCommand records one entered command: bounded in-memory recall plus a
// durable per-session log. Blank input is ignored; storage failures are
// logged and swallowed.
func (m *Multiplexer) AddCommand(tabID, command string) {
	if command == "" {
		return
	}

	m.mu.Lock()
	tc, exists := m.tabs[tabID]
	if !exists {
		m.mu.Unlock()
		return
	}
	tc.Ring.Push(command)
	tc.Tab.CommandCount++
	tc.Tab.LastActiveAt = m.now()
	sessionID := tc.Tab.SessionID
	m.mu.Unlock()

	if m.recorder == nil {
		return
	}
	entry := &model.CommandEntry{
		SessionID: sessionID,
		Text:      command,
		CreatedAt: m.now(),
	}
	if err := m.recorder.RecordCommand(context.Background(), entry); err != nil {
		log.Printf("tabs: failed to record command for session %s: %v", sessionID, err)
	}
}

// Commands returns the tab's in-memory command recall, oldest first.
func (m *Multiplexer) Commands(tabID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, exists := m.tabs[tabID]
	if !exists {
		return nil, model.ErrTabNotFound
	}
	return tc.Ring.All(), nil
}

// GetTab returns a copy of the tab.
func (m *Multiplexer) GetTab(tabID string) (*model.Tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, exists := m.tabs[tabID]
	if !exists {
		return nil, model.ErrTabNotFound
	}
	out := *tc.Tab
	return &out, nil
}

// ListTabs returns copies of all tabs in creation order.
func (m *Multiplexer) ListTabs() []*model.Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Tab, 0, len(m.order))
	for _, id := range m.order {
		if tc, ok := m.tabs[id]; ok {
			tab := *tc.Tab
			out = append(out, &tab)
		}
	}
	return out
}

// ActiveTab returns a copy of the active tab, or false when none is.
func (m *Multiplexer) ActiveTab() (*model.Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tc := range m.tabs {
		if tc.Tab.IsActive {
			out := *tc.Tab
			return &out, true
		}
	}
	return nil, false
}

// ActiveCount returns the number of tabs whose session is currently
// connected. Tabs that are still connecting or mid-reconnect do not count.
func (m *Multiplexer) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tc := range m.tabs {
		if tc.Tab.Status == model.SessionStatusActive {
			n++
		}
	}
	return n
}

// Close disconnects every live session and records each as interrupted.
// Used on shutdown; tabs themselves are left for Persist.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	contexts := make([]*TabContext, 0, len(m.tabs))
	for _, tc := range m.tabs {
		contexts = append(contexts, tc)
	}
	m.mu.Unlock()

	for _, tc := range contexts {
		m.finishTab(tc, model.HistoryStatusInterrupted)
	}
}

// evictLocked removes and returns the least-recently-active inactive tab,
// or nil when every tab is active.
func (m *Multiplexer) evictLocked() *TabContext {
	var victim *TabContext
	for _, tc := range m.tabs {
		if tc.Tab.IsActive {
			continue
		}
		if victim == nil || tc.Tab.LastActiveAt.Before(victim.Tab.LastActiveAt) {
			victim = tc
		}
	}
	if victim == nil {
		return nil
	}
	delete(m.tabs, victim.Tab.ID)
	for i, id := range m.order {
		if id == victim.Tab.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	log.Printf("tabs: capacity reached, evicting tab %s (host %s)", victim.Tab.ID, victim.Tab.HostID)
	return victim
}

// mostRecentLocked returns the remaining tab with the newest activity.
func (m *Multiplexer) mostRecentLocked() *TabContext {
	var best *TabContext
	for _, tc := range m.tabs {
		if best == nil || tc.Tab.LastActiveAt.After(best.Tab.LastActiveAt) {
			best = tc
		}
	}
	return best
}

// finishTab disconnects the tab's session and writes its history record.
// Never called under the lock.
func (m *Multiplexer) finishTab(tc *TabContext, status model.HistoryStatus) {
	if tc.Conn != nil {
		tc.Conn.Disconnect()
	}
	m.record(tc, status)
}

// record writes a session summary unless one was already recorded for the
// current session. Sessions that never reached connected, including those
// whose handshake was still pending, are not recorded.
func (m *Multiplexer) record(tc *TabContext, status model.HistoryStatus) {
	m.mu.Lock()
	if tc.recorded || tc.Conn == nil || tc.Tab.ConnectedAt.IsZero() || m.recorder == nil {
		m.mu.Unlock()
		return
	}
	tc.recorded = true
	now := m.now()
	rec := &model.HistoryRecord{
		SessionID:    tc.Tab.SessionID,
		HostID:       tc.Tab.HostID,
		StartedAt:    tc.Tab.ConnectedAt,
		EndedAt:      now,
		Duration:     now.Sub(tc.Tab.ConnectedAt),
		CommandCount: tc.Tab.CommandCount,
		Status:       status,
		LastCommand:  tc.Ring.Last(),
	}
	m.mu.Unlock()

	if err := m.recorder.RecordSessionEnd(context.Background(), rec); err != nil {
		log.Printf("tabs: failed to record session %s: %v", rec.SessionID, err)
	}
}

// onConnState maps machine transitions onto the owning tab.
func (m *Multiplexer) onConnState(tabID string, state model.ConnectionState) {
	m.UpdateStatus(tabID, model.StatusFromState(state))
}

// onConnError reacts to terminal session errors. A backend termination is
// an orderly end: the session is recorded completed and the tab marked
// terminated. Everything else is already reflected by the error status.
func (m *Multiplexer) onConnError(tabID, sessionID string, err error) {
	if model.IsTermination(err) {
		m.mu.Lock()
		tc, exists := m.tabs[tabID]
		m.mu.Unlock()
		if exists {
			m.record(tc, model.HistoryStatusCompleted)
			m.UpdateStatus(tabID, model.SessionStatusTerminated)
		}
		return
	}
	log.Printf("tabs: session %s failed: %v", sessionID, err)
}
