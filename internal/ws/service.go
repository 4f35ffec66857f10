package ws

import (
	"sync"

	"github.com/ops-console/terminal/internal/model"
	"github.com/ops-console/terminal/internal/tabs"
)

// Service bridges the tab multiplexer and the per-tab WebSocket hubs:
// session events fan out to viewing clients, client frames feed back into
// the multiplexer. Sessions keep running while no client is viewing.
//
// Construction is two-phase: the multiplexer is built with the service's
// Callbacks, then Bind attaches the multiplexer for the client-facing
// handler.
type Service struct {
	hubManager *HubManager

	mu      sync.RWMutex
	handler *Handler
}

// NewService creates the WebSocket service.
func NewService() *Service {
	return &Service{hubManager: NewHubManager()}
}

// Bind attaches the multiplexer and creates the client-facing handler.
// Must be called before any client connects.
func (s *Service) Bind(mux *tabs.Multiplexer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = NewHandler(s.hubManager, mux)
}

// Handler returns the WebSocket handler. Nil before Bind.
func (s *Service) Handler() *Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubManager
}

// Callbacks returns the multiplexer callbacks that fan session events out
// to the tab's connected clients. Hubs only exist once a client has
// attached, so events before Bind have nowhere to go and are dropped.
func (s *Service) Callbacks() tabs.Callbacks {
	return tabs.Callbacks{
		OnOutput: func(tabID, _ string, data []byte) {
			if h := s.Handler(); h != nil {
				h.BroadcastOutput(tabID, data)
			}
		},
		OnStatus: func(tab model.Tab) {
			if h := s.Handler(); h != nil {
				h.BroadcastStatus(tab.ID, string(tab.Status))
			}
		},
		OnBlocked: func(tabID, command, reason string) {
			if h := s.Handler(); h != nil {
				h.BroadcastBlocked(tabID, command, reason)
			}
		},
		OnClosed: s.DetachTab,
	}
}

// DetachTab closes all WebSocket connections for a tab and drops its hub.
// Called when the tab is closed or evicted.
func (s *Service) DetachTab(tabID string) {
	s.hubManager.Remove(tabID)
}

// Close closes all WebSocket connections and cleans up resources.
func (s *Service) Close() {
	s.hubManager.Close()
}
