package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ops-console/terminal/internal/tabs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Handler handles WebSocket connections from console UI clients viewing
// terminal tabs.
type Handler struct {
	hubManager *HubManager
	mux        *tabs.Multiplexer
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubManager *HubManager, mux *tabs.Multiplexer) *Handler {
	return &Handler{
		hubManager: hubManager,
		mux:        mux,
	}
}

// HandleConnection handles a new WebSocket connection for a tab.
// It upgrades the HTTP connection to WebSocket and manages the
// bidirectional communication.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, tabID string) error {
	tab, err := h.mux.GetTab(tabID)
	if err != nil {
		http.Error(w, "Tab not found", http.StatusNotFound)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	// Get or create hub for this tab
	hub := h.hubManager.GetOrCreate(tabID)
	hub.SetOnClose(func() {
		// The session keeps running with no viewers attached.
		log.Printf("All clients disconnected from tab %s, session continues running", tabID)
	})

	// Create client
	client := NewClient(hub, conn, tabID)

	// Register client with hub
	hub.Register(client)

	// Set up message handler for the hub
	hub.SetOnMessage(func(c *Client, msg *Message) {
		h.handleMessage(c, msg)
	})

	// Bring the new viewer up to date: current status and command recall.
	h.sendStatus(client, string(tab.Status))
	h.sendRecall(client, tabID)

	// Start read and write pumps
	go h.writePump(client)
	go h.readPump(client, hub)

	return nil
}

// sendStatus sends the tab's current session status to one client.
func (h *Handler) sendStatus(client *Client, status string) {
	data, err := json.Marshal(&Message{Type: MessageTypeStatus, Status: status})
	if err != nil {
		return
	}
	client.Send(data)
}

// sendRecall sends the tab's buffered command recall to one client.
func (h *Handler) sendRecall(client *Client, tabID string) {
	commands, err := h.mux.Commands(tabID)
	if err != nil || len(commands) == 0 {
		return
	}

	data, err := json.Marshal(&Message{Type: MessageTypeCommands, Commands: commands})
	if err != nil {
		log.Printf("Failed to marshal commands message: %v", err)
		return
	}
	client.Send(data)
}

// handleMessage processes incoming messages from clients.
func (h *Handler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeStdin:
		h.handleStdin(client, msg)
	case MessageTypeCommand:
		h.handleCommand(client, msg)
	case MessageTypeResize:
		h.handleResize(client, msg)
	case MessageTypePing:
		h.handlePing(client)
	}
}

// handleStdin handles raw keystrokes: forwarded verbatim, never recorded.
func (h *Handler) handleStdin(client *Client, msg *Message) {
	if msg.Data == "" {
		return
	}

	if !h.mux.SendInput(client.TabID(), []byte(msg.Data)) {
		h.sendError(client, "session is not connected")
	}
}

// handleCommand handles a complete command line: forwarded with a trailing
// newline and recorded in the tab's command history.
func (h *Handler) handleCommand(client *Client, msg *Message) {
	if msg.Data == "" {
		return
	}

	if !h.mux.SendInput(client.TabID(), []byte(msg.Data+"\n")) {
		h.sendError(client, "session is not connected")
		return
	}
	h.mux.AddCommand(client.TabID(), msg.Data)
}

// handleResize handles terminal resize events.
func (h *Handler) handleResize(client *Client, msg *Message) {
	if msg.Rows == 0 || msg.Cols == 0 {
		return
	}
	h.mux.Resize(client.TabID(), msg.Cols, msg.Rows)
}

// handlePing handles ping messages from the client.
func (h *Handler) handlePing(client *Client) {
	data, err := json.Marshal(&Message{Type: MessageTypePong})
	if err != nil {
		return
	}
	client.Send(data)
}

func (h *Handler) sendError(client *Client, errMsg string) {
	data, err := json.Marshal(&Message{Type: MessageTypeError, Error: errMsg})
	if err != nil {
		return
	}
	client.Send(data)
}

// readPump pumps messages from the WebSocket connection to the hub.
func (h *Handler) readPump(client *Client, hub *Hub) {
	defer func() {
		hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to unmarshal message: %v", err)
			continue
		}

		hub.HandleMessage(client, &msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send each message in a separate WebSocket frame
			// This ensures JSON.parse() works correctly on the frontend
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Process any queued messages, sending each in its own frame
			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queuedMsg := <-client.SendChan()
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queuedMsg); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// BroadcastOutput broadcasts session output to the tab's clients.
// ANSI sequences pass through untouched.
func (h *Handler) BroadcastOutput(tabID string, data []byte) {
	hub := h.hubManager.Get(tabID)
	if hub == nil {
		return
	}
	hub.BroadcastMessage(&Message{
		Type: MessageTypeStdout,
		Data: string(data),
	})
}

// BroadcastStatus broadcasts a session status change to the tab's clients.
func (h *Handler) BroadcastStatus(tabID string, status string) {
	hub := h.hubManager.Get(tabID)
	if hub == nil {
		return
	}
	hub.BroadcastMessage(&Message{
		Type:   MessageTypeStatus,
		Status: status,
	})
}

// BroadcastBlocked notifies the tab's clients of a backend policy veto.
// The reason is surfaced verbatim.
func (h *Handler) BroadcastBlocked(tabID, command, reason string) {
	hub := h.hubManager.Get(tabID)
	if hub == nil {
		return
	}
	hub.BroadcastMessage(&Message{
		Type:    MessageTypeBlocked,
		Command: command,
		Reason:  reason,
	})
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
