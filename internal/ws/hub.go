// Package ws provides WebSocket connection handling and message routing
// between console UI clients and terminal tabs.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeStdin   MessageType = "stdin"
	MessageTypeCommand MessageType = "command" // Complete command lines, recorded in history
	MessageTypeResize  MessageType = "resize"
	MessageTypePing    MessageType = "ping"

	// Server -> Client message types
	MessageTypeStdout   MessageType = "stdout"
	MessageTypeStatus   MessageType = "status"
	MessageTypeBlocked  MessageType = "blocked"
	MessageTypeCommands MessageType = "commands"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"
)

// Message represents a WebSocket message exchanged with console UI clients.
type Message struct {
	Type     MessageType `json:"type"`
	Data     string      `json:"data,omitempty"`
	Cols     uint16      `json:"cols,omitempty"`
	Rows     uint16      `json:"rows,omitempty"`
	Status   string      `json:"status,omitempty"`
	Command  string      `json:"command,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Commands []string    `json:"commands,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Client represents a WebSocket client connection viewing one tab.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	tabID  string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, tabID string) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		tabID: tabID,
		send:  make(chan []byte, 256),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TabID returns the tab this client views.
func (c *Client) TabID() string {
	return c.tabID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub manages the WebSocket client connections viewing one tab.
type Hub struct {
	tabID   string
	clients map[*Client]bool
	mu      sync.RWMutex

	// Callbacks
	onMessage func(client *Client, msg *Message)
	onClose   func()
}

// NewHub creates a new Hub for the given tab.
func NewHub(tabID string) *Hub {
	return &Hub{
		tabID:   tabID,
		clients: make(map[*Client]bool),
	}
}

// TabID returns the tab this hub fans out.
func (h *Hub) TabID() string {
	return h.tabID
}

// SetOnMessage sets the callback for incoming messages.
func (h *Hub) SetOnMessage(callback func(client *Client, msg *Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = callback
}

// SetOnClose sets the callback for when all clients disconnect.
func (h *Hub) SetOnClose(callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = callback
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	clientCount := len(h.clients)
	onClose := h.onClose
	h.mu.Unlock()

	client.Close()

	// Call onClose callback if no clients remain
	if clientCount == 0 && onClose != nil {
		onClose()
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastMessage sends a Message to all connected clients.
func (h *Hub) BroadcastMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if there are connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// HandleMessage processes an incoming message from a client.
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	callback := h.onMessage
	h.mu.RUnlock()

	if callback != nil {
		callback(client, msg)
	}
}

// Close closes all client connections and the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager manages the hubs for all open tabs.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for the tab.
func (m *HubManager) GetOrCreate(tabID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[tabID]; ok {
		return hub
	}

	hub := NewHub(tabID)
	m.hubs[tabID] = hub
	return hub
}

// Get returns the hub for the tab, or nil if not found.
func (m *HubManager) Get(tabID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[tabID]
}

// Remove removes the hub for the tab.
func (m *HubManager) Remove(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[tabID]; ok {
		hub.Close()
		delete(m.hubs, tabID)
	}
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
