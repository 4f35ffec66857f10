// Package transport maintains one authenticated, reconnecting WebSocket
// channel to the backend bridge and routes messages by topic.
package transport

// Topic identifies a message class on the bridge channel.
type Topic string

const (
	// Client -> bridge topics
	TopicCreateTerminal Topic = "create-terminal"
	TopicInput          Topic = "input"
	TopicResize         Topic = "resize"

	// Bridge -> client topics
	TopicCreateTerminalAck Topic = "create-terminal-ack"
	TopicOutput            Topic = "output"
	TopicBlocked           Topic = "blocked"

	// Bidirectional
	TopicTerminate Topic = "terminate"
)

// Message is the JSON envelope exchanged with the backend bridge. Output
// and acks are attributed to sessions strictly by SessionID, never by
// call order.
type Message struct {
	Topic     Topic  `json:"topic"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Command   string `json:"command,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Credentials authenticate the channel handshake. They are held in memory
// only and are never part of any persisted projection.
type Credentials struct {
	Token string
}
