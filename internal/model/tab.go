package model

import "time"

// Tab is a UI-level slot owning at most one live Session plus display
// metadata. Tabs are bounded by the multiplexer capacity.
type Tab struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	HostID       string        `json:"hostId"`
	SessionID    string        `json:"sessionId"`
	Status       SessionStatus `json:"status"`
	IsActive     bool          `json:"isActive"`
	Cols         uint16        `json:"cols"`
	Rows         uint16        `json:"rows"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`

	// ConnectedAt marks the start of the current connected stretch; zero
	// while not connected. CommandCount counts commands since ConnectedAt.
	ConnectedAt  time.Time `json:"connectedAt,omitempty"`
	CommandCount int       `json:"commandCount"`
}
