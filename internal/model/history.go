package model

import "time"

// HistoryStatus classifies how a recorded session ended.
type HistoryStatus string

const (
	HistoryStatusCompleted   HistoryStatus = "completed"
	HistoryStatusInterrupted HistoryStatus = "interrupted"
	HistoryStatusError       HistoryStatus = "error"
)

// HistoryRecord is an immutable-once-written summary of a terminated
// session. Session ids are unique; a duplicate write replaces the record.
type HistoryRecord struct {
	SessionID    string        `json:"sessionId"`
	HostID       string        `json:"hostId"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt"`
	Duration     time.Duration `json:"duration"`
	CommandCount int           `json:"commandCount"`
	Status       HistoryStatus `json:"status"`
	LastCommand  string        `json:"lastCommand,omitempty"`
}

// CommandEntry is one recorded input line for a session. Append-only,
// trimmed to a bounded count per session.
type CommandEntry struct {
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// HostUsage pairs a host with its recorded session count.
type HostUsage struct {
	HostID   string `json:"hostId"`
	Sessions int    `json:"sessions"`
}

// Statistics is derived on demand and never independently persisted.
type Statistics struct {
	TotalSessions   int              `json:"totalSessions"`
	ActiveSessions  int              `json:"activeSessions"`
	TotalCommands   int              `json:"totalCommands"`
	AverageDuration time.Duration    `json:"averageDuration"`
	TopHosts        []HostUsage      `json:"topHosts"`
	Recent          []*HistoryRecord `json:"recent"`
}
