package model

import "time"

// SessionStatus represents the status of a terminal session.
type SessionStatus string

const (
	SessionStatusPending      SessionStatus = "pending"
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusReconnecting SessionStatus = "reconnecting"
	SessionStatusInactive     SessionStatus = "inactive"
	SessionStatusError        SessionStatus = "error"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// Live reports whether the session may still hold an open shell.
func (s SessionStatus) Live() bool {
	switch s {
	case SessionStatusConnecting, SessionStatusActive, SessionStatusReconnecting:
		return true
	}
	return false
}

// Session represents one logical interactive remote-shell connection.
// The ID is server-issued, opaque, unique and never reused.
type Session struct {
	ID           string        `json:"id"`
	HostID       string        `json:"hostId"`
	Status       SessionStatus `json:"status"`
	Cols         uint16        `json:"cols"`
	Rows         uint16        `json:"rows"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`
}

// StatusFromState maps a connection state onto a session status.
func StatusFromState(state ConnectionState) SessionStatus {
	switch state.State {
	case StateConnecting:
		return SessionStatusConnecting
	case StateConnected:
		return SessionStatusActive
	case StateReconnecting:
		return SessionStatusReconnecting
	case StateError:
		return SessionStatusError
	default:
		return SessionStatusInactive
	}
}
