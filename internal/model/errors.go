package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionRejected is returned when the transport handshake is rejected.
	// This is a terminal failure and is never retried.
	ErrConnectionRejected = errors.New("connection rejected at handshake")

	// ErrHandshakeTimeout is returned when no create-terminal ack arrives
	// within the handshake window.
	ErrHandshakeTimeout = errors.New("handshake timed out waiting for ack")

	// ErrTabNotFound is returned when a tab is not found.
	ErrTabNotFound = errors.New("tab not found")

	// ErrHostRequired is returned when a tab creation request is missing the host.
	ErrHostRequired = errors.New("host is required")

	// ErrRecordNotFound is returned when a history record is not found.
	ErrRecordNotFound = errors.New("history record not found")
)

// TerminationError is a backend-issued session end. It carries the
// human-readable reason supplied by the backend and is never auto-retried.
type TerminationError struct {
	SessionID string
	Reason    string
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("session %s terminated by backend: %s", e.SessionID, e.Reason)
}

// IsTermination reports whether err is a backend termination.
func IsTermination(err error) bool {
	var te *TerminationError
	return errors.As(err, &te)
}
