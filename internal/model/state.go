package model

import "time"

// State identifies a connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// ConnectionState is a value object describing a channel or session
// connection at one instant. No transition history is retained.
type ConnectionState struct {
	State   State         `json:"state"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Cause   string        `json:"cause,omitempty"`
}

// Disconnected returns the zero-attempt disconnected state.
func Disconnected() ConnectionState {
	return ConnectionState{State: StateDisconnected}
}

// Connecting returns the connecting state.
func Connecting() ConnectionState {
	return ConnectionState{State: StateConnecting}
}

// Connected returns the connected state. The attempt counter is reset.
func Connected() ConnectionState {
	return ConnectionState{State: StateConnected}
}

// Reconnecting returns the reconnecting state for the given attempt and delay.
func Reconnecting(attempt int, delay time.Duration) ConnectionState {
	return ConnectionState{State: StateReconnecting, Attempt: attempt, Delay: delay}
}

// Errored returns the terminal error state with a cause.
func Errored(cause string) ConnectionState {
	return ConnectionState{State: StateError, Cause: cause}
}

// Live reports whether the state describes a connection that is open or
// actively trying to reopen.
func (s ConnectionState) Live() bool {
	switch s.State {
	case StateConnecting, StateConnected, StateReconnecting:
		return true
	}
	return false
}
