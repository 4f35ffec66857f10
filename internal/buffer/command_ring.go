// Package buffer provides bounded ring storage for per-session command recall.
package buffer

import (
	"sync"
)

// CommandRing is a thread-safe circular buffer holding the most recent
// commands entered in one session, up to a fixed capacity. When full, the
// oldest command is discarded to make room for a new one.
type CommandRing struct {
	entries  []string
	capacity int
	mu       sync.RWMutex
}

// NewCommandRing creates a CommandRing with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewCommandRing(capacity int) *CommandRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &CommandRing{
		entries:  make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a command, evicting the oldest entry when the ring is full.
// Blank commands are ignored.
func (r *CommandRing) Push(command string) {
	if command == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == r.capacity {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = command
		return
	}
	r.entries = append(r.entries, command)
}

// All returns a copy of the buffered commands, oldest first.
func (r *CommandRing) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil
	}
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

// Last returns the most recently pushed command, or "" when empty.
func (r *CommandRing) Last() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return ""
	}
	return r.entries[len(r.entries)-1]
}

// Len returns the current number of buffered commands.
func (r *CommandRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cap returns the capacity of the ring.
func (r *CommandRing) Cap() int {
	return r.capacity
}

// Clear removes all buffered commands.
func (r *CommandRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}
