// Package session holds the per-session conversation state: the
// bounded ring of recent turns and the Idle/AwaitingGeneration state.
package session

import "sync"

// DefaultCapacity is the number of turns a session retains.
const DefaultCapacity = 8

// Turn is one user message and the reply it produced.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Ring is a fixed-capacity buffer of recent turns. Pushing onto a full
// ring evicts the oldest turn.
type Ring struct {
	mu    sync.Mutex
	turns []Turn
	cap   int
}

// NewRing creates a ring holding up to capacity turns. A non-positive
// capacity selects DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{turns: make([]Turn, 0, capacity), cap: capacity}
}

// Push appends a turn, evicting the oldest when full.
func (r *Ring) Push(t Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.turns) == r.cap {
		copy(r.turns, r.turns[1:])
		r.turns = r.turns[:r.cap-1]
	}
	r.turns = append(r.turns, t)
}

// Turns returns a copy of every retained turn, oldest first.
func (r *Ring) Turns() []Turn {
	return r.Last(0)
}

// Last returns a copy of the latest n turns, oldest first. n <= 0 or
// n larger than the ring returns everything.
func (r *Ring) Last(n int) []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.turns) {
		n = len(r.turns)
	}
	out := make([]Turn, n)
	copy(out, r.turns[len(r.turns)-n:])
	return out
}

// Len returns the number of retained turns.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return r.cap
}

// Clear drops every turn.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = r.turns[:0]
}
