package ai

import (
	"sync"

	"github.com/flitsinc/go-rooms/internal/directory"
)

// TurnState is the mutable state the chat tools share with one session's
// in-flight generation. The pool resets it at the start of every turn, so
// a skip from a previous turn never leaks into the next.
type TurnState struct {
	mu      sync.Mutex
	snap    *directory.Snapshot
	skipped bool
}

func NewTurnState() *TurnState {
	return &TurnState{}
}

// Bind points the state at the persona snapshot for the next turn and
// clears per-turn flags.
func (s *TurnState) Bind(snap *directory.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.skipped = false
}

// Snapshot returns the persona snapshot for the turn in flight.
func (s *TurnState) Snapshot() *directory.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// MarkSkipped records the agent's explicit choice to stay silent.
func (s *TurnState) MarkSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = true
}

func (s *TurnState) Skipped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
