// Package session tracks per-user conversational state for the request
// gateway.
package session

import (
	"sync"
	"time"
)

// State is the conversational mode a user is currently in.
type State string

// Session states. Every user starts in StateIdle; the machine cycles for
// the lifetime of the process, there is no terminal state.
const (
	StateIdle         State = "idle"
	StateAwaitingCode State = "awaiting_code"
	StateAwaitingFile State = "awaiting_file"
)

// entry is the stored state for one user.
type entry struct {
	state     State
	changedAt time.Time
}

// Store is a concurrency-safe keyed store of user session states.
// Entries are created lazily on first access.
type Store struct {
	mu       sync.Mutex
	sessions map[string]entry

	// now is the clock source; replaced in tests for determinism.
	now func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]entry),
		now:      time.Now,
	}
}

// Get returns the current state for userID, defaulting to StateIdle.
func (s *Store) Get(userID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[userID]; ok {
		return e.state
	}
	return StateIdle
}

// Snapshot returns the current state and the time it was last changed.
// For users never seen before, the change time is the zero value.
func (s *Store) Snapshot(userID string) (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[userID]; ok {
		return e.state, e.changedAt
	}
	return StateIdle, time.Time{}
}

// EnterCodeMode moves the user into StateAwaitingCode.
func (s *Store) EnterCodeMode(userID string) {
	s.set(userID, StateAwaitingCode)
}

// EnterFileMode moves the user into StateAwaitingFile.
func (s *Store) EnterFileMode(userID string) {
	s.set(userID, StateAwaitingFile)
}

// Cancel returns the user to StateIdle without dispatching anything.
func (s *Store) Cancel(userID string) {
	s.set(userID, StateIdle)
}

// Complete returns the user to StateIdle after a successful dispatch.
func (s *Store) Complete(userID string) {
	s.set(userID, StateIdle)
}

func (s *Store) set(userID string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[userID] = entry{state: state, changedAt: s.now()}
}
