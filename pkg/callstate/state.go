// Package callstate holds the live processing state of each call and the
// trigger engine that decides when a fragment is worth a model call.
package callstate

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a transcript fragment
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerAgent    Speaker = "agent"
)

// ParseSpeaker normalizes a speaker label; unknown labels map to agent so
// that they can never trigger suggestions.
func ParseSpeaker(s string) Speaker {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer", "caller", "client":
		return SpeakerCustomer
	default:
		return SpeakerAgent
	}
}

// State is the live processing state of one call
type State struct {
	CallID              string    `json:"call_id"`
	TranscriptBuffer    string    `json:"transcript_buffer"`
	LastSpeaker         Speaker   `json:"last_speaker,omitempty"`
	LastMeaningfulChunk string    `json:"last_meaningful_chunk"`
	ProcessingCount     int       `json:"processing_count"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Clone returns a copy safe to hand to callers
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Store keeps per-call state. Calls are independent; Update serializes
// patches to the same call.
type Store interface {
	// Get returns the state for callID, creating a default one on first access
	Get(ctx context.Context, callID string) (*State, error)
	// Update applies patch to the state of callID and returns the result
	Update(ctx context.Context, callID string, patch func(*State)) (*State, error)
	// Delete removes the state of a finalized call
	Delete(ctx context.Context, callID string) error
	// Count returns the number of calls with live state
	Count(ctx context.Context) (int, error)
}

func newState(callID string, now time.Time) *State {
	return &State{CallID: callID, CreatedAt: now}
}

// MemoryStore is the in-process Store
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*State
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*State),
		now:   time.Now,
	}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, callID string) (*State, error) {
	s.mu.RLock()
	state, ok := s.items[callID]
	s.mu.RUnlock()
	if ok {
		return state.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok = s.items[callID]; !ok {
		state = newState(callID, s.now())
		s.items[callID] = state
	}
	return state.Clone(), nil
}

// Update implements Store
func (s *MemoryStore) Update(_ context.Context, callID string, patch func(*State)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.items[callID]
	if !ok {
		state = newState(callID, s.now())
		s.items[callID] = state
	}
	patch(state)
	return state.Clone(), nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, callID)
	return nil
}

// Count implements Store
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}
