package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/suggest"
	"callpilot/pkg/util"
)

// MemoryStore keeps call records in process
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*CallRecord
	clock   util.Clock
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(clock util.Clock) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*CallRecord),
		clock:   util.OrRealClock(clock),
	}
}

// FindByCallID implements Store
func (s *MemoryStore) FindByCallID(_ context.Context, callID string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[callID]
	if !ok {
		return nil, errors.NewCallNotFound(callID)
	}
	return r.Clone(), nil
}

// EnsureCall implements Store
func (s *MemoryStore) EnsureCall(_ context.Context, callID string) (*CallRecord, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, errors.NewInvalidInput("call id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[callID]
	if !ok {
		now := s.clock.Now()
		r = &CallRecord{
			CallID:    callID,
			Status:    StatusInProgress,
			StartedAt: now,
			UpdatedAt: now,
		}
		s.records[callID] = r
	}
	return r.Clone(), nil
}

// AppendTranscript implements Store
func (s *MemoryStore) AppendTranscript(_ context.Context, callID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[callID]
	if !ok {
		return errors.NewCallNotFound(callID)
	}
	if r.Transcript != "" {
		r.Transcript += "\n"
	}
	r.Transcript += line
	r.UpdatedAt = s.clock.Now()
	return nil
}

// UpdateAnalysis implements Store
func (s *MemoryStore) UpdateAnalysis(_ context.Context, callID string, update AnalysisUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[callID]
	if !ok {
		return errors.NewCallNotFound(callID)
	}
	r.Analysis = append(r.Analysis[:0:0], update.Analysis...)
	if update.Status != "" {
		r.Status = update.Status
	}
	if update.Outcome != OutcomeNone {
		r.Outcome = update.Outcome
	}
	if !update.CompletedAt.IsZero() {
		t := update.CompletedAt
		r.CompletedAt = &t
	}
	r.UpdatedAt = s.clock.Now()
	return nil
}

// UpdateLive implements Store
func (s *MemoryStore) UpdateLive(_ context.Context, callID string, suggestions []suggest.Suggestion, mood *suggest.MoodAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[callID]
	if !ok {
		return errors.NewCallNotFound(callID)
	}
	if len(suggestions) > 0 {
		r.Suggestions = append([]suggest.Suggestion(nil), suggestions...)
	}
	if mood != nil {
		m := *mood
		r.Mood = &m
	}
	r.UpdatedAt = s.clock.Now()
	return nil
}

// CompareAndSetStatus implements Store
func (s *MemoryStore) CompareAndSetStatus(_ context.Context, callID string, from, to Status, outcome Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[callID]
	if !ok {
		return false, errors.NewCallNotFound(callID)
	}
	if r.Status != from {
		return false, nil
	}

	now := s.clock.Now()
	r.Status = to
	if outcome != OutcomeNone {
		r.Outcome = outcome
	}
	if to == StatusCompleted {
		r.CompletedAt = &now
	}
	r.UpdatedAt = now
	return true, nil
}

// List returns all records ordered by start time
func (s *MemoryStore) List() []*CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*CallRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Purge removes completed records older than maxAge and returns how many
// were removed
func (s *MemoryStore) Purge(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for id, r := range s.records {
		if r.Status == StatusCompleted && r.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
