// Package records defines the call-record persistence contract and an
// in-memory implementation.
package records

import (
	"context"
	"encoding/json"
	"time"

	"callpilot/pkg/suggest"
)

// Status of a call record
type Status string

const (
	StatusInProgress      Status = "in_progress"
	StatusAnalysisRunning Status = "analysis_running"
	StatusCompleted       Status = "completed"
)

// Outcome of a finished call
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeSuccessful    Outcome = "successful"
	OutcomeFollowUp      Outcome = "follow_up"
	OutcomeAutoCompleted Outcome = "auto_completed"
	OutcomeNoAnswer      Outcome = "no_answer"
)

// ParseOutcome validates an outcome label; unknown labels return false
func ParseOutcome(s string) (Outcome, bool) {
	switch o := Outcome(s); o {
	case OutcomeNone, OutcomeSuccessful, OutcomeFollowUp, OutcomeAutoCompleted, OutcomeNoAnswer:
		return o, true
	}
	return OutcomeNone, false
}

// CallRecord is the persisted view of one call
type CallRecord struct {
	CallID      string                `json:"call_id"`
	Transcript  string                `json:"transcript"`
	Status      Status                `json:"status"`
	Outcome     Outcome               `json:"outcome,omitempty"`
	Suggestions []suggest.Suggestion  `json:"suggestions,omitempty"`
	Mood        *suggest.MoodAnalysis `json:"mood,omitempty"`
	Analysis    json.RawMessage       `json:"analysis,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the record
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Suggestions = append([]suggest.Suggestion(nil), r.Suggestions...)
	if r.Mood != nil {
		m := *r.Mood
		m.Emotions = append([]string(nil), r.Mood.Emotions...)
		c.Mood = &m
	}
	if r.Analysis != nil {
		c.Analysis = append(json.RawMessage(nil), r.Analysis...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AnalysisUpdate is the final write of the end-of-call analysis
type AnalysisUpdate struct {
	Analysis    json.RawMessage
	Status      Status
	Outcome     Outcome
	CompletedAt time.Time
}

// Store persists call records
type Store interface {
	// FindByCallID returns the record or a NOT_FOUND error
	FindByCallID(ctx context.Context, callID string) (*CallRecord, error)
	// EnsureCall creates an in-progress record if none exists
	EnsureCall(ctx context.Context, callID string) (*CallRecord, error)
	// AppendTranscript appends one speaker-tagged line to the transcript
	AppendTranscript(ctx context.Context, callID, line string) error
	// UpdateAnalysis writes the end-of-call analysis fields
	UpdateAnalysis(ctx context.Context, callID string, update AnalysisUpdate) error
	// UpdateLive stores the latest suggestions and mood
	UpdateLive(ctx context.Context, callID string, suggestions []suggest.Suggestion, mood *suggest.MoodAnalysis) error
	// CompareAndSetStatus moves the record from one status to another and
	// reports whether it did. Exactly one caller wins a given transition.
	CompareAndSetStatus(ctx context.Context, callID string, from, to Status, outcome Outcome) (bool, error)
}
