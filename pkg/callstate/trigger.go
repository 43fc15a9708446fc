package callstate

import (
	"context"
	"strings"
	"time"
)

// Trigger reasons reported in decisions and metrics
const (
	ReasonAgentSpeech    = "agent_speech"
	ReasonCooldown       = "cooldown"
	ReasonTooShort       = "too_short"
	ReasonCapReached     = "cap_reached"
	ReasonChunkThreshold = "chunk_threshold"
	ReasonQuestion       = "question"
	ReasonSentiment      = "sentiment"
	ReasonUrgency        = "urgency"
	ReasonNoSignal       = "no_signal"
)

// Config holds the trigger thresholds
type Config struct {
	// MinLength is the minimum transcript length before anything triggers
	MinLength int `json:"min_length" env:"TRIGGER_MIN_LENGTH" default:"50"`

	// ChunkThreshold is the amount of new text that triggers on its own
	ChunkThreshold int `json:"chunk_threshold" env:"TRIGGER_CHUNK_THRESHOLD" default:"100"`

	// Cooldown is the minimum time between two triggers for one call
	Cooldown time.Duration `json:"cooldown" env:"TRIGGER_COOLDOWN" default:"2s"`

	// MaxPerCall caps the number of triggers over a call's lifetime
	MaxPerCall int `json:"max_per_call" env:"TRIGGER_MAX_PER_CALL" default:"20"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() *Config {
	return &Config{
		MinLength:      50,
		ChunkThreshold: 100,
		Cooldown:       2 * time.Second,
		MaxPerCall:     20,
	}
}

var questionIndicators = []string{"?", "how", "what", "when", "where", "why", "can you", "do you", "is it"}

var sentimentLexicon = []string{
	// positive
	"interested", "great", "love", "perfect", "excellent", "sounds good",
	// negative
	"expensive", "problem", "frustrated", "disappointed", "not happy", "cancel", "concern", "worried",
}

var urgencyLexicon = []string{"urgent", "asap", "immediately", "right now", "today", "deadline"}

// Decision is the outcome of evaluating one fragment
type Decision struct {
	Trigger bool   `json:"trigger"`
	Reason  string `json:"reason"`
}

// Engine decides whether a fragment should start a suggestion cycle
type Engine struct {
	cfg Config
}

// NewEngine creates a trigger engine
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: *cfg}
}

// Config returns the engine thresholds
func (e *Engine) Config() Config {
	return e.cfg
}

// ShouldTrigger evaluates the rules in order; the first match wins. It does
// not modify state.
func (e *Engine) ShouldTrigger(state *State, newTranscript string, speaker Speaker, now time.Time) Decision {
	if speaker != SpeakerCustomer {
		return Decision{Reason: ReasonAgentSpeech}
	}
	if now.Before(state.CooldownUntil) {
		return Decision{Reason: ReasonCooldown}
	}
	if len(newTranscript) < e.cfg.MinLength {
		return Decision{Reason: ReasonTooShort}
	}
	// The cap is checked ahead of the positive rules so it bounds all of them.
	if state.ProcessingCount >= e.cfg.MaxPerCall {
		return Decision{Reason: ReasonCapReached}
	}

	delta := Delta(state.LastMeaningfulChunk, newTranscript)
	if len(delta) >= e.cfg.ChunkThreshold {
		return Decision{Trigger: true, Reason: ReasonChunkThreshold}
	}

	lower := strings.ToLower(delta)
	if containsAny(lower, questionIndicators) {
		return Decision{Trigger: true, Reason: ReasonQuestion}
	}
	if containsAny(lower, sentimentLexicon) {
		return Decision{Trigger: true, Reason: ReasonSentiment}
	}
	if containsAny(lower, urgencyLexicon) {
		return Decision{Trigger: true, Reason: ReasonUrgency}
	}

	return Decision{Reason: ReasonNoSignal}
}

// MarkTriggered records a trigger on state
func (e *Engine) MarkTriggered(state *State, newTranscript string, now time.Time) {
	state.LastProcessedAt = now
	state.ProcessingCount++
	state.LastMeaningfulChunk = newTranscript
	state.CooldownUntil = now.Add(e.cfg.Cooldown)
}

// Evaluate records the fragment on the call's state, decides, and applies the
// trigger updates in a single store update.
func (e *Engine) Evaluate(ctx context.Context, store Store, callID, newTranscript string, speaker Speaker, now time.Time) (Decision, *State, error) {
	var decision Decision
	state, err := store.Update(ctx, callID, func(s *State) {
		if len(newTranscript) >= len(s.TranscriptBuffer) {
			s.TranscriptBuffer = newTranscript
		}
		s.LastSpeaker = speaker

		decision = e.ShouldTrigger(s, newTranscript, speaker, now)
		if decision.Trigger {
			e.MarkTriggered(s, newTranscript, now)
		}
	})
	if err != nil {
		return Decision{}, nil, err
	}
	return decision, state, nil
}

// Delta returns the part of transcript not yet acted upon. When the last
// chunk is not a prefix of transcript the whole transcript is new.
func Delta(lastChunk, transcript string) string {
	if strings.HasPrefix(transcript, lastChunk) {
		return transcript[len(lastChunk):]
	}
	return transcript
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
