// Package suggest turns live transcript text into short agent suggestions.
// It holds the suggestion schema, the resilient model-output parser, the
// rule-based fallbacks and the fast and enhanced generators.
package suggest

import "strings"

// Suggestion types
const (
	TypeCue                   = "cue"
	TypeDetailedMessage       = "detailed_message"
	TypeSolution              = "solution"
	TypeQuestion              = "question"
	TypeOffer                 = "offer"
	TypeFollowUp              = "follow_up"
	TypeProductRecommendation = "product_recommendation"
	TypeEmpathyResponse       = "empathy_response"
)

// Delivery modes
const (
	DeliverSay               = "say"
	DeliverShow              = "show"
	DeliverEmail             = "email"
	DeliverImmediateResponse = "immediate_response"
)

var validTypes = map[string]bool{
	TypeCue: true, TypeDetailedMessage: true, TypeSolution: true, TypeQuestion: true,
	TypeOffer: true, TypeFollowUp: true, TypeProductRecommendation: true, TypeEmpathyResponse: true,
}

var validDeliveries = map[string]bool{
	DeliverSay: true, DeliverShow: true, DeliverEmail: true, DeliverImmediateResponse: true,
}

// Suggestion is one piece of advice shown to the agent
type Suggestion struct {
	Text           string  `json:"text"`
	Type           string  `json:"type"`
	Confidence     float64 `json:"confidence"`
	DeliverAs      string  `json:"deliver_as"`
	OfferID        string  `json:"offer_id"`
	Reasoning      string  `json:"reasoning,omitempty"`
	ToneAnalysis   string  `json:"tone_analysis,omitempty"`
	KnowledgeLevel string  `json:"knowledge_level,omitempty"`
}

// Normalize coerces the suggestion into the schema. It reports false when
// the suggestion has no text and must be dropped.
func (s *Suggestion) Normalize() bool {
	s.Text = strings.TrimSpace(s.Text)
	if s.Text == "" {
		return false
	}

	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if !validTypes[s.Type] {
		s.Type = TypeCue
	}
	s.DeliverAs = strings.ToLower(strings.TrimSpace(s.DeliverAs))
	if !validDeliveries[s.DeliverAs] {
		s.DeliverAs = DeliverShow
	}

	switch {
	case s.Confidence < 0:
		s.Confidence = 0
	case s.Confidence > 1:
		s.Confidence = 1
	}
	return true
}

// Valid reports whether the suggestion already satisfies the schema
func (s Suggestion) Valid() bool {
	return strings.TrimSpace(s.Text) != "" &&
		validTypes[s.Type] &&
		validDeliveries[s.DeliverAs] &&
		s.Confidence >= 0 && s.Confidence <= 1
}

// Moods
const (
	MoodPositive = "positive"
	MoodNeutral  = "neutral"
	MoodNegative = "negative"
)

// MoodAnalysis is the inferred emotional state of the customer
type MoodAnalysis struct {
	Mood       string   `json:"mood"`
	Sentiment  float64  `json:"sentiment"`
	Confidence float64  `json:"confidence"`
	Emotions   []string `json:"emotions"`
}

// NeutralMood is used when nothing could be inferred
func NeutralMood() MoodAnalysis {
	return MoodAnalysis{Mood: MoodNeutral, Confidence: 0.3, Emotions: []string{"neutral"}}
}
