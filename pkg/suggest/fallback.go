package suggest

import "strings"

// Offer ids of the rule-based fallbacks. All start with "fallback-".
const (
	OfferFallbackPricing    = "fallback-pricing-solution"
	OfferFallbackNeeds      = "fallback-needs-assessment"
	OfferFallbackEmpathy    = "fallback-empathy"
	OfferFallbackGeneral    = "fallback-general-inquiry"
	fallbackOfferPrefix     = "fallback-"
	fallbackReasoningPrefix = "Rule-based fallback: "
)

// IsFallback reports whether s came from the rule-based fallback
func IsFallback(s Suggestion) bool {
	return strings.HasPrefix(s.OfferID, fallbackOfferPrefix)
}

// Fallback returns deterministic suggestions for a transcript window. It
// always returns at least one valid suggestion.
func Fallback(transcript string, mood MoodAnalysis) []Suggestion {
	normalized := normalizeWords(transcript)
	lower := strings.ToLower(transcript)

	switch {
	case containsWord(normalized, "price", "pricing", "cost", "costs", "fee", "fees") ||
		strings.Contains(lower, "how much"):
		return []Suggestion{{
			Text:       "Walk the customer through the pricing tiers and highlight any setup fees that can be waived.",
			Type:       TypeSolution,
			Confidence: 0.6,
			DeliverAs:  DeliverSay,
			OfferID:    OfferFallbackPricing,
			Reasoning:  fallbackReasoningPrefix + "customer asked about cost",
		}}

	case len(DetectCompetitors(transcript)) > 0 ||
		strings.Contains(lower, "using") || strings.Contains(lower, "currently have"):
		return []Suggestion{{
			Text:       "Ask what works well with their current provider and what they would change.",
			Type:       TypeQuestion,
			Confidence: 0.55,
			DeliverAs:  DeliverSay,
			OfferID:    OfferFallbackNeeds,
			Reasoning:  fallbackReasoningPrefix + "customer has an existing solution",
		}}

	case mood.Mood == MoodNegative:
		return []Suggestion{{
			Text:       "Acknowledge the concern and ask what would make this work for them.",
			Type:       TypeEmpathyResponse,
			Confidence: 0.55,
			DeliverAs:  DeliverSay,
			OfferID:    OfferFallbackEmpathy,
			Reasoning:  fallbackReasoningPrefix + "negative customer mood",
		}}
	}

	return []Suggestion{{
		Text:       "Ask an open question about the customer's goals for the next few months.",
		Type:       TypeCue,
		Confidence: 0.5,
		DeliverAs:  DeliverShow,
		OfferID:    OfferFallbackGeneral,
		Reasoning:  fallbackReasoningPrefix + "no specific signal",
	}}
}

func containsWord(normalized string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(normalized, " "+w+" ") {
			return true
		}
	}
	return false
}
