package suggest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeMood(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		mood       string
		sentiment  float64
		confidence float64
		emotions   []string
	}{
		{"positive", "This is great, I love it and I'm very interested", MoodPositive, 0.6, 0.6, []string{"happy"}},
		{"negative", "This is a terrible problem and I'm frustrated", MoodNegative, -0.6, 0.6, []string{"frustrated"}},
		{"neutral", "We have three locations downtown", MoodNeutral, 0, 0.3, []string{"neutral"}},
		{
			"sentiment capped",
			"great excellent good perfect love amazing wonderful fantastic yes",
			MoodPositive, 0.8, 1, []string{"happy", "satisfied"},
		},
		{"word boundaries", "I know the menu is now online", MoodNeutral, 0, 0.3, []string{"neutral"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := AnalyzeMood(tt.text)
			assert.Equal(t, tt.mood, m.Mood)
			assert.InDelta(t, tt.sentiment, m.Sentiment, 1e-9)
			assert.InDelta(t, tt.confidence, m.Confidence, 1e-9)
			assert.Equal(t, tt.emotions, m.Emotions)
		})
	}
}

func TestAnalyzeMood_AtMostThreeEmotions(t *testing.T) {
	m := AnalyzeMood("I'm happy but worried and confused, also frustrated, how does this work?")
	assert.Len(t, m.Emotions, 3)
	assert.Equal(t, "happy", m.Emotions[0])
}

func TestDetectCompetitors(t *testing.T) {
	got := DetectCompetitors("We use Toast for POS and uber eats for delivery, also looked at DoorDash")
	assert.Equal(t, []string{"Toast", "Uber Eats", "DoorDash"}, got)
	assert.Empty(t, DetectCompetitors("We deliver ourselves"))
}

func TestCustomerHistory(t *testing.T) {
	transcript := "[Customer]: Hi there\n[Agent]: Hello! How can I help?\n[Customer]: What does it cost?\n[Customer]: Also, any fees?"
	assert.Equal(t, []string{"What does it cost?", "Also, any fees?"}, CustomerHistory(transcript, 2))
	assert.Equal(t, []string{"Hi there", "What does it cost?", "Also, any fees?"}, CustomerHistory(transcript, 5))
	assert.Equal(t, []string{"plain text"}, CustomerHistory("  plain text ", 5))
	assert.Nil(t, CustomerHistory("", 5))
}

func TestLastChars(t *testing.T) {
	assert.Equal(t, "short", lastChars("short", 10))
	assert.Equal(t, "ijk", lastChars("abc defgh ijk", 5))
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		mood  MoodAnalysis
		offer string
		typ   string
	}{
		{"pricing", "What's your monthly cost and are there setup fees?", NeutralMood(), OfferFallbackPricing, TypeSolution},
		{"competitor", "We're on Deliveroo at the moment", NeutralMood(), OfferFallbackNeeds, TypeQuestion},
		{"existing tool", "We currently have a system in place", NeutralMood(), OfferFallbackNeeds, TypeQuestion},
		{"negative", "This has been awful for us", MoodAnalysis{Mood: MoodNegative}, OfferFallbackEmpathy, TypeEmpathyResponse},
		{"general", "Tell me more about the company", NeutralMood(), OfferFallbackGeneral, TypeCue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Fallback(tt.text, tt.mood)
			assert.NotEmpty(t, out)
			assert.Equal(t, tt.offer, out[0].OfferID)
			assert.Equal(t, tt.typ, out[0].Type)
			for _, s := range out {
				assert.True(t, s.Valid())
				assert.True(t, strings.HasPrefix(s.OfferID, "fallback-"))
				assert.True(t, IsFallback(s))
			}
		})
	}
}

func TestSuggestionNormalize(t *testing.T) {
	s := Suggestion{Text: "  hi ", Type: "SOLUTION", DeliverAs: "Say", Confidence: -1}
	assert.True(t, s.Normalize())
	assert.Equal(t, Suggestion{Text: "hi", Type: TypeSolution, DeliverAs: DeliverSay, Confidence: 0}, s)

	empty := Suggestion{Text: " "}
	assert.False(t, empty.Normalize())
}
