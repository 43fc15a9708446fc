package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTranscript = `[Agent]: Hi, how can I help you today?
[Customer]: Yes, I am worried about the price, but the features look great.
[Agent]: Ok.
[Customer]: Sounds good, let's schedule a meeting next week. Thanks!`

func TestParseTranscript(t *testing.T) {
	segments := ParseTranscript("noise line\n[Customer]: hello there\n\n[Agent]:   \n[Agent]: Hi!  \n[Bot]: ignored")

	require.Len(t, segments, 2)
	assert.Equal(t, Segment{Index: 0, Speaker: "customer", Content: "hello there", WordCount: 2, Topic: "general"}, segments[0])
	assert.Equal(t, "agent", segments[1].Speaker)
	assert.Equal(t, "Hi!", segments[1].Content)
	assert.Equal(t, 1, segments[1].Index)
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics(ParseTranscript(sampleTranscript))

	assert.Equal(t, 21, m.CustomerWords)
	assert.Equal(t, 8, m.AgentWords)
	assert.Equal(t, 29, m.TotalWords)
	assert.InDelta(t, 8.0/21.0, m.SpeakingTimeRatio, 1e-9)
	assert.Equal(t, 5.0, m.AverageResponseTime)
	assert.Equal(t, 1, m.QuestionCount)
	assert.Equal(t, 1, m.InterruptionCount, "the turn after the short 'Ok.' counts")
	assert.Equal(t, 2, m.ObjectionCount)
	assert.Equal(t, 2, m.AgreementCount)
	assert.True(t, m.SolutionMentioned)
	assert.True(t, m.NextStepsAgreed)
	assert.InDelta(t, 0.3, m.CustomerSatisfaction, 1e-9)
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := ComputeMetrics(nil)
	assert.Equal(t, 0, m.TotalWords)
	assert.Equal(t, 0.0, m.SpeakingTimeRatio)
	assert.Equal(t, 0.0, m.AverageResponseTime)
	assert.Equal(t, 0.0, m.CustomerSatisfaction)
}

func TestKeywordsMatchWholeWords(t *testing.T) {
	m := ComputeMetrics(ParseTranscript("[Customer]: The button is butter yellow and the issue is not sure"))
	assert.Equal(t, 2, m.ObjectionCount, "only 'issue' and 'not sure' count")

	assert.Equal(t, "general", IdentifyTopic("we are budgeting for the connection"))
}

func TestIdentifyTopic(t *testing.T) {
	cases := map[string]string{
		"What does it cost?":                    "pricing",
		"Which feature handles delivery?":       "features",
		"I need some support":                   "support",
		"Will it work with my till?":            "integration",
		"Could you show me a demo?":             "demo",
		"Nice weather":                          "general",
		"The price of support":                  "pricing",
		"Is there an option to integrate that?": "features",
	}
	for text, want := range cases {
		assert.Equal(t, want, IdentifyTopic(text), text)
	}
}

func TestTopicsAndFlow(t *testing.T) {
	segments := ParseTranscript(sampleTranscript)
	assert.Equal(t, []string{"support", "pricing"}, Topics(segments))
	assert.Equal(t, []string{"general"}, Topics(ParseTranscript("[Agent]: hello")))

	flow := Flow(segments)
	require.Len(t, flow.Transitions, 3)
	assert.Equal(t, Transition{From: 0, To: 1, Type: "speaker_change", Description: "Switch from agent to customer"}, flow.Transitions[0])
	assert.InDelta(t, 0.2, segments[1].Sentiment, 1e-9)
}

func TestDeriveInsights(t *testing.T) {
	t.Run("balanced call", func(t *testing.T) {
		in := DeriveInsights(ComputeMetrics(ParseTranscript(sampleTranscript)))
		assert.Equal(t, []string{"Good balance of speaking time"}, in.Strengths)
		assert.Empty(t, in.Improvements)
		assert.Equal(t, []string{"Follow up with customer to address concerns"}, in.Recommendations)
		assert.Empty(t, in.RiskFactors)
	})

	t.Run("difficult call", func(t *testing.T) {
		in := DeriveInsights(Metrics{
			SpeakingTimeRatio:    1.5,
			ObjectionCount:       4,
			InterruptionCount:    3,
			QuestionCount:        4,
			CustomerSatisfaction: 0.1,
		})
		assert.Equal(t, []string{"Agent asked good questions to understand needs"}, in.Strengths)
		assert.Equal(t, []string{"Allow more customer speaking time", "Address objections more effectively"}, in.Improvements)
		assert.Len(t, in.Recommendations, 3)
		assert.Len(t, in.RiskFactors, 2)
	})

	t.Run("great call", func(t *testing.T) {
		in := DeriveInsights(Metrics{
			SpeakingTimeRatio:    0.5,
			SolutionMentioned:    true,
			NextStepsAgreed:      true,
			CustomerSatisfaction: 0.8,
		})
		assert.Equal(t, []string{"High customer satisfaction achieved", "Good balance of speaking time"}, in.Strengths)
		assert.Empty(t, in.Recommendations)
	})
}

func TestHeuristicAnalysis(t *testing.T) {
	ca := HeuristicAnalysis(ParseTranscript(sampleTranscript))
	assert.Equal(t, "Call covering support, pricing across 4 turns", ca.Summary)
	assert.Equal(t, []string{"support", "pricing"}, ca.KeyTopics)
	assert.Equal(t, Score(0.6), ca.CustomerEngagement)
	assert.False(t, ca.ModelEnriched)
	assert.Len(t, ca.ConversationFlow.Segments, 4)
}
