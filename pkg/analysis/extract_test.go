package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicEnhanced(t *testing.T) {
	transcript := `[Customer]: We run an Italian restaurant at 12 High Street, postcode SW1A 1AA.
[Customer]: We use Just Eat right now and our EPOS is old. Can you integrate?
[Agent]: Yes, I will follow up with the integration details tomorrow.`

	ea := HeuristicEnhanced(transcript)

	assert.Equal(t, sourceHeuristic, ea.Source)
	require.Len(t, ea.CompetitorAnalysis.Competitors, 1)
	assert.Equal(t, "Just Eat", ea.CompetitorAnalysis.Competitors[0].Name)
	assert.Contains(t, ea.CompetitorAnalysis.Competitors[0].Context, "Just Eat")

	var terms []string
	for _, j := range ea.JargonDetection.Jargon {
		terms = append(terms, j.Term)
	}
	assert.Equal(t, []string{"EPOS", "integration"}, terms)
	assert.True(t, ea.JargonDetection.Jargon[0].NeedsClarification)

	assert.Equal(t, []string{"Italian"}, ea.BusinessDetails.CuisineTypes)
	assert.Equal(t, "Restaurant", ea.BusinessDetails.BusinessType)
	assert.Equal(t, "SW1A 1AA", ea.BusinessDetails.Postcode)
	assert.Equal(t, "12 High Street", ea.BusinessDetails.Address)

	assert.Len(t, ea.KeyInformation.ImportantPoints, 1)
	assert.Len(t, ea.KeyInformation.ActionItems, 1)
	assert.NotEmpty(t, ea.KeyInformation.Summary)
}

func TestHeuristicEnhancedEmpty(t *testing.T) {
	ea := HeuristicEnhanced("just some untagged words that go on and on for a while here")

	assert.Equal(t, "neutral", ea.MoodAnalysis.Mood)
	assert.NotNil(t, ea.CompetitorAnalysis.Competitors)
	assert.NotNil(t, ea.JargonDetection.Jargon)
	assert.NotNil(t, ea.BusinessDetails.CuisineTypes)
	assert.Empty(t, ea.KeyInformation.Summary)
}

func TestDecodeModelObject(t *testing.T) {
	var fb AgentFeedback
	raw := "```json\n{performance_score: '8', 'overall_feedback': 'Solid call', conversation_quality: {rating: 7, feedback: 'clear'},}\n```"
	require.NoError(t, decodeModelObject(raw, &fb))

	assert.Equal(t, Score(8), fb.PerformanceScore)
	assert.Equal(t, "Solid call", fb.OverallFeedback)
	assert.Equal(t, Score(7), fb.ConversationQuality.Rating)

	assert.Error(t, decodeModelObject("no json here", &fb))
}

func TestScoreUnmarshal(t *testing.T) {
	var s struct {
		A Score `json:"a"`
		B Score `json:"b"`
		C Score `json:"c"`
	}
	raw := `{"a": 0.5, "b": "7", "c": "85%"}`
	require.NoError(t, decodeModelObject(raw, &s))
	assert.Equal(t, Score(0.5), s.A)
	assert.Equal(t, Score(7), s.B)
	assert.Equal(t, Score(85), s.C)
	assert.Equal(t, Score(1), s.C.Clamp(0, 1))
}

func TestSnakeToCamel(t *testing.T) {
	assert.Equal(t, "keyTopics", snakeToCamel("key_topics"))
	assert.Equal(t, "keyTopics", snakeToCamel("keyTopics"))
	assert.Equal(t, "needsClarification", snakeToCamel("needs_clarification"))
	assert.Equal(t, "private", snakeToCamel("_private"))
}
