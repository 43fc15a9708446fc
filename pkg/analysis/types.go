// Package analysis produces the end-of-call analysis: transcript metrics,
// model-written agent feedback and summary, and the enhanced extraction of
// mood, competitors, jargon and business details.
package analysis

import (
	"time"

	"callpilot/pkg/records"
	"callpilot/pkg/util"
)

// Segment is one speaker turn of a tagged transcript
type Segment struct {
	Index     int     `json:"index"`
	Speaker   string  `json:"speaker"`
	Content   string  `json:"content"`
	WordCount int     `json:"wordCount"`
	Sentiment float64 `json:"sentiment"`
	Topic     string  `json:"topic"`
}

// Transition marks a change between consecutive segments
type Transition struct {
	From        int    `json:"from"`
	To          int    `json:"to"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ConversationFlow is the annotated sequence of turns
type ConversationFlow struct {
	Segments    []Segment    `json:"segments"`
	Transitions []Transition `json:"transitions"`
}

// Metrics are the heuristic conversation measurements
type Metrics struct {
	TotalWords           int     `json:"totalWords"`
	CustomerWords        int     `json:"customerWords"`
	AgentWords           int     `json:"agentWords"`
	SpeakingTimeRatio    float64 `json:"speakingTimeRatio"`
	AverageResponseTime  float64 `json:"averageResponseTime"`
	InterruptionCount    int     `json:"interruptionCount"`
	QuestionCount        int     `json:"questionCount"`
	ObjectionCount       int     `json:"objectionCount"`
	AgreementCount       int     `json:"agreementCount"`
	SolutionMentioned    bool    `json:"solutionMentioned"`
	NextStepsAgreed      bool    `json:"nextStepsAgreed"`
	CustomerSatisfaction float64 `json:"customerSatisfaction"`
}

// Insights are rule-derived coaching notes
type Insights struct {
	Strengths       []string `json:"strengths"`
	Improvements    []string `json:"improvements"`
	Recommendations []string `json:"recommendations"`
	RiskFactors     []string `json:"riskFactors"`
}

// CallAnalysis is the first analysis stage
type CallAnalysis struct {
	Summary            string           `json:"summary"`
	KeyTopics          []string         `json:"keyTopics"`
	CustomerEngagement Score            `json:"customerEngagement"`
	AgentPerformance   Score            `json:"agentPerformance"`
	Topics             []string         `json:"topics"`
	ConversationFlow   ConversationFlow `json:"conversationFlow"`
	Metrics            Metrics          `json:"metrics"`
	Insights           Insights         `json:"insights"`
	ModelEnriched      bool             `json:"modelEnriched"`
}

// Rating is a 1-10 score with commentary
type Rating struct {
	Rating      Score    `json:"rating"`
	Feedback    string   `json:"feedback"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AgentFeedback is the model's coaching for the agent
type AgentFeedback struct {
	PerformanceScore    Score    `json:"performanceScore"`
	Strengths           []string `json:"strengths"`
	Improvements        []string `json:"improvements"`
	ConversationQuality Rating   `json:"conversationQuality"`
	SalesTechniques     Rating   `json:"salesTechniques"`
	CustomerHandling    Rating   `json:"customerHandling"`
	NextSteps           []string `json:"nextSteps"`
	OverallFeedback     string   `json:"overallFeedback"`
}

// CallSummary is the model's narrative summary of the call
type CallSummary struct {
	OverallAssessment string   `json:"overallAssessment"`
	CustomerTone      string   `json:"customerTone"`
	ExpectationsMet   bool     `json:"expectationsMet"`
	ConversionAttempt string   `json:"conversionAttempt"`
	KeyOutcomes       []string `json:"keyOutcomes"`
	NextCallStrategy  string   `json:"nextCallStrategy"`
}

// MoodVerdict is the overall mood of the call
type MoodVerdict struct {
	Mood       string `json:"mood"`
	Confidence Score  `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// CompetitorMention is a competitor discussed during the call
type CompetitorMention struct {
	Name       string   `json:"name"`
	Highlights []string `json:"highlights"`
	Context    string   `json:"context"`
}

// CompetitorAnalysis lists competitor mentions
type CompetitorAnalysis struct {
	Competitors []CompetitorMention `json:"competitors"`
}

// JargonTerm is a term the agent may need to clarify
type JargonTerm struct {
	Term               string `json:"term"`
	Context            string `json:"context"`
	NeedsClarification bool   `json:"needsClarification"`
}

// JargonDetection lists detected jargon
type JargonDetection struct {
	Jargon []JargonTerm `json:"jargon"`
}

// BusinessDetails are facts about the customer's business
type BusinessDetails struct {
	CuisineTypes []string `json:"cuisineTypes"`
	Address      string   `json:"address"`
	Postcode     string   `json:"postcode"`
	BusinessType string   `json:"businessType"`
}

// KeyInformation is the short briefing for the agent
type KeyInformation struct {
	Summary         []string `json:"summary"`
	ImportantPoints []string `json:"importantPoints"`
	ActionItems     []string `json:"actionItems"`
}

// EnhancedAnalysis is the extraction stage that runs alongside the others
type EnhancedAnalysis struct {
	MoodAnalysis       MoodVerdict        `json:"moodAnalysis"`
	CompetitorAnalysis CompetitorAnalysis `json:"competitorAnalysis"`
	JargonDetection    JargonDetection    `json:"jargonDetection"`
	BusinessDetails    BusinessDetails    `json:"businessDetails"`
	KeyInformation     KeyInformation     `json:"keyInformation"`
	Source             string             `json:"source"`
}

// Result is the end-of-call analysis. A section is nil when its stage failed
// or did not run.
type Result struct {
	CallID           string            `json:"call_id"`
	Outcome          records.Outcome   `json:"outcome,omitempty"`
	CallAnalysis     *CallAnalysis     `json:"call_analysis,omitempty"`
	AgentFeedback    *AgentFeedback    `json:"agent_feedback,omitempty"`
	CallSummary      *CallSummary      `json:"call_summary,omitempty"`
	EnhancedAnalysis *EnhancedAnalysis `json:"enhanced_analysis,omitempty"`
	CompletedAt      time.Time         `json:"completed_at"`
	ProcessingTime   time.Duration     `json:"-"`

	// Webhook is the background delivery task, nil when nothing was sent
	Webhook *util.TaskHandle `json:"-"`
}
