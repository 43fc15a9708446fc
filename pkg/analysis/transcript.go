package analysis

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var lineRe = regexp.MustCompile(`^\[(Customer|Agent)\]:\s*(.*)$`)

const (
	speakerCustomer = "customer"
	speakerAgent    = "agent"

	// responseSeconds is the assumed delay of each speaker change
	responseSeconds = 5.0
	// interruptionChars is the length below which a turn counts as cut off
	interruptionChars = 10
)

var (
	objectionWords = []string{"but", "however", "problem", "issue", "concern", "worried", "not sure"}
	agreementWords = []string{"yes", "agree", "exactly", "right", "sounds good", "perfect"}
	solutionWords  = []string{"solution", "recommend", "suggest", "offer", "help", "assist"}
	nextStepWords  = []string{"next step", "follow up", "call back", "schedule", "meeting"}

	satisfactionPositive = []string{"good", "great", "excellent", "perfect", "thanks", "appreciate"}
	satisfactionNegative = []string{"bad", "terrible", "awful", "hate", "disappointed"}

	sentimentPositive = []string{"good", "great", "excellent", "happy", "satisfied"}
	sentimentNegative = []string{"bad", "terrible", "angry", "frustrated", "disappointed"}
)

type topicRule struct {
	name     string
	keywords []string
}

var topicRules = []topicRule{
	{"pricing", []string{"price", "cost", "expensive", "cheap", "budget"}},
	{"features", []string{"feature", "function", "capability", "option"}},
	{"support", []string{"help", "support", "assistance", "problem"}},
	{"integration", []string{"integrate", "connect", "compatible", "work with"}},
	{"demo", []string{"demo", "show", "demonstrate", "trial"}},
}

const topicGeneral = "general"

// ParseTranscript splits a speaker-tagged transcript into segments. Lines
// without a tag and empty turns are skipped.
func ParseTranscript(transcript string) []Segment {
	var segments []Segment
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}
		segments = append(segments, Segment{
			Index:     len(segments),
			Speaker:   strings.ToLower(m[1]),
			Content:   content,
			WordCount: len(strings.Fields(content)),
			Sentiment: segmentSentiment(content),
			Topic:     IdentifyTopic(content),
		})
	}
	return segments
}

// words lower-cases text and splits it on anything but letters, digits and
// apostrophes
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// countPhrases counts whole-word occurrences of each phrase
func countPhrases(tokens []string, phrases []string) int {
	total := 0
	for _, p := range phrases {
		pt := strings.Fields(p)
		for i := 0; i+len(pt) <= len(tokens); i++ {
			match := true
			for j := range pt {
				if tokens[i+j] != pt[j] {
					match = false
					break
				}
			}
			if match {
				total++
			}
		}
	}
	return total
}

func hasPhrase(tokens []string, phrases []string) bool {
	return countPhrases(tokens, phrases) > 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func segmentSentiment(text string) float64 {
	tokens := words(text)
	return clamp(float64(countPhrases(tokens, sentimentPositive)-countPhrases(tokens, sentimentNegative))/5, -1, 1)
}

// IdentifyTopic returns the first topic whose keywords appear in text, or
// "general"
func IdentifyTopic(text string) string {
	tokens := words(text)
	for _, rule := range topicRules {
		if hasPhrase(tokens, rule.keywords) {
			return rule.name
		}
	}
	return topicGeneral
}

// ComputeMetrics measures the conversation
func ComputeMetrics(segments []Segment) Metrics {
	var m Metrics
	var all, customer []string
	changes := 0

	for i, s := range segments {
		tokens := words(s.Content)
		all = append(all, tokens...)
		if s.Speaker == speakerCustomer {
			m.CustomerWords += s.WordCount
			customer = append(customer, tokens...)
		} else {
			m.AgentWords += s.WordCount
		}
		m.QuestionCount += strings.Count(s.Content, "?")

		if i > 0 && segments[i-1].Speaker != s.Speaker {
			changes++
			if len(segments[i-1].Content) < interruptionChars {
				m.InterruptionCount++
			}
		}
	}

	m.TotalWords = m.CustomerWords + m.AgentWords
	m.SpeakingTimeRatio = float64(m.AgentWords) / float64(maxInt(m.CustomerWords, 1))
	if changes > 0 {
		m.AverageResponseTime = responseSeconds
	}
	m.ObjectionCount = countPhrases(all, objectionWords)
	m.AgreementCount = countPhrases(all, agreementWords)
	m.SolutionMentioned = hasPhrase(all, solutionWords)
	m.NextStepsAgreed = hasPhrase(all, nextStepWords)

	base := clamp(float64(m.AgreementCount-m.ObjectionCount)/10, 0, 1)
	sentiment := clamp(float64(countPhrases(customer, satisfactionPositive)-countPhrases(customer, satisfactionNegative))/5, 0, 1)
	m.CustomerSatisfaction = (base + sentiment) / 2
	return m
}

// Flow annotates speaker changes between segments
func Flow(segments []Segment) ConversationFlow {
	flow := ConversationFlow{Segments: segments, Transitions: []Transition{}}
	for i := 1; i < len(segments); i++ {
		prev, cur := segments[i-1], segments[i]
		if prev.Speaker != cur.Speaker {
			flow.Transitions = append(flow.Transitions, Transition{
				From:        prev.Index,
				To:          cur.Index,
				Type:        "speaker_change",
				Description: fmt.Sprintf("Switch from %s to %s", prev.Speaker, cur.Speaker),
			})
		}
	}
	return flow
}

// Topics returns the distinct segment topics in order of first appearance.
// "general" is only reported when nothing more specific was found.
func Topics(segments []Segment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range segments {
		if s.Topic == topicGeneral || seen[s.Topic] {
			continue
		}
		seen[s.Topic] = true
		out = append(out, s.Topic)
	}
	if len(out) == 0 {
		out = []string{topicGeneral}
	}
	return out
}

// DeriveInsights applies the coaching rules to the metrics
func DeriveInsights(m Metrics) Insights {
	in := Insights{
		Strengths:       []string{},
		Improvements:    []string{},
		Recommendations: []string{},
		RiskFactors:     []string{},
	}

	if m.CustomerSatisfaction > 0.7 {
		in.Strengths = append(in.Strengths, "High customer satisfaction achieved")
	}
	if m.SpeakingTimeRatio > 0.3 && m.SpeakingTimeRatio < 0.7 {
		in.Strengths = append(in.Strengths, "Good balance of speaking time")
	}
	if m.QuestionCount > 3 {
		in.Strengths = append(in.Strengths, "Agent asked good questions to understand needs")
	}

	if m.AverageResponseTime > 10 {
		in.Improvements = append(in.Improvements, "Reduce response time to improve customer experience")
	}
	if m.SpeakingTimeRatio > 0.8 {
		in.Improvements = append(in.Improvements, "Allow more customer speaking time")
	}
	if m.ObjectionCount > 2 {
		in.Improvements = append(in.Improvements, "Address objections more effectively")
	}

	if m.CustomerSatisfaction < 0.5 {
		in.Recommendations = append(in.Recommendations, "Follow up with customer to address concerns")
	}
	if !m.SolutionMentioned {
		in.Recommendations = append(in.Recommendations, "Ensure solutions are clearly presented")
	}
	if !m.NextStepsAgreed {
		in.Recommendations = append(in.Recommendations, "Establish clear next steps with customer")
	}

	if m.ObjectionCount > 3 {
		in.RiskFactors = append(in.RiskFactors, "High number of objections may indicate dissatisfaction")
	}
	if m.InterruptionCount > 2 {
		in.RiskFactors = append(in.RiskFactors, "Frequent interruptions may impact customer experience")
	}
	return in
}

// HeuristicAnalysis builds the call analysis without a model. Summary and
// engagement scores use neutral defaults until a model enriches them.
func HeuristicAnalysis(segments []Segment) *CallAnalysis {
	metrics := ComputeMetrics(segments)
	topics := Topics(segments)
	return &CallAnalysis{
		Summary:            fmt.Sprintf("Call covering %s across %d turns", strings.Join(topics, ", "), len(segments)),
		KeyTopics:          append([]string(nil), topics...),
		CustomerEngagement: 0.6,
		AgentPerformance:   0.7,
		Topics:             topics,
		ConversationFlow:   Flow(segments),
		Metrics:            metrics,
		Insights:           DeriveInsights(metrics),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
