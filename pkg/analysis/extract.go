package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"callpilot/pkg/suggest"
)

const (
	sourceModel     = "model"
	sourceHeuristic = "heuristic"

	maxKeyPoints = 5
)

// jargonTerms maps known terms to whether a customer usually needs them explained
var jargonTerms = []struct {
	term     string
	clarify  bool
	keywords []string
}{
	{"API", true, []string{"api"}},
	{"EPOS", true, []string{"epos"}},
	{"POS", true, []string{"pos"}},
	{"CRM", true, []string{"crm"}},
	{"SLA", true, []string{"sla"}},
	{"ROI", true, []string{"roi"}},
	{"KPI", true, []string{"kpi", "kpis"}},
	{"SaaS", true, []string{"saas"}},
	{"white label", true, []string{"white label", "white labelled"}},
	{"commission", false, []string{"commission"}},
	{"onboarding", false, []string{"onboarding"}},
	{"integration", false, []string{"integration"}},
}

var cuisineTypes = []string{
	"italian", "chinese", "indian", "thai", "mexican", "japanese", "turkish",
	"greek", "lebanese", "pizza", "kebab", "burger", "sushi", "curry",
}

var businessTypes = []string{"restaurant", "takeaway", "cafe", "bar", "pub", "bakery", "food truck"}

var (
	postcodeRe = regexp.MustCompile(`\b([A-Z]{1,2}[0-9][A-Z0-9]? ?[0-9][A-Z]{2})\b`)
	addressRe  = regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[A-Za-z]+\s){0,3}(?:street|st|road|rd|avenue|ave|lane|ln|drive|dr|way|close|place)\b`)
)

// HeuristicEnhanced extracts the enhanced analysis with keyword rules
func HeuristicEnhanced(transcript string) *EnhancedAnalysis {
	segments := ParseTranscript(transcript)
	lines := transcriptLines(transcript)

	var customerText []string
	for _, s := range segments {
		if s.Speaker == speakerCustomer {
			customerText = append(customerText, s.Content)
		}
	}
	moodSource := strings.Join(customerText, " ")
	if moodSource == "" {
		moodSource = transcript
	}
	mood := suggest.AnalyzeMood(moodSource)

	return &EnhancedAnalysis{
		MoodAnalysis: MoodVerdict{
			Mood:       mood.Mood,
			Confidence: Score(mood.Confidence),
			Reasoning: fmt.Sprintf("Keyword analysis of customer speech gave sentiment %.2f with %s",
				mood.Sentiment, strings.Join(mood.Emotions, ", ")),
		},
		CompetitorAnalysis: CompetitorAnalysis{Competitors: competitorMentions(transcript, lines)},
		JargonDetection:    JargonDetection{Jargon: detectJargon(lines)},
		BusinessDetails:    businessDetails(transcript),
		KeyInformation:     keyInformation(segments),
		Source:             sourceHeuristic,
	}
}

func transcriptLines(transcript string) []string {
	var out []string
	for _, l := range strings.Split(transcript, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// lineWith returns the first line containing the phrase as whole words
func lineWith(lines []string, phrase string) string {
	want := strings.Fields(strings.ToLower(phrase))
	for _, l := range lines {
		if hasPhrase(words(l), []string{strings.Join(want, " ")}) {
			return l
		}
	}
	return ""
}

func competitorMentions(transcript string, lines []string) []CompetitorMention {
	out := []CompetitorMention{}
	for _, name := range suggest.DetectCompetitors(transcript) {
		out = append(out, CompetitorMention{
			Name:       name,
			Highlights: []string{},
			Context:    lineWith(lines, name),
		})
	}
	return out
}

func detectJargon(lines []string) []JargonTerm {
	out := []JargonTerm{}
	for _, j := range jargonTerms {
		for _, kw := range j.keywords {
			if ctx := lineWith(lines, kw); ctx != "" {
				out = append(out, JargonTerm{Term: j.term, Context: ctx, NeedsClarification: j.clarify})
				break
			}
		}
	}
	return out
}

func businessDetails(transcript string) BusinessDetails {
	tokens := words(transcript)
	details := BusinessDetails{CuisineTypes: []string{}}
	for _, c := range cuisineTypes {
		if hasPhrase(tokens, []string{c}) {
			details.CuisineTypes = append(details.CuisineTypes, capitalize(c))
		}
	}
	for _, b := range businessTypes {
		if hasPhrase(tokens, []string{b}) {
			details.BusinessType = capitalize(b)
			break
		}
	}
	if m := postcodeRe.FindString(transcript); m != "" {
		details.Postcode = m
	}
	if m := addressRe.FindString(transcript); m != "" {
		details.Address = strings.TrimSpace(m)
	}
	return details
}

func keyInformation(segments []Segment) KeyInformation {
	info := KeyInformation{
		Summary:         []string{},
		ImportantPoints: []string{},
		ActionItems:     []string{},
	}
	if len(segments) == 0 {
		return info
	}

	m := ComputeMetrics(segments)
	info.Summary = append(info.Summary,
		fmt.Sprintf("Topics discussed: %s", strings.Join(Topics(segments), ", ")),
		fmt.Sprintf("Customer spoke %d words, agent %d", m.CustomerWords, m.AgentWords),
	)

	for _, s := range segments {
		if s.Speaker == speakerCustomer && strings.Contains(s.Content, "?") && len(info.ImportantPoints) < maxKeyPoints {
			info.ImportantPoints = append(info.ImportantPoints, s.Content)
		}
		if hasPhrase(words(s.Content), nextStepWords) && len(info.ActionItems) < maxKeyPoints {
			info.ActionItems = append(info.ActionItems, s.Content)
		}
	}
	return info
}

func capitalize(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
