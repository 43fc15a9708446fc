package suggest

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var positiveKeywords = []string{
	"great", "excellent", "good", "perfect", "love", "amazing", "wonderful",
	"fantastic", "yes", "interested", "excited",
}

var negativeKeywords = []string{
	"bad", "terrible", "awful", "hate", "disappointed", "frustrated", "angry",
	"upset", "no", "not interested", "problem",
}

type emotionBucket struct {
	name     string
	keywords []string
}

var emotionBuckets = []emotionBucket{
	{"happy", []string{"happy", "glad", "great", "love", "excited", "wonderful"}},
	{"satisfied", []string{"satisfied", "good", "fine", "works", "pleased"}},
	{"confident", []string{"sure", "definitely", "certain", "confident", "absolutely"}},
	{"frustrated", []string{"frustrated", "annoying", "annoyed", "ridiculous", "fed up"}},
	{"confused", []string{"confused", "unclear", "don't understand", "not sure what", "lost"}},
	{"worried", []string{"worried", "concern", "concerned", "risk", "afraid", "nervous"}},
	{"disappointed", []string{"disappointed", "let down", "expected more", "unhappy"}},
	{"neutral", []string{"okay", "ok", "alright"}},
	{"curious", []string{"how", "what", "why", "wondering", "curious", "tell me"}},
}

// Competitors recognised in customer speech
var Competitors = []string{
	"Just Eat", "Uber Eats", "Deliveroo", "DoorDash", "Grubhub",
	"Toast", "Square", "Clover", "Lightspeed", "Revel",
}

var speakerTagRe = regexp.MustCompile(`\[(Customer|Agent)\]:`)

// normalizeWords lower-cases text and replaces everything but letters,
// digits and apostrophes with single spaces, padded on both ends.
func normalizeWords(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// countKeywords counts keywords present as whole words or phrases
func countKeywords(normalized string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(normalized, " "+kw+" ") {
			n++
		}
	}
	return n
}

// AnalyzeMood infers the customer's mood from keyword counts
func AnalyzeMood(text string) MoodAnalysis {
	normalized := normalizeWords(text)
	pos := countKeywords(normalized, positiveKeywords)
	neg := countKeywords(normalized, negativeKeywords)

	mood := MoodAnalysis{Mood: MoodNeutral}
	switch {
	case pos > neg:
		mood.Mood = MoodPositive
		mood.Sentiment = minFloat(0.8, 0.3+0.1*float64(pos))
	case neg > pos:
		mood.Mood = MoodNegative
		mood.Sentiment = -minFloat(0.8, 0.3+0.1*float64(neg))
	}
	mood.Confidence = minFloat(1, 0.3+0.1*float64(pos+neg))
	mood.Emotions = rankEmotions(normalized)
	return mood
}

func rankEmotions(normalized string) []string {
	type scored struct {
		name  string
		count int
		order int
	}
	var hits []scored
	for i, bucket := range emotionBuckets {
		if c := countKeywords(normalized, bucket.keywords); c > 0 {
			hits = append(hits, scored{bucket.name, c, i})
		}
	}
	if len(hits) == 0 {
		return []string{"neutral"}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].order < hits[j].order
	})
	if len(hits) > 3 {
		hits = hits[:3]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

// DetectCompetitors returns the competitors mentioned in text, ordered by
// first mention
func DetectCompetitors(text string) []string {
	normalized := normalizeWords(text)
	type mention struct {
		name string
		at   int
	}
	var found []mention
	for _, c := range Competitors {
		if at := strings.Index(normalized, " "+strings.ToLower(c)+" "); at >= 0 {
			found = append(found, mention{c, at})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].at < found[j].at })

	out := make([]string, len(found))
	for i, m := range found {
		out[i] = m.name
	}
	return out
}

// CustomerHistory returns the last n customer segments of a speaker-tagged
// transcript. Untagged text is treated as a single customer segment.
func CustomerHistory(transcript string, n int) []string {
	locs := speakerTagRe.FindAllStringSubmatchIndex(transcript, -1)
	if len(locs) == 0 {
		if t := strings.TrimSpace(transcript); t != "" {
			return []string{t}
		}
		return nil
	}

	var segments []string
	for i, loc := range locs {
		end := len(transcript)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if transcript[loc[2]:loc[3]] != "Customer" {
			continue
		}
		if seg := strings.TrimSpace(transcript[loc[1]:end]); seg != "" {
			segments = append(segments, seg)
		}
	}
	if n > 0 && len(segments) > n {
		segments = segments[len(segments)-n:]
	}
	return segments
}

// lastChars returns at most the last n bytes of s without splitting a word
// at the start of the window
func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	window := s[len(s)-n:]
	if i := strings.IndexByte(window, ' '); i >= 0 && i < len(window)-1 {
		window = window[i+1:]
	}
	return window
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
