package suggest

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"callpilot/pkg/errors"
)

// Strategy names the parse step that produced a result
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyRepaired  Strategy = "repaired"
	StrategyTruncated Strategy = "truncated"
	StrategyFragments Strategy = "fragments"
	StrategyTextOnly  Strategy = "text_only"
	StrategyNone      Strategy = "none"
)

// ParseResult is either a set of valid suggestions or a failure with a reason
type ParseResult struct {
	OK          bool
	Suggestions []Suggestion
	Strategy    Strategy
	Reason      string
}

// Err returns a MALFORMED_MODEL_OUTPUT error for a failed result
func (r ParseResult) Err() error {
	if r.OK {
		return nil
	}
	return errors.NewMalformedModelOutput(r.Reason)
}

var (
	codeFenceRe  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	fragmentRe   = regexp.MustCompile(`\{[^{}]*(?:"text"|'text'|\btext\b)[^{}]*\}`)
	textValueRe  = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	wordStartSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_"
)

// Parse recovers suggestions from raw model output. Strategies are tried in
// order of strictness and the first that yields at least one valid
// suggestion wins. Parse has no side effects.
func Parse(raw string) ParseResult {
	text := stripCodeFence(raw)
	if strings.TrimSpace(text) == "" {
		return ParseResult{Strategy: StrategyNone, Reason: "empty model output"}
	}
	span := jsonSpan(text)

	if s, ok := decodeSuggestions(span); ok {
		return ParseResult{OK: true, Suggestions: s, Strategy: StrategyDirect}
	}
	if s, ok := decodeSuggestions(repairJSON(span)); ok {
		return ParseResult{OK: true, Suggestions: s, Strategy: StrategyRepaired}
	}
	if !balanced(text) {
		if s, ok := decodeSuggestions(cutToLastObject(text)); ok {
			return ParseResult{OK: true, Suggestions: s, Strategy: StrategyTruncated}
		}
	}
	if s := parseFragments(text); len(s) > 0 {
		return ParseResult{OK: true, Suggestions: s, Strategy: StrategyFragments}
	}
	if s := parseTextOnly(text); len(s) > 0 {
		return ParseResult{OK: true, Suggestions: s, Strategy: StrategyTextOnly}
	}

	return ParseResult{Strategy: StrategyNone, Reason: "no suggestion could be recovered from model output"}
}

// ParseObject recovers a generic JSON object from model output using the
// direct, repaired and truncated steps.
func ParseObject(raw string) (map[string]interface{}, Strategy, error) {
	text := stripCodeFence(raw)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, StrategyNone, errors.NewMalformedModelOutput("no object in model output")
	}
	text = text[start:]
	span := text
	if end := strings.LastIndexByte(text, '}'); end >= 0 {
		span = text[:end+1]
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(span), &out); err == nil {
		return out, StrategyDirect, nil
	}
	if err := json.Unmarshal([]byte(repairJSON(span)), &out); err == nil {
		return out, StrategyRepaired, nil
	}
	if err := json.Unmarshal([]byte(closeTruncated(repairJSON(text))), &out); err == nil {
		return out, StrategyTruncated, nil
	}
	return nil, StrategyNone, errors.NewMalformedModelOutput("object could not be recovered from model output")
}

func stripCodeFence(raw string) string {
	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	// An unterminated fence still prefixes the payload
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}

// jsonSpan returns the outermost object or array span of text
func jsonSpan(text string) string {
	obj := strings.IndexByte(text, '{')
	arr := strings.IndexByte(text, '[')

	open, closer := obj, byte('}')
	if arr >= 0 && (obj < 0 || arr < obj) {
		open, closer = arr, ']'
	}
	if open < 0 {
		return text
	}
	end := strings.LastIndexByte(text, closer)
	if end < open {
		return text[open:]
	}
	return text[open : end+1]
}

// flexFloat accepts a JSON number or a numeric string
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	if string(data) == "null" {
		*f = 0
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type wireSuggestion struct {
	Text           string    `json:"text"`
	Type           string    `json:"type"`
	Confidence     flexFloat `json:"confidence"`
	DeliverAs      string    `json:"deliver_as"`
	DeliverAsCamel string    `json:"deliverAs"`
	OfferID        string    `json:"offer_id"`
	OfferIDCamel   string    `json:"offerId"`
	Reasoning      string    `json:"reasoning"`
	ToneAnalysis   string    `json:"tone_analysis"`
	KnowledgeLevel string    `json:"knowledge_level"`
}

func (w wireSuggestion) suggestion() Suggestion {
	s := Suggestion{
		Text:           w.Text,
		Type:           w.Type,
		Confidence:     float64(w.Confidence),
		DeliverAs:      w.DeliverAs,
		OfferID:        w.OfferID,
		Reasoning:      w.Reasoning,
		ToneAnalysis:   w.ToneAnalysis,
		KnowledgeLevel: w.KnowledgeLevel,
	}
	if s.DeliverAs == "" {
		s.DeliverAs = w.DeliverAsCamel
	}
	if s.OfferID == "" {
		s.OfferID = w.OfferIDCamel
	}
	return s
}

// decodeSuggestions accepts {"suggestions":[...]}, a bare array, or a single
// suggestion object
func decodeSuggestions(text string) ([]Suggestion, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	var wire []wireSuggestion
	switch text[0] {
	case '[':
		if err := json.Unmarshal([]byte(text), &wire); err != nil {
			return nil, false
		}
	case '{':
		var envelope struct {
			Suggestions []wireSuggestion `json:"suggestions"`
		}
		if err := json.Unmarshal([]byte(text), &envelope); err != nil {
			return nil, false
		}
		wire = envelope.Suggestions
		if wire == nil {
			var single wireSuggestion
			if err := json.Unmarshal([]byte(text), &single); err != nil {
				return nil, false
			}
			wire = []wireSuggestion{single}
		}
	default:
		return nil, false
	}

	return normalizeAll(wire)
}

func normalizeAll(wire []wireSuggestion) ([]Suggestion, bool) {
	out := make([]Suggestion, 0, len(wire))
	for _, w := range wire {
		s := w.suggestion()
		if s.Normalize() {
			out = append(out, s)
		}
	}
	return out, len(out) > 0
}

func parseFragments(text string) []Suggestion {
	var wire []wireSuggestion
	for _, frag := range fragmentRe.FindAllString(text, -1) {
		var w wireSuggestion
		if err := json.Unmarshal([]byte(frag), &w); err != nil {
			if err := json.Unmarshal([]byte(repairJSON(frag)), &w); err != nil {
				continue
			}
		}
		wire = append(wire, w)
	}
	out, _ := normalizeAll(wire)
	return out
}

func parseTextOnly(text string) []Suggestion {
	var out []Suggestion
	for _, m := range textValueRe.FindAllStringSubmatch(text, -1) {
		var value string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &value); err != nil {
			value = m[1]
		}
		s := Suggestion{Text: value, Type: TypeCue, DeliverAs: DeliverShow, Confidence: 0.5}
		if s.Normalize() {
			out = append(out, s)
		}
	}
	return out
}

// balanced reports whether braces and brackets outside strings are balanced
// and no string is left open.
func balanced(text string) bool {
	depth := 0
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// cutToLastObject keeps the complete objects of the first array in text and
// wraps them in a suggestions envelope.
func cutToLastObject(text string) string {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		// A single object without an array cannot be cut
		return ""
	}

	depth := 0
	inString := false
	lastEnd := -1
	for i := start + 1; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 && c == '}' {
				lastEnd = i
			}
			if depth < 0 {
				i = len(text)
			}
		}
	}
	if lastEnd < 0 {
		return ""
	}

	return `{"suggestions":[` + repairJSON(text[start+1:lastEnd+1]) + `]}`
}

// closeTruncated closes an open string and any open containers at the end of text
func closeTruncated(text string) string {
	var stack []byte
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := text
	if inString {
		out += `"`
	}
	out = strings.TrimRight(out, " \t\r\n")
	out = strings.TrimRight(out, ",:")
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// repairJSON fixes the common ways model output deviates from JSON: trailing
// commas, bare keys, single-quoted strings, bare scalar values and Python
// literals. Double-quoted strings are copied unchanged.
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	var last byte

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"':
			end := doubleQuotedEnd(s, i)
			b.WriteString(s[i:end])
			last = '"'
			i = end

		case c == '\'':
			value, end := singleQuoted(s, i)
			b.WriteString(quote(value))
			last = '"'
			i = end

		case c == ',':
			k := skipSpace(s, i+1)
			if k < len(s) && (s[k] == '}' || s[k] == ']') {
				i++
				continue
			}
			b.WriteByte(c)
			last = c
			i++

		case strings.IndexByte(wordStartSet, c) >= 0:
			wordEnd := i
			for wordEnd < len(s) && isWordByte(s[wordEnd]) {
				wordEnd++
			}
			word := s[i:wordEnd]
			k := skipSpace(s, wordEnd)

			if (last == '{' || last == ',') && k < len(s) && s[k] == ':' {
				b.WriteString(quote(word))
				last = '"'
				i = wordEnd
				continue
			}

			valueEnd := i
			for valueEnd < len(s) && !strings.ContainsRune(",}]\n", rune(s[valueEnd])) {
				valueEnd++
			}
			value := strings.TrimSpace(s[i:valueEnd])
			if lit, ok := literal(value); ok {
				b.WriteString(lit)
			} else {
				b.WriteString(quote(value))
			}
			last = '"'
			i = valueEnd

		default:
			b.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				last = c
			}
			i++
		}
	}
	return b.String()
}

func literal(word string) (string, bool) {
	switch word {
	case "true", "True", "TRUE":
		return "true", true
	case "false", "False", "FALSE":
		return "false", true
	case "null", "None", "nil", "undefined":
		return "null", true
	}
	return "", false
}

func isWordByte(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

// doubleQuotedEnd returns the index just past the string starting at i
func doubleQuotedEnd(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return len(s)
}

// singleQuoted decodes the single-quoted string starting at i
func singleQuoted(s string, i int) (string, int) {
	var b strings.Builder
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		switch c {
		case '\\':
			if j+1 < len(s) {
				j++
				switch s[j] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				default:
					b.WriteByte(s[j])
				}
			}
		case '\'':
			return b.String(), j + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), len(s)
}

func quote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}
