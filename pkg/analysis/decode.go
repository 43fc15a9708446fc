package analysis

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"callpilot/pkg/errors"
	"callpilot/pkg/metrics"
	"callpilot/pkg/suggest"
)

// Score is a model-provided number. It also accepts numeric strings.
type Score float64

// UnmarshalJSON implements json.Unmarshaler
func (s *Score) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return nil
	}
	text = strings.Trim(text, `"`)
	text = strings.TrimSuffix(strings.TrimSpace(text), "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return err
	}
	*s = Score(v)
	return nil
}

// Clamp limits the score to [lo, hi]
func (s Score) Clamp(lo, hi float64) Score {
	return Score(clamp(float64(s), lo, hi))
}

// decodeModelObject parses model output through the repair cascade and
// decodes it into out. Keys may be camelCase or snake_case.
func decodeModelObject(raw string, out interface{}) error {
	obj, strategy, err := suggest.ParseObject(raw)
	metrics.RecordParseStrategy(string(strategy))
	if err != nil {
		return err
	}

	data, err := json.Marshal(camelKeys(obj))
	if err != nil {
		return errors.NewMalformedModelOutput(err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewMalformedModelOutput(err.Error())
	}
	return nil
}

// camelKeys rewrites snake_case object keys to camelCase, recursively
func camelKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[snakeToCamel(k)] = camelKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = camelKeys(val)
		}
		return out
	default:
		return v
	}
}

func snakeToCamel(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	var b strings.Builder
	upper := false
	for i, r := range key {
		if r == '_' {
			upper = i > 0
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
