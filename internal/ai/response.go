package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	minScore = 0
	maxScore = 100
)

// Assessment is the structured payload recovered from a model answer.
type Assessment struct {
	Score         float64
	Justification string
	MatchedSkills []string
	MissingSkills []string
	Raw           string
}

// ParseAssessment recovers the scoring object from a model answer that may be
// wrapped in code fences or surrounded by prose.
func ParseAssessment(raw string) (*Assessment, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}

	data, ok := extractObject(raw)
	if !ok {
		return nil, ErrNoStructuredPayload
	}

	score := coerceFloat(firstOf(data, "score", "match_score", "fit_score"))
	if math.IsNaN(score) {
		return nil, fmt.Errorf("%w: score is missing or not numeric", ErrNoStructuredPayload)
	}

	return &Assessment{
		Score:         normalizeScore(score),
		Justification: coerceString(firstOf(data, "justification", "reason", "explanation")),
		MatchedSkills: coerceStrings(firstOf(data, "matched_skills", "matchedSkills")),
		MissingSkills: coerceStrings(firstOf(data, "missing_skills", "missingSkills")),
		Raw:           raw,
	}, nil
}

// extractObject returns the first JSON object in raw that carries a score, or
// the first decodable object when none does.
func extractObject(raw string) (map[string]any, bool) {
	raw = stripFences(raw)

	var first map[string]any
	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}

		var candidate map[string]any
		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		dec.UseNumber()
		if err := dec.Decode(&candidate); err != nil {
			continue
		}

		if firstOf(candidate, "score", "match_score", "fit_score") != nil {
			return candidate, true
		}
		if first == nil {
			first = candidate
		}
	}

	return first, first != nil
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	return strings.TrimSpace(raw)
}

// normalizeScore scales fractional 0..1 answers to percent and clamps to 0..100.
func normalizeScore(score float64) float64 {
	if score > 0 && score < 1 {
		score *= maxScore
	}
	score = math.Round(score*10) / 10
	return math.Max(minScore, math.Min(maxScore, score))
}

func firstOf(data map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSuffix(strings.TrimSpace(val), "%")
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}

func coerceStrings(v any) []string {
	var items []string
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			items = append(items, coerceString(item))
		}
	case string:
		items = strings.Split(val, ",")
	}

	result := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
