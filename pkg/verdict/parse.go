package verdict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Parse turns raw judge output into a Verdict. Judge models reliably emit
// JSON but sometimes wrap it in prose, so a failed whole-string decode
// falls back to the first-to-last brace substring, with a repair pass for
// near-JSON. Total failure degrades to an unblocked parse_error verdict.
func Parse(raw string) Verdict {
	if v, ok := decode(raw); ok {
		return v
	}
	candidate := extractObject(raw)
	if candidate == "" {
		return Allow(ReasonParseError)
	}
	if v, ok := decode(candidate); ok {
		return v
	}
	if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
		if v, ok := decode(repaired); ok {
			return v
		}
	}
	return Allow(ReasonParseError)
}

// extractObject returns the greedy brace match: first '{' through last '}'.
func extractObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func decode(raw string) (Verdict, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return Verdict{}, false
	}
	return coerce(payload), true
}

// coerce defensively maps decoded fields onto the Verdict shape. Missing
// or mistyped fields get zero-ish defaults rather than failing the parse.
func coerce(payload map[string]any) Verdict {
	v := Verdict{Categories: []string{}}
	v.Blocked = truthy(payload["blocked"])
	if cats, ok := payload["categories"].([]any); ok {
		for _, c := range cats {
			if s := asString(c); s != "" {
				v.Categories = append(v.Categories, s)
			}
		}
	}
	v.Reason = asString(payload["reason"])
	if raw, ok := payload["rewrite"]; ok && raw != nil {
		s := asString(raw)
		v.Rewrite = &s
	}
	return v
}

func truthy(val any) bool {
	switch t := val.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	case float64:
		return t != 0
	default:
		return false
	}
}

func asString(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
