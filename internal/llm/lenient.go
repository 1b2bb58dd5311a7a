package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	reYear   = regexp.MustCompile(`\b(1[5-9]\d{2}|20\d{2})\b`)
	reDOI    = regexp.MustCompile(`10\.\d{4,9}/\S+`)
	optText  = []string{"abstract", "journal", "volume", "issue", "doi", "pages", "article_type"} // optional only
	numAsStr = []string{"volume", "issue", "pages"}
)

// SanitizeMetadata removes or normalizes optional metadata fields that don't
// meet the schema, so the overall document can still validate. Required
// fields are never invented.
func SanitizeMetadata(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, err
	}

	var dropped []string

	// numbers the model sometimes emits for string fields
	for _, k := range numAsStr {
		if f, ok := m[k].(float64); ok {
			m[k] = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}

	if v, ok := m["year"]; ok {
		if y, ok := coerceYear(v); ok {
			m["year"] = y
		} else {
			delete(m, "year")
			dropped = append(dropped, "year")
		}
	}

	if v, ok := m["doi"].(string); ok {
		if d := reDOI.FindString(v); d != "" {
			m["doi"] = strings.TrimRight(d, ".,;")
		}
	}

	for _, k := range optText {
		switch t := m[k].(type) {
		case string:
			s := strings.TrimSpace(t)
			if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
				delete(m, k)
				dropped = append(dropped, k)
			} else {
				m[k] = s
			}
		case nil:
		case float64, bool, []any, map[string]any:
			delete(m, k)
			dropped = append(dropped, k)
		}
	}

	m["keywords"] = stringList(m["keywords"])
	if _, ok := m["authors"].([]any); !ok {
		m["authors"] = []any{}
	}
	switch t := m["title"].(type) {
	case string:
		m["title"] = strings.TrimSpace(t)
	case nil:
		m["title"] = nil
	default:
		m["title"] = nil
		dropped = append(dropped, "title")
	}
	delete(m, "error")
	delete(m, "raw_response")

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, dropped, nil
}

// coerceYear accepts 2021, 2021.0, "2021" or "Published 2021".
func coerceYear(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case float64:
		if t >= 1000 && t <= 9999 {
			return int(t), true
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "null") {
			return nil, true
		}
		if y := reYear.FindString(s); y != "" {
			n, _ := strconv.Atoi(y)
			return n, true
		}
	}
	return nil, false
}

// stringList turns a list, a comma separated string or null into a []any of strings.
func stringList(v any) []any {
	out := []any{}
	switch t := v.(type) {
	case []any:
		for _, x := range t {
			switch s := x.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' }) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// StripCodeFence removes a ```json fence some models wrap around their output.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// RequireObject checks that raw decodes to a JSON object.
func RequireObject(raw []byte) error {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("response is not a JSON object: %w", err)
	}
	return nil
}
