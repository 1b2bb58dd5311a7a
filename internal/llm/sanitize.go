package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ReferencesPage is one parsed references response.
type ReferencesPage struct {
	References []map[string]any
	Total      int
	HasMore    bool
}

// NormalizeReferences accepts either {"references":[...], "total_references":N, "has_more":b}
// or a bare array, and coerces each citation onto the reference schema:
// numeric positions/volumes become strings, textual years become integers,
// null author lists become empty ones, and entries without text are dropped.
func NormalizeReferences(raw []byte, logger *slog.Logger) (ReferencesPage, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var page ReferencesPage
	var items []any

	var top any
	if err := json.Unmarshal(raw, &top); err != nil {
		return page, nil, fmt.Errorf("sanitize references: decode: %w", err)
	}
	switch t := top.(type) {
	case []any:
		items = t
	case map[string]any:
		if arr, ok := t["references"].([]any); ok {
			items = arr
		}
		if n, ok := t["total_references"].(float64); ok && n > 0 {
			page.Total = int(n)
		}
		if b, ok := t["has_more"].(bool); ok {
			page.HasMore = b
		}
	default:
		return page, nil, fmt.Errorf("sanitize references: unexpected %T", top)
	}

	dropped := make([]string, 0, 4)
	for i, it := range items {
		ref, ok := it.(map[string]any)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("#%d(type)", i))
			continue
		}
		text, _ := ref["text"].(string)
		if strings.TrimSpace(text) == "" {
			dropped = append(dropped, fmt.Sprintf("#%d(no text)", i))
			continue
		}
		ref["text"] = strings.TrimSpace(text)

		for _, k := range []string{"citation_position", "volume", "issue", "pages"} {
			if f, ok := ref[k].(float64); ok {
				ref[k] = strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
		if v, ok := ref["year"]; ok {
			if y, ok := coerceYear(v); ok {
				ref["year"] = y
			} else {
				delete(ref, "year")
			}
		}
		ref["authors"] = stringList(ref["authors"])
		delete(ref, "error")
		delete(ref, "raw_response")
		page.References = append(page.References, ref)
	}

	if len(dropped) > 0 {
		logger.Warn("llm.references.normalize_sanitize", "dropped", dropped)
	}
	return page, dropped, nil
}

// EncodeReferences renders the collected citations as a JSON array.
func EncodeReferences(refs []map[string]any) (json.RawMessage, error) {
	if refs == nil {
		refs = []map[string]any{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encode references: %w", err)
	}
	return b, nil
}
