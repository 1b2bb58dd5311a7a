package llm

// BuildMetadataJSONSchema returns the JSON-Schema (draft 2020-12 subset) a
// metadata response must satisfy. It is sent to the model as guidance and
// used locally for validation.
func BuildMetadataJSONSchema() map[string]any {
	author := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":               nullableString(),
			"first_name":         nullableString(),
			"last_name":          nullableString(),
			"email":              nullableString(),
			"mobile_no":          nullableString(),
			"designation":        nullableString(),
			"institution":        nullableString(),
			"parent_institution": nullableString(),
			"department":         nullableString(),
			"orcid_id":           nullableString(),
			"address":            nullableString(),
			"affiliation":        nullableString(),
			"city":               nullableString(),
			"state":              nullableString(),
			"country":            nullableString(),
			"pincode":            nullableString(),
		},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":        nullableString(),
			"abstract":     nullableString(),
			"journal":      nullableString(),
			"volume":       nullableString(),
			"issue":        nullableString(),
			"year":         yearProp(),
			"doi":          nullableString(),
			"pages":        nullableString(),
			"article_type": nullableString(),
			"keywords":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"authors":      map[string]any{"type": "array", "items": author},
		},
		"required": []string{"title", "authors"},
	}
}

// BuildReferenceJSONSchema describes one citation.
func BuildReferenceJSONSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":              map[string]any{"type": "string"},
			"citation_type":     nullableString(),
			"authors":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"title":             nullableString(),
			"year":              yearProp(),
			"journal":           nullableString(),
			"conference":        nullableString(),
			"volume":            nullableString(),
			"issue":             nullableString(),
			"pages":             nullableString(),
			"doi":               nullableString(),
			"url":               nullableString(),
			"publisher":         nullableString(),
			"citation_position": nullableString(),
		},
		"required": []string{"text"},
	}
}

// BuildReferencesJSONSchema is the envelope returned by a references call.
// total_references and has_more drive the follow-up rounds of complete extraction.
func BuildReferencesJSONSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"references":       map[string]any{"type": "array", "items": BuildReferenceJSONSchema()},
			"total_references": map[string]any{"type": "integer", "minimum": 0},
			"has_more":         map[string]any{"type": "boolean"},
		},
		"required": []string{"references"},
	}
}

// BuildFullTextJSONSchema wraps the plain text transcription.
func BuildFullTextJSONSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}

func nullableString() map[string]any {
	return map[string]any{"type": []string{"string", "null"}}
}

func yearProp() map[string]any {
	return map[string]any{"type": []string{"integer", "null"}, "minimum": 1000, "maximum": 9999}
}
