package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProcessingOptions selects which extraction steps run for a document.
type ProcessingOptions struct {
	ExtractMetadata    bool `json:"extract_metadata"`
	ExtractReferences  bool `json:"extract_references"`
	ExtractFullText    bool `json:"extract_full_text"`
	CompleteReferences bool `json:"complete_references"`
}

// DefaultOptions is used when neither the job nor its batch names options.
func DefaultOptions() ProcessingOptions {
	return ProcessingOptions{
		ExtractMetadata:    true,
		ExtractReferences:  true,
		ExtractFullText:    false,
		CompleteReferences: false,
	}
}

// UnmarshalJSON fills omitted fields from DefaultOptions and rejects unknown keys.
func (o *ProcessingOptions) UnmarshalJSON(b []byte) error {
	type plain ProcessingOptions
	out := plain(DefaultOptions())
	if trimmed := bytes.TrimSpace(b); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = ProcessingOptions(out)
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	*o = ProcessingOptions(out)
	return nil
}

// Any reports whether at least one extraction step is enabled.
func (o ProcessingOptions) Any() bool {
	return o.ExtractMetadata || o.ExtractReferences || o.ExtractFullText
}
