package extract

import (
	"context"
	"encoding/json"

	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

// Stub returns fixed results for every document. It backs EXTRACTOR=stub for
// local runs without an AI key.
type Stub struct {
	Metadata   json.RawMessage
	References json.RawMessage
}

func NewStub() *Stub {
	return &Stub{
		Metadata:   json.RawMessage(`{}`),
		References: json.RawMessage(`[]`),
	}
}

func (s *Stub) Extract(ctx context.Context, doc Document, opts entity.ProcessingOptions) (entity.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return entity.ExtractionResult{}, err
	}
	var out entity.ExtractionResult
	if opts.ExtractMetadata {
		out.Metadata = s.Metadata
	}
	if opts.ExtractReferences {
		out.References = s.References
	}
	out.Model = "stub"
	return out, nil
}
