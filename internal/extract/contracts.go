package extract

import (
	"context"

	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

// Document is a fetched PDF ready to be sent to an extractor.
type Document struct {
	URL   string
	Name  string
	Bytes []byte
}

// Extractor turns a document into structured metadata and references.
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, doc Document, opts entity.ProcessingOptions) (entity.ExtractionResult, error)
}

// ExtractorFunc adapts a plain function to Extractor.
type ExtractorFunc func(ctx context.Context, doc Document, opts entity.ProcessingOptions) (entity.ExtractionResult, error)

func (f ExtractorFunc) Extract(ctx context.Context, doc Document, opts entity.ProcessingOptions) (entity.ExtractionResult, error) {
	return f(ctx, doc, opts)
}
