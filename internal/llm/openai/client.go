package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/extract"
	"github.com/joseph-ayodele/paper-extract/internal/llm"
)

var _ extract.Extractor = (*Client)(nil)

// Extract implements extract.Extractor. The PDF is attached to every call as a
// base64 file part; metadata, references and full text are separate calls,
// each gated by opts.
func (c *Client) Extract(ctx context.Context, doc extract.Document, opts entity.ProcessingOptions) (entity.ExtractionResult, error) {
	rid := uuid.NewString()
	start := time.Now()
	out := entity.ExtractionResult{Model: c.cfg.Model}

	c.log.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"file_name", doc.Name,
		"bytes", len(doc.Bytes),
		"metadata", opts.ExtractMetadata,
		"references", opts.ExtractReferences,
		"full_text", opts.ExtractFullText,
		"complete_references", opts.CompleteReferences,
	)

	file := filePart(doc)

	if opts.ExtractMetadata {
		content, err := c.ask(ctx, rid, file, llm.MetadataPrompt(), llm.BuildMetadataJSONSchema())
		if err != nil {
			return out, fmt.Errorf("metadata extraction: %w", err)
		}
		meta, err := c.conform(rid, "metadata", c.metadataSchema, content, llm.SanitizeMetadata)
		if err != nil {
			return out, fmt.Errorf("metadata extraction: %w", err)
		}
		out.Metadata = meta
	}

	if opts.ExtractReferences {
		refs, err := c.references(ctx, rid, file, opts.CompleteReferences)
		if err != nil {
			return out, fmt.Errorf("reference extraction: %w", err)
		}
		out.References = refs
	}

	if opts.ExtractFullText {
		content, err := c.ask(ctx, rid, file, llm.FullTextPrompt(), llm.BuildFullTextJSONSchema())
		if err != nil {
			return out, fmt.Errorf("full text extraction: %w", err)
		}
		if err := c.fullTextSchema.Validate(content); err != nil {
			return out, fmt.Errorf("full text extraction: %w", err)
		}
		var ft struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &ft); err != nil {
			return out, fmt.Errorf("full text extraction: %w", err)
		}
		out.ExtractedText = strings.TrimSpace(ft.Text)
	}

	c.log.Info("llm.extract.ok",
		"req_id", rid,
		"extracted", out.PresentKeys(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// references runs one call, or with complete set, keeps asking for the next
// page until the model reports nothing left, a round adds nothing, or the
// round cap is hit.
func (c *Client) references(ctx context.Context, rid string, file map[string]any, complete bool) (json.RawMessage, error) {
	content, err := c.ask(ctx, rid, file, llm.ReferencesPrompt(complete), llm.BuildReferencesJSONSchema())
	if err != nil {
		return nil, err
	}
	page, err := c.referencePage(rid, content)
	if err != nil {
		return nil, err
	}
	all := page.References
	if !complete {
		return llm.EncodeReferences(all)
	}

	total, hasMore := page.Total, page.HasMore
	for round := 1; round <= c.cfg.MaxReferenceRounds; round++ {
		if !hasMore && (total == 0 || len(all) >= total) {
			break
		}
		content, err := c.ask(ctx, rid, file, llm.ReferencesFollowUpPrompt(len(all), total), llm.BuildReferencesJSONSchema())
		if err != nil {
			return nil, err
		}
		next, err := c.referencePage(rid, content)
		if err != nil {
			return nil, err
		}
		c.log.Info("llm.extract.references_round",
			"req_id", rid, "round", round, "got", len(next.References), "have", len(all)+len(next.References), "total", total)
		if len(next.References) == 0 {
			break
		}
		all = append(all, next.References...)
		hasMore = next.HasMore
		if next.Total > total {
			total = next.Total
		}
	}
	return llm.EncodeReferences(all)
}

func (c *Client) referencePage(rid string, content []byte) (llm.ReferencesPage, error) {
	page, dropped, err := llm.NormalizeReferences(content, c.log)
	if err != nil {
		return page, err
	}
	if len(dropped) > 0 {
		c.log.Warn("llm.extract.lenient_sanitize_applied", "req_id", rid, "kind", "references", "dropped", dropped)
	}
	envelope, err := json.Marshal(map[string]any{"references": nonNil(page.References)})
	if err != nil {
		return page, err
	}
	if err := c.referencesSchema.Validate(envelope); err != nil {
		c.log.Error("llm.extract.schema_validation_failed", "req_id", rid, "kind", "references", "error", err)
		return page, fmt.Errorf("schema validation failed: %w", err)
	}
	return page, nil
}

// conform validates strictly first and falls back to a lenient sanitize of
// optional fields when allowed.
func (c *Client) conform(rid, kind string, schema *llm.Schema, content []byte, sanitize func([]byte) ([]byte, []string, error)) (json.RawMessage, error) {
	err := schema.Validate(content)
	if err == nil {
		return content, nil
	}
	if !c.cfg.LenientOptional {
		c.log.Error("llm.extract.schema_validation_failed", "req_id", rid, "kind", kind, "error", err)
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	cleaned, dropped, sErr := sanitize(content)
	if sErr != nil {
		c.log.Error("llm.extract.sanitize_failed", "req_id", rid, "kind", kind, "error", sErr)
		return nil, fmt.Errorf("sanitize failed: %w", sErr)
	}
	if vErr := schema.Validate(cleaned); vErr != nil {
		c.log.Error("llm.extract.schema_validation_failed", "req_id", rid, "kind", kind, "error", vErr)
		return nil, fmt.Errorf("schema validation failed: %w", vErr)
	}
	c.log.Warn("llm.extract.lenient_sanitize_applied", "req_id", rid, "kind", kind, "dropped", dropped)
	return cleaned, nil
}

// ask sends one chat completion with the document attached and returns the
// JSON object in the first choice.
func (c *Client) ask(ctx context.Context, rid string, file map[string]any, prompt string, schema map[string]any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": "Return ONLY JSON that matches this JSON Schema:\n" + mustJSON(schema)},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": prompt},
				file,
			}},
		},
	}

	raw, err := c.post(ctx, rid, body)
	if err != nil {
		c.log.Error("llm.extract.http_error", "req_id", rid, "error", err)
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.extract.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.extract.no_choices", "req_id", rid, "raw", string(raw))
		return nil, fmt.Errorf("no choices in openai response")
	}
	content := []byte(llm.StripCodeFence(cc.Choices[0].Message.Content))
	if err := llm.RequireObject(content); err != nil {
		return nil, err
	}
	return content, nil
}

// post sends a chat completion, retrying answers the provider marks as temporary.
func (c *Client) post(ctx context.Context, rid string, body map[string]any) ([]byte, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		raw, err := llm.PostJSON(ctx, c.httpClient, endpoint, body, headers, c.log)
		var se *llm.StatusError
		if err == nil || attempt >= c.cfg.MaxRetries || !errors.As(err, &se) || !se.Temporary() {
			return raw, err
		}
		c.log.Warn("llm.extract.retry", "req_id", rid, "status", se.Code, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func filePart(doc extract.Document) map[string]any {
	name := doc.Name
	if name == "" {
		name = "document.pdf"
	}
	return map[string]any{
		"type": "file",
		"file": map[string]any{
			"filename":  name,
			"file_data": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(doc.Bytes),
		},
	}
}

func nonNil(refs []map[string]any) []map[string]any {
	if refs == nil {
		return []map[string]any{}
	}
	return refs
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
