package openai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/extract"
)

// fakeModel answers chat completions by matching the prompt text.
type fakeModel struct {
	mu      sync.Mutex
	prompts []string
	answers map[string]string // prompt prefix -> message content
}

func (m *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer test-key" {
		http.Error(w, "unexpected request", http.StatusBadRequest)
		return
	}
	var req struct {
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Messages[1].Content, &parts); err != nil || len(parts) != 2 || parts[1].Type != "file" {
		http.Error(w, "bad parts", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, parts[0].Text)
	m.mu.Unlock()

	for prefix, content := range m.answers {
		if strings.HasPrefix(parts[0].Text, prefix) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
			})
			return
		}
	}
	http.Error(w, "no answer for prompt", http.StatusInternalServerError)
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

const (
	metadataPrefix   = "You are a bibliographic"
	referencesPrefix = "Extract all references"
	followUpPrefix   = "Continue extracting"
	fullTextPrefix   = "Transcribe"
)

func newTestClient(t *testing.T, m *fakeModel, lenient bool) *Client {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:          "test-key",
		BaseURL:         srv.URL + "/",
		Model:           "test-model",
		LenientOptional: lenient,
		RetryBackoff:    time.Millisecond,
	}, slog.New(slog.DiscardHandler))
}

var testDoc = extract.Document{URL: "/papers/a.pdf", Name: "a.pdf", Bytes: []byte("%PDF-1.7")}

func TestExtractMetadataAndCompleteReferences(t *testing.T) {
	m := &fakeModel{answers: map[string]string{
		metadataPrefix:   "```json\n{\"title\":\"T\",\"authors\":[{\"name\":\"A\"}],\"year\":2020}\n```",
		referencesPrefix: `{"references":[{"text":"R1"},{"text":"R2"}],"total_references":3,"has_more":true}`,
		followUpPrefix:   `{"references":[{"text":"R3","citation_position":3}],"total_references":3,"has_more":false}`,
	}}
	c := newTestClient(t, m, false)

	opts := entity.ProcessingOptions{ExtractMetadata: true, ExtractReferences: true, CompleteReferences: true}
	res, err := c.Extract(context.Background(), testDoc, opts)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Model != "test-model" || res.ExtractedText != "" {
		t.Errorf("result = %+v", res)
	}
	if string(res.Metadata) != `{"title":"T","authors":[{"name":"A"}],"year":2020}` {
		t.Errorf("Metadata = %s", res.Metadata)
	}
	var refs []map[string]any
	if err := json.Unmarshal(res.References, &refs); err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, r := range refs {
		texts = append(texts, r["text"].(string))
	}
	if diff := cmp.Diff([]string{"R1", "R2", "R3"}, texts); diff != "" {
		t.Errorf("references mismatch (-want +got):\n%s", diff)
	}
	if refs[2]["citation_position"] != "3" {
		t.Errorf("citation_position = %v, want \"3\"", refs[2]["citation_position"])
	}
	if n := m.calls(); n != 3 {
		t.Errorf("model called %d times, want 3", n)
	}
}

func TestExtractSingleReferenceRound(t *testing.T) {
	m := &fakeModel{answers: map[string]string{
		referencesPrefix: `{"references":[{"text":"R1"}],"total_references":9,"has_more":true}`,
	}}
	c := newTestClient(t, m, false)
	res, err := c.Extract(context.Background(), testDoc, entity.ProcessingOptions{ExtractReferences: true})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Metadata != nil || m.calls() != 1 {
		t.Errorf("metadata = %s calls = %d, want no metadata and one call", res.Metadata, m.calls())
	}
}

func TestExtractMetadataLeniency(t *testing.T) {
	answers := map[string]string{
		metadataPrefix: `{"title":"T","authors":[],"year":"Published 2019","journal":42}`,
	}
	opts := entity.ProcessingOptions{ExtractMetadata: true}

	strict := newTestClient(t, &fakeModel{answers: answers}, false)
	if _, err := strict.Extract(context.Background(), testDoc, opts); err == nil || !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("strict Extract error = %v, want schema validation failure", err)
	}

	lenient := newTestClient(t, &fakeModel{answers: answers}, true)
	res, err := lenient.Extract(context.Background(), testDoc, opts)
	if err != nil {
		t.Fatalf("lenient Extract: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(res.Metadata, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["year"] != float64(2019) {
		t.Errorf("year = %v, want 2019", meta["year"])
	}
	if _, ok := meta["journal"]; ok {
		t.Errorf("journal kept: %v", meta["journal"])
	}
}

func TestExtractFullText(t *testing.T) {
	m := &fakeModel{answers: map[string]string{
		fullTextPrefix: `{"text":"  Introduction\nBody  "}`,
	}}
	c := newTestClient(t, m, false)
	res, err := c.Extract(context.Background(), testDoc, entity.ProcessingOptions{ExtractFullText: true})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.ExtractedText != "Introduction\nBody" {
		t.Errorf("ExtractedText = %q", res.ExtractedText)
	}
}

func TestExtractUpstreamFailure(t *testing.T) {
	c := newTestClient(t, &fakeModel{answers: map[string]string{}}, false)
	_, err := c.Extract(context.Background(), testDoc, entity.ProcessingOptions{ExtractMetadata: true})
	if err == nil || !strings.Contains(err.Error(), "metadata extraction") {
		t.Errorf("error = %v, want metadata extraction failure", err)
	}
}

// flaky answers the first failures requests with status, then defers to the model.
type flaky struct {
	mu       sync.Mutex
	status   int
	failures int
	hits     int
	model    *fakeModel
}

func (f *flaky) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits++
	fail := f.hits <= f.failures
	f.mu.Unlock()
	if fail {
		http.Error(w, "try later", f.status)
		return
	}
	f.model.ServeHTTP(w, r)
}

func (f *flaky) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func TestExtractRetriesTemporaryFailures(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		failures int
		wantOK   bool
		wantHits int
	}{
		{"rate limited once", http.StatusTooManyRequests, 1, true, 2},
		{"server error twice", http.StatusBadGateway, 2, true, 3},
		{"retries exhausted", http.StatusServiceUnavailable, 5, false, 3},
		{"client error is final", http.StatusBadRequest, 1, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &flaky{status: tc.status, failures: tc.failures, model: &fakeModel{answers: map[string]string{
				metadataPrefix: `{"title":"T","authors":[]}`,
			}}}
			srv := httptest.NewServer(f)
			defer srv.Close()
			c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, RetryBackoff: time.Millisecond}, slog.New(slog.DiscardHandler))

			_, err := c.Extract(context.Background(), testDoc, entity.ProcessingOptions{ExtractMetadata: true})
			if (err == nil) != tc.wantOK {
				t.Errorf("Extract error = %v, want ok=%v", err, tc.wantOK)
			}
			if n := f.count(); n != tc.wantHits {
				t.Errorf("provider called %d times, want %d", n, tc.wantHits)
			}
		})
	}
}

func TestExtractRetryDisabled(t *testing.T) {
	f := &flaky{status: http.StatusTooManyRequests, failures: 1, model: &fakeModel{}}
	srv := httptest.NewServer(f)
	defer srv.Close()
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: -1}, slog.New(slog.DiscardHandler))
	if _, err := c.Extract(context.Background(), testDoc, entity.ProcessingOptions{ExtractMetadata: true}); err == nil {
		t.Fatal("Extract succeeded on a rate limited call")
	}
	if n := f.count(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}
