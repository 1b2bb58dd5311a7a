package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

func settledBatch(url string) (*entity.Batch, []*entity.Job) {
	done := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ms := int64(1500)
	b := &entity.Batch{
		BatchID:        "b-1",
		Status:         constants.BatchStatusCompleted,
		WebhookURL:     url,
		TotalFiles:     2,
		ProcessedFiles: 1,
		FailedFiles:    1,
		CompletedAt:    &done,
	}
	jobs := []*entity.Job{
		{
			JobID:            "j-ok",
			FileURL:          "https://example.com/a.pdf",
			FileName:         "a.pdf",
			Status:           constants.JobStatusCompleted,
			ProcessingTimeMs: &ms,
			Correlation:      json.RawMessage(`{"file_id":"a"}`),
			Metadata:         json.RawMessage(`{"title":"A"}`),
			References:       json.RawMessage(`[{"title":"R"}]`),
			ErrorMessage:     "ignored",
		},
		{
			JobID:        "j-bad",
			FileURL:      "https://example.com/b.pdf",
			Status:       constants.JobStatusFailed,
			ErrorMessage: "download failed",
			Metadata:     json.RawMessage(`{"title":"partial"}`),
		},
	}
	return b, jobs
}

func TestBuildPayload(t *testing.T) {
	b, jobs := settledBatch("")
	p := BuildPayload(b, jobs)

	if p.BatchID != "b-1" || p.ProcessedFiles != 1 || p.FailedFiles != 1 || len(p.Files) != 2 {
		t.Fatalf("payload = %+v", p)
	}
	ok, bad := p.Files[0], p.Files[1]
	if diff := cmp.Diff([]string{"metadata", "references"}, ok.Extracted); diff != "" {
		t.Errorf("Extracted mismatch (-want +got):\n%s", diff)
	}
	if ok.Error != "" || string(ok.Correlation) != `{"file_id":"a"}` {
		t.Errorf("completed file = %+v", ok)
	}
	if bad.Error != "download failed" || bad.Metadata != nil || len(bad.Extracted) != 0 {
		t.Errorf("failed file = %+v", bad)
	}
}

func TestNotifyBatchDelivered(t *testing.T) {
	var got Payload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b, jobs := settledBatch(srv.URL)
	d := NewNotifier(time.Second, slog.New(slog.DiscardHandler)).NotifyBatch(context.Background(), b, jobs)
	if !d.Sent || d.Err != nil || d.Status == nil || *d.Status != http.StatusAccepted {
		t.Fatalf("Delivery = %+v", d)
	}
	if headers.Get("X-Batch-ID") != "b-1" || headers.Get("Content-Type") != "application/json" {
		t.Errorf("headers = %v", headers)
	}
	if diff := cmp.Diff(BuildPayload(b, jobs), got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyBatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, jobs := settledBatch(srv.URL)
	d := NewNotifier(time.Second, slog.New(slog.DiscardHandler)).NotifyBatch(context.Background(), b, jobs)
	if d.Sent || d.Err == nil || d.Status == nil || *d.Status != http.StatusInternalServerError {
		t.Errorf("Delivery = %+v, want rejected with 500", d)
	}
}

func TestNotifyBatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b, jobs := settledBatch(url)
	d := NewNotifier(time.Second, slog.New(slog.DiscardHandler)).NotifyBatch(context.Background(), b, jobs)
	if d.Sent || d.Err == nil || d.Status != nil {
		t.Errorf("Delivery = %+v, want transport error", d)
	}
}

func TestNotifyBatchWithoutURL(t *testing.T) {
	b, jobs := settledBatch("")
	if d := NewNotifier(0, nil).NotifyBatch(context.Background(), b, jobs); d.Sent || d.Err != nil {
		t.Errorf("Delivery = %+v, want no-op", d)
	}
}
