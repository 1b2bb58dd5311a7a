// Package webhook delivers batch completion notifications.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

// FileSummary is the per-file part of a batch notification.
type FileSummary struct {
	JobID          string              `json:"job_id"`
	FileName       string              `json:"file_name,omitempty"`
	FileURL        string              `json:"file_url"`
	Status         constants.JobStatus `json:"status"`
	Error          string              `json:"error,omitempty"`
	ProcessingTime *int64              `json:"processing_time,omitempty"`
	Extracted      []string            `json:"extracted"`
	Correlation    json.RawMessage     `json:"correlation,omitempty"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"`
	References     json.RawMessage     `json:"references,omitempty"`
}

type Payload struct {
	BatchID        string                `json:"batch_id"`
	Status         constants.BatchStatus `json:"status"`
	TotalFiles     int                   `json:"total_files"`
	ProcessedFiles int                   `json:"processed_files"`
	FailedFiles    int                   `json:"failed_files"`
	CompletedAt    *time.Time            `json:"completed_at"`
	Files          []FileSummary         `json:"files"`
}

// BuildPayload renders a settled batch and its jobs.
func BuildPayload(batch *entity.Batch, jobs []*entity.Job) Payload {
	p := Payload{
		BatchID:        batch.BatchID,
		Status:         batch.Status,
		TotalFiles:     batch.TotalFiles,
		ProcessedFiles: batch.ProcessedFiles,
		FailedFiles:    batch.FailedFiles,
		CompletedAt:    batch.CompletedAt,
		Files:          make([]FileSummary, 0, len(jobs)),
	}
	for _, j := range jobs {
		fs := FileSummary{
			JobID:          j.JobID,
			FileName:       j.FileName,
			FileURL:        j.FileURL,
			Status:         j.Status,
			ProcessingTime: j.ProcessingTimeMs,
			Extracted:      []string{},
			Correlation:    j.Correlation,
		}
		switch j.Status {
		case constants.JobStatusCompleted:
			res := entity.ExtractionResult{Metadata: j.Metadata, References: j.References, ExtractedText: j.ExtractedText}
			fs.Extracted = res.PresentKeys()
			fs.Metadata = j.Metadata
			fs.References = j.References
		case constants.JobStatusFailed:
			fs.Error = j.ErrorMessage
		}
		p.Files = append(p.Files, fs)
	}
	return p
}

// Delivery is the outcome of one notification attempt.
type Delivery struct {
	Sent   bool
	Status *int
	Err    error
}

type Notifier struct {
	http *http.Client
	log  *slog.Logger
}

func NewNotifier(timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{http: &http.Client{Timeout: timeout}, log: logger}
}

// NotifyBatch posts the batch payload to its webhook URL once. Any 2xx counts
// as delivered. Failures are returned in the Delivery, never retried.
func (n *Notifier) NotifyBatch(ctx context.Context, batch *entity.Batch, jobs []*entity.Job) Delivery {
	if batch.WebhookURL == "" {
		return Delivery{}
	}
	start := time.Now()
	log := n.log.With("batch_id", batch.BatchID, "url", batch.WebhookURL)

	body, err := json.Marshal(BuildPayload(batch, jobs))
	if err != nil {
		return Delivery{Err: fmt.Errorf("encode payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, batch.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Delivery{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paper-extract-webhook/1.0")
	req.Header.Set("X-Batch-ID", batch.BatchID)

	resp, err := n.http.Do(req)
	if err != nil {
		log.Warn("webhook.send_error", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return Delivery{Err: err}
	}
	defer func(Body io.ReadCloser) {
		_, _ = io.Copy(io.Discard, io.LimitReader(Body, 64<<10))
		if err := Body.Close(); err != nil {
			log.Warn("webhook.body_close_error", "error", err)
		}
	}(resp.Body)

	code := resp.StatusCode
	if code/100 != 2 {
		log.Warn("webhook.rejected", "status", code, "elapsed_ms", time.Since(start).Milliseconds())
		return Delivery{Status: &code, Err: fmt.Errorf("webhook returned status %d", code)}
	}
	log.Info("webhook.delivered", "status", code, "files", len(jobs), "elapsed_ms", time.Since(start).Milliseconds())
	return Delivery{Sent: true, Status: &code}
}
