package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
)

// JobView is the externally visible state of a job. The progress tracker's
// live snapshot and the persisted record both render into this shape.
type JobView struct {
	JobID               string              `json:"job_id"`
	BatchID             string              `json:"batch_id,omitempty"`
	Status              constants.JobStatus `json:"status"`
	ProgressPercentage  int                 `json:"progress_percentage"`
	FileURL             string              `json:"file_url"`
	FileName            string              `json:"file_name,omitempty"`
	WorkerID            string              `json:"worker_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	StartedAt           *time.Time          `json:"started_at"`
	LastHeartbeat       *time.Time          `json:"last_heartbeat"`
	EstimatedCompletion *time.Time          `json:"estimated_completion"`
	CompletedAt         *time.Time          `json:"completed_at"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	ProcessingTimeMs    *int64              `json:"processing_time,omitempty"`
	Metadata            json.RawMessage     `json:"doc_metadata,omitempty"`
	References          json.RawMessage     `json:"references,omitempty"`
	ExtractedText       string              `json:"extracted_text,omitempty"`
}

// View renders the persisted job. Results are only exposed once completed,
// and the error only once failed.
func (j *Job) View() JobView {
	v := JobView{
		JobID:               j.JobID,
		BatchID:             j.BatchPublicID,
		Status:              j.Status,
		ProgressPercentage:  j.ProgressPercentage,
		FileURL:             j.FileURL,
		FileName:            j.FileName,
		WorkerID:            j.WorkerID,
		CreatedAt:           j.CreatedAt,
		StartedAt:           j.StartedAt,
		LastHeartbeat:       j.LastHeartbeat,
		EstimatedCompletion: j.EstimatedCompletion,
		CompletedAt:         j.CompletedAt,
		ProcessingTimeMs:    j.ProcessingTimeMs,
	}
	switch j.Status {
	case constants.JobStatusCompleted:
		v.Metadata = j.Metadata
		v.References = j.References
		v.ExtractedText = j.ExtractedText
	case constants.JobStatusFailed:
		v.ErrorMessage = j.ErrorMessage
	}
	return v
}

// BatchView is the batch status response.
type BatchView struct {
	BatchID                 string                `json:"batch_id"`
	Status                  constants.BatchStatus `json:"status"`
	TotalFiles              int                   `json:"total_files"`
	ProcessedFiles          int                   `json:"processed_files"`
	FailedFiles             int                   `json:"failed_files"`
	WebhookURL              string                `json:"webhook_url,omitempty"`
	WebhookSent             bool                  `json:"webhook_sent"`
	CreatedAt               time.Time             `json:"created_at"`
	CompletedAt             *time.Time            `json:"completed_at"`
	EstimatedCompletionTime *time.Time            `json:"estimated_completion_time,omitempty"`
	Files                   []JobView             `json:"files,omitempty"`
}

func (b *Batch) View() BatchView {
	return BatchView{
		BatchID:        b.BatchID,
		Status:         b.Status,
		TotalFiles:     b.TotalFiles,
		ProcessedFiles: b.ProcessedFiles,
		FailedFiles:    b.FailedFiles,
		WebhookURL:     b.WebhookURL,
		WebhookSent:    b.WebhookSent,
		CreatedAt:      b.CreatedAt,
		CompletedAt:    b.CompletedAt,
	}
}
