package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
)

// Job is one extraction attempt against one document.
// ID is internal; JobID is the only identifier handed to callers.
type Job struct {
	ID                  int64               `json:"-"`
	JobID               string              `json:"job_id"`
	BatchID             int64               `json:"-"`
	BatchPublicID       string              `json:"batch_id,omitempty"`
	FileURL             string              `json:"file_url"`
	FileName            string              `json:"file_name,omitempty"`
	Correlation         json.RawMessage     `json:"correlation,omitempty"`
	Options             *ProcessingOptions  `json:"options,omitempty"`
	Status              constants.JobStatus `json:"status"`
	ProgressPercentage  int                 `json:"progress_percentage"`
	WorkerID            string              `json:"worker_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           *time.Time          `json:"updated_at,omitempty"`
	StartedAt           *time.Time          `json:"started_at,omitempty"`
	LastHeartbeat       *time.Time          `json:"last_heartbeat,omitempty"`
	EstimatedCompletion *time.Time          `json:"estimated_completion,omitempty"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	ProcessingTimeMs    *int64              `json:"processing_time,omitempty"`
	Metadata            json.RawMessage     `json:"doc_metadata,omitempty"`
	References          json.RawMessage     `json:"references,omitempty"`
	ExtractedText       string              `json:"extracted_text,omitempty"`
}

// NewJob is a pending job ready to be persisted.
type NewJob struct {
	JobID       string
	FileURL     string
	FileName    string
	Correlation json.RawMessage
	Options     *ProcessingOptions
}

// ExtractionResult is what the extraction client hands back for one document.
type ExtractionResult struct {
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	References    json.RawMessage `json:"references,omitempty"`
	ExtractedText string          `json:"extracted_text,omitempty"`
	Model         string          `json:"model,omitempty"`
}

// PresentKeys lists which extraction outputs carry data.
func (r ExtractionResult) PresentKeys() []string {
	return presentKeys(r.Metadata, r.References, r.ExtractedText)
}

func presentKeys(metadata, references json.RawMessage, text string) []string {
	keys := make([]string, 0, 3)
	if hasJSON(metadata) {
		keys = append(keys, "metadata")
	}
	if hasJSON(references) {
		keys = append(keys, "references")
	}
	if text != "" {
		keys = append(keys, "extracted_text")
	}
	return keys
}

func hasJSON(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) > 0 && s != "null" && s != "{}" && s != "[]"
}
