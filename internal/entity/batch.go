package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
)

// Batch groups jobs submitted together and carries their aggregate counters.
type Batch struct {
	ID             int64                 `json:"-"`
	BatchID        string                `json:"batch_id"`
	Status         constants.BatchStatus `json:"status"`
	WebhookURL     string                `json:"webhook_url,omitempty"`
	TotalFiles     int                   `json:"total_files"`
	ProcessedFiles int                   `json:"processed_files"`
	FailedFiles    int                   `json:"failed_files"`
	RequestData    json.RawMessage       `json:"-"`
	WebhookSent    bool                  `json:"webhook_sent"`
	WebhookStatus  *int                  `json:"webhook_status,omitempty"`
	WebhookError   string                `json:"webhook_error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      *time.Time            `json:"updated_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// Settled is the number of jobs that reached a terminal state.
func (b *Batch) Settled() int {
	return b.ProcessedFiles + b.FailedFiles
}

// FileRequest is one document in a batch submission.
type FileRequest struct {
	URL      string          `json:"url"`
	FileID   string          `json:"file_id,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// BatchRequest is the batch submission payload. It is stored verbatim on the batch.
type BatchRequest struct {
	WebhookURL string             `json:"webhook_url,omitempty"`
	Files      []FileRequest      `json:"files"`
	Options    *ProcessingOptions `json:"options,omitempty"`
	BatchID    string             `json:"batch_id,omitempty"`
}

// BatchOptions reads the options stored in a batch request payload.
// ok is false when the payload carries none.
func BatchOptions(requestData json.RawMessage) (opts ProcessingOptions, ok bool, err error) {
	if len(requestData) == 0 {
		return DefaultOptions(), false, nil
	}
	var envelope struct {
		Options *ProcessingOptions `json:"options"`
	}
	if err := json.Unmarshal(requestData, &envelope); err != nil {
		return DefaultOptions(), false, err
	}
	if envelope.Options == nil {
		return DefaultOptions(), false, nil
	}
	return *envelope.Options, true, nil
}
