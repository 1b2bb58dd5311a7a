package constants

import "time"

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // accepted, not yet picked by a worker
	JobStatusProcessing JobStatus = "processing" // owned by exactly one executor
	JobStatusCompleted  JobStatus = "completed"  // terminal success
	JobStatusFailed     JobStatus = "failed"     // terminal failure
)

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// BatchStatus is the aggregate status for rows in batches.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed" // whole submission aborted
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Executor checkpoints, in percent.
const (
	ProgressInitialized = 0
	ProgressPreparing   = 10
	ProgressExtracting  = 25
	ProgressSaving      = 90
	ProgressDone        = 100
)

const (
	// DefaultETAHorizon is the provisional estimate used before any progress is known.
	DefaultETAHorizon = 2 * time.Minute
	// DefaultReclaimTimeout is how long a processing job may go without a heartbeat.
	DefaultReclaimTimeout = 30 * time.Minute
)
