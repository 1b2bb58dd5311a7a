package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/extract"
	"github.com/joseph-ayodele/paper-extract/internal/repository"
)

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// Dispatcher is the slice of the background dispatcher submissions need.
type Dispatcher interface {
	Submit(id int64) error
	RecordOutcome(ctx context.Context, batchID int64, failed bool) (bool, error)
	Abort(ctx context.Context, batchID int64, reason string) (*entity.Batch, error)
	Workers() int
}

// BatchAbortedError reports a stored batch that was failed because its jobs
// could not be queued. The batch id stays taken; a retry needs a new one.
type BatchAbortedError struct {
	BatchID string
	Cause   error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("batch %s aborted: %v", e.BatchID, e.Cause)
}

func (e *BatchAbortedError) Unwrap() error { return e.Cause }

// LiveView exposes in-flight progress kept in memory by the tracker.
type LiveView interface {
	Snapshot(jobID string) (entity.JobView, bool)
}

// Service handles job and batch submission and status lookups.
type Service struct {
	jobs       repository.JobRepository
	batches    repository.BatchRepository
	dispatcher Dispatcher
	live       LiveView
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new jobs service.
func NewService(jobs repository.JobRepository, batches repository.BatchRepository, dispatcher Dispatcher, live LiveView, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:       jobs,
		batches:    batches,
		dispatcher: dispatcher,
		live:       live,
		logger:     logger,
		now:        time.Now,
	}
}

// SubmitJobRequest represents single document submission parameters.
type SubmitJobRequest struct {
	FileURL  string                    `json:"file_url"`
	FileName string                    `json:"file_name,omitempty"`
	BatchID  string                    `json:"batch_id,omitempty"`
	Options  *entity.ProcessingOptions `json:"options,omitempty"`
}

// JobAccepted is returned once a job is durably stored and queued.
type JobAccepted struct {
	JobID              string              `json:"job_id"`
	BatchID            string              `json:"batch_id"`
	Status             constants.JobStatus `json:"status"`
	ProgressPercentage int                 `json:"progress_percentage"`
}

// BatchAccepted is returned once a batch and all its jobs are stored and queued.
type BatchAccepted struct {
	BatchID                 string                `json:"batch_id"`
	Status                  constants.BatchStatus `json:"status"`
	TotalFiles              int                   `json:"total_files"`
	CreatedAt               time.Time             `json:"created_at"`
	EstimatedCompletionTime *time.Time            `json:"estimated_completion_time"`
}

// SubmitJob stores one pending job and queues it. Without a batch reference
// the job gets an implicit single-file batch.
func (s *Service) SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobAccepted, error) {
	req.FileURL = strings.TrimSpace(req.FileURL)
	req.FileName = strings.TrimSpace(req.FileName)
	req.BatchID = strings.TrimSpace(req.BatchID)

	v := common.NewValidator()
	v.Field("file_url", req.FileURL, common.Required, common.DocumentRef)
	v.Field("file_name", req.FileName, common.MaxLength(255))
	v.Field("batch_id", req.BatchID, common.MaxLength(128), common.Pattern(batchIDPattern, "may only contain letters, digits and . _ : -"))
	if req.Options != nil {
		v.Check(req.Options.Any(), "options", "must enable at least one extraction step")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	nj := entity.NewJob{
		JobID:    uuid.NewString(),
		FileURL:  req.FileURL,
		FileName: req.FileName,
		Options:  req.Options,
	}
	if nj.FileName == "" {
		nj.FileName = extract.NameFromRef(req.FileURL)
	}

	var (
		batch    *entity.Batch
		job      *entity.Job
		implicit = req.BatchID == ""
	)
	if implicit {
		data, err := json.Marshal(entity.BatchRequest{
			Files:   []entity.FileRequest{{URL: req.FileURL}},
			Options: req.Options,
		})
		if err != nil {
			return nil, common.InvalidInputf("encode request: %v", err)
		}
		var jobs []*entity.Job
		batch, jobs, err = s.batches.Create(ctx, &entity.Batch{BatchID: uuid.NewString(), RequestData: data}, []entity.NewJob{nj})
		if err != nil {
			return nil, err
		}
		job = jobs[0]
	} else {
		var err error
		batch, job, err = s.batches.AddJob(ctx, req.BatchID, nj)
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NotFoundf("batch %s not found", req.BatchID)
		}
		if err != nil {
			return nil, err
		}
	}

	log := s.logger.With("job_id", job.JobID, "batch_id", batch.BatchID)
	if err := s.dispatcher.Submit(job.ID); err != nil {
		log.Warn("submit.job.dispatch_failed", "error", err)
		s.abandonJob(ctx, batch, job, implicit, err)
		if implicit {
			return nil, &BatchAbortedError{BatchID: batch.BatchID, Cause: err}
		}
		return nil, err
	}

	log.Info("submit.job.accepted", "file_url", job.FileURL, "implicit_batch", implicit)
	return &JobAccepted{
		JobID:              job.JobID,
		BatchID:            batch.BatchID,
		Status:             constants.JobStatusPending,
		ProgressPercentage: constants.ProgressInitialized,
	}, nil
}

// abandonJob settles a job that was stored but could not be queued, so its
// batch does not wait on it forever.
func (s *Service) abandonJob(ctx context.Context, batch *entity.Batch, job *entity.Job, implicit bool, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := "dispatch failed: " + common.PublicMessage(cause)
	if implicit {
		if _, err := s.dispatcher.Abort(ctx, batch.ID, reason); err != nil {
			s.logger.Error("submit.job.abort_failed", "batch_id", batch.BatchID, "error", err)
		}
		return
	}
	ok, err := s.jobs.Fail(ctx, job.ID, reason, s.now())
	if err != nil {
		s.logger.Error("submit.job.fail_failed", "job_id", job.JobID, "error", err)
		return
	}
	if ok {
		if _, err := s.dispatcher.RecordOutcome(ctx, batch.ID, true); err != nil {
			s.logger.Error("submit.job.aggregate_failed", "job_id", job.JobID, "error", err)
		}
	}
}

// SubmitBatch validates and stores a batch with one pending job per file,
// then queues every job. A duplicate batch id is rejected before anything is
// written. If any job cannot be queued the whole batch is aborted and a
// *BatchAbortedError names it.
func (s *Service) SubmitBatch(ctx context.Context, req entity.BatchRequest) (*BatchAccepted, error) {
	req.BatchID = strings.TrimSpace(req.BatchID)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)

	v := common.NewValidator()
	v.Check(len(req.Files) > 0, "files", "must contain at least one file")
	for i := range req.Files {
		req.Files[i].URL = strings.TrimSpace(req.Files[i].URL)
		v.Field(fmt.Sprintf("files[%d].url", i), req.Files[i].URL, common.Required, common.DocumentRef)
		v.Field(fmt.Sprintf("files[%d].file_id", i), req.Files[i].FileID, common.MaxLength(255))
	}
	v.Field("webhook_url", req.WebhookURL, common.HTTPURL)
	v.Field("batch_id", req.BatchID, common.MaxLength(128), common.Pattern(batchIDPattern, "may only contain letters, digits and . _ : -"))
	if req.Options != nil {
		v.Check(req.Options.Any(), "options", "must enable at least one extraction step")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	} else if exists, err := s.batches.Exists(ctx, req.BatchID); err != nil {
		return nil, err
	} else if exists {
		s.logger.Warn("submit.batch.duplicate", "batch_id", req.BatchID)
		return nil, common.Conflictf("batch %s already exists", req.BatchID)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, common.InvalidInputf("encode request: %v", err)
	}

	newJobs := make([]entity.NewJob, 0, len(req.Files))
	for _, f := range req.Files {
		nj := entity.NewJob{JobID: uuid.NewString(), FileURL: f.URL, FileName: f.FileID}
		if nj.FileName == "" {
			nj.FileName = extract.NameFromRef(f.URL)
		}
		if f.FileID != "" || len(f.Metadata) > 0 {
			if nj.Correlation, err = json.Marshal(struct {
				FileID   string          `json:"file_id,omitempty"`
				Metadata json.RawMessage `json:"metadata,omitempty"`
			}{f.FileID, f.Metadata}); err != nil {
				return nil, common.InvalidInputf("files: metadata: %v", err)
			}
		}
		newJobs = append(newJobs, nj)
	}

	batch, jobs, err := s.batches.Create(ctx, &entity.Batch{
		BatchID:     req.BatchID,
		WebhookURL:  req.WebhookURL,
		RequestData: data,
	}, newJobs)
	if err != nil {
		return nil, err
	}

	log := s.logger.With("batch_id", batch.BatchID)
	for _, j := range jobs {
		if err := s.dispatcher.Submit(j.ID); err != nil {
			log.Warn("submit.batch.dispatch_failed", "job_id", j.JobID, "error", err)
			if _, aerr := s.dispatcher.Abort(context.WithoutCancel(ctx), batch.ID, "dispatch failed: "+common.PublicMessage(err)); aerr != nil {
				log.Error("submit.batch.abort_failed", "error", aerr)
			}
			return nil, &BatchAbortedError{BatchID: batch.BatchID, Cause: err}
		}
	}

	eta := s.estimate(batch.CreatedAt, batch.TotalFiles)
	log.Info("submit.batch.accepted", "total_files", batch.TotalFiles, "webhook", batch.WebhookURL != "", "eta", eta)
	return &BatchAccepted{
		BatchID:                 batch.BatchID,
		Status:                  batch.Status,
		TotalFiles:              batch.TotalFiles,
		CreatedAt:               batch.CreatedAt,
		EstimatedCompletionTime: &eta,
	}, nil
}

// estimate assumes each worker needs one ETA horizon per file.
func (s *Service) estimate(from time.Time, total int) time.Time {
	workers := 1
	if s.dispatcher != nil && s.dispatcher.Workers() > 0 {
		workers = s.dispatcher.Workers()
	}
	rounds := (total + workers - 1) / workers
	return from.Add(time.Duration(rounds) * constants.DefaultETAHorizon)
}

// JobStatus prefers the tracker's live view and falls back to the stored record.
func (s *Service) JobStatus(ctx context.Context, jobID string) (entity.JobView, error) {
	jobID = strings.TrimSpace(jobID)
	if s.live != nil {
		if v, ok := s.live.Snapshot(jobID); ok {
			return v, nil
		}
	}
	job, err := s.jobs.GetByPublicID(ctx, jobID)
	if errors.Is(err, common.ErrNotFound) {
		return entity.JobView{}, common.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return entity.JobView{}, err
	}
	return job.View(), nil
}

// BatchStatus returns the aggregate view of a batch, with per-file views when
// includeFiles is set.
func (s *Service) BatchStatus(ctx context.Context, batchID string, includeFiles bool) (entity.BatchView, error) {
	batchID = strings.TrimSpace(batchID)
	batch, err := s.batches.GetByPublicID(ctx, batchID)
	if errors.Is(err, common.ErrNotFound) {
		return entity.BatchView{}, common.NotFoundf("batch %s not found", batchID)
	}
	if err != nil {
		return entity.BatchView{}, err
	}

	view := batch.View()
	if !batch.Status.IsTerminal() {
		eta := s.estimate(batch.CreatedAt, batch.TotalFiles)
		view.EstimatedCompletionTime = &eta
	}
	if !includeFiles {
		return view, nil
	}

	jobs, err := s.jobs.ListByBatch(ctx, batch.ID)
	if err != nil {
		return entity.BatchView{}, err
	}
	view.Files = make([]entity.JobView, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == constants.JobStatusProcessing && s.live != nil {
			if lv, ok := s.live.Snapshot(j.JobID); ok {
				view.Files = append(view.Files, lv)
				continue
			}
		}
		view.Files = append(view.Files, j.View())
	}
	return view, nil
}

// AwaitBatch polls until the batch is terminal or ctx ends.
func (s *Service) AwaitBatch(ctx context.Context, batchID string, every time.Duration) (entity.BatchView, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		view, err := s.BatchStatus(ctx, batchID, false)
		if err != nil {
			return view, err
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}
