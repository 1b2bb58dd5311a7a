package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/extract"
	"github.com/joseph-ayodele/paper-extract/internal/progress"
)

// JobStore is what the executor needs from the job repository.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*entity.Job, error)
	Complete(ctx context.Context, id int64, res entity.ExtractionResult, now time.Time, processingMs int64) (bool, error)
	Fail(ctx context.Context, id int64, message string, now time.Time) (bool, error)
}

// BatchReader resolves the batch a job inherits options from.
type BatchReader interface {
	GetByID(ctx context.Context, id int64) (*entity.Batch, error)
}

// Tracker reports progress for the job being executed.
type Tracker interface {
	Initialize(ctx context.Context, job *entity.Job, workerID string) error
	UpdateProgress(ctx context.Context, jobID string, pct int, message string) error
	Finish(jobID string)
}

// DocumentFetcher loads the source document of a job.
type DocumentFetcher interface {
	Fetch(ctx context.Context, ref string) (extract.Document, error)
}

// Outcome is the result of one Run.
type Outcome struct {
	JobID    int64
	PublicID string
	BatchID  int64
	Status   constants.JobStatus
	// Recorded is true when this run's terminal transition was the one persisted.
	// Only recorded outcomes are counted against the batch.
	Recorded bool
	Err      error
}

// Executor drives a single job from pending to a terminal state.
type Executor struct {
	jobs      JobStore
	batches   BatchReader
	tracker   Tracker
	fetcher   DocumentFetcher
	extractor extract.Extractor
	logger    *slog.Logger
	now       func() time.Time

	failTimeout time.Duration
}

func NewExecutor(
	logger *slog.Logger,
	jobs JobStore,
	batches BatchReader,
	tracker Tracker,
	fetcher DocumentFetcher,
	extractor extract.Extractor,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		jobs:        jobs,
		batches:     batches,
		tracker:     tracker,
		fetcher:     fetcher,
		extractor:   extractor,
		logger:      logger,
		now:         time.Now,
		failTimeout: 10 * time.Second,
	}
}

// errLostOwnership means the store refused a checkpoint because the job left
// processing under us (typically reclaimed).
var errLostOwnership = errors.New("job no longer owned by this worker")

// Run executes job id on behalf of workerID. It never panics and never returns
// a job-level failure as a crash: failures end up on the job record.
func (e *Executor) Run(ctx context.Context, id int64, workerID string) Outcome {
	log := e.logger.With("worker_id", workerID)

	job, err := e.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Warn("executor.job_missing", "id", id)
			return Outcome{JobID: id}
		}
		log.Error("executor.load_failed", "id", id, "error", err)
		return Outcome{JobID: id, Err: err}
	}

	out := Outcome{JobID: job.ID, PublicID: job.JobID, BatchID: job.BatchID}
	log = log.With("job_id", job.JobID, "batch_id", job.BatchPublicID)

	if err := e.tracker.Initialize(ctx, job, workerID); err != nil {
		if errors.Is(err, progress.ErrStateConflict) {
			log.Info("executor.skip", "status", job.Status)
			out.Status = job.Status
			return out
		}
		return e.fail(ctx, log, out, common.WrapError(err, "initialize"))
	}
	defer e.tracker.Finish(job.JobID)

	started := e.now()
	log.Info("executor.start", "file_url", job.FileURL)

	res, err := e.process(ctx, log, job)
	switch {
	case errors.Is(err, errLostOwnership):
		log.Warn("executor.abandoned", "reason", err)
		out.Status = constants.JobStatusFailed
		return out
	case err != nil:
		return e.fail(ctx, log, out, err)
	}

	elapsed := e.now().Sub(started).Milliseconds()
	ok, err := e.jobs.Complete(ctx, job.ID, res, e.now(), elapsed)
	if err != nil {
		return e.fail(ctx, log, out, err)
	}
	out.Status = constants.JobStatusCompleted
	if !ok {
		log.Warn("executor.abandoned", "reason", "job left processing before completion")
		out.Status = constants.JobStatusFailed
		return out
	}
	out.Recorded = true
	log.Info("executor.done", "status", out.Status, "elapsed_ms", elapsed, "extracted", res.PresentKeys())
	return out
}

// process runs the checkpoints between initialization and completion.
// It stops at ProgressSaving so a job never reads as done without its results.
// A panic anywhere in it is turned into an error.
func (e *Executor) process(ctx context.Context, log *slog.Logger, job *entity.Job) (res entity.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor.panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic during extraction: %v", r)
		}
	}()

	opts := e.resolveOptions(ctx, log, job)

	if err := e.checkpoint(ctx, job, constants.ProgressPreparing, "preparing PDF processing"); err != nil {
		return res, err
	}
	doc, err := e.fetcher.Fetch(ctx, job.FileURL)
	if err != nil {
		return res, common.WrapError(err, "fetch document")
	}
	if job.FileName != "" {
		doc.Name = job.FileName
	}

	if err := e.checkpoint(ctx, job, constants.ProgressExtracting, "starting AI extraction"); err != nil {
		return res, err
	}
	res, err = e.extractor.Extract(ctx, doc, opts)
	if err != nil {
		return res, err
	}

	// 100% is written by Complete together with the results.
	if err := e.checkpoint(ctx, job, constants.ProgressSaving, "processing complete, saving results"); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Executor) checkpoint(ctx context.Context, job *entity.Job, pct int, message string) error {
	err := e.tracker.UpdateProgress(ctx, job.JobID, pct, message)
	if errors.Is(err, progress.ErrStateConflict) {
		return errLostOwnership
	}
	return err
}

// resolveOptions prefers the job's own options, then the options stored with
// its batch submission, then the defaults.
func (e *Executor) resolveOptions(ctx context.Context, log *slog.Logger, job *entity.Job) entity.ProcessingOptions {
	if job.Options != nil {
		return *job.Options
	}
	if e.batches != nil && job.BatchID != 0 {
		batch, err := e.batches.GetByID(ctx, job.BatchID)
		if err != nil {
			log.Warn("executor.batch_options_unavailable", "error", err)
			return entity.DefaultOptions()
		}
		opts, ok, err := entity.BatchOptions(batch.RequestData)
		if err != nil {
			log.Warn("executor.batch_options_invalid", "error", err)
		}
		if ok {
			return opts
		}
	}
	return entity.DefaultOptions()
}

// fail records cause on the job. It runs on a context detached from ctx so a
// cancelled job can still be marked failed, and it never panics itself.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, out Outcome, cause error) (result Outcome) {
	out.Status = constants.JobStatusFailed
	out.Err = cause
	result = out
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor.fail_panic", "panic", r)
			result.Recorded = false
		}
	}()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.failTimeout)
	defer cancel()

	ok, err := e.jobs.Fail(fctx, out.JobID, cause.Error(), e.now())
	if err != nil {
		log.Error("executor.fail_record_failed", "error", err, "cause", cause)
		return result
	}
	result.Recorded = ok
	log.Warn("executor.failed", "error", cause, "recorded", ok)
	return result
}
