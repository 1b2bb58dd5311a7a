package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

// StaleJobStore lists and fails jobs whose executor stopped heartbeating.
type StaleJobStore interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]*entity.Job, error)
	Fail(ctx context.Context, id int64, message string, now time.Time) (bool, error)
}

// OutcomeRecorder counts a terminal job against its batch.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, batchID int64, failed bool) (bool, error)
}

// Reclaimer fails processing jobs whose heartbeat went stale, so their batch
// can still settle after an executor died.
type Reclaimer struct {
	store    StaleJobStore
	recorder OutcomeRecorder
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	finish   func(jobID string)
}

type ReclaimerOption func(*Reclaimer)

func WithTimeout(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithReclaimClock(now func() time.Time) ReclaimerOption {
	return func(r *Reclaimer) { r.now = now }
}

// WithLiveView drops reclaimed jobs from the live progress view.
func WithLiveView(finish func(jobID string)) ReclaimerOption {
	return func(r *Reclaimer) { r.finish = finish }
}

func NewReclaimer(store StaleJobStore, recorder OutcomeRecorder, logger *slog.Logger, opts ...ReclaimerOption) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reclaimer{
		store:    store,
		recorder: recorder,
		logger:   logger,
		timeout:  constants.DefaultReclaimTimeout,
		interval: 5 * time.Minute,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TimeoutMessage is the error stored on a reclaimed job.
func (r *Reclaimer) TimeoutMessage() string {
	return fmt.Sprintf("job timed out after %d minutes without a heartbeat", int(r.timeout.Minutes()))
}

// Sweep fails every stale processing job once and returns their public ids.
// Jobs already failed are excluded by the store's state filter, so a second
// sweep is a no-op.
func (r *Reclaimer) Sweep(ctx context.Context) ([]string, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.timeout)

	stale, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("reclaimer.sweep.list_failed", "error", err)
		return nil, err
	}

	var reclaimed []string
	var errs []error
	msg := r.TimeoutMessage()
	for _, j := range stale {
		ok, err := r.store.Fail(ctx, j.ID, msg, now)
		if err != nil {
			r.logger.Error("reclaimer.fail_error", "job_id", j.JobID, "error", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		reclaimed = append(reclaimed, j.JobID)
		if r.finish != nil {
			r.finish(j.JobID)
		}
		r.logger.Warn("reclaimer.reclaimed",
			"job_id", j.JobID,
			"batch_id", j.BatchPublicID,
			"worker_id", j.WorkerID,
			"last_heartbeat", j.LastHeartbeat,
		)
		if r.recorder != nil {
			if _, err := r.recorder.RecordOutcome(ctx, j.BatchID, true); err != nil {
				errs = append(errs, err)
			}
		}
	}

	r.logger.Info("reclaimer.sweep.done", "candidates", len(stale), "reclaimed", len(reclaimed), "cutoff", cutoff)
	return reclaimed, errors.Join(errs...)
}

// Run sweeps on every interval tick until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.logger.Info("reclaimer.start", "interval", r.interval, "timeout", r.timeout)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer.stop")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reclaimer.sweep.partial", "error", err)
			}
		}
	}
}
