// Package progress keeps the live progress view of running jobs and persists
// every checkpoint through the job store.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

var (
	// ErrNotTracked is returned for progress updates on a job that was never initialized here.
	ErrNotTracked = errors.New("progress: job not tracked")
	// ErrStateConflict means the store refused the transition because the job moved on
	// (already started elsewhere, reclaimed, or finished).
	ErrStateConflict = common.NewAppError("STATE_CONFLICT", "job is not in the expected state", common.ErrConflict)
)

// Store is the slice of the job repository the tracker writes through.
type Store interface {
	Start(ctx context.Context, id int64, workerID string, now, eta time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id int64, pct int, now, eta time.Time) (bool, error)
}

type live struct {
	id        int64
	startedAt time.Time
	view      entity.JobView
}

type Tracker struct {
	store   Store
	log     *slog.Logger
	now     func() time.Time
	horizon time.Duration

	mu   sync.RWMutex
	jobs map[string]*live
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithHorizon sets the provisional ETA used before any progress is known.
func WithHorizon(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.horizon = d
		}
	}
}

func NewTracker(store Store, log *slog.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		store:   store,
		log:     log,
		now:     time.Now,
		horizon: constants.DefaultETAHorizon,
		jobs:    make(map[string]*live),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Initialize moves a pending job to processing, owned by workerID, and starts
// tracking it. It is called once per job attempt.
func (t *Tracker) Initialize(ctx context.Context, job *entity.Job, workerID string) error {
	now := t.now().UTC()
	eta := now.Add(t.horizon)

	ok, err := t.store.Start(ctx, job.ID, workerID, now, eta)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStateConflict
	}

	view := job.View()
	view.Status = constants.JobStatusProcessing
	view.ProgressPercentage = constants.ProgressInitialized
	view.WorkerID = workerID
	view.StartedAt = &now
	view.LastHeartbeat = &now
	view.EstimatedCompletion = &eta

	t.mu.Lock()
	t.jobs[job.JobID] = &live{id: job.ID, startedAt: now, view: view}
	t.mu.Unlock()

	t.log.Info("progress.initialized", "worker_id", workerID, "job_id", job.JobID, "estimated_completion", eta)
	return nil
}

// UpdateProgress records a checkpoint, refreshes the heartbeat and extrapolates
// the ETA linearly from the time spent so far.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID string, pct int, message string) error {
	if pct < 0 || pct > 100 {
		return common.InvalidInputf("progress must be between 0 and 100, got %d", pct)
	}

	t.mu.RLock()
	entry, ok := t.jobs[jobID]
	var id int64
	var startedAt time.Time
	if ok {
		id, startedAt = entry.id, entry.startedAt
	}
	t.mu.RUnlock()
	if !ok {
		return ErrNotTracked
	}

	now := t.now().UTC()
	eta := t.estimate(startedAt, now, pct)

	updated, err := t.store.UpdateProgress(ctx, id, pct, now, eta)
	if err != nil {
		return err
	}
	if !updated {
		return ErrStateConflict
	}

	t.mu.Lock()
	workerID := entry.view.WorkerID
	if e, ok := t.jobs[jobID]; ok {
		e.view.ProgressPercentage = pct
		e.view.LastHeartbeat = &now
		e.view.EstimatedCompletion = &eta
	}
	t.mu.Unlock()

	t.log.Info("progress.update", "worker_id", workerID, "job_id", jobID, "progress", pct, "message", message)
	return nil
}

// estimate extrapolates the total duration from the elapsed time, falling back
// to the default horizon when nothing is known yet.
func (t *Tracker) estimate(startedAt, now time.Time, pct int) time.Time {
	if pct <= 0 {
		return now.Add(t.horizon)
	}
	elapsed := now.Sub(startedAt)
	total := time.Duration(float64(elapsed) * 100 / float64(pct))
	return startedAt.Add(total)
}

// Snapshot returns the live view of a job. ok is false when the job is not
// running in this process; callers then read the persisted record instead.
func (t *Tracker) Snapshot(jobID string) (entity.JobView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.jobs[jobID]
	if !ok {
		return entity.JobView{}, false
	}
	v := entry.view
	v.StartedAt = copyTime(v.StartedAt)
	v.LastHeartbeat = copyTime(v.LastHeartbeat)
	v.EstimatedCompletion = copyTime(v.EstimatedCompletion)
	return v, true
}

// Finish drops the live view once the job reached a terminal state.
func (t *Tracker) Finish(jobID string) {
	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()
}

// Active is the number of jobs currently tracked.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
