// Package ingest discovers PDF documents on disk, either by a one-off
// directory scan or by watching a drop directory.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/paper-extract/internal/services/jobs"
)

type WatchConfig struct {
	Roots       []string      // directories to watch (recursive)
	InitialScan bool          // if true, walk roots and emit existing files
	Debounce    time.Duration // coalesce rapid create/write bursts
}

// StartWatcher emits the paths of allowed, non-hidden files created or
// rewritten under cfg.Roots. Both channels close when ctx ends.
func StartWatcher(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Roots) == 0 {
		return nil, nil, errors.New("no roots provided")
	}
	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("watcher.create_failed", "error", err)
		return nil, nil, err
	}

	var initial []string
	for _, root := range cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if path != root && IsHidden(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return w.Add(path)
			}
			if cfg.InitialScan && AllowedExt(filepath.Ext(path)) {
				initial = append(initial, path)
			}
			return nil
		})
		if err != nil {
			logger.Error("watcher.add_root_failed", "root", root, "error", err)
			_ = w.Close()
			return nil, nil, err
		}
	}

	go func() {
		defer close(evCh)
		defer close(errCh)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("watcher.close_failed", "error", err)
			}
		}()

		emit := func(p string) bool {
			select {
			case evCh <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range initial {
			if !emit(p) {
				return
			}
		}

		pending := map[string]struct{}{}
		var fire <-chan time.Time
		var timer *time.Timer
		flush := func() bool {
			for p := range pending {
				delete(pending, p)
				if !emit(p) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if IsHidden(e.Name) {
					continue
				}
				if e.Has(fsnotify.Create) {
					if st, err := os.Stat(e.Name); err == nil && st.IsDir() {
						if err := w.Add(e.Name); err != nil {
							logger.Warn("watcher.add_dir_failed", "path", e.Name, "error", err)
						}
						continue
					}
				}
				if !AllowedExt(filepath.Ext(e.Name)) || !(e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)) {
					continue
				}
				pending[e.Name] = struct{}{}
				if cfg.Debounce <= 0 {
					if !flush() {
						return
					}
					continue
				}
				if timer == nil {
					timer = time.NewTimer(cfg.Debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(cfg.Debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if !flush() {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watcher.error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

// Submitter turns a discovered document into a job.
type Submitter interface {
	SubmitJob(ctx context.Context, req jobs.SubmitJobRequest) (*jobs.JobAccepted, error)
}

// Watcher submits every new PDF dropped in its directory as a standalone job.
// A file whose content was already submitted is not submitted again.
type Watcher struct {
	cfg    WatchConfig
	sub    Submitter
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]string // path -> digest
}

func NewWatcher(cfg WatchConfig, sub Submitter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	return &Watcher{cfg: cfg, sub: sub, logger: logger, seen: map[string]string{}}
}

// Run blocks until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	events, errs, err := StartWatcher(ctx, w.cfg, w.logger)
	if err != nil {
		return err
	}
	w.logger.Info("watcher.start", "roots", w.cfg.Roots, "debounce", w.cfg.Debounce)
	for {
		select {
		case p, ok := <-events:
			if !ok {
				w.logger.Info("watcher.stop")
				return nil
			}
			w.submit(ctx, p)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				w.logger.Warn("watcher.event_error", "error", err)
			}
		}
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		w.logger.Warn("watcher.abs_failed", "path", path, "error", err)
		return
	}
	digest, err := fileDigest(abs)
	if err != nil {
		// removed or renamed away before the debounce fired
		w.logger.Debug("watcher.unreadable", "path", abs, "error", err)
		return
	}

	w.mu.Lock()
	if w.seen[abs] == digest {
		w.mu.Unlock()
		return
	}
	w.seen[abs] = digest
	w.mu.Unlock()

	res, err := w.sub.SubmitJob(ctx, jobs.SubmitJobRequest{FileURL: abs})
	if err != nil {
		w.mu.Lock()
		delete(w.seen, abs)
		w.mu.Unlock()
		w.logger.Error("watcher.submit_failed", "path", abs, "error", err)
		return
	}
	w.logger.Info("watcher.submitted", "path", abs, "job_id", res.JobID, "batch_id", res.BatchID)
}
