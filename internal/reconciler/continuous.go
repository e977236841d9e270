package reconciler

import (
	"context"
	"time"

	"github.com/cragr/snowmirror/internal/models"
	"github.com/cragr/snowmirror/internal/repository"
)

// lockKeyPrefix namespaces per-type run locks in the shared lock backend.
const lockKeyPrefix = "snowmirror:sync:"

// Stats is a point-in-time snapshot of the reconciler for status reporting.
type Stats struct {
	IsRunning   bool                                          `json:"is_running"`
	LastSyncAt  time.Time                                     `json:"last_sync_at"`
	LastResults map[models.RecordType]*models.BatchSyncResult `json:"last_results,omitempty"`
	Repository  *repository.Stats                             `json:"repository,omitempty"`
}

// StartContinuous begins periodic syncing of all record types. Calling it
// while already running logs a warning and returns.
func (r *Reconciler) StartContinuous(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("continuous sync already running")
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("starting continuous sync", "interval", r.cfg.Interval)
	go r.runLoop(ctx, stopCh, doneCh)
}

// StopContinuous stops the periodic loop and waits for an in-flight run to
// finish.
func (r *Reconciler) StopContinuous() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
	r.logger.Info("continuous sync stopped")
}

func (r *Reconciler) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	r.runAll(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAll(ctx)
		}
	}
}

// runAll syncs every record type, each under a distributed run lock so
// overlapping deployments do not double-process a window.
func (r *Reconciler) runAll(ctx context.Context) {
	for _, t := range models.AllRecordTypes() {
		if ctx.Err() != nil {
			return
		}

		release, ok, err := r.locker.TryLock(ctx, lockKeyPrefix+string(t), r.cfg.LockTTL)
		if err != nil {
			r.logger.Error("run lock error", "record_type", t, "error", err)
			continue
		}
		if !ok {
			r.logger.Info("sync lock held elsewhere, skipping", "record_type", t)
			continue
		}

		if _, err := r.SyncType(ctx, t, Options{}); err != nil {
			r.logger.Error("scheduled sync failed", "record_type", t, "error", err)
		}
		release()
	}
}

// Stats reports the reconciler's current state plus repository counts.
func (r *Reconciler) Stats(ctx context.Context) *Stats {
	r.mu.Lock()
	s := &Stats{
		IsRunning:   r.running,
		LastSyncAt:  r.lastSyncAt,
		LastResults: make(map[models.RecordType]*models.BatchSyncResult, len(r.lastResults)),
	}
	for t, res := range r.lastResults {
		s.LastResults[t] = res
	}
	r.mu.Unlock()

	repoStats, err := r.repo.Stats(ctx)
	if err != nil {
		r.logger.Error("failed to collect repository stats", "error", err)
	} else {
		s.Repository = repoStats
	}
	return s
}
