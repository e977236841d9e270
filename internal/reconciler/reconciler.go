// Package reconciler pulls deltas from the remote system of record and
// merges them into the local repository with conflict resolution and
// per-record failure isolation.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cragr/snowmirror/internal/breaker"
	"github.com/cragr/snowmirror/internal/bus"
	"github.com/cragr/snowmirror/internal/metrics"
	"github.com/cragr/snowmirror/internal/models"
	"github.com/cragr/snowmirror/internal/repository"
)

// actorLabel is stamped on every audit entry the reconciler produces.
const actorLabel = "reconciler"

// Per-record outcomes.
const (
	outcomeCreated = "created"
	outcomeUpdated = "updated"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// RemoteClient is the read contract against the system of record. The filter
// expression syntax is the client's concern; the reconciler only names states
// and a window.
type RemoteClient interface {
	QueryChangedSince(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error)
	FetchOne(ctx context.Context, table, externalID string) (*models.RawRecord, error)
}

// Repository is the validated write path into the local store.
type Repository interface {
	Get(ctx context.Context, externalID string, t models.RecordType) (*models.CanonicalRecord, error)
	Save(ctx context.Context, rec *models.CanonicalRecord) error
	Update(ctx context.Context, externalID string, t models.RecordType, patch map[string]any, actor string) error
	RecordCreation(ctx context.Context, rec *models.CanonicalRecord, actor string) error
	MarkSyncStatus(ctx context.Context, externalID string, t models.RecordType, status models.SyncStatus, syncErr string) error
	Stats(ctx context.Context) (*repository.Stats, error)
}

// Config holds the reconciler tuning knobs. Zero fields fall back to the
// defaults.
type Config struct {
	// Window is how far back the default delta window reaches.
	Window time.Duration
	// BatchSize bounds how many records are in flight per checkpoint.
	BatchSize int
	// MaxAttempts bounds the per-record retry loop.
	MaxAttempts int
	// Workers bounds per-batch concurrency.
	Workers int
	// Interval is the continuous-mode sync period.
	Interval time.Duration
	// EventTopic is where record change events are published.
	EventTopic string
	// LockTTL caps how long a continuous-mode run lock is held.
	LockTTL time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Window:      time.Hour,
		BatchSize:   100,
		MaxAttempts: 3,
		Workers:     4,
		Interval:    5 * time.Minute,
		EventTopic:  "snowmirror.records",
		LockTTL:     10 * time.Minute,
	}
}

// Options overrides per-run settings of SyncType. Zero fields use the
// reconciler's configuration.
type Options struct {
	Window      time.Duration
	BatchSize   int
	MaxAttempts int
	Workers     int
}

// Reconciler orchestrates windowed pulls through the failure gate and merges
// the results into the repository.
type Reconciler struct {
	remote    RemoteClient
	gate      *breaker.FailureGate
	repo      Repository
	publisher bus.Publisher
	locker    RunLocker
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// keyed serializes the check-then-write per (type, external id).
	keyed *keyedMutex

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastSyncAt  time.Time
	lastResults map[models.RecordType]*models.BatchSyncResult
}

// New creates a Reconciler. Zero config fields fall back to DefaultConfig.
func New(remote RemoteClient, gate *breaker.FailureGate, repo Repository, publisher bus.Publisher, locker RunLocker, cfg Config, logger *slog.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = def.EventTopic
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if publisher == nil {
		publisher = bus.NopPublisher{}
	}
	if locker == nil {
		locker = NopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		remote:      remote,
		gate:        gate,
		repo:        repo,
		publisher:   publisher,
		locker:      locker,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		keyed:       newKeyedMutex(),
		lastResults: make(map[models.RecordType]*models.BatchSyncResult),
	}
}

// SyncType pulls the delta window for one record type and reconciles it into
// the repository. A gate rejection or fetch failure aborts the whole run; a
// single record's failure never does.
func (r *Reconciler) SyncType(ctx context.Context, t models.RecordType, opts Options) (*models.BatchSyncResult, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown record type %q", t)
	}

	window := opts.Window
	if window <= 0 {
		window = r.cfg.Window
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = r.cfg.Workers
	}

	start := r.now()
	since := start.Add(-window)
	runID := uuid.NewString()

	r.logger.Info("starting sync run",
		"run_id", runID,
		"record_type", t,
		"window_start", since.UTC(),
	)

	var raws []models.RawRecord
	err := r.gate.Execute(ctx, func() error {
		var qerr error
		raws, qerr = r.remote.QueryChangedSince(ctx, string(t), activeStateCodes[t], since)
		return qerr
	})
	if err != nil {
		metrics.SyncRuns.WithLabelValues(string(t), "failed").Inc()
		return nil, fmt.Errorf("delta fetch for %s: %w", t, err)
	}

	result := &models.BatchSyncResult{RunID: runID, RecordType: t}

	// Batches run strictly sequentially; records within a batch run on a
	// bounded worker pool.
	for offset := 0; offset < len(raws); offset += batchSize {
		end := offset + batchSize
		if end > len(raws) {
			end = len(raws)
		}
		r.processBatch(ctx, t, raws[offset:end], runID, maxAttempts, workers, result)

		r.logger.Debug("batch complete",
			"run_id", runID,
			"record_type", t,
			"processed", result.Processed,
			"total", len(raws),
		)
	}

	result.DurationMs = r.now().Sub(start).Milliseconds()

	status := "success"
	if result.Failed > 0 {
		status = "partial"
	}
	metrics.SyncRuns.WithLabelValues(string(t), status).Inc()
	metrics.SyncDuration.WithLabelValues(string(t)).Observe(float64(result.DurationMs) / 1000)

	r.mu.Lock()
	r.lastSyncAt = r.now()
	r.lastResults[t] = result
	r.mu.Unlock()

	r.logger.Info("sync run complete",
		"run_id", runID,
		"record_type", t,
		"processed", result.Processed,
		"created", result.Created,
		"updated", result.Updated,
		"failed", result.Failed,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// processBatch reconciles one batch, aggregating outcomes into result.
func (r *Reconciler) processBatch(ctx context.Context, t models.RecordType, batch []models.RawRecord, runID string, maxAttempts, workers int, result *models.BatchSyncResult) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	sem := make(chan struct{}, workers)

	for _, raw := range batch {
		raw := raw
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, externalID, err := r.processRecord(ctx, t, raw, runID, maxAttempts)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch outcome {
			case outcomeCreated:
				result.Created++
			case outcomeUpdated:
				result.Updated++
			case outcomeFailed:
				result.Failed++
				result.Errors = append(result.Errors, models.SyncFailure{
					ExternalID: externalID,
					Message:    err.Error(),
				})
			}
		}()
	}
	wg.Wait()
}

// processRecord runs one record's transform-plus-write with bounded retry.
// Transform and validation errors are deterministic and never retried. The
// returned error is non-nil only for the failed outcome.
func (r *Reconciler) processRecord(ctx context.Context, t models.RecordType, raw models.RawRecord, runID string, maxAttempts int) (string, string, error) {
	externalID := raw.Value("sys_id")
	if externalID == "" {
		externalID = raw.Value("number")
	}

	rec, err := transform(t, raw, r.now())
	if err != nil {
		metrics.RecordsProcessed.WithLabelValues(string(t), outcomeFailed).Inc()
		r.logger.Error("record failed transform",
			"run_id", runID,
			"record_type", t,
			"external_id", externalID,
			"error", err,
		)
		return outcomeFailed, externalID, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err := r.applyRecord(ctx, rec, runID)
		if err == nil {
			metrics.RecordsProcessed.WithLabelValues(string(t), outcome).Inc()
			return outcome, externalID, nil
		}
		lastErr = err

		var verr *repository.ValidationError
		if errors.As(err, &verr) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.RecordsProcessed.WithLabelValues(string(t), outcomeFailed).Inc()
	r.logger.Error("record failed after retries",
		"run_id", runID,
		"record_type", t,
		"external_id", externalID,
		"error", lastErr,
	)
	return outcomeFailed, externalID, lastErr
}

// applyRecord merges one canonical record into the repository. Last-writer-wins
// by source timestamp: an existing record is updated only when the incoming
// remoteUpdatedAt is strictly newer, so equal timestamps resolve
// deterministically to a skip.
func (r *Reconciler) applyRecord(ctx context.Context, rec *models.CanonicalRecord, runID string) (string, error) {
	t := rec.RecordType
	key := string(t) + "/" + rec.ExternalID
	r.keyed.Lock(key)
	defer r.keyed.Unlock(key)

	existing, err := r.repo.Get(ctx, rec.ExternalID, t)
	if err != nil {
		return "", err
	}

	if existing == nil {
		if err := r.repo.Save(ctx, rec); err != nil {
			return "", err
		}
		if err := r.repo.RecordCreation(ctx, rec, actorLabel); err != nil {
			return "", err
		}
		r.publish(ctx, runID, models.AuditActionCreated, rec)
		return outcomeCreated, nil
	}

	if !rec.RemoteUpdatedAt.After(existing.RemoteUpdatedAt) {
		// A clean re-sync of a record stuck in error still proves recovery;
		// clear the flag so the error query reflects reality.
		if existing.SyncStatus == models.SyncStatusError {
			if err := r.repo.MarkSyncStatus(ctx, rec.ExternalID, t, models.SyncStatusSynced, ""); err != nil {
				return "", err
			}
		}
		return outcomeSkipped, nil
	}

	patch := remotePatch(rec)
	if existing.SyncError != "" {
		// Clear the stored error now that the record synced cleanly.
		patch["sync_error"] = nil
	}
	if err := r.repo.Update(ctx, rec.ExternalID, t, patch, actorLabel); err != nil {
		return "", err
	}
	r.publish(ctx, runID, models.AuditActionUpdated, rec)
	return outcomeUpdated, nil
}

// remotePatch lists the fields the remote system owns. Bookkeeping fields the
// repository stamps itself are deliberately absent.
func remotePatch(rec *models.CanonicalRecord) map[string]any {
	return map[string]any{
		"display_number":    rec.DisplayNumber,
		"state":             rec.State,
		"priority":          rec.Priority,
		"short_description": rec.ShortDescription,
		"description":       rec.Description,
		"notes":             rec.Notes,
		"assigned_to":       rec.AssignedTo,
		"assignment_group":  rec.AssignmentGroup,
		"caller":            rec.Caller,
		"remote_updated_at": rec.RemoteUpdatedAt,
		"sync_status":       string(models.SyncStatusSynced),
	}
}

// SyncOne fetches and reconciles a single record by id, bypassing the delta
// window. On failure the stored record, if present, is marked with the error
// and false is returned; SyncOne never raises.
func (r *Reconciler) SyncOne(ctx context.Context, externalID string, t models.RecordType) bool {
	if !t.Valid() {
		r.logger.Error("unknown record type", "record_type", t)
		return false
	}

	runID := uuid.NewString()

	var raw *models.RawRecord
	err := r.gate.Execute(ctx, func() error {
		var ferr error
		raw, ferr = r.remote.FetchOne(ctx, string(t), externalID)
		return ferr
	})
	if err == nil && raw == nil {
		err = fmt.Errorf("record %s not found in remote system", externalID)
	}
	if err == nil {
		var rec *models.CanonicalRecord
		rec, err = transform(t, *raw, r.now())
		if err == nil {
			_, err = r.applyRecord(ctx, rec, runID)
		}
	}

	if err != nil {
		r.logger.Error("individual sync failed",
			"run_id", runID,
			"record_type", t,
			"external_id", externalID,
			"error", err,
		)
		r.markError(ctx, externalID, t, err)
		return false
	}
	return true
}

// markError stores the failure on the record itself so operators can query
// records currently in error. A record that was never stored is left alone.
func (r *Reconciler) markError(ctx context.Context, externalID string, t models.RecordType, cause error) {
	err := r.repo.MarkSyncStatus(ctx, externalID, t, models.SyncStatusError, cause.Error())
	if err == nil {
		return
	}
	var nferr *repository.NotFoundError
	if errors.As(err, &nferr) {
		return
	}
	r.logger.Error("failed to mark sync error",
		"record_type", t,
		"external_id", externalID,
		"error", err,
	)
}

// publish broadcasts a change event. Failures are logged and swallowed;
// delivery is best-effort.
func (r *Reconciler) publish(ctx context.Context, runID, action string, rec *models.CanonicalRecord) {
	event := bus.Event{
		RunID:      runID,
		Action:     action,
		ExternalID: rec.ExternalID,
		RecordType: rec.RecordType,
		Number:     rec.DisplayNumber,
		OccurredAt: r.now().UTC(),
	}
	if err := r.publisher.Publish(ctx, r.cfg.EventTopic, event); err != nil {
		r.logger.Warn("failed to publish record event",
			"external_id", rec.ExternalID,
			"action", action,
			"error", err,
		)
	}
}
