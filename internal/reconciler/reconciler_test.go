package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cragr/snowmirror/internal/breaker"
	"github.com/cragr/snowmirror/internal/bus"
	"github.com/cragr/snowmirror/internal/docstore"
	"github.com/cragr/snowmirror/internal/models"
	"github.com/cragr/snowmirror/internal/repository"
)

type fakeRemote struct {
	queryFn func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error)
	fetchFn func(ctx context.Context, table, externalID string) (*models.RawRecord, error)
}

func (f *fakeRemote) QueryChangedSince(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
	return f.queryFn(ctx, table, stateCodes, since)
}

func (f *fakeRemote) FetchOne(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
	return f.fetchFn(ctx, table, externalID)
}

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(ctx context.Context, topic string, event bus.Event) error {
	p.calls++
	return errors.New("bus unavailable")
}

type testFixture struct {
	reconciler *Reconciler
	repo       *repository.RecordRepository
	remote     *fakeRemote
	gate       *breaker.FailureGate
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.New(docstore.NewMemoryStore(), logger)
	remote := &fakeRemote{}
	gate := breaker.New("test", breaker.Config{
		FailureThreshold: 100,
		MinimumCalls:     100,
	}, logger)

	rec := New(remote, gate, repo, nil, nil, Config{Workers: 2}, logger)
	return &testFixture{reconciler: rec, repo: repo, remote: remote, gate: gate}
}

func rawIncident(id, number, stateCode, updatedOn string) models.RawRecord {
	return models.RawRecord{
		"sys_id":            pair(id, id),
		"number":            pair(number, number),
		"state":             pair(stateCode, ""),
		"priority":          pair("2", "2 - High"),
		"short_description": pair("disk alert", "disk alert"),
		"description":       pair("disk usage above threshold", "disk usage above threshold"),
		"caller_id":         pair("monitoring", "monitoring"),
		"sys_updated_on":    pair(updatedOn, updatedOn),
	}
}

func TestSyncTypeCreatesRecords(t *testing.T) {
	f := newFixture(t)
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		if table != "incident" {
			t.Errorf("expected incident table, got %s", table)
		}
		return []models.RawRecord{
			rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00"),
			rawIncident("sys2", "INC0002", "2", "2025-06-01 10:05:00"),
		}, nil
	}

	result, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Processed != 2 || result.Created != 2 || result.Failed != 0 {
		t.Errorf("expected 2 processed/created, got %+v", result)
	}

	stored, err := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored == nil {
		t.Fatal("expected record to be stored")
	}
	if stored.SyncStatus != models.SyncStatusSynced {
		t.Errorf("expected synced status, got %s", stored.SyncStatus)
	}

	trail, err := f.repo.AuditTrail(context.Background(), "sys1", models.RecordTypeIncident, 10)
	if err != nil {
		t.Fatalf("AuditTrail returned error: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != models.AuditActionCreated {
		t.Errorf("expected one created audit entry, got %+v", trail)
	}
}

func TestSyncTypeUpdatesWhenStrictlyNewer(t *testing.T) {
	f := newFixture(t)
	seed := rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{seed}, nil
	}
	if _, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{}); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	newer := rawIncident("sys1", "INC0001", "2", "2025-06-01 11:00:00")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{newer}, nil
	}

	result, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Updated != 1 || result.Created != 0 {
		t.Errorf("expected one update, got %+v", result)
	}

	stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if stored.State != "in_progress" {
		t.Errorf("expected state in_progress after update, got %s", stored.State)
	}

	trail, err := f.repo.AuditTrail(context.Background(), "sys1", models.RecordTypeIncident, 10)
	if err != nil {
		t.Fatalf("AuditTrail returned error: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected created plus updated audit entries, got %d", len(trail))
	}
	updated := trail[0]
	if updated.Action != models.AuditActionUpdated {
		t.Fatalf("expected newest entry to be an update, got %s", updated.Action)
	}
	if _, ok := updated.Diff["state"]; !ok {
		t.Errorf("expected state in update diff, got %v", updated.Diff)
	}
	if _, ok := updated.Diff["priority"]; ok {
		t.Errorf("unchanged priority must not appear in diff, got %v", updated.Diff)
	}
}

func TestSyncTypeSkipsOlderAndEqualTimestamps(t *testing.T) {
	f := newFixture(t)
	seed := rawIncident("sys1", "INC0001", "2", "2025-06-01 11:00:00")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{seed}, nil
	}
	if _, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{}); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	for _, stale := range []string{"2025-06-01 10:00:00", "2025-06-01 11:00:00"} {
		raw := rawIncident("sys1", "INC0001", "1", stale)
		f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
			return []models.RawRecord{raw}, nil
		}

		result, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{})
		if err != nil {
			t.Fatalf("SyncType returned error: %v", err)
		}
		if result.Processed != 1 || result.Updated != 0 || result.Failed != 0 {
			t.Errorf("timestamp %s: expected skip, got %+v", stale, result)
		}

		stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
		if stored.State != "in_progress" {
			t.Errorf("timestamp %s: stale write must not win, state is %s", stale, stored.State)
		}
	}
}

func TestSyncTypeIsolatesRecordFailures(t *testing.T) {
	f := newFixture(t)
	var raws []models.RawRecord
	for i := 0; i < 10; i++ {
		raws = append(raws, rawIncident(fmt.Sprintf("sys%d", i), fmt.Sprintf("INC%04d", i), "1", "2025-06-01 10:00:00"))
	}
	// One record without a caller fails incident validation.
	delete(raws[4], "caller_id")

	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return raws, nil
	}

	result, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{BatchSize: 3})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Processed != 10 {
		t.Errorf("expected all 10 processed, got %d", result.Processed)
	}
	if result.Created != 9 || result.Failed != 1 {
		t.Errorf("expected 9 created and 1 failed, got %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].ExternalID != "sys4" {
		t.Errorf("expected failure recorded for sys4, got %+v", result.Errors)
	}

	stored, _ := f.repo.Get(context.Background(), "sys9", models.RecordTypeIncident)
	if stored == nil {
		t.Error("records after the failure must still be written")
	}
}

func TestSyncTypeRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)

	calls := 0
	repo := &fakeRepository{inner: f.repo, saveFn: func(ctx context.Context, rec *models.CanonicalRecord) error {
		calls++
		if calls < 3 {
			return errors.New("store temporarily unavailable")
		}
		return f.repo.Save(ctx, rec)
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(f.remote, f.gate, repo, nil, nil, Config{}, logger)

	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")}, nil
	}

	result, err := r.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Created != 1 || result.Failed != 0 {
		t.Errorf("expected third attempt to succeed, got %+v", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 save attempts, got %d", calls)
	}
}

func TestSyncTypeDoesNotRetryValidationErrors(t *testing.T) {
	f := newFixture(t)

	attempts := 0
	repo := &fakeRepository{inner: f.repo, saveFn: func(ctx context.Context, rec *models.CanonicalRecord) error {
		attempts++
		return f.repo.Save(ctx, rec)
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(f.remote, f.gate, repo, nil, nil, Config{}, logger)

	bad := rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")
	delete(bad, "caller_id")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{bad}, nil
	}

	result, err := r.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("expected one failure, got %+v", result)
	}
	if attempts != 1 {
		t.Errorf("validation errors must not be retried, got %d attempts", attempts)
	}
}

func TestSyncTypeRejectsIllegalStateOnUpdate(t *testing.T) {
	f := newFixture(t)

	// The same illegal payload must be rejected whether the record is new or
	// already stored.
	fresh := rawIncident("sys1", "INC0001", "99", "2025-06-01 10:00:00")
	fresh["state"] = pair("99", "Weird State")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{fresh}, nil
	}

	result, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Created != 0 || result.Failed != 1 {
		t.Errorf("expected create path to reject illegal state, got %+v", result)
	}

	seed := rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{seed}, nil
	}
	if _, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{}); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	newer := rawIncident("sys1", "INC0001", "99", "2025-06-01 11:00:00")
	newer["state"] = pair("99", "Weird State")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{newer}, nil
	}

	result, err = f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Updated != 0 || result.Failed != 1 {
		t.Errorf("expected update path to reject illegal state, got %+v", result)
	}

	stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if stored.State != "new" {
		t.Errorf("illegal state must not be stored, got %q", stored.State)
	}
}

func TestSyncTypeDoesNotRetryTransformFailures(t *testing.T) {
	f := newFixture(t)

	gets := 0
	repo := &fakeRepository{
		inner:  f.repo,
		saveFn: f.repo.Save,
		getFn: func(ctx context.Context, externalID string, t models.RecordType) (*models.CanonicalRecord, error) {
			gets++
			return f.repo.Get(ctx, externalID, t)
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(f.remote, f.gate, repo, nil, nil, Config{}, logger)

	noID := rawIncident("", "INC0001", "1", "2025-06-01 10:00:00")
	delete(noID, "sys_id")
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{noID}, nil
	}

	result, err := r.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("expected one failure, got %+v", result)
	}
	if gets != 0 {
		t.Errorf("a record that cannot transform must never reach the store, got %d reads", gets)
	}
}

func TestSyncTypePublishFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	pub := &failingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(f.remote, f.gate, f.repo, pub, nil, Config{}, logger)

	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")}, nil
	}

	result, err := r.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Created != 1 || result.Failed != 0 {
		t.Errorf("a broken bus must not fail reconciliation, got %+v", result)
	}
	if pub.calls != 1 {
		t.Errorf("expected one publish attempt, got %d", pub.calls)
	}

	stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if stored == nil || stored.SyncStatus != models.SyncStatusSynced {
		t.Error("record must be durably synced despite the publish failure")
	}
}

func TestSyncTypeAbortsWhenGateOpen(t *testing.T) {
	f := newFixture(t)
	f.gate.ForceOpen()
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		t.Error("remote must not be called while the gate is open")
		return nil, nil
	}

	_, err := f.reconciler.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("expected gate-open error, got %v", err)
	}
}

func TestSyncTypeRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reconciler.SyncType(context.Background(), models.RecordType("problem"), Options{}); err == nil {
		t.Error("expected error for unknown record type")
	}
}

func TestSyncOne(t *testing.T) {
	f := newFixture(t)
	raw := rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")
	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		if externalID != "sys1" {
			t.Errorf("expected fetch for sys1, got %s", externalID)
		}
		return &raw, nil
	}

	if ok := f.reconciler.SyncOne(context.Background(), "sys1", models.RecordTypeIncident); !ok {
		t.Fatal("expected SyncOne to succeed")
	}

	stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if stored == nil {
		t.Fatal("expected record to be stored")
	}
}

func TestSyncOneMarksErrorOnFetchFailure(t *testing.T) {
	f := newFixture(t)

	// Seed a stored record so the failure has somewhere to land.
	seed := rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")
	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		return &seed, nil
	}
	if ok := f.reconciler.SyncOne(context.Background(), "sys1", models.RecordTypeIncident); !ok {
		t.Fatal("seed sync failed")
	}

	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		return nil, errors.New("upstream timeout")
	}
	if ok := f.reconciler.SyncOne(context.Background(), "sys1", models.RecordTypeIncident); ok {
		t.Fatal("expected SyncOne to fail")
	}

	stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if stored.SyncStatus != models.SyncStatusError {
		t.Errorf("expected error status, got %s", stored.SyncStatus)
	}
	if stored.SyncError == "" {
		t.Error("expected failure message on the record")
	}
}

func TestSyncOneClearsErrorAfterRecovery(t *testing.T) {
	f := newFixture(t)

	seed := rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")
	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		return &seed, nil
	}
	if ok := f.reconciler.SyncOne(context.Background(), "sys1", models.RecordTypeIncident); !ok {
		t.Fatal("seed sync failed")
	}

	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		return nil, errors.New("upstream timeout")
	}
	if ok := f.reconciler.SyncOne(context.Background(), "sys1", models.RecordTypeIncident); ok {
		t.Fatal("expected SyncOne to fail")
	}

	// The remote recovers but returns the same payload; the timestamp skip
	// must still clear the stored error.
	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		return &seed, nil
	}
	if ok := f.reconciler.SyncOne(context.Background(), "sys1", models.RecordTypeIncident); !ok {
		t.Fatal("expected SyncOne to succeed after recovery")
	}

	stored, _ := f.repo.Get(context.Background(), "sys1", models.RecordTypeIncident)
	if stored.SyncStatus != models.SyncStatusSynced {
		t.Errorf("expected synced status after recovery, got %s", stored.SyncStatus)
	}
	if stored.SyncError != "" {
		t.Errorf("expected stored error cleared, got %q", stored.SyncError)
	}
}

func TestNewWithoutLogger(t *testing.T) {
	f := newFixture(t)
	r := New(f.remote, f.gate, f.repo, nil, nil, Config{}, nil)

	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return []models.RawRecord{rawIncident("sys1", "INC0001", "1", "2025-06-01 10:00:00")}, nil
	}

	result, err := r.SyncType(context.Background(), models.RecordTypeIncident, Options{})
	if err != nil {
		t.Fatalf("SyncType returned error: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("expected one create, got %+v", result)
	}
}

func TestSyncOneUnknownRemoteRecord(t *testing.T) {
	f := newFixture(t)
	f.remote.fetchFn = func(ctx context.Context, table, externalID string) (*models.RawRecord, error) {
		return nil, nil
	}
	if ok := f.reconciler.SyncOne(context.Background(), "missing", models.RecordTypeIncident); ok {
		t.Error("expected SyncOne to report failure for a record the remote does not have")
	}
}

func TestContinuousStartStop(t *testing.T) {
	f := newFixture(t)
	f.reconciler.cfg.Interval = time.Hour
	f.remote.queryFn = func(ctx context.Context, table string, stateCodes []string, since time.Time) ([]models.RawRecord, error) {
		return nil, nil
	}

	f.reconciler.StartContinuous(context.Background())
	// Second start is a no-op, not a second loop.
	f.reconciler.StartContinuous(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		if s := f.reconciler.Stats(context.Background()); s.IsRunning && !s.LastSyncAt.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first continuous run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.reconciler.StopContinuous()
	f.reconciler.StopContinuous()

	if s := f.reconciler.Stats(context.Background()); s.IsRunning {
		t.Error("expected reconciler to report stopped")
	}
}

// fakeRepository delegates to a real repository but lets tests interpose on
// Save and Get.
type fakeRepository struct {
	inner  *repository.RecordRepository
	saveFn func(ctx context.Context, rec *models.CanonicalRecord) error
	getFn  func(ctx context.Context, externalID string, t models.RecordType) (*models.CanonicalRecord, error)
}

func (f *fakeRepository) Get(ctx context.Context, externalID string, t models.RecordType) (*models.CanonicalRecord, error) {
	if f.getFn != nil {
		return f.getFn(ctx, externalID, t)
	}
	return f.inner.Get(ctx, externalID, t)
}

func (f *fakeRepository) Save(ctx context.Context, rec *models.CanonicalRecord) error {
	return f.saveFn(ctx, rec)
}

func (f *fakeRepository) Update(ctx context.Context, externalID string, t models.RecordType, patch map[string]any, actor string) error {
	return f.inner.Update(ctx, externalID, t, patch, actor)
}

func (f *fakeRepository) RecordCreation(ctx context.Context, rec *models.CanonicalRecord, actor string) error {
	return f.inner.RecordCreation(ctx, rec, actor)
}

func (f *fakeRepository) MarkSyncStatus(ctx context.Context, externalID string, t models.RecordType, status models.SyncStatus, syncErr string) error {
	return f.inner.MarkSyncStatus(ctx, externalID, t, status, syncErr)
}

func (f *fakeRepository) Stats(ctx context.Context) (*repository.Stats, error) {
	return f.inner.Stats(ctx)
}
