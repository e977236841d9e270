// Package repository implements the sole write path to the local store,
// enforcing schema validation and producing the audit trail.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/cragr/snowmirror/internal/docstore"
	"github.com/cragr/snowmirror/internal/models"
)

const auditCollection = "audit"

// RecordRepository is the validated, indexed, audited store for canonical
// records. One collection per record type plus a shared audit collection.
type RecordRepository struct {
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a RecordRepository over the given document store.
func New(store docstore.Store, logger *slog.Logger) *RecordRepository {
	return &RecordRepository{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureIndexes creates the index set every collection needs. Safe to call on
// every startup.
func (r *RecordRepository) EnsureIndexes(ctx context.Context) error {
	for _, t := range models.AllRecordTypes() {
		coll := string(t)
		specs := []docstore.IndexSpec{
			{Name: "uq_" + coll + "_external_id", Fields: []string{"external_id", "record_type"}, Unique: true},
			{Name: "idx_" + coll + "_state", Fields: []string{"state"}},
			{Name: "idx_" + coll + "_priority", Fields: []string{"priority"}},
			{Name: "idx_" + coll + "_assignment_group", Fields: []string{"assignment_group"}},
			{Name: "idx_" + coll + "_remote_updated_at", Fields: []string{"remote_updated_at"}},
			{Name: "idx_" + coll + "_sync_status", Fields: []string{"sync_status"}},
			// The dashboard's most common filter.
			{Name: "idx_" + coll + "_state_group", Fields: []string{"state", "assignment_group"}},
			{Name: "txt_" + coll + "_search", Fields: []string{"short_description", "description", "notes"}, Text: true},
		}
		for _, spec := range specs {
			if err := r.store.CreateIndex(ctx, coll, spec); err != nil {
				return fmt.Errorf("failed to create index %s: %w", spec.Name, err)
			}
		}
	}

	if err := r.store.CreateIndex(ctx, auditCollection, docstore.IndexSpec{
		Name:   "idx_audit_external_id_performed_at",
		Fields: []string{"external_id", "performed_at"},
	}); err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

// Save validates the record and performs an idempotent upsert keyed by its
// external id. On success the stored record carries syncStatus=synced and a
// fresh lastSyncedAt; on validation failure nothing is written.
func (r *RecordRepository) Save(ctx context.Context, rec *models.CanonicalRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	rec.SyncStatus = models.SyncStatusSynced
	rec.LastSyncedAt = r.now().UTC()
	rec.SyncError = ""

	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	return r.store.Upsert(ctx, string(rec.RecordType), rec.ExternalID, doc)
}

// Get returns the stored record for (externalID, recordType), or nil if none
// exists.
func (r *RecordRepository) Get(ctx context.Context, externalID string, t models.RecordType) (*models.CanonicalRecord, error) {
	docs, err := r.store.Find(ctx, string(t), docstore.Filter{"external_id": externalID}, docstore.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return fromDocument(docs[0])
}

// Update applies a patch to an existing record, computing a field-level diff
// and appending an AuditEntry in the same logical operation. Only fields whose
// value actually changed appear in the diff; fields absent from the patch are
// left untouched, which is distinct from a patch field set to an explicit
// empty value.
func (r *RecordRepository) Update(ctx context.Context, externalID string, t models.RecordType, patch map[string]any, actor string) error {
	docs, err := r.store.Find(ctx, string(t), docstore.Filter{"external_id": externalID}, docstore.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return &NotFoundError{ExternalID: externalID, RecordType: t}
	}
	existing := docs[0]

	normalized, err := normalizePatch(patch)
	if err != nil {
		return err
	}

	diff := make(map[string]models.FieldChange)
	for field, value := range normalized {
		if !reflect.DeepEqual(existing[field], value) {
			diff[field] = models.FieldChange{Old: existing[field], New: value}
			existing[field] = value
		}
	}

	// The patched record must satisfy the same rules Save enforces; a patch
	// may not move a record out of its legal domain.
	patched, err := fromDocument(existing)
	if err != nil {
		return err
	}
	if err := validate(patched); err != nil {
		return err
	}

	now := r.now().UTC()
	existing["last_synced_at"] = now.Format(time.RFC3339Nano)

	if err := r.store.Upsert(ctx, string(t), externalID, existing); err != nil {
		return err
	}

	entry := &models.AuditEntry{
		ID:          uuid.NewString(),
		ExternalID:  externalID,
		RecordType:  t,
		Action:      models.AuditActionUpdated,
		Diff:        diff,
		PerformedBy: actor,
		PerformedAt: now,
	}
	return r.appendAudit(ctx, entry)
}

// RecordCreation appends a creation audit entry for a record just saved for
// the first time.
func (r *RecordRepository) RecordCreation(ctx context.Context, rec *models.CanonicalRecord, actor string) error {
	return r.appendAudit(ctx, &models.AuditEntry{
		ID:          uuid.NewString(),
		ExternalID:  rec.ExternalID,
		RecordType:  rec.RecordType,
		Action:      models.AuditActionCreated,
		PerformedBy: actor,
		PerformedAt: r.now().UTC(),
	})
}

// MarkSyncStatus sets the record's sync status. An error status requires a
// message; any other status clears a previously stored message.
func (r *RecordRepository) MarkSyncStatus(ctx context.Context, externalID string, t models.RecordType, status models.SyncStatus, syncErr string) error {
	if status == models.SyncStatusError && syncErr == "" {
		return &ValidationError{Field: "sync_error", Reason: "required when sync status is error"}
	}

	docs, err := r.store.Find(ctx, string(t), docstore.Filter{"external_id": externalID}, docstore.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return &NotFoundError{ExternalID: externalID, RecordType: t}
	}

	doc := docs[0]
	doc["sync_status"] = string(status)
	if status == models.SyncStatusError {
		doc["sync_error"] = syncErr
	} else {
		delete(doc, "sync_error")
	}
	return r.store.Upsert(ctx, string(t), externalID, doc)
}

// AuditTrail returns audit entries for a record, newest first.
func (r *RecordRepository) AuditTrail(ctx context.Context, externalID string, t models.RecordType, limit int) ([]models.AuditEntry, error) {
	docs, err := r.store.Find(ctx, auditCollection,
		docstore.Filter{"external_id": externalID, "record_type": string(t)},
		docstore.FindOptions{SortBy: "performed_at", Descending: true, Limit: limit},
	)
	if err != nil {
		return nil, err
	}

	entries := make([]models.AuditEntry, 0, len(docs))
	for _, doc := range docs {
		var entry models.AuditEntry
		if err := remarshal(doc, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats summarizes the repository contents for the status endpoint.
type Stats struct {
	Records map[models.RecordType]int `json:"records"`
	Errored map[models.RecordType]int `json:"errored"`
}

// Stats counts stored records and records currently in error, per type.
func (r *RecordRepository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Records: make(map[models.RecordType]int),
		Errored: make(map[models.RecordType]int),
	}
	for _, t := range models.AllRecordTypes() {
		total, err := r.store.Count(ctx, string(t), nil)
		if err != nil {
			return nil, err
		}
		errored, err := r.store.Count(ctx, string(t), docstore.Filter{"sync_status": string(models.SyncStatusError)})
		if err != nil {
			return nil, err
		}
		stats.Records[t] = total
		stats.Errored[t] = errored
	}
	return stats, nil
}

// appendAudit writes one immutable audit entry. Entries are keyed by their
// own id and never updated.
func (r *RecordRepository) appendAudit(ctx context.Context, entry *models.AuditEntry) error {
	doc := docstore.Document{}
	if err := remarshal(entry, &doc); err != nil {
		return err
	}
	return r.store.Upsert(ctx, auditCollection, entry.ID, doc)
}

// validate checks required fields and per-type legal values. The first
// violation found is returned; nothing has been written at that point.
func validate(rec *models.CanonicalRecord) error {
	if !rec.RecordType.Valid() {
		return &ValidationError{Field: "record_type", Reason: fmt.Sprintf("unknown record type %q", rec.RecordType)}
	}

	fields := map[string]string{
		"external_id":      rec.ExternalID,
		"display_number":   rec.DisplayNumber,
		"state":            rec.State,
		"priority":         rec.Priority,
		"assignment_group": rec.AssignmentGroup,
		"caller":           rec.Caller,
	}

	for _, field := range baseRequiredFields {
		if fields[field] == "" {
			return &ValidationError{Field: field, Reason: "required"}
		}
	}
	for _, field := range requiredFieldsByType[rec.RecordType] {
		if fields[field] == "" {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("required for %s records", rec.RecordType)}
		}
	}

	if !legalStatesByType[rec.RecordType][rec.State] {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("%q is not a legal %s state", rec.State, rec.RecordType)}
	}
	if !legalPriorities[rec.Priority] {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is not a legal priority", rec.Priority)}
	}
	return nil
}

// toDocument converts a record to its stored document form.
func toDocument(rec *models.CanonicalRecord) (docstore.Document, error) {
	doc := docstore.Document{}
	if err := remarshal(rec, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// fromDocument converts a stored document back to a record.
func fromDocument(doc docstore.Document) (*models.CanonicalRecord, error) {
	rec := &models.CanonicalRecord{}
	if err := remarshal(doc, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// normalizePatch round-trips patch values through JSON so diffs compare
// stored JSON values against JSON values, not Go types against strings.
func normalizePatch(patch map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := remarshal(patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func remarshal(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}
