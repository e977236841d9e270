package models

import "time"

// Audit actions recorded by the repository.
const (
	AuditActionCreated = "created"
	AuditActionUpdated = "updated"
)

// FieldChange captures one field's before/after values in an audit diff.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// AuditEntry is an immutable record of one repository mutation. Entries are
// append-only: once written they are never modified or deleted.
type AuditEntry struct {
	ID          string                 `json:"id"`
	ExternalID  string                 `json:"external_id"`
	RecordType  RecordType             `json:"record_type"`
	Action      string                 `json:"action"`
	Diff        map[string]FieldChange `json:"diff,omitempty"`
	PerformedBy string                 `json:"performed_by"`
	PerformedAt time.Time              `json:"performed_at"`
}
