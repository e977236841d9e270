// Package models defines the canonical record shapes shared across the
// snowmirror sync pipeline.
package models

import "time"

// RecordType identifies which ServiceNow table a record was mirrored from.
type RecordType string

const (
	RecordTypeIncident    RecordType = "incident"
	RecordTypeChangeTask  RecordType = "change_task"
	RecordTypeServiceTask RecordType = "sc_task"
)

// AllRecordTypes lists every record type the mirror understands, in the
// order continuous sync processes them.
func AllRecordTypes() []RecordType {
	return []RecordType{RecordTypeIncident, RecordTypeChangeTask, RecordTypeServiceTask}
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeIncident, RecordTypeChangeTask, RecordTypeServiceTask:
		return true
	}
	return false
}

// SyncStatus tracks the sync-state bookkeeping for a mirrored record.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Shared priority values, common to all record types.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityModerate = "moderate"
	PriorityLow      = "low"
	PriorityPlanning = "planning"
)

// CanonicalRecord is the reconciled local representation of one remote
// ticket-like entity. A record is uniquely identified by the composite
// key (ExternalID, RecordType).
type CanonicalRecord struct {
	ExternalID       string     `json:"external_id"`
	DisplayNumber    string     `json:"display_number"`
	RecordType       RecordType `json:"record_type"`
	State            string     `json:"state"`
	Priority         string     `json:"priority"`
	ShortDescription string     `json:"short_description"`
	Description      string     `json:"description"`
	Notes            string     `json:"notes"`

	// Relational fields are stored as opaque reference strings and never
	// resolved against the remote system.
	AssignedTo      string `json:"assigned_to"`
	AssignmentGroup string `json:"assignment_group"`
	Caller          string `json:"caller"`

	RemoteUpdatedAt time.Time  `json:"remote_updated_at"`
	LastSyncedAt    time.Time  `json:"last_synced_at"`
	SyncStatus      SyncStatus `json:"sync_status"`
	SyncError       string     `json:"sync_error,omitempty"`
}
