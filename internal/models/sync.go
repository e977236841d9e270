package models

// SyncFailure records one record that could not be reconciled during a run.
type SyncFailure struct {
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}

// BatchSyncResult summarizes one reconciliation run for a record type. It is
// produced per run and never persisted.
type BatchSyncResult struct {
	RunID      string        `json:"run_id"`
	RecordType RecordType    `json:"record_type"`
	Processed  int           `json:"processed"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Failed     int           `json:"failed"`
	DurationMs int64         `json:"duration_ms"`
	Errors     []SyncFailure `json:"errors,omitempty"`
}
