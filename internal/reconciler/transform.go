package reconciler

import (
	"errors"
	"strings"
	"time"

	"github.com/cragr/snowmirror/internal/models"
)

// stateByCode maps remote numeric state codes to canonical state labels, per
// record type.
var stateByCode = map[models.RecordType]map[string]string{
	models.RecordTypeIncident: {
		"1": "new",
		"2": "in_progress",
		"3": "on_hold",
		"6": "resolved",
		"7": "closed",
		"8": "canceled",
	},
	models.RecordTypeChangeTask: {
		"-5": "pending",
		"1":  "open",
		"2":  "in_progress",
		"3":  "closed_complete",
		"4":  "closed_incomplete",
		"7":  "closed_skipped",
	},
	models.RecordTypeServiceTask: {
		"1": "open",
		"2": "work_in_progress",
		"3": "closed_complete",
		"4": "closed_incomplete",
		"7": "closed_skipped",
	},
}

// activeStateCodes lists the remote state codes worth refreshing in the
// default delta window. Closed and cancelled records are excluded; an
// explicit per-id sync bypasses the window entirely.
var activeStateCodes = map[models.RecordType][]string{
	models.RecordTypeIncident:    {"1", "2", "3"},
	models.RecordTypeChangeTask:  {"-5", "1", "2"},
	models.RecordTypeServiceTask: {"1", "2"},
}

// priorityByCode maps remote priority codes to the shared priority set.
var priorityByCode = map[string]string{
	"1": models.PriorityCritical,
	"2": models.PriorityHigh,
	"3": models.PriorityModerate,
	"4": models.PriorityLow,
	"5": models.PriorityPlanning,
}

// remoteTimeLayouts are tried in order when parsing remote timestamps.
var remoteTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

var errMissingExternalID = errors.New("record has no sys_id")

// transform converts one raw remote payload into the canonical shape.
// Value/display pairs are unwrapped into plain strings and dates are parsed
// defensively: an unparsable or missing date yields now, never an error.
func transform(t models.RecordType, raw models.RawRecord, now time.Time) (*models.CanonicalRecord, error) {
	externalID := raw.Value("sys_id")
	if externalID == "" {
		return nil, errMissingExternalID
	}

	return &models.CanonicalRecord{
		ExternalID:       externalID,
		DisplayNumber:    raw.Value("number"),
		RecordType:       t,
		State:            canonicalState(t, raw),
		Priority:         canonicalPriority(raw),
		ShortDescription: raw.Display("short_description"),
		Description:      raw.Display("description"),
		Notes:            raw.Display("work_notes"),
		AssignedTo:       raw.Value("assigned_to"),
		AssignmentGroup:  raw.Value("assignment_group"),
		Caller:           raw.Value("caller_id"),
		RemoteUpdatedAt:  parseRemoteTime(raw.Value("sys_updated_on"), now),
		SyncStatus:       models.SyncStatusPending,
	}, nil
}

// canonicalState resolves the remote state code, falling back to the
// normalized display label for codes this mirror does not know.
func canonicalState(t models.RecordType, raw models.RawRecord) string {
	if label, ok := stateByCode[t][raw.Value("state")]; ok {
		return label
	}
	return normalizeLabel(raw.Display("state"))
}

func canonicalPriority(raw models.RawRecord) string {
	code := raw.Value("priority")
	// Priority values sometimes arrive as "3 - Moderate".
	if idx := strings.IndexAny(code, " -"); idx > 0 {
		code = code[:idx]
	}
	if label, ok := priorityByCode[code]; ok {
		return label
	}
	return normalizeLabel(raw.Display("priority"))
}

// normalizeLabel lowercases a display label into snake_case.
func normalizeLabel(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	return strings.ReplaceAll(label, " ", "_")
}

// parseRemoteTime parses a remote timestamp, returning fallback when the
// value is missing or unparsable.
func parseRemoteTime(value string, fallback time.Time) time.Time {
	for _, layout := range remoteTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return fallback.UTC()
}
