package repository

import "github.com/cragr/snowmirror/internal/models"

// Validation rules are plain lookup tables keyed by record type. Record types
// share one canonical struct; only the rule sets differ.

// baseRequiredFields must be present on every record regardless of type.
var baseRequiredFields = []string{
	"external_id",
	"display_number",
	"state",
	"priority",
}

// requiredFieldsByType lists additional required fields per record type.
var requiredFieldsByType = map[models.RecordType][]string{
	models.RecordTypeIncident:    {"caller"},
	models.RecordTypeChangeTask:  {"assignment_group"},
	models.RecordTypeServiceTask: {},
}

// legalStatesByType defines the legal state set per record type.
var legalStatesByType = map[models.RecordType]map[string]bool{
	models.RecordTypeIncident: {
		"new":         true,
		"in_progress": true,
		"on_hold":     true,
		"resolved":    true,
		"closed":      true,
		"canceled":    true,
	},
	models.RecordTypeChangeTask: {
		"pending":           true,
		"open":              true,
		"in_progress":       true,
		"closed_complete":   true,
		"closed_incomplete": true,
		"closed_skipped":    true,
	},
	models.RecordTypeServiceTask: {
		"open":              true,
		"work_in_progress":  true,
		"closed_complete":   true,
		"closed_incomplete": true,
		"closed_skipped":    true,
	},
}

// legalPriorities is the fixed priority set shared across record types.
var legalPriorities = map[string]bool{
	models.PriorityCritical: true,
	models.PriorityHigh:     true,
	models.PriorityModerate: true,
	models.PriorityLow:      true,
	models.PriorityPlanning: true,
}

// LegalStates returns the legal state set for a record type. Exposed for the
// reconciler's transform tables and for tests.
func LegalStates(t models.RecordType) map[string]bool {
	return legalStatesByType[t]
}
