package repository

import (
	"fmt"

	"github.com/cragr/snowmirror/internal/models"
)

// ValidationError reports a malformed or out-of-domain record. It is never
// retried and always names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Reason)
}

// NotFoundError reports an update against a record that does not exist.
type NotFoundError struct {
	ExternalID string
	RecordType models.RecordType
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record %s/%s not found", e.RecordType, e.ExternalID)
}
