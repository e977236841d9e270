// Package bus broadcasts record change events to downstream subscribers.
// Delivery is best-effort: the reconciler logs publish failures and moves on.
package bus

import (
	"context"
	"time"

	"github.com/cragr/snowmirror/internal/models"
)

// Event describes one successful create or update of a mirrored record.
type Event struct {
	RunID      string            `json:"run_id"`
	Action     string            `json:"action"`
	ExternalID string            `json:"external_id"`
	RecordType models.RecordType `json:"record_type"`
	Number     string            `json:"number"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher delivers events to a topic. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// NopPublisher discards events. Used when no bus is configured.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(ctx context.Context, topic string, event Event) error {
	return nil
}
