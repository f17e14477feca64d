package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
)

// BatchCompletedEvent is emitted exactly once per batch, on the counter
// increment that carried it across its completion threshold. It carries the
// final batch state so handlers need no further store reads.
type BatchCompletedEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// BatchID identifies the batch that completed
	BatchID string `json:"batch_id"`

	// QueueName is the queue the batch was submitted to
	QueueName string `json:"queue_name"`

	// TotalItems, CompletedItems and FailedItems are the batch's final
	// counters
	TotalItems     int `json:"total_items"`
	CompletedItems int `json:"completed_items"`
	FailedItems    int `json:"failed_items"`

	// WebhookURL is the caller-supplied notification target, empty if none
	WebhookURL string `json:"webhook_url,omitempty"`

	// Metadata is the caller-supplied opaque batch metadata
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// CompletedAt is when the batch crossed its completion threshold
	CompletedAt time.Time `json:"completed_at"`
}

// NewBatchCompletedEvent creates an event from a completed batch record.
func NewBatchCompletedEvent(batch *domain.Batch) *BatchCompletedEvent {
	completedAt := time.Now().UTC()
	if batch.CompletedAt != nil {
		completedAt = *batch.CompletedAt
	}

	return &BatchCompletedEvent{
		ID:             uuid.New(),
		BatchID:        batch.BatchID,
		QueueName:      batch.QueueName,
		TotalItems:     batch.TotalItems,
		CompletedItems: batch.CompletedItems,
		FailedItems:    batch.FailedItems,
		WebhookURL:     batch.WebhookURL,
		Metadata:       batch.Metadata,
		CompletedAt:    completedAt,
	}
}

// EventHandler defines an interface for components that can handle batch
// completion events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *BatchCompletedEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows the engine to publish completions without direct knowledge of
// handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *BatchCompletedEvent) error
}
