package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/events"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// BatchTracker maintains batch counter records and emits a completion event
// exactly once per batch, on the increment that crosses the completion
// threshold. The exactly-once guarantee comes from the store's atomic
// increment, not from any state held here.
type BatchTracker struct {
	batches store.BatchStore
	emitter events.EventEmitter
	logger  *slog.Logger
}

// NewBatchTracker creates a tracker over the given batch store. The emitter
// may be nil when no completion handlers are wired.
func NewBatchTracker(batches store.BatchStore, emitter events.EventEmitter, logger *slog.Logger) *BatchTracker {
	return &BatchTracker{
		batches: batches,
		emitter: emitter,
		logger:  logger.With("component", "batch_tracker"),
	}
}

// Create inserts a new batch record with zeroed counters.
func (t *BatchTracker) Create(ctx context.Context, batchID, queueName string, totalItems int, webhookURL string, metadata json.RawMessage) (*domain.Batch, error) {
	batch, err := domain.NewBatch(batchID, queueName, totalItems, webhookURL, metadata)
	if err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	if err := t.batches.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch record: %w", err)
	}

	t.logger.Debug("created batch",
		"batch_id", batchID,
		"queue_name", queueName,
		"total_items", totalItems)
	return batch, nil
}

// Increment atomically applies the delta to the batch's counters. When the
// increment completes the batch, a BatchCompletedEvent is emitted; emission
// failures are logged, never escalated, so a broken handler cannot poison
// counter updates.
func (t *BatchTracker) Increment(ctx context.Context, batchID string, delta store.BatchDelta) error {
	res, err := t.batches.IncrementBatch(ctx, batchID, delta)
	if err != nil {
		return fmt.Errorf("failed to increment batch %s: %w", batchID, err)
	}

	if res.JustCompleted {
		t.logger.Info("batch completed",
			"batch_id", batchID,
			"total_items", res.Batch.TotalItems,
			"completed_items", res.Batch.CompletedItems,
			"failed_items", res.Batch.FailedItems)

		if t.emitter != nil {
			if err := t.emitter.EmitEvent(ctx, events.NewBatchCompletedEvent(res.Batch)); err != nil {
				t.logger.Error("batch completion event handling failed",
					"batch_id", batchID,
					"error", err)
			}
		}
	}

	return nil
}
