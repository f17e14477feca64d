package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// ErrWaitTimeout is returned when a batch does not complete within the
// caller's polling budget. The underlying work is not cancelled and may
// still finish later.
var ErrWaitTimeout = errors.New("timed out waiting for batch completion")

// BatchStatus is a point-in-time view of a batch's progress.
type BatchStatus struct {
	BatchID              string             `json:"batch_id"`
	QueueName            string             `json:"queue_name"`
	Status               domain.BatchStatus `json:"status"`
	TotalItems           int                `json:"total_items"`
	ProcessingItems      int                `json:"processing_items"`
	CompletedItems       int                `json:"completed_items"`
	FailedItems          int                `json:"failed_items"`
	CompletionPercentage int                `json:"completion_percentage"`
	Metadata             json.RawMessage    `json:"metadata,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

// GetBatchStatus reads the batch record and computes its completion
// percentage. Returns (nil, nil) when the batch does not exist.
func (e *Engine) GetBatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	batch, err := e.tracker.batches.GetBatch(ctx, batchID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}

	return &BatchStatus{
		BatchID:              batch.BatchID,
		QueueName:            batch.QueueName,
		Status:               batch.Status,
		TotalItems:           batch.TotalItems,
		ProcessingItems:      batch.ProcessingItems,
		CompletedItems:       batch.CompletedItems,
		FailedItems:          batch.FailedItems,
		CompletionPercentage: batch.CompletionPercentage(),
		Metadata:             batch.Metadata,
		CompletedAt:          batch.CompletedAt,
	}, nil
}

// WaitOptions configures a WaitForBatchCompletion poll loop.
type WaitOptions struct {
	BatchID      string
	MaxWaitTime  time.Duration
	PollInterval time.Duration

	// OnProgress, if set, is invoked with the current status every fifth
	// polling attempt.
	OnProgress func(status *BatchStatus)
}

// WaitForBatchCompletion polls the batch status until it completes, the
// attempt budget (ceil(MaxWaitTime/PollInterval)) runs out, or the context
// is cancelled.
func (e *Engine) WaitForBatchCompletion(ctx context.Context, opts WaitOptions) (*BatchStatus, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxWaitTime <= 0 {
		opts.MaxWaitTime = 30 * time.Second
	}

	attempts := int((opts.MaxWaitTime + opts.PollInterval - 1) / opts.PollInterval)

	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := e.GetBatchStatus(ctx, opts.BatchID)
		if err != nil {
			return nil, err
		}

		if status != nil && status.Status == domain.BatchStatusComplete {
			return status, nil
		}

		if opts.OnProgress != nil && attempt%5 == 0 {
			opts.OnProgress(status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}

	return nil, fmt.Errorf("%w: batch %s after %s", ErrWaitTimeout, opts.BatchID, opts.MaxWaitTime)
}
