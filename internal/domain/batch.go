package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// BatchStatus represents the aggregate state of a batch of entries
type BatchStatus string

// Possible batch status values
const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusComplete   BatchStatus = "complete"
)

// Common validation errors for Batch
var (
	ErrEmptyBatchID       = errors.New("batch ID cannot be empty")
	ErrEmptyBatchQueue    = errors.New("batch queue name cannot be empty")
	ErrInvalidBatchTotal  = errors.New("batch total items must be positive")
	ErrInvalidBatchStatus = errors.New("invalid batch status")
)

// Batch is the aggregate tracking record for a group of queue entries
// submitted together. Counters are mutated only through the store's atomic
// increment; CompletedItems+FailedItems never exceeds TotalItems, and the
// transition to BatchStatusComplete happens exactly once.
type Batch struct {
	BatchID         string          `json:"batch_id"`
	QueueName       string          `json:"queue_name"`
	TotalItems      int             `json:"total_items"`
	ProcessingItems int             `json:"processing_items"`
	CompletedItems  int             `json:"completed_items"`
	FailedItems     int             `json:"failed_items"`
	Status          BatchStatus     `json:"status"`
	WebhookURL      string          `json:"webhook_url,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewBatch creates a Batch in the processing state with zeroed counters.
// Returns an error if validation fails.
func NewBatch(batchID, queueName string, totalItems int, webhookURL string, metadata json.RawMessage) (*Batch, error) {
	batch := &Batch{
		BatchID:    batchID,
		QueueName:  queueName,
		TotalItems: totalItems,
		Status:     BatchStatusProcessing,
		WebhookURL: webhookURL,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	return batch, nil
}

// Validate checks if the Batch has valid data.
func (b *Batch) Validate() error {
	if b.BatchID == "" {
		return ErrEmptyBatchID
	}

	if b.QueueName == "" {
		return ErrEmptyBatchQueue
	}

	if b.TotalItems <= 0 {
		return ErrInvalidBatchTotal
	}

	if b.Status != BatchStatusProcessing && b.Status != BatchStatusComplete {
		return ErrInvalidBatchStatus
	}

	return nil
}

// CompletionPercentage returns the rounded percentage of entries that have
// reached a terminal state.
func (b *Batch) CompletionPercentage() int {
	if b.TotalItems == 0 {
		return 0
	}
	return int(float64(b.CompletedItems+b.FailedItems)/float64(b.TotalItems)*100 + 0.5)
}
