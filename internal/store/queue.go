package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
)

// EntryFilter selects queue entries for a read. Zero-valued fields are
// ignored.
type EntryFilter struct {
	IDs     []uuid.UUID
	Type    string
	Status  domain.EntryStatus
	BatchID string
}

// EntryUpdate describes a partial update to a single queue entry. Nil fields
// are left untouched. TimeUpdated is always refreshed by the store.
type EntryUpdate struct {
	ID         uuid.UUID
	Status     *domain.EntryStatus
	RetryCount *int
	Result     *domain.Result
	TokensUsed *int
	Trace      *string
}

// InsertResult reports the outcome of a bulk insert.
type InsertResult struct {
	// Success is false when the insert was rejected by a uniqueness
	// collision. Callers submitting idempotently may treat that as a skip.
	Success bool
	IDs     []uuid.UUID
}

// QueueStore is the durable home of queue entries. It is the sole arbiter of
// concurrent claims: ClaimPending and the batch counter increment on
// BatchStore are the two operations whose atomicity the whole concurrency
// model rests on.
//
// Version: 1.0
type QueueStore interface {
	// ClaimPending atomically selects up to limit entries of the given queue
	// type in pending status, flips them to processing, and returns them.
	// This must be a single read-and-mutate store operation; two concurrent
	// callers never receive the same entry.
	ClaimPending(ctx context.Context, queueType string, limit int) ([]*domain.QueueEntry, error)

	// GetEntries returns up to limit entries matching the filter. This is a
	// plain read with no claim semantics, used for drain probes and
	// dispatcher polling.
	GetEntries(ctx context.Context, filter EntryFilter, limit int) ([]*domain.QueueEntry, error)

	// UpdateEntries applies one partial update per entry.
	UpdateEntries(ctx context.Context, updates []EntryUpdate) error

	// SetError marks the given entries as terminally failed, recording the
	// trace on each.
	SetError(ctx context.Context, ids []uuid.UUID, trace string) error

	// SetComplete marks the given entries complete.
	SetComplete(ctx context.Context, ids []uuid.UUID) error

	// InsertEntries bulk-inserts pending entries. A uniqueness collision on
	// any entry's unique key returns an InsertResult with Success=false and
	// ErrUniqueKeyExists.
	InsertEntries(ctx context.Context, entries []*domain.QueueEntry) (*InsertResult, error)
}

// BatchDelta carries counter adjustments for one atomic batch increment.
type BatchDelta struct {
	Processing int
	Completed  int
	Failed     int
}

// BatchIncrementResult reports the batch state after an increment.
type BatchIncrementResult struct {
	Batch *domain.Batch

	// JustCompleted is true only on the single increment that carried the
	// batch across its completion threshold. The store must guarantee this
	// fires exactly once per batch regardless of concurrent callers; it is
	// the sole trigger for webhook delivery.
	JustCompleted bool
}

// BatchStore is the durable home of batch tracking records.
//
// Version: 1.0
type BatchStore interface {
	// CreateBatch inserts a new batch record with zeroed counters.
	CreateBatch(ctx context.Context, batch *domain.Batch) error

	// GetBatch returns the batch with the given ID, or ErrBatchNotFound.
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)

	// IncrementBatch atomically applies the delta to the batch's counters in
	// one store operation. When the increment makes
	// completed+failed == total, the batch transitions to complete and
	// JustCompleted is set on the result.
	IncrementBatch(ctx context.Context, batchID string, delta BatchDelta) (*BatchIncrementResult, error)
}

// BlobStore holds offloaded payloads too large to keep inline on a queue
// entry.
//
// Version: 1.0
type BlobStore interface {
	// Put writes data to the given path, overwriting any existing blob.
	Put(ctx context.Context, path string, data []byte) error

	// Get reads the blob at the given path, or returns ErrBlobNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the blob at the given path. Deleting a missing blob is
	// not an error.
	Delete(ctx context.Context, path string) error
}
