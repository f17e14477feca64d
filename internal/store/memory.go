package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
)

// InMemoryQueueStore is a mutex-guarded QueueStore with the same claim
// atomicity guarantees as the Postgres implementation. It backs tests and
// single-process local development.
type InMemoryQueueStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.QueueEntry
	order   []uuid.UUID
	uniques map[string]struct{}
}

// NewInMemoryQueueStore creates an empty in-memory queue store.
func NewInMemoryQueueStore() *InMemoryQueueStore {
	return &InMemoryQueueStore{
		entries: make(map[uuid.UUID]*domain.QueueEntry),
		uniques: make(map[string]struct{}),
	}
}

// ClaimPending implements QueueStore. The claim happens entirely under one
// lock acquisition, so two concurrent callers never receive the same entry.
func (s *InMemoryQueueStore) ClaimPending(ctx context.Context, queueType string, limit int) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*domain.QueueEntry
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		entry := s.entries[id]
		if entry.Type != queueType || entry.Status != domain.EntryStatusPending {
			continue
		}
		entry.Status = domain.EntryStatusProcessing
		entry.TimeUpdated = time.Now().UTC()
		claimed = append(claimed, copyEntry(entry))
	}
	return claimed, nil
}

// GetEntries implements QueueStore.
func (s *InMemoryQueueStore) GetEntries(ctx context.Context, filter EntryFilter, limit int) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantIDs := make(map[uuid.UUID]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		wantIDs[id] = struct{}{}
	}

	var matched []*domain.QueueEntry
	for _, id := range s.order {
		if limit > 0 && len(matched) >= limit {
			break
		}
		entry := s.entries[id]
		if len(wantIDs) > 0 {
			if _, ok := wantIDs[entry.ID]; !ok {
				continue
			}
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && entry.BatchID != filter.BatchID {
			continue
		}
		matched = append(matched, copyEntry(entry))
	}
	return matched, nil
}

// UpdateEntries implements QueueStore.
func (s *InMemoryQueueStore) UpdateEntries(ctx context.Context, updates []EntryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, update := range updates {
		entry, ok := s.entries[update.ID]
		if !ok {
			return ErrEntryNotFound
		}
		if update.Status != nil {
			entry.Status = *update.Status
		}
		if update.RetryCount != nil {
			entry.RetryCount = *update.RetryCount
		}
		if update.Result != nil {
			entry.Result = *update.Result
		}
		if update.TokensUsed != nil {
			entry.TokensUsed = *update.TokensUsed
		}
		if update.Trace != nil {
			entry.Trace = *update.Trace
		}
		entry.TimeUpdated = time.Now().UTC()
	}
	return nil
}

// SetError implements QueueStore.
func (s *InMemoryQueueStore) SetError(ctx context.Context, ids []uuid.UUID, trace string) error {
	status := domain.EntryStatusError
	updates := make([]EntryUpdate, len(ids))
	for i, id := range ids {
		updates[i] = EntryUpdate{ID: id, Status: &status, Trace: &trace}
	}
	return s.UpdateEntries(ctx, updates)
}

// SetComplete implements QueueStore.
func (s *InMemoryQueueStore) SetComplete(ctx context.Context, ids []uuid.UUID) error {
	status := domain.EntryStatusComplete
	updates := make([]EntryUpdate, len(ids))
	for i, id := range ids {
		updates[i] = EntryUpdate{ID: id, Status: &status}
	}
	return s.UpdateEntries(ctx, updates)
}

// InsertEntries implements QueueStore. The whole insert is rejected when any
// entry's unique key already exists.
func (s *InMemoryQueueStore) InsertEntries(ctx context.Context, entries []*domain.QueueEntry) (*InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.UniqueKey == "" {
			continue
		}
		if _, exists := s.uniques[entry.Type+"/"+entry.UniqueKey]; exists {
			return &InsertResult{Success: false}, ErrUniqueKeyExists
		}
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		stored := copyEntry(entry)
		s.entries[stored.ID] = stored
		s.order = append(s.order, stored.ID)
		if stored.UniqueKey != "" {
			s.uniques[stored.Type+"/"+stored.UniqueKey] = struct{}{}
		}
		ids = append(ids, stored.ID)
	}
	return &InsertResult{Success: true, IDs: ids}, nil
}

func copyEntry(entry *domain.QueueEntry) *domain.QueueEntry {
	dup := *entry
	return &dup
}

// InMemoryBatchStore is a mutex-guarded BatchStore whose increment carries
// the same exactly-once completion semantics as the Postgres implementation.
type InMemoryBatchStore struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch
}

// NewInMemoryBatchStore creates an empty in-memory batch store.
func NewInMemoryBatchStore() *InMemoryBatchStore {
	return &InMemoryBatchStore{
		batches: make(map[string]*domain.Batch),
	}
}

// CreateBatch implements BatchStore.
func (s *InMemoryBatchStore) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.BatchID]; exists {
		return ErrDuplicate
	}
	dup := *batch
	s.batches[batch.BatchID] = &dup
	return nil
}

// GetBatch implements BatchStore.
func (s *InMemoryBatchStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	dup := *batch
	return &dup, nil
}

// IncrementBatch implements BatchStore. The counter update and the
// completion check happen under one lock acquisition, so the
// processing-to-complete transition is observed by exactly one caller.
func (s *InMemoryBatchStore) IncrementBatch(ctx context.Context, batchID string, delta BatchDelta) (*BatchIncrementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}

	batch.ProcessingItems += delta.Processing
	batch.CompletedItems += delta.Completed
	batch.FailedItems += delta.Failed

	justCompleted := false
	if batch.Status == domain.BatchStatusProcessing &&
		batch.CompletedItems+batch.FailedItems >= batch.TotalItems {
		batch.Status = domain.BatchStatusComplete
		now := time.Now().UTC()
		batch.CompletedAt = &now
		justCompleted = true
	}

	dup := *batch
	return &BatchIncrementResult{Batch: &dup, JustCompleted: justCompleted}, nil
}

// InMemoryBlobStore is a mutex-guarded BlobStore.
type InMemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewInMemoryBlobStore creates an empty in-memory blob store.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string][]byte),
	}
}

// Put implements BlobStore.
func (s *InMemoryBlobStore) Put(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := make([]byte, len(data))
	copy(dup, data)
	s.blobs[path] = dup
	return nil
}

// Get implements BlobStore.
func (s *InMemoryBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, ErrBlobNotFound
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	return dup, nil
}

// Delete implements BlobStore. Deleting a missing blob is a no-op.
func (s *InMemoryBlobStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, path)
	return nil
}

// Len reports the number of stored blobs. Intended for tests.
func (s *InMemoryBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
