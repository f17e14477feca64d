package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// ErrNotAwaitingCallback is returned when a completion callback targets an
// entry that is not waiting in the processing state.
var ErrNotAwaitingCallback = errors.New("entry is not awaiting a callback")

// CompleteFromCallback finalizes an entry whose provider completes
// asynchronously. The entry must be in processing; its result is stored
// (offloaded when oversized) and the status flips to complete. Batch counters
// are not touched here: the entry was already counted when the provider
// accepted the work.
func (e *Engine) CompleteFromCallback(ctx context.Context, entryID uuid.UUID, result json.RawMessage, tokensUsed int) error {
	entry, err := e.callbackEntry(ctx, entryID)
	if err != nil {
		return err
	}

	stored := domain.Result{Inline: result}
	path, err := e.offloader.StoreLargeResult(ctx, result)
	if err != nil {
		return err
	}
	if path != "" {
		stored = domain.Result{GCSPath: path}
	}

	if tokensUsed > 0 {
		if limiter := e.adapter.LimiterFor(entry.Model); limiter != nil {
			limiter.RecordUsage(tokensUsed)
		}
	}

	status := domain.EntryStatusComplete
	if err := e.entries.UpdateEntries(ctx, []store.EntryUpdate{{
		ID:         entryID,
		Status:     &status,
		Result:     &stored,
		TokensUsed: &tokensUsed,
	}}); err != nil {
		return err
	}

	e.logger.Info("entry finalized by callback",
		"entry_id", entryID,
		"tokens_used", tokensUsed)
	return nil
}

// FailFromCallback terminally fails an entry whose asynchronous provider
// reported an error. Batch counters already counted the entry as accepted at
// dispatch time and are deliberately left alone.
func (e *Engine) FailFromCallback(ctx context.Context, entryID uuid.UUID, trace string) error {
	entry, err := e.callbackEntry(ctx, entryID)
	if err != nil {
		return err
	}

	if err := e.entries.SetError(ctx, []uuid.UUID{entry.ID}, trace); err != nil {
		return err
	}

	e.logger.Warn("entry failed by callback",
		"entry_id", entryID,
		"trace", trace)
	return nil
}

// callbackEntry loads an entry and verifies it is awaiting a callback.
func (e *Engine) callbackEntry(ctx context.Context, entryID uuid.UUID) (*domain.QueueEntry, error) {
	entries, err := e.entries.GetEntries(ctx, store.EntryFilter{IDs: []uuid.UUID{entryID}}, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", entryID, err)
	}
	if len(entries) == 0 {
		return nil, store.ErrEntryNotFound
	}

	entry := entries[0]
	if entry.Status != domain.EntryStatusProcessing {
		return nil, fmt.Errorf("%w: entry %s is %s", ErrNotAwaitingCallback, entryID, entry.Status)
	}
	return entry, nil
}
