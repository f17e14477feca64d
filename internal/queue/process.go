package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/provider"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// entryResult is the outcome of one processQueueEntry call. status is the
// entry's store status after processing: complete/processing on success,
// pending when a retry re-queued it, error when terminally failed.
type entryResult struct {
	entry   *domain.QueueEntry
	success bool
	status  domain.EntryStatus
}

// processQueueEntry runs one claimed entry end to end. Errors never escape
// this boundary: every failure lands in the retry path or a terminal error
// status on the entry.
func (e *Engine) processQueueEntry(ctx context.Context, entry *domain.QueueEntry) entryResult {
	log := e.logger.With("entry_id", entry.ID, "entry_type", entry.EntryType)

	resolved, status, err := e.runEntry(ctx, entry)
	if err == nil {
		return entryResult{entry: entry, success: true, status: status}
	}

	if provider.IsDeadlineExceeded(err) {
		log.Warn("entry hit provider deadline, scheduling immediate retry", "error", err)
	} else {
		log.Error("entry processing failed", "error", err)
	}

	retry := e.adapter.HandleRetry
	if retry == nil {
		retry = defaultRetry
	}

	// Retry policies read the params inline (moderation needs the prompt),
	// so they get the resolved copy, not the stored offload pointer.
	retryEntry := entry
	if resolved != nil {
		retryEntry = resolved
	}
	handled, retryErr := retry(ctx, (*retryOps)(e), retryEntry, err)
	if retryErr != nil {
		log.Error("retry handling failed", "error", retryErr)
	}
	if handled && retryErr == nil {
		return entryResult{entry: entry, success: false, status: domain.EntryStatusPending}
	}

	if markErr := e.entries.SetError(ctx, entryIDs([]*domain.QueueEntry{entry}), err.Error()); markErr != nil {
		log.Error("failed to mark entry as error", "error", markErr)
	}
	return entryResult{entry: entry, success: false, status: domain.EntryStatusError}
}

// runEntry performs the happy-path steps: resolve params, call the provider,
// offload the result, record usage, persist, and fire hooks. The returned
// entry is a copy carrying the resolved inline params (nil when resolution
// itself failed); the stored entry keeps its offload pointer.
func (e *Engine) runEntry(ctx context.Context, entry *domain.QueueEntry) (*domain.QueueEntry, domain.EntryStatus, error) {
	params, err := e.offloader.ResolveParams(ctx, entry)
	if err != nil {
		return nil, "", err
	}

	resolved := *entry
	resolved.Params = domain.Params{Inline: params}

	procRes, err := e.adapter.Processor.Process(ctx, &resolved)
	if err != nil {
		return &resolved, "", err
	}
	if procRes == nil {
		procRes = &provider.ProcessResult{}
	}

	result := domain.Result{Inline: procRes.Result}
	if len(procRes.Result) > 0 {
		path, offErr := e.offloader.StoreLargeResult(ctx, procRes.Result)
		if offErr != nil {
			return &resolved, "", offErr
		}
		if path != "" {
			result = domain.Result{GCSPath: path}
		}
	}

	if procRes.TokensUsed > 0 {
		if limiter := e.adapter.LimiterFor(entry.Model); limiter != nil {
			limiter.RecordUsage(procRes.TokensUsed)
		} else {
			e.logger.Warn("no rate limiter found to record usage",
				"entry_id", entry.ID,
				"model", entry.Model,
				"tokens_used", procRes.TokensUsed)
		}
	}

	// Providers that complete asynchronously leave the entry in processing
	// until their callback finalizes it.
	finalStatus := domain.EntryStatusComplete
	if e.adapter.WaitsForCallback {
		finalStatus = domain.EntryStatusProcessing
	}

	update := store.EntryUpdate{
		ID:         entry.ID,
		Status:     &finalStatus,
		Result:     &result,
		TokensUsed: &procRes.TokensUsed,
	}
	if err := e.entries.UpdateEntries(ctx, []store.EntryUpdate{update}); err != nil {
		return &resolved, "", err
	}

	if hook := e.hookFor(params); hook != nil {
		resolved.Result = result
		if err := hook(ctx, &resolved, procRes.Result); err != nil {
			return &resolved, "", fmt.Errorf("post-processing hook failed: %w", err)
		}
	}

	return &resolved, finalStatus, nil
}

// hookFor selects the post-processing hook for the params' "type" field.
func (e *Engine) hookFor(params json.RawMessage) Hook {
	if len(e.hooks) == 0 {
		return nil
	}
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(params, &typed); err != nil || typed.Type == "" {
		return nil
	}
	return e.hooks[typed.Type]
}

// defaultRetry re-queues the entry until the retry limit is exhausted, then
// declines so the caller marks it as a terminal error.
func defaultRetry(ctx context.Context, ops provider.RetryOps, entry *domain.QueueEntry, _ error) (bool, error) {
	if entry.RetryCount >= ops.RetryLimit() {
		return false, nil
	}
	if err := ops.RequeueForRetry(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

// retryOps adapts the engine to the provider.RetryOps surface handed to
// retry policies.
type retryOps Engine

// RetryLimit implements provider.RetryOps.
func (o *retryOps) RetryLimit() int {
	return o.config.RetryLimit
}

// RequeueForRetry implements provider.RetryOps: back to pending with an
// incremented retry count.
func (o *retryOps) RequeueForRetry(ctx context.Context, entry *domain.QueueEntry) error {
	status := domain.EntryStatusPending
	retryCount := entry.RetryCount + 1
	return o.entries.UpdateEntries(ctx, []store.EntryUpdate{{
		ID:         entry.ID,
		Status:     &status,
		RetryCount: &retryCount,
	}})
}

// MarkError implements provider.RetryOps.
func (o *retryOps) MarkError(ctx context.Context, entry *domain.QueueEntry, trace string) error {
	return o.entries.SetError(ctx, entryIDs([]*domain.QueueEntry{entry}), trace)
}

// ResubmitModerated implements provider.RetryOps: insert the moderated
// successor, then terminally fail the original with a trace pointing at it.
func (o *retryOps) ResubmitModerated(ctx context.Context, original *domain.QueueEntry, moderatedParams json.RawMessage, uniqueKey string) error {
	engine := (*Engine)(o)

	_, err := engine.AddToQueue(ctx, AddRequest{
		EntryType:       original.EntryType,
		Model:           original.Model,
		Params:          moderatedParams,
		EstimatedTokens: original.EstimatedTokens,
		RetryCount:      original.RetryCount + 1,
		BatchID:         original.BatchID,
		UniqueKey:       uniqueKey,
	})
	if err != nil {
		return err
	}

	trace := fmt.Sprintf("content policy violation; resubmitted with moderated prompt as %q", uniqueKey)
	return o.entries.SetError(ctx, entryIDs([]*domain.QueueEntry{original}), trace)
}
