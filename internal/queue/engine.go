package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/provider"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// Trigger wakes a processor run through the external dispatch collaborator
// (e.g. a task queue). Delivery is fire-and-forget and at-least-once with no
// ordering guarantee; overlapping runs are expected and safe.
//
// Version: 1.0
type Trigger interface {
	Dispatch(ctx context.Context, functionName string, payload json.RawMessage) error
}

// Hook is a post-processing callback invoked after an entry completes,
// selected by the params' "type" field (e.g. scene/character/location image
// post-processing). A hook failure fails the entry's processing.
type Hook func(ctx context.Context, entry *domain.QueueEntry, result json.RawMessage) error

// EngineConfig holds the engine's tuning knobs.
type EngineConfig struct {
	// ClaimLimit is the maximum number of pending entries claimed per cycle.
	ClaimLimit int

	// RetryLimit is the number of retries before an entry is marked as a
	// terminal error.
	RetryLimit int

	// MaxDrainCycles bounds how many claim cycles one ProcessQueue call may
	// run while draining a backlog. Replaces the unbounded recursive
	// self-call of earlier designs.
	MaxDrainCycles int
}

// DefaultEngineConfig returns an EngineConfig with reasonable defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ClaimLimit:     50,
		RetryLimit:     3,
		MaxDrainCycles: 100,
	}
}

// Engine runs one provider's queue. It owns no entry state: every operation
// reads or atomically mutates through the store, so any number of Engine
// instances (across processes) can run the same queue concurrently.
type Engine struct {
	adapter   *provider.Adapter
	entries   store.QueueStore
	offloader *PayloadOffloader
	tracker   *BatchTracker
	trigger   Trigger
	hooks     map[string]Hook
	config    EngineConfig
	logger    *slog.Logger

	// functionName is the dispatch target that wakes this queue's processor.
	functionName string
}

// NewEngine creates an Engine for the given adapter.
func NewEngine(
	adapter *provider.Adapter,
	entries store.QueueStore,
	offloader *PayloadOffloader,
	tracker *BatchTracker,
	trigger Trigger,
	config EngineConfig,
	logger *slog.Logger,
) *Engine {
	if config.ClaimLimit <= 0 {
		config.ClaimLimit = DefaultEngineConfig().ClaimLimit
	}
	if config.MaxDrainCycles <= 0 {
		config.MaxDrainCycles = DefaultEngineConfig().MaxDrainCycles
	}

	return &Engine{
		adapter:      adapter,
		entries:      entries,
		offloader:    offloader,
		tracker:      tracker,
		trigger:      trigger,
		hooks:        make(map[string]Hook),
		config:       config,
		logger:       logger.With("queue", adapter.Name),
		functionName: "process-queue-" + adapter.Name,
	}
}

// RegisterHook installs a post-processing hook for the given params type.
func (e *Engine) RegisterHook(paramsType string, hook Hook) {
	e.hooks[paramsType] = hook
}

// Adapter returns the provider adapter this engine runs.
func (e *Engine) Adapter() *provider.Adapter {
	return e.adapter
}

// FunctionName returns the dispatch target that wakes this queue's
// processor.
func (e *Engine) FunctionName() string {
	return e.functionName
}

// AddRequest describes one entry to enqueue.
type AddRequest struct {
	EntryType       string
	Model           string
	Params          json.RawMessage
	EstimatedTokens int

	// RetryCount seeds the entry's retry counter. Nonzero only for
	// resubmissions that must inherit a predecessor's count.
	RetryCount int

	// BatchID tags the entry into an existing batch. The batch record must
	// already exist.
	BatchID string

	// UniqueKey overrides the adapter's generated dedup key.
	UniqueKey string
}

// AddToQueue inserts one pending entry, offloading oversized params to blob
// storage first, and wakes a processor. A uniqueness collision propagates as
// store.ErrUniqueKeyExists; idempotent callers may ignore it.
func (e *Engine) AddToQueue(ctx context.Context, req AddRequest) (*store.InsertResult, error) {
	entry, err := e.buildEntry(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := e.entries.InsertEntries(ctx, []*domain.QueueEntry{entry})
	if err != nil {
		return res, err
	}

	e.triggerDispatch(ctx)
	return res, nil
}

// BatchRequest describes a group of entries submitted together.
type BatchRequest struct {
	Entries    []AddRequest
	BatchID    string
	WebhookURL string
	Metadata   json.RawMessage

	// SkipDispatch suppresses the processor wake-up, for callers that will
	// run ProcessQueue themselves.
	SkipDispatch bool
}

// BatchAddResult reports a batch submission.
type BatchAddResult struct {
	*store.InsertResult
	BatchID string
}

// AddToQueueBatch creates the batch record, then inserts every entry tagged
// with the batch ID in one bulk call. A batch ID is generated when absent.
func (e *Engine) AddToQueueBatch(ctx context.Context, req BatchRequest) (*BatchAddResult, error) {
	if len(req.Entries) == 0 {
		return nil, errors.New("batch must contain at least one entry")
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	// The batch record must exist before any entry referencing it.
	if _, err := e.tracker.Create(ctx, batchID, e.adapter.Name, len(req.Entries), req.WebhookURL, req.Metadata); err != nil {
		return nil, err
	}

	entries := make([]*domain.QueueEntry, 0, len(req.Entries))
	for _, add := range req.Entries {
		add.BatchID = batchID
		entry, err := e.buildEntry(ctx, add)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	res, err := e.entries.InsertEntries(ctx, entries)
	if err != nil {
		return &BatchAddResult{InsertResult: res, BatchID: batchID}, err
	}

	if !req.SkipDispatch {
		e.triggerDispatch(ctx)
	}

	return &BatchAddResult{InsertResult: res, BatchID: batchID}, nil
}

// AddToQueueBatchAndWait submits a batch without waking an external
// processor, drains the queue on the caller's own goroutine, then polls
// until the batch completes. Used when the caller wants in-process
// completion instead of relying on the dispatch trigger.
func (e *Engine) AddToQueueBatchAndWait(ctx context.Context, req BatchRequest, wait WaitOptions) (*BatchStatus, error) {
	req.SkipDispatch = true

	res, err := e.AddToQueueBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.ProcessQueue(ctx); err != nil {
		return nil, err
	}

	wait.BatchID = res.BatchID
	return e.WaitForBatchCompletion(ctx, wait)
}

// buildEntry assembles a pending QueueEntry from an AddRequest, offloading
// oversized params.
func (e *Engine) buildEntry(ctx context.Context, req AddRequest) (*domain.QueueEntry, error) {
	params := domain.Params{Inline: req.Params}
	path, err := e.offloader.StoreLargeParams(ctx, req.Params)
	if err != nil {
		return nil, err
	}
	if path != "" {
		params = domain.Params{GCSPath: path}
	}

	uniqueKey := req.UniqueKey
	if uniqueKey == "" {
		uniqueKey = e.adapter.UniqueKeyFor(req.Params)
	}

	now := time.Now().UTC()
	entry := &domain.QueueEntry{
		ID:              uuid.New(),
		Type:            e.adapter.Name,
		EntryType:       req.EntryType,
		Model:           req.Model,
		UniqueKey:       uniqueKey,
		Params:          params,
		EstimatedTokens: req.EstimatedTokens,
		Status:          domain.EntryStatusPending,
		RetryCount:      req.RetryCount,
		BatchID:         req.BatchID,
		TimeRequested:   now,
		TimeUpdated:     now,
	}

	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidRecord, err)
	}
	return entry, nil
}

// triggerDispatch wakes a processor through the dispatch collaborator.
// Failures are logged only; the entries are durably pending and any later
// run will pick them up.
func (e *Engine) triggerDispatch(ctx context.Context) {
	if e.trigger == nil {
		return
	}

	payload, _ := json.Marshal(map[string]string{"queue": e.adapter.Name})
	if err := e.trigger.Dispatch(ctx, e.functionName, payload); err != nil {
		e.logger.Warn("failed to trigger queue processor",
			"function", e.functionName,
			"error", err)
	}
}

// ProcessQueue runs the engine's claim/process loop until the backing store
// has no more pending entries for this queue, up to MaxDrainCycles. Any
// failure or panic escaping the per-entry isolation is caught here, logged,
// and answered by re-triggering the dispatch collaborator so a fresh
// invocation retries the whole cycle.
func (e *Engine) ProcessQueue(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("queue processing panicked: %v", p)
			e.logger.Error("queue processing panicked, re-triggering processor", "panic", p)
			e.triggerDispatch(ctx)
		}
	}()

	for cycle := 0; cycle < e.config.MaxDrainCycles; cycle++ {
		claimed, claimErr := e.entries.ClaimPending(ctx, e.adapter.Name, e.config.ClaimLimit)
		if claimErr != nil {
			e.logger.Error("failed to claim pending entries, re-triggering processor",
				"error", claimErr)
			e.triggerDispatch(ctx)
			return claimErr
		}

		if len(claimed) == 0 {
			return nil
		}

		e.logger.Info("processing claimed entries",
			"cycle", cycle,
			"claimed", len(claimed))

		// All model groups run in parallel; they share nothing but the store.
		groups := groupByModel(claimed)
		var wg sync.WaitGroup
		errCh := make(chan error, len(groups))
		for model, entries := range groups {
			wg.Add(1)
			go func(model string, entries []*domain.QueueEntry) {
				defer wg.Done()
				if groupErr := e.processModelBatch(ctx, model, entries); groupErr != nil {
					errCh <- groupErr
				}
			}(model, entries)
		}
		wg.Wait()
		close(errCh)

		var groupErrs []error
		for groupErr := range errCh {
			groupErrs = append(groupErrs, groupErr)
		}
		if len(groupErrs) > 0 {
			joined := errors.Join(groupErrs...)
			e.logger.Error("model batch processing failed, re-triggering processor",
				"failed_groups", len(groupErrs),
				"error", joined)
			e.triggerDispatch(ctx)
			return joined
		}

		// Probe for a remaining backlog; another cycle drains it without
		// depending on the external trigger firing again.
		remaining, probeErr := e.entries.GetEntries(ctx, store.EntryFilter{
			Type:   e.adapter.Name,
			Status: domain.EntryStatusPending,
		}, 1)
		if probeErr != nil {
			e.logger.Error("failed to probe for pending entries, re-triggering processor",
				"error", probeErr)
			e.triggerDispatch(ctx)
			return probeErr
		}
		if len(remaining) == 0 {
			return nil
		}
	}

	e.logger.Warn("drain cycle budget exhausted with entries still pending, re-triggering processor",
		"max_cycles", e.config.MaxDrainCycles)
	e.triggerDispatch(ctx)
	return nil
}

// groupByModel buckets claimed entries by model, preserving claim order
// within each bucket.
func groupByModel(entries []*domain.QueueEntry) map[string][]*domain.QueueEntry {
	groups := make(map[string][]*domain.QueueEntry)
	for _, entry := range entries {
		groups[entry.Model] = append(groups[entry.Model], entry)
	}
	return groups
}

// processModelBatch runs one model group: checks capacity, forms the
// admitted batch, updates batch counters around processing, and fans out
// per-entry work.
func (e *Engine) processModelBatch(ctx context.Context, model string, entries []*domain.QueueEntry) error {
	log := e.logger.With("model", model)

	limiter := e.adapter.LimiterFor(model)
	if limiter == nil {
		// Retrying cannot conjure configuration, so the whole group fails.
		log.Error("no rate limiter found for model, failing group",
			"entries", len(entries))
		return e.entries.SetError(ctx, entryIDs(entries), fmt.Sprintf("No rate limiter found for model %q", model))
	}

	usage := limiter.Usage()
	limits := limiter.Limits()
	available := capacity{
		requests: limits.MaxRequests - usage.Requests,
		tokens:   limits.MaxTokens - usage.Tokens,
	}
	if limits.MaxTokens <= 0 {
		available.tokens = int(^uint(0) >> 1)
	}

	if available.requests <= 0 || available.tokens <= 0 {
		// Capacity backoff, not failure: entries return to the pool
		// untouched and the next cycle rides the window rotation.
		log.Info("rate limit window exhausted, returning entries to pending",
			"entries", len(entries))
		return e.resetToPending(ctx, entries)
	}

	admitted, deferred := buildOptimalBatch(entries, available)
	if len(deferred) > 0 {
		log.Info("deferring entries beyond window capacity",
			"admitted", len(admitted),
			"deferred", len(deferred))
		if err := e.resetToPending(ctx, deferred); err != nil {
			return err
		}
	}
	if len(admitted) == 0 {
		return nil
	}

	// Pre-commit "in flight" so batch status reflects work underway.
	batchGroups := groupByBatchID(admitted)
	for batchID, group := range batchGroups {
		if err := e.tracker.Increment(ctx, batchID, store.BatchDelta{Processing: len(group)}); err != nil {
			return err
		}
	}

	results := make([]entryResult, len(admitted))
	var wg sync.WaitGroup
	for i, entry := range admitted {
		wg.Add(1)
		go func(i int, entry *domain.QueueEntry) {
			defer wg.Done()
			results[i] = e.processQueueEntry(ctx, entry)
		}(i, entry)
	}
	wg.Wait()

	for batchID, group := range batchGroups {
		delta := store.BatchDelta{Processing: -len(group)}
		for _, res := range results {
			if res.entry.BatchID != batchID {
				continue
			}
			switch res.status {
			// Entries awaiting an external callback count as completed for
			// batch accounting: the provider accepted the work.
			case domain.EntryStatusComplete, domain.EntryStatusProcessing:
				delta.Completed++
			case domain.EntryStatusError:
				delta.Failed++
			}
		}
		if err := e.tracker.Increment(ctx, batchID, delta); err != nil {
			return err
		}
	}

	return nil
}

// capacity is the remaining admission budget of a rate window.
type capacity struct {
	requests int
	tokens   int
}

// buildOptimalBatch greedily admits entries in claim order until either
// bound would be violated, then stops. The result is always a strict prefix:
// a single oversized entry blocks everything behind it even if a later,
// smaller entry would fit. That starvation is accepted policy in exchange
// for FIFO fairness.
func buildOptimalBatch(entries []*domain.QueueEntry, available capacity) (admitted, deferred []*domain.QueueEntry) {
	requests := 0
	tokens := 0
	for i, entry := range entries {
		if requests+1 > available.requests || tokens+entry.EstimatedTokens > available.tokens {
			return entries[:i], entries[i:]
		}
		requests++
		tokens += entry.EstimatedTokens
	}
	return entries, nil
}

// groupByBatchID buckets entries by batch ID, dropping unbatched entries.
func groupByBatchID(entries []*domain.QueueEntry) map[string][]*domain.QueueEntry {
	groups := make(map[string][]*domain.QueueEntry)
	for _, entry := range entries {
		if entry.BatchID == "" {
			continue
		}
		groups[entry.BatchID] = append(groups[entry.BatchID], entry)
	}
	return groups
}

// resetToPending returns entries to the pending pool without touching their
// retry counts. This is the capacity-backoff path and must stay distinct
// from the failure-retry path.
func (e *Engine) resetToPending(ctx context.Context, entries []*domain.QueueEntry) error {
	status := domain.EntryStatusPending
	updates := make([]store.EntryUpdate, len(entries))
	for i, entry := range entries {
		updates[i] = store.EntryUpdate{ID: entry.ID, Status: &status}
	}
	return e.entries.UpdateEntries(ctx, updates)
}

// entryIDs collects the IDs of the given entries.
func entryIDs(entries []*domain.QueueEntry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}
