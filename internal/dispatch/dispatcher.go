package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// Polling defaults for the synchronous-looking dispatch calls.
const (
	defaultMaxAttempts  = 30
	defaultPollInterval = time.Second
	pollSubBatchSize    = 10
)

// Common errors returned by the dispatcher
var (
	// ErrUnknownProvider is returned when no engine serves the requested
	// provider queue.
	ErrUnknownProvider = errors.New("unknown provider queue")

	// ErrDispatchTimeout is returned when an entry does not reach a terminal
	// status within the polling budget. The underlying work is not
	// cancelled and may complete later.
	ErrDispatchTimeout = errors.New("timed out waiting for queue entry")
)

// EntryError reports a provider-side failure for a dispatched entry,
// carrying the entry's trace.
type EntryError struct {
	EntryID uuid.UUID
	Trace   string
}

// Error implements the error interface for EntryError.
func (e *EntryError) Error() string {
	return fmt.Sprintf("queue entry %s failed: %s", e.EntryID, e.Trace)
}

// Dispatcher exposes a synchronous-looking call surface over the async
// queue: submit, run the processor inline for latency, then poll the store
// until the entry resolves.
type Dispatcher struct {
	engines   map[string]*queue.Engine
	entries   store.QueueStore
	offloader *queue.PayloadOffloader
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given engines, keyed by
// provider queue name.
func NewDispatcher(engines map[string]*queue.Engine, entries store.QueueStore, offloader *queue.PayloadOffloader, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		engines:   engines,
		entries:   entries,
		offloader: offloader,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Request is one logical request to a provider queue.
type Request struct {
	Provider        string
	Model           string
	EntryType       string
	Params          json.RawMessage
	EstimatedTokens int

	// ResponseKey names this request's slot in a batch result map. Batch
	// dispatch falls back to the positional index when empty.
	ResponseKey string
}

// DispatchRequest submits a single request, processes the queue on the
// caller's execution context, and polls until the entry resolves. Returns
// the resolved result (dereferenced from blob storage when offloaded), an
// EntryError carrying the trace on provider failure, or ErrDispatchTimeout.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req Request) (json.RawMessage, error) {
	engine, ok := d.engines[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}

	res, err := engine.AddToQueue(ctx, queue.AddRequest{
		EntryType:       req.EntryType,
		Model:           req.Model,
		Params:          req.Params,
		EstimatedTokens: req.EstimatedTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}
	if len(res.IDs) != 1 {
		return nil, errors.New("enqueue returned no entry ID")
	}
	entryID := res.IDs[0]

	// Running the processor inline gives interactive callers lower latency
	// than waiting for the external trigger.
	if err := engine.ProcessQueue(ctx); err != nil {
		d.logger.Warn("inline queue processing failed, falling back to polling",
			"entry_id", entryID,
			"error", err)
	}

	for attempt := 0; attempt < defaultMaxAttempts; attempt++ {
		entries, err := d.entries.GetEntries(ctx, store.EntryFilter{IDs: []uuid.UUID{entryID}}, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to poll entry %s: %w", entryID, err)
		}

		if len(entries) == 1 {
			entry := entries[0]
			switch entry.Status {
			case domain.EntryStatusComplete:
				return d.resolveResult(ctx, entry)
			case domain.EntryStatusError:
				return nil, &EntryError{EntryID: entry.ID, Trace: entry.Trace}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultPollInterval):
		}
	}

	return nil, fmt.Errorf("%w: entry %s", ErrDispatchTimeout, entryID)
}

// BatchOptions configures a BatchDispatchRequests call.
type BatchOptions struct {
	Requests     []Request
	Provider     string
	MaxAttempts  int
	PollInterval time.Duration
}

// BatchDispatchRequests submits all requests as one batch, processes the
// queue inline, then polls the outstanding entries in fixed-size sub-batches
// until every entry is terminal or the attempt budget runs out. The result
// maps each request's ResponseKey (or positional index) to its resolved
// result; entries that failed or were still incomplete at timeout are simply
// absent.
func (d *Dispatcher) BatchDispatchRequests(ctx context.Context, opts BatchOptions) (map[string]json.RawMessage, error) {
	engine, ok := d.engines[opts.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.Provider)
	}
	if len(opts.Requests) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	adds := make([]queue.AddRequest, len(opts.Requests))
	for i, req := range opts.Requests {
		adds[i] = queue.AddRequest{
			EntryType:       req.EntryType,
			Model:           req.Model,
			Params:          req.Params,
			EstimatedTokens: req.EstimatedTokens,
		}
	}

	res, err := engine.AddToQueueBatch(ctx, queue.BatchRequest{
		Entries:      adds,
		SkipDispatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}
	if len(res.IDs) != len(opts.Requests) {
		return nil, errors.New("batch enqueue returned a mismatched ID count")
	}

	keyByID := make(map[uuid.UUID]string, len(res.IDs))
	for i, id := range res.IDs {
		key := opts.Requests[i].ResponseKey
		if key == "" {
			key = strconv.Itoa(i)
		}
		keyByID[id] = key
	}

	if err := engine.ProcessQueue(ctx); err != nil {
		d.logger.Warn("inline queue processing failed, falling back to polling",
			"batch_id", res.BatchID,
			"error", err)
	}

	results := make(map[string]json.RawMessage)
	outstanding := res.IDs

	for attempt := 0; attempt < opts.MaxAttempts && len(outstanding) > 0; attempt++ {
		var still []uuid.UUID
		for start := 0; start < len(outstanding); start += pollSubBatchSize {
			end := min(start+pollSubBatchSize, len(outstanding))
			chunk := outstanding[start:end]

			entries, err := d.entries.GetEntries(ctx, store.EntryFilter{IDs: chunk}, len(chunk))
			if err != nil {
				return nil, fmt.Errorf("failed to poll batch entries: %w", err)
			}

			seen := make(map[uuid.UUID]*domain.QueueEntry, len(entries))
			for _, entry := range entries {
				seen[entry.ID] = entry
			}

			for _, id := range chunk {
				entry, ok := seen[id]
				if !ok {
					still = append(still, id)
					continue
				}
				switch entry.Status {
				case domain.EntryStatusComplete:
					result, err := d.resolveResult(ctx, entry)
					if err != nil {
						d.logger.Warn("failed to resolve batch entry result",
							"entry_id", entry.ID,
							"error", err)
						continue
					}
					results[keyByID[id]] = result
				case domain.EntryStatusError:
					d.logger.Warn("batch entry failed",
						"entry_id", entry.ID,
						"trace", entry.Trace)
				default:
					still = append(still, id)
				}
			}
		}

		outstanding = still
		if len(outstanding) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}

	if len(outstanding) > 0 {
		d.logger.Warn("batch dispatch finished with unresolved entries",
			"batch_id", res.BatchID,
			"unresolved", len(outstanding))
	}

	return results, nil
}

// resolveResult returns the entry's result payload, fetching and deleting
// the blob when it was offloaded, then cleans up the params blob.
func (d *Dispatcher) resolveResult(ctx context.Context, entry *domain.QueueEntry) (json.RawMessage, error) {
	result := entry.Result.Inline
	if entry.Result.IsOffloaded() {
		data, err := d.offloader.GetAndDeleteResult(ctx, entry.Result.GCSPath)
		if err != nil {
			return nil, err
		}
		result = data
	}

	d.offloader.DeleteParams(ctx, entry)
	return result, nil
}
