package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/dispatch-api/internal/api/shared"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
	"github.com/phrazzld/dispatch-api/internal/queue"
)

// EnqueueRequest represents the request body for enqueueing a single entry.
type EnqueueRequest struct {
	EntryType       string          `json:"entry_type" validate:"required"`
	Model           string          `json:"model"`
	Params          json.RawMessage `json:"params" validate:"required"`
	EstimatedTokens int             `json:"estimated_tokens" validate:"gte=0"`
	UniqueKey       string          `json:"unique_key"`
}

// EnqueueResponse reports the IDs of accepted entries.
type EnqueueResponse struct {
	IDs []string `json:"ids"`
}

// EnqueueBatchRequest represents the request body for enqueueing a batch.
type EnqueueBatchRequest struct {
	Entries    []EnqueueRequest `json:"entries" validate:"required,min=1,dive"`
	WebhookURL string           `json:"webhook_url" validate:"omitempty,url"`
	Metadata   json.RawMessage  `json:"metadata"`
}

// EnqueueBatchResponse reports an accepted batch submission.
type EnqueueBatchResponse struct {
	BatchID string   `json:"batch_id"`
	IDs     []string `json:"ids"`
}

// QueueHandler handles queue-related HTTP requests.
type QueueHandler struct {
	engines   map[string]*queue.Engine
	validator *validator.Validate
}

// NewQueueHandler creates a new QueueHandler over the given engines, keyed
// by provider queue name.
func NewQueueHandler(engines map[string]*queue.Engine) *QueueHandler {
	return &QueueHandler{
		engines:   engines,
		validator: validator.New(),
	}
}

// engineFor resolves the engine for the {queue} path parameter, writing a
// 404 when the queue does not exist.
func (h *QueueHandler) engineFor(w http.ResponseWriter, r *http.Request) (*queue.Engine, bool) {
	name := chi.URLParam(r, "queue")
	engine, ok := h.engines[name]
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Unknown queue: "+name)
		return nil, false
	}
	return engine, true
}

// Enqueue handles POST /api/queues/{queue}/entries requests.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engineFor(w, r)
	if !ok {
		return
	}

	var req EnqueueRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	res, err := engine.AddToQueue(r.Context(), queue.AddRequest{
		EntryType:       req.EntryType,
		Model:           req.Model,
		Params:          req.Params,
		EstimatedTokens: req.EstimatedTokens,
		UniqueKey:       req.UniqueKey,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	// 202: the entry is durably pending; processing happens asynchronously.
	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueResponse{IDs: idStrings(res.IDs)})
}

// EnqueueBatch handles POST /api/queues/{queue}/batches requests.
func (h *QueueHandler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engineFor(w, r)
	if !ok {
		return
	}

	var req EnqueueBatchRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	adds := make([]queue.AddRequest, len(req.Entries))
	for i, entry := range req.Entries {
		adds[i] = queue.AddRequest{
			EntryType:       entry.EntryType,
			Model:           entry.Model,
			Params:          entry.Params,
			EstimatedTokens: entry.EstimatedTokens,
			UniqueKey:       entry.UniqueKey,
		}
	}

	res, err := engine.AddToQueueBatch(r.Context(), queue.BatchRequest{
		Entries:    adds,
		WebhookURL: req.WebhookURL,
		Metadata:   req.Metadata,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueBatchResponse{
		BatchID: res.BatchID,
		IDs:     idStrings(res.IDs),
	})
}

// GetBatchStatus handles GET /api/queues/{queue}/batches/{batchID} requests.
func (h *QueueHandler) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engineFor(w, r)
	if !ok {
		return
	}

	batchID := chi.URLParam(r, "batchID")
	status, err := engine.GetBatchStatus(r.Context(), batchID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if status == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Batch not found")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// WaitForBatch handles GET /api/queues/{queue}/batches/{batchID}/wait
// requests, blocking until the batch completes or the wait budget runs out.
func (h *QueueHandler) WaitForBatch(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engineFor(w, r)
	if !ok {
		return
	}

	log := logger.FromContext(r.Context())
	batchID := chi.URLParam(r, "batchID")

	status, err := engine.WaitForBatchCompletion(r.Context(), queue.WaitOptions{
		BatchID:      batchID,
		MaxWaitTime:  30 * time.Second,
		PollInterval: time.Second,
		OnProgress: func(status *queue.BatchStatus) {
			if status != nil {
				log.Debug("batch wait progress",
					"batch_id", batchID,
					"completion_pct", status.CompletionPercentage)
			}
		},
	})
	if err != nil {
		if errors.Is(err, queue.ErrWaitTimeout) {
			shared.RespondWithError(w, r, http.StatusRequestTimeout, "Batch did not complete in time")
			return
		}
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, status)
}
