package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/dispatch-api/internal/api/shared"
	"github.com/phrazzld/dispatch-api/internal/dispatch"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
	"github.com/phrazzld/dispatch-api/internal/queue"
)

// DispatchRequestBody represents the request body for a synchronous
// dispatch call.
type DispatchRequestBody struct {
	Provider        string          `json:"provider" validate:"required"`
	Model           string          `json:"model"`
	EntryType       string          `json:"entry_type" validate:"required"`
	Params          json.RawMessage `json:"params" validate:"required"`
	EstimatedTokens int             `json:"estimated_tokens" validate:"gte=0"`
}

// DispatchResponse carries the resolved result of a dispatched request.
type DispatchResponse struct {
	Result json.RawMessage `json:"result"`
}

// triggerBody is the wire format the HTTP dispatch trigger posts.
type triggerBody struct {
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload"`
}

// DispatchHandler exposes the synchronous dispatch surface and the internal
// trigger endpoint that wakes queue processors.
type DispatchHandler struct {
	dispatcher *dispatch.Dispatcher

	// processors maps dispatch function names to their engines.
	processors map[string]*queue.Engine
	validator  *validator.Validate
}

// NewDispatchHandler creates a new DispatchHandler.
func NewDispatchHandler(dispatcher *dispatch.Dispatcher, engines map[string]*queue.Engine) *DispatchHandler {
	processors := make(map[string]*queue.Engine, len(engines))
	for _, engine := range engines {
		processors[engine.FunctionName()] = engine
	}

	return &DispatchHandler{
		dispatcher: dispatcher,
		processors: processors,
		validator:  validator.New(),
	}
}

// Dispatch handles POST /api/dispatch requests: enqueue, process inline, and
// respond with the resolved result.
func (h *DispatchHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequestBody
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	result, err := h.dispatcher.DispatchRequest(r.Context(), dispatch.Request{
		Provider:        req.Provider,
		Model:           req.Model,
		EntryType:       req.EntryType,
		Params:          req.Params,
		EstimatedTokens: req.EstimatedTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownProvider):
			shared.RespondWithError(w, r, http.StatusNotFound, "Unknown provider: "+req.Provider)
		case errors.Is(err, dispatch.ErrDispatchTimeout):
			shared.RespondWithError(w, r, http.StatusGatewayTimeout, "Request did not complete in time")
		default:
			var entryErr *dispatch.EntryError
			if errors.As(err, &entryErr) {
				shared.RespondWithErrorAndLog(w, r, http.StatusBadGateway, "Provider processing failed", err)
				return
			}
			shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		}
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, DispatchResponse{Result: result})
}

// Trigger handles POST /dispatch requests from the HTTP dispatch trigger.
// The processor runs on a detached goroutine; the response only acknowledges
// receipt.
func (h *DispatchHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var body triggerBody
	if err := shared.DecodeJSON(r, &body); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	engine, ok := h.processors[body.Function]
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Unknown function: "+body.Function)
		return
	}

	log := logger.FromContext(r.Context())
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := engine.ProcessQueue(ctx); err != nil {
			log.Error("triggered queue processing failed",
				"function", body.Function,
				"error", err)
		}
	}()

	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}
