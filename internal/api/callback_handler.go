package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/api/shared"
	"github.com/phrazzld/dispatch-api/internal/auth"
	"github.com/phrazzld/dispatch-api/internal/queue"
)

// CallbackRequest represents a provider completion callback body. Exactly one
// of Result or Error is expected.
type CallbackRequest struct {
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
	TokensUsed int             `json:"tokens_used"`
}

// CallbackHandler finalizes entries whose providers complete asynchronously.
// Every callback carries an entry-scoped bearer token minted at dispatch
// time.
type CallbackHandler struct {
	engines map[string]*queue.Engine
	tokens  *auth.CallbackTokenService
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(engines map[string]*queue.Engine, tokens *auth.CallbackTokenService) *CallbackHandler {
	return &CallbackHandler{
		engines: engines,
		tokens:  tokens,
	}
}

// Complete handles POST /api/callbacks/{queue}/{entryID} requests.
func (h *CallbackHandler) Complete(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engines[chi.URLParam(r, "queue")]
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Unknown queue: "+chi.URLParam(r, "queue"))
		return
	}

	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	tokenEntryID, err := h.authenticate(r)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if tokenEntryID != entryID {
		err := auth.ErrEntryMismatch
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	var req CallbackRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if req.Error != "" {
		err = engine.FailFromCallback(r.Context(), entryID, req.Error)
	} else {
		err = engine.CompleteFromCallback(r.Context(), entryID, req.Result, req.TokensUsed)
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate validates the Bearer token and returns the entry it is scoped
// to.
func (h *CallbackHandler) authenticate(r *http.Request) (uuid.UUID, error) {
	header := r.Header.Get("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return uuid.Nil, auth.ErrInvalidToken
	}
	return h.tokens.ValidateToken(r.Context(), parts[1])
}
