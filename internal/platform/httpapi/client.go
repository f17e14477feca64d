// Package httpapi implements provider processors for services spoken to
// over plain HTTP JSON APIs. One Processor covers OpenAI, Fal, Wavespeed,
// Groq, and generic function endpoints; Modal gets a wrapper that injects
// the completion-callback coordinates into the outbound payload.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/provider"
)

// requestTimeout bounds one provider API call.
const requestTimeout = 120 * time.Second

// Processor posts entry params to a provider endpoint and normalizes the
// response.
type Processor struct {
	client   *http.Client
	endpoint string
	apiKey   string
	logger   *slog.Logger
}

// NewProcessor creates a Processor for the given endpoint. The API key is
// sent as a bearer token when non-empty.
func NewProcessor(endpoint, apiKey string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		client:   &http.Client{Timeout: requestTimeout},
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger.With(slog.String("component", "http_processor")),
	}
}

// Ensure Processor implements provider.Processor interface
var _ provider.Processor = (*Processor)(nil)

// apiResponse is the envelope shape shared by the provider APIs this
// processor talks to.
type apiResponse struct {
	Message string                 `json:"message"`
	Detail  []provider.ErrorDetail `json:"detail"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Process implements provider.Processor.
func (p *Processor) Process(ctx context.Context, entry *domain.QueueEntry) (*provider.ProcessResult, error) {
	body, status, err := p.post(ctx, p.endpoint, entry.Params.Inline)
	if err != nil {
		return nil, err
	}

	var envelope apiResponse
	// Tolerate bodies that are not the standard envelope; usage is then
	// simply unreported.
	_ = json.Unmarshal(body, &envelope)

	if status < 200 || status >= 300 {
		apiErr := &provider.APIError{
			StatusCode: status,
			Message:    envelope.Message,
			Detail:     envelope.Detail,
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		p.logger.Warn("provider API call failed",
			"entry_id", entry.ID,
			"status", status,
			"message", apiErr.Message)
		return nil, apiErr
	}

	return &provider.ProcessResult{
		Result:     body,
		TokensUsed: envelope.Usage.TotalTokens,
	}, nil
}

// post sends one JSON request and reads the full response body.
func (p *Processor) post(ctx context.Context, url string, payload json.RawMessage) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", provider.ErrTransientFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read provider response: %v", provider.ErrTransientFailure, err)
	}

	return body, resp.StatusCode, nil
}

// TokenMinter mints an entry-scoped callback token.
type TokenMinter func(ctx context.Context, entryID uuid.UUID) (string, error)

// ModalProcessor wraps an HTTP processor for asynchronous Modal functions:
// the outbound payload carries the callback URL and a token scoped to the
// entry, and the immediate response only acknowledges job submission.
type ModalProcessor struct {
	inner       *Processor
	callbackURL string // base URL; entry ID is appended
	mintToken   TokenMinter
}

// NewModalProcessor creates a ModalProcessor. callbackURL is the externally
// reachable base of the completion endpoint, e.g.
// "https://host/api/callbacks/modal".
func NewModalProcessor(endpoint, apiKey, callbackURL string, mintToken TokenMinter, logger *slog.Logger) *ModalProcessor {
	return &ModalProcessor{
		inner:       NewProcessor(endpoint, apiKey, logger),
		callbackURL: callbackURL,
		mintToken:   mintToken,
	}
}

// Ensure ModalProcessor implements provider.Processor interface
var _ provider.Processor = (*ModalProcessor)(nil)

// Process implements provider.Processor.
func (p *ModalProcessor) Process(ctx context.Context, entry *domain.QueueEntry) (*provider.ProcessResult, error) {
	token, err := p.mintToken(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint callback token: %w", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(entry.Params.Inline, &payload); err != nil {
		return nil, fmt.Errorf("entry params must be a JSON object: %w", err)
	}
	payload["callback_url"], _ = json.Marshal(fmt.Sprintf("%s/%s", p.callbackURL, entry.ID))
	payload["callback_token"], _ = json.Marshal(token)

	params, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Modal payload: %w", err)
	}

	augmented := *entry
	augmented.Params = domain.Params{Inline: params}
	return p.inner.Process(ctx, &augmented)
}
