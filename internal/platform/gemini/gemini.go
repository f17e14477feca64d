// Package gemini implements the provider processor and prompt moderator
// against Google's Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/phrazzld/dispatch-api/internal/config"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/provider"
)

// moderationInstruction frames the rewrite request sent to the model when a
// prompt has been rejected by a downstream content filter.
const moderationInstruction = `The following image/text generation prompt was rejected by a content policy filter.
Rewrite it so it preserves the creative intent but removes anything that could trigger a safety filter.
Respond with the rewritten prompt only, no explanation.

Prompt: %s`

// Client wraps the Gemini API client and implements both the processor and
// the prompt moderator interfaces.
type Client struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client from LLM configuration. The model is the
// default used when an entry does not name one.
func NewClient(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig, model string) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		logger: logger.With(slog.String("component", "gemini")),
		client: client,
		model:  model,
	}, nil
}

// Ensure Client implements the provider interfaces
var (
	_ provider.Processor       = (*Client)(nil)
	_ provider.PromptModerator = (*Client)(nil)
)

// Process implements provider.Processor. The entry's params carry the prompt;
// the response text and token usage are returned as the normalized result.
func (c *Client) Process(ctx context.Context, entry *domain.QueueEntry) (*provider.ProcessResult, error) {
	prompt, ok := provider.PromptFromParams(entry.Params.Inline)
	if !ok {
		return nil, fmt.Errorf("entry %s params carry no prompt", entry.ID)
	}

	model := entry.Model
	if model == "" {
		model = c.model
	}

	text, tokens, err := c.generate(ctx, model, prompt)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation result: %w", err)
	}

	return &provider.ProcessResult{Result: result, TokensUsed: tokens}, nil
}

// ModeratePrompt implements provider.PromptModerator by asking the default
// model to rewrite the rejected prompt into a compliant variant.
func (c *Client) ModeratePrompt(ctx context.Context, prompt string) (string, error) {
	rewritten, _, err := c.generate(ctx, c.model, fmt.Sprintf(moderationInstruction, prompt))
	if err != nil {
		return "", fmt.Errorf("failed to moderate prompt: %w", err)
	}

	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return "", errors.New("moderation produced an empty prompt")
	}

	c.logger.InfoContext(ctx, "moderated prompt",
		"original_length", len(prompt),
		"moderated_length", len(rewritten))

	return rewritten, nil
}

// generate runs one generation call and returns the response text and token
// usage. Safety-filter rejections surface as provider.ErrContentPolicy so the
// retry layer can recover via moderation.
func (c *Client) generate(ctx context.Context, model, prompt string) (string, int, error) {
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		c.logger.ErrorContext(ctx, "Gemini API call failed",
			"model", model,
			"error", err)
		return "", 0, fmt.Errorf("%w: %v", provider.ErrTransientFailure, err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", 0, fmt.Errorf("empty response from model %q", model)
	}

	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", 0, fmt.Errorf("%w: blocked by safety filters", provider.ErrContentPolicy)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return text.String(), tokens, nil
}
