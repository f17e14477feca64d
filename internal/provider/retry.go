package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
)

// maxBackoffDelay caps the computed exponential backoff.
const maxBackoffDelay = 32 * time.Second

// BackoffDelay computes the exponential backoff for the given retry count:
// min(1s * 2^retryCount, 32s).
func BackoffDelay(retryCount int) time.Duration {
	if retryCount > 5 {
		return maxBackoffDelay
	}
	delay := time.Second << uint(retryCount)
	if delay > maxBackoffDelay {
		return maxBackoffDelay
	}
	return delay
}

// BackoffRetry is the retry policy for the rate-limited chat providers
// (OpenAI, Gemini, Groq). It computes and logs an exponential backoff delay
// but re-queues the entry immediately: true spacing between attempts comes
// from the external scheduling cadence, not from sleeping here. The entry is
// marked a terminal error once the retry limit is exhausted.
func BackoffRetry(ctx context.Context, ops RetryOps, entry *domain.QueueEntry, procErr error) (bool, error) {
	log := logger.FromContext(ctx)

	if entry.RetryCount >= ops.RetryLimit() {
		return false, nil
	}

	delay := BackoffDelay(entry.RetryCount)
	log.Info("re-queuing entry with backoff",
		"entry_id", entry.ID,
		"retry_count", entry.RetryCount,
		"backoff_delay", delay,
		"error", procErr)

	if err := ops.RequeueForRetry(ctx, entry); err != nil {
		return false, fmt.Errorf("failed to re-queue entry for retry: %w", err)
	}
	return true, nil
}

// ModerationRetry builds the retry policy shared by the image providers
// (Fal, Wavespeed). A content-policy rejection under the retry limit is
// recovered by rewriting the prompt through the moderator and resubmitting
// the entry under a new "<identifier>_moderated" key; the original entry is
// terminally failed with a trace pointing at its successor. Every other
// failure, and any moderation failure, falls back to BackoffRetry.
func ModerationRetry(moderator PromptModerator) RetryFunc {
	return func(ctx context.Context, ops RetryOps, entry *domain.QueueEntry, procErr error) (bool, error) {
		log := logger.FromContext(ctx)

		if !IsContentPolicyViolation(procErr) || entry.RetryCount >= ops.RetryLimit() {
			return BackoffRetry(ctx, ops, entry, procErr)
		}

		prompt, ok := PromptFromParams(entry.Params.Inline)
		if !ok {
			log.Warn("content policy violation on entry without a prompt, falling back to plain retry",
				"entry_id", entry.ID)
			return BackoffRetry(ctx, ops, entry, procErr)
		}

		moderated, err := moderator.ModeratePrompt(ctx, prompt)
		if err != nil {
			log.Warn("prompt moderation failed, falling back to plain retry",
				"entry_id", entry.ID,
				"error", err)
			return BackoffRetry(ctx, ops, entry, procErr)
		}

		moderatedParams, err := replacePrompt(entry.Params.Inline, moderated)
		if err != nil {
			return BackoffRetry(ctx, ops, entry, procErr)
		}

		successorKey := NormalizeIdentifier(entry.UniqueKey) + "_moderated"
		log.Info("resubmitting entry with moderated prompt",
			"entry_id", entry.ID,
			"successor_key", successorKey,
			"retry_count", entry.RetryCount)

		if err := ops.ResubmitModerated(ctx, entry, moderatedParams, successorKey); err != nil {
			return false, fmt.Errorf("failed to resubmit moderated entry: %w", err)
		}
		return true, nil
	}
}

// replacePrompt swaps the prompt field in a params document, preserving all
// other fields.
func replacePrompt(params json.RawMessage, prompt string) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, fmt.Errorf("params is not a JSON object: %w", err)
	}

	encoded, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}
	doc["prompt"] = encoded

	return json.Marshal(doc)
}
