package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/domain"
)

// fakeRetryOps records the retry actions a policy takes.
type fakeRetryOps struct {
	retryLimit int

	requeued    []*domain.QueueEntry
	markedError []string
	resubmitted []resubmission
}

type resubmission struct {
	original  *domain.QueueEntry
	params    json.RawMessage
	uniqueKey string
}

func (f *fakeRetryOps) RetryLimit() int { return f.retryLimit }

func (f *fakeRetryOps) RequeueForRetry(ctx context.Context, entry *domain.QueueEntry) error {
	f.requeued = append(f.requeued, entry)
	return nil
}

func (f *fakeRetryOps) MarkError(ctx context.Context, entry *domain.QueueEntry, trace string) error {
	f.markedError = append(f.markedError, trace)
	return nil
}

func (f *fakeRetryOps) ResubmitModerated(ctx context.Context, original *domain.QueueEntry, params json.RawMessage, uniqueKey string) error {
	f.resubmitted = append(f.resubmitted, resubmission{original: original, params: params, uniqueKey: uniqueKey})
	return nil
}

// fakeModerator rewrites every prompt to a fixed string, or fails.
type fakeModerator struct {
	rewritten string
	err       error
}

func (m *fakeModerator) ModeratePrompt(ctx context.Context, prompt string) (string, error) {
	return m.rewritten, m.err
}

func testEntry(retryCount int, params string) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:         uuid.New(),
		Type:       "fal",
		UniqueKey:  "scene_1",
		Params:     domain.Params{Inline: json.RawMessage(params)},
		Status:     domain.EntryStatusProcessing,
		RetryCount: retryCount,
	}
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, BackoffDelay(0))
	assert.Equal(t, 2*time.Second, BackoffDelay(1))
	assert.Equal(t, 4*time.Second, BackoffDelay(2))
	assert.Equal(t, 32*time.Second, BackoffDelay(5))
	assert.Equal(t, 32*time.Second, BackoffDelay(6), "delay caps at 32s")
	assert.Equal(t, 32*time.Second, BackoffDelay(50))
}

func TestBackoffRetry(t *testing.T) {
	t.Run("requeues under the limit", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 3}
		entry := testEntry(1, `{"prompt":"x"}`)

		handled, err := BackoffRetry(context.Background(), ops, entry, errors.New("boom"))
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Len(t, ops.requeued, 1)
	})

	t.Run("declines at the limit", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 3}
		entry := testEntry(3, `{"prompt":"x"}`)

		handled, err := BackoffRetry(context.Background(), ops, entry, errors.New("boom"))
		require.NoError(t, err)
		assert.False(t, handled, "caller marks the terminal error")
		assert.Empty(t, ops.requeued)
	})
}

func TestModerationRetry(t *testing.T) {
	policyErr := &APIError{
		StatusCode: 422,
		Detail:     []ErrorDetail{{Type: "content_policy_violation"}},
	}

	t.Run("resubmits moderated prompt", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 3}
		retry := ModerationRetry(&fakeModerator{rewritten: "a peaceful forest"})
		entry := testEntry(0, `{"identifier":"scene_1","prompt":"something grim"}`)

		handled, err := retry(context.Background(), ops, entry, policyErr)
		require.NoError(t, err)
		assert.True(t, handled)

		require.Len(t, ops.resubmitted, 1)
		sub := ops.resubmitted[0]
		assert.Equal(t, "scene_1_moderated", sub.uniqueKey)

		var params map[string]string
		require.NoError(t, json.Unmarshal(sub.params, &params))
		assert.Equal(t, "a peaceful forest", params["prompt"])
		assert.Equal(t, "scene_1", params["identifier"], "non-prompt fields survive")
		assert.Empty(t, ops.requeued)
	})

	t.Run("falls back to backoff for other errors", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 3}
		retry := ModerationRetry(&fakeModerator{rewritten: "unused"})
		entry := testEntry(0, `{"prompt":"x"}`)

		handled, err := retry(context.Background(), ops, entry, errors.New("connection reset"))
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Len(t, ops.requeued, 1)
		assert.Empty(t, ops.resubmitted)
	})

	t.Run("falls back when moderation fails", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 3}
		retry := ModerationRetry(&fakeModerator{err: errors.New("moderator down")})
		entry := testEntry(0, `{"prompt":"x"}`)

		handled, err := retry(context.Background(), ops, entry, policyErr)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Len(t, ops.requeued, 1)
		assert.Empty(t, ops.resubmitted)
	})

	t.Run("falls back at the retry limit", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 2}
		retry := ModerationRetry(&fakeModerator{rewritten: "unused"})
		entry := testEntry(2, `{"prompt":"x"}`)

		handled, err := retry(context.Background(), ops, entry, policyErr)
		require.NoError(t, err)
		assert.False(t, handled, "limit exhausted, terminal error")
		assert.Empty(t, ops.resubmitted)
	})

	t.Run("falls back without a prompt field", func(t *testing.T) {
		ops := &fakeRetryOps{retryLimit: 3}
		retry := ModerationRetry(&fakeModerator{rewritten: "unused"})
		entry := testEntry(0, `{"image_url":"https://example.com/x.png"}`)

		handled, err := retry(context.Background(), ops, entry, policyErr)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Len(t, ops.requeued, 1)
		assert.Empty(t, ops.resubmitted)
	})
}
