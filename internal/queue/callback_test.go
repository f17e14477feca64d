package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/provider"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// callbackEnv dispatches one async entry and returns its ID, leaving it in
// the processing state awaiting a callback.
func callbackEnv(t *testing.T) (*testEnv, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	proc := &fakeProcessor{fn: func(ctx context.Context, entry *domain.QueueEntry) (*provider.ProcessResult, error) {
		return &provider.ProcessResult{Result: json.RawMessage(`{"job_id":"j-1"}`)}, nil
	}}
	adapter := testAdapter("modal", proc, testLimiter(10, 0))
	adapter.Kind = provider.KindModal
	adapter.WaitsForCallback = true
	env := newTestEnv(adapter)

	_, err := env.engine.AddToQueueBatch(ctx, BatchRequest{
		Entries:      []AddRequest{{EntryType: "video", Model: "test-model", Params: json.RawMessage(`{"prompt":"x"}`)}},
		SkipDispatch: true,
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.ProcessQueue(ctx))

	entries := entriesByType(t, env, "modal")
	require.Len(t, entries, 1)
	require.Equal(t, domain.EntryStatusProcessing, entries[0].Status)
	return env, entries[0].ID
}

func TestCompleteFromCallback(t *testing.T) {
	ctx := context.Background()
	env, entryID := callbackEnv(t)

	err := env.engine.CompleteFromCallback(ctx, entryID, json.RawMessage(`{"video_url":"https://cdn.example.com/v.mp4"}`), 42)
	require.NoError(t, err)

	entries := entriesByType(t, env, "modal")
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, domain.EntryStatusComplete, entry.Status)
	assert.JSONEq(t, `{"video_url":"https://cdn.example.com/v.mp4"}`, string(entry.Result.Inline))
	assert.Equal(t, 42, entry.TokensUsed)

	usage := env.engine.adapter.LimiterFor("test-model").Usage()
	assert.Equal(t, 42, usage.Tokens, "callback usage counts against the rate window")

	// A second callback for the same entry finds it already finalized.
	err = env.engine.CompleteFromCallback(ctx, entryID, json.RawMessage(`{}`), 0)
	assert.ErrorIs(t, err, ErrNotAwaitingCallback)
}

func TestFailFromCallback(t *testing.T) {
	ctx := context.Background()
	env, entryID := callbackEnv(t)

	err := env.engine.FailFromCallback(ctx, entryID, "render job crashed")
	require.NoError(t, err)

	entries := entriesByType(t, env, "modal")
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryStatusError, entries[0].Status)
	assert.Contains(t, entries[0].Trace, "render job crashed")
}

func TestCallbackRejectsUnknownEntry(t *testing.T) {
	ctx := context.Background()
	env, _ := callbackEnv(t)

	err := env.engine.CompleteFromCallback(ctx, uuid.New(), json.RawMessage(`{}`), 0)
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}

func TestCompleteFromCallbackOffloadsLargeResult(t *testing.T) {
	ctx := context.Background()
	env, entryID := callbackEnv(t)
	env.engine.offloader = NewPayloadOffloader(env.blobs, 8)

	err := env.engine.CompleteFromCallback(ctx, entryID, json.RawMessage(`{"frames":["a","b","c","d"]}`), 0)
	require.NoError(t, err)

	entries := entriesByType(t, env, "modal")
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.True(t, entry.Result.IsOffloaded())

	data, err := env.engine.offloader.GetAndDeleteResult(ctx, entry.Result.GCSPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frames":["a","b","c","d"]}`, string(data))
}
