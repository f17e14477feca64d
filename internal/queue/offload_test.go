package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

func TestOffloaderThreshold(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewInMemoryBlobStore()
	offloader := NewPayloadOffloader(blobs, 10)

	t.Run("small payloads stay inline", func(t *testing.T) {
		path, err := offloader.StoreLargeParams(ctx, []byte(`{"a":1}`))
		require.NoError(t, err)
		assert.Empty(t, path)
		assert.Zero(t, blobs.Len())
	})

	t.Run("large payloads are offloaded", func(t *testing.T) {
		path, err := offloader.StoreLargeParams(ctx, []byte(`{"prompt":"well past ten bytes"}`))
		require.NoError(t, err)
		assert.Contains(t, path, "queue/params/")
		assert.Equal(t, 1, blobs.Len())
	})

	t.Run("results use their own prefix", func(t *testing.T) {
		path, err := offloader.StoreLargeResult(ctx, []byte(`{"text":"a long generated answer"}`))
		require.NoError(t, err)
		assert.Contains(t, path, "queue/results/")
	})
}

func TestOffloaderResolveParams(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewInMemoryBlobStore()
	offloader := NewPayloadOffloader(blobs, 0)

	payload := []byte(`{"prompt":"x"}`)
	path, err := offloader.StoreLargeParams(ctx, payload)
	require.NoError(t, err)
	require.NotEmpty(t, path, "zero threshold offloads every payload")

	entry := &domain.QueueEntry{ID: uuid.New(), Params: domain.Params{GCSPath: path}}
	resolved, err := offloader.ResolveParams(ctx, entry)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(resolved))

	inline := &domain.QueueEntry{ID: uuid.New(), Params: domain.Params{Inline: payload}}
	resolved, err = offloader.ResolveParams(ctx, inline)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(resolved))

	missing := &domain.QueueEntry{ID: uuid.New(), Params: domain.Params{GCSPath: "queue/params/gone.json"}}
	_, err = offloader.ResolveParams(ctx, missing)
	assert.ErrorIs(t, err, store.ErrBlobNotFound)
}

func TestOffloaderGetAndDeleteResult(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewInMemoryBlobStore()
	offloader := NewPayloadOffloader(blobs, 0)

	path, err := offloader.StoreLargeResult(ctx, []byte(`{"text":"done"}`))
	require.NoError(t, err)

	data, err := offloader.GetAndDeleteResult(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"done"}`, string(data))
	assert.Zero(t, blobs.Len(), "read consumes the blob")

	_, err = offloader.GetAndDeleteResult(ctx, path)
	assert.ErrorIs(t, err, store.ErrBlobNotFound)
}

func TestOffloaderDeleteParams(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewInMemoryBlobStore()
	offloader := NewPayloadOffloader(blobs, 0)

	path, err := offloader.StoreLargeParams(ctx, []byte(`{"prompt":"x"}`))
	require.NoError(t, err)

	entry := &domain.QueueEntry{ID: uuid.New(), Params: domain.Params{GCSPath: path}}
	offloader.DeleteParams(ctx, entry)
	assert.Zero(t, blobs.Len())

	// Inline entries and repeat deletes are silent no-ops.
	offloader.DeleteParams(ctx, entry)
	offloader.DeleteParams(ctx, &domain.QueueEntry{ID: uuid.New(), Params: domain.Params{Inline: []byte(`{}`)}})
}
