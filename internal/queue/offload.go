package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PayloadOffloader moves oversized params and results out of queue entries
// into blob storage, and dereferences them on read. It is stateless; the
// size threshold decides inline versus offloaded.
type PayloadOffloader struct {
	blobs store.BlobStore

	// threshold is the byte length above which payloads are offloaded.
	// Zero offloads every non-empty payload.
	threshold int
}

// NewPayloadOffloader creates an offloader over the given blob store.
func NewPayloadOffloader(blobs store.BlobStore, threshold int) *PayloadOffloader {
	return &PayloadOffloader{
		blobs:     blobs,
		threshold: threshold,
	}
}

// StoreLargeParams writes params to blob storage when they exceed the
// threshold and returns the blob path. Returns "" when the payload should
// stay inline.
func (o *PayloadOffloader) StoreLargeParams(ctx context.Context, params []byte) (string, error) {
	return o.offload(ctx, "queue/params", params)
}

// StoreLargeResult writes a result to blob storage when it exceeds the
// threshold and returns the blob path. Returns "" when the payload should
// stay inline.
func (o *PayloadOffloader) StoreLargeResult(ctx context.Context, result []byte) (string, error) {
	return o.offload(ctx, "queue/results", result)
}

func (o *PayloadOffloader) offload(ctx context.Context, prefix string, payload []byte) (string, error) {
	if len(payload) <= o.threshold {
		return "", nil
	}

	path := fmt.Sprintf("%s/%d_%s.json", prefix, time.Now().UnixMilli(), randomSuffix())
	if err := o.blobs.Put(ctx, path, payload); err != nil {
		return "", fmt.Errorf("failed to offload payload to %s: %w", path, err)
	}

	return path, nil
}

// ResolveParams returns the entry's full params, fetching from blob storage
// when the entry carries an offload pointer.
func (o *PayloadOffloader) ResolveParams(ctx context.Context, entry *domain.QueueEntry) ([]byte, error) {
	if !entry.Params.IsOffloaded() {
		return entry.Params.Inline, nil
	}

	data, err := o.blobs.Get(ctx, entry.Params.GCSPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offloaded params from %s: %w", entry.Params.GCSPath, err)
	}
	return data, nil
}

// DeleteParams removes the entry's offloaded params blob, if any. Cleanup is
// best-effort: failures are logged, not returned.
func (o *PayloadOffloader) DeleteParams(ctx context.Context, entry *domain.QueueEntry) {
	if !entry.Params.IsOffloaded() {
		return
	}

	if err := o.blobs.Delete(ctx, entry.Params.GCSPath); err != nil {
		logger.FromContext(ctx).Warn("failed to delete offloaded params blob",
			"entry_id", entry.ID,
			"path", entry.Params.GCSPath,
			"error", err)
	}
}

// GetAndDeleteResult fetches an offloaded result and then deletes the blob.
// The read and delete are not transactional; a crash in between leaks the
// blob. Delete failures are logged only.
func (o *PayloadOffloader) GetAndDeleteResult(ctx context.Context, path string) ([]byte, error) {
	data, err := o.blobs.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offloaded result from %s: %w", path, err)
	}

	if err := o.blobs.Delete(ctx, path); err != nil {
		logger.FromContext(ctx).Warn("failed to delete offloaded result blob",
			"path", path,
			"error", err)
	}

	return data, nil
}

// randomSuffix returns a short random hex string for blob path uniqueness.
func randomSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Timestamp in the path still keeps collisions unlikely.
		return "000000000000"
	}
	return hex.EncodeToString(b[:])
}
