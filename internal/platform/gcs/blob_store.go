// Package gcs provides a Google Cloud Storage implementation of the blob
// store used for payload and result offload.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"

	internalstore "github.com/phrazzld/dispatch-api/internal/store"
)

// BlobStore stores blobs as objects in a single GCS bucket. Paths map
// directly to object names.
type BlobStore struct {
	bucket *storage.BucketHandle
	logger *slog.Logger
}

// NewBlobStore creates a BlobStore backed by the named bucket. The client is
// owned by the caller. If logger is nil, a default logger is used.
func NewBlobStore(client *storage.Client, bucket string, logger *slog.Logger) *BlobStore {
	if client == nil {
		panic("client cannot be nil")
	}
	if bucket == "" {
		panic("bucket cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BlobStore{
		bucket: client.Bucket(bucket),
		logger: logger.With(slog.String("component", "blob_store")),
	}
}

// Ensure BlobStore implements store.BlobStore interface
var _ internalstore.BlobStore = (*BlobStore)(nil)

// Put implements store.BlobStore.Put.
func (s *BlobStore) Put(ctx context.Context, path string, data []byte) error {
	w := s.bucket.Object(path).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write blob %q: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize blob %q: %w", path, err)
	}

	s.logger.Debug("wrote blob", "path", path, "bytes", len(data))
	return nil
}

// Get implements store.BlobStore.Get.
func (s *BlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := s.bucket.Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, internalstore.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open blob %q: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %q: %w", path, err)
	}
	return data, nil
}

// Delete implements store.BlobStore.Delete. A missing object is treated as
// already deleted.
func (s *BlobStore) Delete(ctx context.Context, path string) error {
	err := s.bucket.Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete blob %q: %w", path, err)
	}
	return nil
}
