package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PostgresBatchStore implements the store.BatchStore interface using a
// PostgreSQL database as the storage backend.
type PostgresBatchStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresBatchStore creates a new PostgreSQL implementation of the
// BatchStore interface. If logger is nil, a default logger is used.
func NewPostgresBatchStore(db store.DBTX, logger *slog.Logger) *PostgresBatchStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresBatchStore{
		db:     db,
		logger: logger.With(slog.String("component", "batch_store")),
	}
}

// Ensure PostgresBatchStore implements store.BatchStore interface
var _ store.BatchStore = (*PostgresBatchStore)(nil)

// CreateBatch implements store.BatchStore.CreateBatch.
func (s *PostgresBatchStore) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := batch.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO batches (batch_id, queue_name, total_items, processing_items,
			completed_items, failed_items, status, webhook_url, metadata, created_at)
		VALUES ($1, $2, $3, 0, 0, 0, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		batch.BatchID,
		batch.QueueName,
		batch.TotalItems,
		batch.Status,
		nullableString(batch.WebhookURL),
		nullableJSON(batch.Metadata),
		batch.CreatedAt,
	)
	if err != nil {
		log.Error("failed to create batch",
			"batch_id", batch.BatchID,
			"error", err)
		return MapError(err)
	}

	return nil
}

// GetBatch implements store.BatchStore.GetBatch.
func (s *PostgresBatchStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + batchColumns + ` FROM batches WHERE batch_id = $1`

	row := s.db.QueryRowContext(ctx, query, batchID)
	batch, err := scanBatch(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBatchNotFound
		}
		log.Error("failed to read batch",
			"batch_id", batchID,
			"error", err)
		return nil, MapError(err)
	}

	return batch, nil
}

// txBeginner is satisfied by *sql.DB. A store already handed a transaction
// runs the increment's statements on it directly.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// batchColumns is the column list shared by every batch read.
const batchColumns = `batch_id, queue_name, total_items, processing_items,
	completed_items, failed_items, status, webhook_url, metadata, created_at,
	completed_at`

// IncrementBatch implements store.BatchStore.IncrementBatch. The deltas and
// the completion flip are separate UPDATEs in one transaction: the flip's
// WHERE clause is re-evaluated under the row lock, so when concurrent
// increments race across the completion threshold exactly one of them
// observes the processing-to-complete transition.
func (s *PostgresBatchStore) IncrementBatch(ctx context.Context, batchID string, delta store.BatchDelta) (*store.BatchIncrementResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	run := s.db
	var tx *sql.Tx
	if beginner, ok := s.db.(txBeginner); ok {
		var err error
		tx, err = beginner.BeginTx(ctx, nil)
		if err != nil {
			log.Error("failed to begin batch increment transaction",
				"batch_id", batchID,
				"error", err)
			return nil, MapError(err)
		}
		defer func() {
			if tx != nil {
				_ = tx.Rollback()
			}
		}()
		run = tx
	}

	bump := `
		UPDATE batches
		SET processing_items = processing_items + $2,
			completed_items = completed_items + $3,
			failed_items = failed_items + $4
		WHERE batch_id = $1
		RETURNING ` + batchColumns

	row := run.QueryRowContext(ctx, bump, batchID, delta.Processing, delta.Completed, delta.Failed)
	batch, err := scanBatch(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBatchNotFound
		}
		log.Error("failed to increment batch",
			"batch_id", batchID,
			"error", err)
		return nil, MapError(err)
	}

	justCompleted := false
	if batch.Status == domain.BatchStatusProcessing &&
		batch.CompletedItems+batch.FailedItems >= batch.TotalItems {
		flip := `
			UPDATE batches
			SET status = $2, completed_at = $3
			WHERE batch_id = $1 AND status = $4
				AND completed_items + failed_items >= total_items
			RETURNING ` + batchColumns

		flipRow := run.QueryRowContext(ctx, flip,
			batchID,
			domain.BatchStatusComplete,
			time.Now().UTC(),
			domain.BatchStatusProcessing,
		)
		flipped, flipErr := scanBatch(flipRow.Scan)
		switch {
		case flipErr == nil:
			batch = flipped
			justCompleted = true
		case errors.Is(flipErr, sql.ErrNoRows):
			// A concurrent increment won the flip.
		default:
			log.Error("failed to complete batch",
				"batch_id", batchID,
				"error", flipErr)
			return nil, MapError(flipErr)
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			log.Error("failed to commit batch increment transaction",
				"batch_id", batchID,
				"error", err)
			return nil, MapError(err)
		}
		tx = nil
	}

	return &store.BatchIncrementResult{Batch: batch, JustCompleted: justCompleted}, nil
}

// scanBatch reads one batch row given a scan function over the standard
// batch column order.
func scanBatch(scan func(dest ...interface{}) error) (*domain.Batch, error) {
	var batch domain.Batch
	var webhookURL sql.NullString
	var metadata []byte
	var completedAt sql.NullTime

	if err := scan(
		&batch.BatchID,
		&batch.QueueName,
		&batch.TotalItems,
		&batch.ProcessingItems,
		&batch.CompletedItems,
		&batch.FailedItems,
		&batch.Status,
		&webhookURL,
		&metadata,
		&batch.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	batch.WebhookURL = webhookURL.String
	batch.Metadata = metadata
	if completedAt.Valid {
		t := completedAt.Time
		batch.CompletedAt = &t
	}

	return &batch, nil
}
