package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// entryColumns is the column list shared by every queue entry read.
const entryColumns = `id, type, entry_type, model, unique_key, params, params_gcs_path,
	estimated_tokens, status, retry_count, batch_id, result, result_gcs_path,
	tokens_used, trace, time_requested, time_updated`

// PostgresQueueStore implements the store.QueueStore interface using a
// PostgreSQL database as the storage backend.
type PostgresQueueStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresQueueStore creates a new PostgreSQL implementation of the
// QueueStore interface. It accepts a database connection or transaction
// managed by the caller. If logger is nil, a default logger is used.
func NewPostgresQueueStore(db store.DBTX, logger *slog.Logger) *PostgresQueueStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresQueueStore{
		db:     db,
		logger: logger.With(slog.String("component", "queue_store")),
	}
}

// Ensure PostgresQueueStore implements store.QueueStore interface
var _ store.QueueStore = (*PostgresQueueStore)(nil)

// ClaimPending implements store.QueueStore.ClaimPending. The select and the
// status flip are one UPDATE statement; FOR UPDATE SKIP LOCKED makes
// concurrent claimers partition the pending set instead of blocking or
// double-claiming.
func (s *PostgresQueueStore) ClaimPending(ctx context.Context, queueType string, limit int) ([]*domain.QueueEntry, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE queue_entries
		SET status = $1, time_updated = $2
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE type = $3 AND status = $4
			ORDER BY time_requested ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	rows, err := s.db.QueryContext(ctx, query,
		domain.EntryStatusProcessing,
		time.Now().UTC(),
		queueType,
		domain.EntryStatusPending,
		limit,
	)
	if err != nil {
		log.Error("failed to claim pending entries",
			"queue_type", queueType,
			"error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// GetEntries implements store.QueueStore.GetEntries.
func (s *PostgresQueueStore) GetEntries(ctx context.Context, filter store.EntryFilter, limit int) ([]*domain.QueueEntry, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var conditions []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = arg(id)
		}
		conditions = append(conditions, "id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = "+arg(filter.Type))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+arg(filter.Status))
	}
	if filter.BatchID != "" {
		conditions = append(conditions, "batch_id = "+arg(filter.BatchID))
	}

	query := "SELECT " + entryColumns + " FROM queue_entries"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY time_requested ASC"
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query queue entries", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// UpdateEntries implements store.QueueStore.UpdateEntries. Each update is
// its own statement; only the fields set on the update are touched.
func (s *PostgresQueueStore) UpdateEntries(ctx context.Context, updates []store.EntryUpdate) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	for _, update := range updates {
		var sets []string
		var args []interface{}

		arg := func(v interface{}) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		if update.Status != nil {
			sets = append(sets, "status = "+arg(*update.Status))
		}
		if update.RetryCount != nil {
			sets = append(sets, "retry_count = "+arg(*update.RetryCount))
		}
		if update.Result != nil {
			sets = append(sets, "result = "+arg(nullableJSON(update.Result.Inline)))
			sets = append(sets, "result_gcs_path = "+arg(nullableString(update.Result.GCSPath)))
		}
		if update.TokensUsed != nil {
			sets = append(sets, "tokens_used = "+arg(*update.TokensUsed))
		}
		if update.Trace != nil {
			sets = append(sets, "trace = "+arg(*update.Trace))
		}
		sets = append(sets, "time_updated = "+arg(time.Now().UTC()))

		query := "UPDATE queue_entries SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(update.ID)

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			log.Error("failed to update queue entry",
				"entry_id", update.ID,
				"error", err)
			return MapError(err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return MapError(err)
		}
		if rowsAffected == 0 {
			return store.ErrEntryNotFound
		}
	}

	return nil
}

// SetError implements store.QueueStore.SetError.
func (s *PostgresQueueStore) SetError(ctx context.Context, ids []uuid.UUID, trace string) error {
	return s.bulkStatus(ctx, ids, domain.EntryStatusError, &trace)
}

// SetComplete implements store.QueueStore.SetComplete.
func (s *PostgresQueueStore) SetComplete(ctx context.Context, ids []uuid.UUID) error {
	return s.bulkStatus(ctx, ids, domain.EntryStatusComplete, nil)
}

// bulkStatus flips a set of entries to a terminal status in one statement.
func (s *PostgresQueueStore) bulkStatus(ctx context.Context, ids []uuid.UUID, status domain.EntryStatus, trace *string) error {
	if len(ids) == 0 {
		return nil
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	args := []interface{}{status, time.Now().UTC()}
	setTrace := ""
	if trace != nil {
		args = append(args, *trace)
		setTrace = ", trace = $3"
	}

	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := "UPDATE queue_entries SET status = $1, time_updated = $2" + setTrace +
		" WHERE id IN (" + strings.Join(placeholders, ", ") + ")"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		log.Error("failed to bulk update entry status",
			"status", status,
			"count", len(ids),
			"error", err)
		return MapError(err)
	}
	return nil
}

// InsertEntries implements store.QueueStore.InsertEntries. The insert is one
// multi-row statement; a uniqueness collision on (type, unique_key) rejects
// the whole insert and surfaces store.ErrUniqueKeyExists.
func (s *PostgresQueueStore) InsertEntries(ctx context.Context, entries []*domain.QueueEntry) (*store.InsertResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if len(entries) == 0 {
		return &store.InsertResult{Success: true}, nil
	}

	var rows []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrInvalidRecord, err)
		}
		rows = append(rows, "("+strings.Join([]string{
			arg(entry.ID),
			arg(entry.Type),
			arg(entry.EntryType),
			arg(entry.Model),
			arg(entry.UniqueKey),
			arg(nullableJSON(entry.Params.Inline)),
			arg(nullableString(entry.Params.GCSPath)),
			arg(entry.EstimatedTokens),
			arg(entry.Status),
			arg(entry.RetryCount),
			arg(nullableString(entry.BatchID)),
			arg(entry.TokensUsed),
			arg(entry.TimeRequested),
			arg(entry.TimeUpdated),
		}, ", ")+")")
		ids = append(ids, entry.ID)
	}

	query := `
		INSERT INTO queue_entries (id, type, entry_type, model, unique_key, params,
			params_gcs_path, estimated_tokens, status, retry_count, batch_id,
			tokens_used, time_requested, time_updated)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			log.Debug("insert rejected by unique key collision", "count", len(entries))
			return &store.InsertResult{Success: false}, store.ErrUniqueKeyExists
		}
		log.Error("failed to insert queue entries",
			"count", len(entries),
			"error", err)
		return nil, MapError(err)
	}

	return &store.InsertResult{Success: true, IDs: ids}, nil
}

// scanEntries reads queue entries from rows selected with entryColumns.
func scanEntries(rows *sql.Rows) ([]*domain.QueueEntry, error) {
	var entries []*domain.QueueEntry

	for rows.Next() {
		var entry domain.QueueEntry
		var params, result []byte
		var paramsPath, batchID, resultPath, trace sql.NullString

		if err := rows.Scan(
			&entry.ID,
			&entry.Type,
			&entry.EntryType,
			&entry.Model,
			&entry.UniqueKey,
			&params,
			&paramsPath,
			&entry.EstimatedTokens,
			&entry.Status,
			&entry.RetryCount,
			&batchID,
			&result,
			&resultPath,
			&entry.TokensUsed,
			&trace,
			&entry.TimeRequested,
			&entry.TimeUpdated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry row: %w", err)
		}

		entry.Params = domain.Params{Inline: params, GCSPath: paramsPath.String}
		entry.Result = domain.Result{Inline: result, GCSPath: resultPath.String}
		entry.BatchID = batchID.String
		entry.Trace = trace.String

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entry rows: %w", err)
	}
	return entries, nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
