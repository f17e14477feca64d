package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EntryStatus represents the processing state of a queue entry
type EntryStatus string

// Possible entry status values
const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusComplete   EntryStatus = "complete"
	EntryStatusError      EntryStatus = "error"
)

// Common validation errors for QueueEntry
var (
	ErrEmptyEntryID      = errors.New("entry ID cannot be empty")
	ErrEmptyQueueType    = errors.New("entry queue type cannot be empty")
	ErrEmptyEntryParams  = errors.New("entry params cannot be empty")
	ErrInvalidStatus     = errors.New("invalid entry status")
	ErrConflictingParams = errors.New("entry cannot carry both inline params and an offload path")
)

// Params holds a queue entry's task payload. Exactly one of Inline and
// GCSPath is set at rest: either the payload itself, or a pointer to a blob
// written by the payload offloader.
type Params struct {
	Inline  json.RawMessage `json:"inline,omitempty"`
	GCSPath string          `json:"paramsGcsPath,omitempty"`
}

// IsOffloaded reports whether the payload lives in blob storage.
func (p Params) IsOffloaded() bool {
	return p.GCSPath != ""
}

// Result holds a queue entry's outcome. Mirrors Params: large results are
// replaced with a blob pointer by the offloader.
type Result struct {
	Inline  json.RawMessage `json:"inline,omitempty"`
	GCSPath string          `json:"resultGcsPath,omitempty"`
}

// IsOffloaded reports whether the result lives in blob storage.
func (r Result) IsOffloaded() bool {
	return r.GCSPath != ""
}

// QueueEntry represents one unit of work owned by the durable store.
// The engine never caches entries across calls; every mutation goes through
// the store, which arbitrates concurrent claims.
type QueueEntry struct {
	ID              uuid.UUID   `json:"id"`
	Type            string      `json:"type"`
	EntryType       string      `json:"entry_type"`
	Model           string      `json:"model"`
	UniqueKey       string      `json:"unique_key"`
	Params          Params      `json:"params"`
	EstimatedTokens int         `json:"estimated_tokens"`
	Status          EntryStatus `json:"status"`
	RetryCount      int         `json:"retry_count"`
	BatchID         string      `json:"batch_id,omitempty"`
	Result          Result      `json:"result,omitempty"`
	TokensUsed      int         `json:"tokens_used"`
	Trace           string      `json:"trace,omitempty"`
	TimeRequested   time.Time   `json:"time_requested"`
	TimeUpdated     time.Time   `json:"time_updated"`
}

// NewQueueEntry creates a pending QueueEntry for the named queue.
// Returns an error if validation fails.
func NewQueueEntry(queueType, entryType, model string, params json.RawMessage) (*QueueEntry, error) {
	entry := &QueueEntry{
		ID:            uuid.New(),
		Type:          queueType,
		EntryType:     entryType,
		Model:         model,
		Params:        Params{Inline: params},
		Status:        EntryStatusPending,
		TimeRequested: time.Now().UTC(),
		TimeUpdated:   time.Now().UTC(),
	}

	if err := entry.Validate(); err != nil {
		return nil, err
	}

	return entry, nil
}

// Validate checks the entry's invariants: a queue type, a valid status, and
// exactly one payload representation.
func (e *QueueEntry) Validate() error {
	if e.ID == uuid.Nil {
		return ErrEmptyEntryID
	}

	if e.Type == "" {
		return ErrEmptyQueueType
	}

	if len(e.Params.Inline) == 0 && e.Params.GCSPath == "" {
		return ErrEmptyEntryParams
	}

	if len(e.Params.Inline) > 0 && e.Params.GCSPath != "" {
		return ErrConflictingParams
	}

	if !isValidEntryStatus(e.Status) {
		return ErrInvalidStatus
	}

	return nil
}

// Terminal reports whether the entry has reached a final state.
func (e *QueueEntry) Terminal() bool {
	return e.Status == EntryStatusComplete || e.Status == EntryStatusError
}

// isValidEntryStatus checks if the given status is a valid EntryStatus.
func isValidEntryStatus(status EntryStatus) bool {
	switch status {
	case EntryStatusPending, EntryStatusProcessing, EntryStatusComplete, EntryStatusError:
		return true
	default:
		return false
	}
}
