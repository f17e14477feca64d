package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueEntry(t *testing.T) {
	t.Run("creates valid pending entry", func(t *testing.T) {
		entry, err := NewQueueEntry("openai", "completion", "gpt-4o", json.RawMessage(`{"prompt":"hi"}`))
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, entry.ID)
		assert.Equal(t, "openai", entry.Type)
		assert.Equal(t, EntryStatusPending, entry.Status)
		assert.False(t, entry.Params.IsOffloaded())
	})

	t.Run("rejects empty params", func(t *testing.T) {
		_, err := NewQueueEntry("openai", "completion", "gpt-4o", nil)
		assert.ErrorIs(t, err, ErrEmptyEntryParams)
	})
}

func TestQueueEntryValidate(t *testing.T) {
	valid := func() *QueueEntry {
		return &QueueEntry{
			ID:     uuid.New(),
			Type:   "openai",
			Params: Params{Inline: json.RawMessage(`{}`)},
			Status: EntryStatusPending,
		}
	}

	t.Run("accepts offloaded params", func(t *testing.T) {
		entry := valid()
		entry.Params = Params{GCSPath: "queue/params/1.json"}
		assert.NoError(t, entry.Validate())
	})

	t.Run("rejects both inline and offloaded params", func(t *testing.T) {
		entry := valid()
		entry.Params = Params{Inline: json.RawMessage(`{}`), GCSPath: "queue/params/1.json"}
		assert.ErrorIs(t, entry.Validate(), ErrConflictingParams)
	})

	t.Run("rejects missing queue type", func(t *testing.T) {
		entry := valid()
		entry.Type = ""
		assert.ErrorIs(t, entry.Validate(), ErrEmptyQueueType)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		entry := valid()
		entry.Status = "paused"
		assert.ErrorIs(t, entry.Validate(), ErrInvalidStatus)
	})

	t.Run("rejects nil ID", func(t *testing.T) {
		entry := valid()
		entry.ID = uuid.Nil
		assert.ErrorIs(t, entry.Validate(), ErrEmptyEntryID)
	})
}

func TestQueueEntryTerminal(t *testing.T) {
	entry := &QueueEntry{Status: EntryStatusPending}
	assert.False(t, entry.Terminal())

	entry.Status = EntryStatusProcessing
	assert.False(t, entry.Terminal())

	entry.Status = EntryStatusComplete
	assert.True(t, entry.Terminal())

	entry.Status = EntryStatusError
	assert.True(t, entry.Terminal())
}
