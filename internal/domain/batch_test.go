package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBatch(t *testing.T) {
	t.Run("creates processing batch with zeroed counters", func(t *testing.T) {
		batch, err := NewBatch("batch-1", "openai", 5, "https://example.com/hook", json.RawMessage(`{"job":"x"}`))
		require.NoError(t, err)

		assert.Equal(t, BatchStatusProcessing, batch.Status)
		assert.Equal(t, 5, batch.TotalItems)
		assert.Zero(t, batch.ProcessingItems)
		assert.Zero(t, batch.CompletedItems)
		assert.Zero(t, batch.FailedItems)
		assert.Nil(t, batch.CompletedAt)
	})

	t.Run("rejects empty batch ID", func(t *testing.T) {
		_, err := NewBatch("", "openai", 5, "", nil)
		assert.ErrorIs(t, err, ErrEmptyBatchID)
	})

	t.Run("rejects non-positive total", func(t *testing.T) {
		_, err := NewBatch("batch-1", "openai", 0, "", nil)
		assert.ErrorIs(t, err, ErrInvalidBatchTotal)
	})
}

func TestBatchCompletionPercentage(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		completed int
		failed    int
		want      int
	}{
		{"empty batch", 0, 0, 0, 0},
		{"not started", 10, 0, 0, 0},
		{"half done", 10, 4, 1, 50},
		{"rounds up", 3, 1, 0, 33},
		{"rounds two thirds", 3, 2, 0, 67},
		{"complete", 4, 3, 1, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Batch{TotalItems: tt.total, CompletedItems: tt.completed, FailedItems: tt.failed}
			assert.Equal(t, tt.want, b.CompletionPercentage())
		})
	}
}
