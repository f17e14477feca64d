package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/events"
)

func completedEvent(webhookURL string) *events.BatchCompletedEvent {
	return &events.BatchCompletedEvent{
		ID:             uuid.New(),
		BatchID:        "batch-1",
		QueueName:      "openai",
		TotalItems:     3,
		CompletedItems: 2,
		FailedItems:    1,
		WebhookURL:     webhookURL,
		Metadata:       json.RawMessage(`{"job":"ingest"}`),
		CompletedAt:    time.Now().UTC(),
	}
}

func TestWebhookNotifierDelivers(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(discardLogger())
	require.NoError(t, notifier.HandleEvent(context.Background(), completedEvent(srv.URL)))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(<-received, &payload))
	assert.Equal(t, "batch-1", payload["batchId"])
	assert.Equal(t, "complete", payload["status"])
	assert.Equal(t, float64(3), payload["totalItems"])
	assert.Equal(t, float64(2), payload["completedItems"])
	assert.Equal(t, float64(1), payload["failedItems"])
}

func TestWebhookNotifierSkipsWithoutURL(t *testing.T) {
	notifier := NewWebhookNotifier(discardLogger())
	assert.NoError(t, notifier.HandleEvent(context.Background(), completedEvent("")))
}

func TestWebhookNotifierNeverEscalates(t *testing.T) {
	t.Run("server rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		notifier := NewWebhookNotifier(discardLogger())
		assert.NoError(t, notifier.HandleEvent(context.Background(), completedEvent(srv.URL)))
	})

	t.Run("unreachable target", func(t *testing.T) {
		notifier := NewWebhookNotifier(discardLogger())
		assert.NoError(t, notifier.HandleEvent(context.Background(), completedEvent("http://127.0.0.1:1/hook")))
	})
}
