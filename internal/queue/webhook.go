package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/dispatch-api/internal/events"
)

// defaultWebhookTimeout bounds one delivery attempt.
const defaultWebhookTimeout = 10 * time.Second

// webhookPayload is the JSON body posted to a batch's webhook URL.
type webhookPayload struct {
	BatchID        string          `json:"batchId"`
	Status         string          `json:"status"`
	TotalItems     int             `json:"totalItems"`
	CompletedItems int             `json:"completedItems"`
	FailedItems    int             `json:"failedItems"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// WebhookNotifier delivers batch completion notifications over HTTP. It
// implements events.EventHandler so the tracker's completion events drive
// it. Delivery is at-most-once and best-effort: non-2xx responses and
// network failures are logged and never retried.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier with its own HTTP client.
func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger.With("component", "webhook_notifier"),
	}
}

// HandleEvent posts the batch summary to the batch's webhook URL. Batches
// without a webhook URL are skipped. Always returns nil: webhook failure
// must never escalate into the counter update path.
func (n *WebhookNotifier) HandleEvent(ctx context.Context, event *events.BatchCompletedEvent) error {
	if event.WebhookURL == "" {
		return nil
	}

	payload := webhookPayload{
		BatchID:        event.BatchID,
		Status:         "complete",
		TotalItems:     event.TotalItems,
		CompletedItems: event.CompletedItems,
		FailedItems:    event.FailedItems,
		Metadata:       event.Metadata,
		CompletedAt:    event.CompletedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal webhook payload",
			"batch_id", event.BatchID,
			"error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.WebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build webhook request",
			"batch_id", event.BatchID,
			"webhook_url", event.WebhookURL,
			"error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			"batch_id", event.BatchID,
			"webhook_url", event.WebhookURL,
			"error", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected",
			"batch_id", event.BatchID,
			"webhook_url", event.WebhookURL,
			"status_code", resp.StatusCode)
		return nil
	}

	n.logger.Info("webhook delivered",
		"batch_id", event.BatchID,
		"webhook_url", event.WebhookURL)
	return nil
}
