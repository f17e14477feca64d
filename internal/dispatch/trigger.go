package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// LoopbackTrigger dispatches processor runs as goroutines in the current
// process. It implements queue.Trigger for single-process deployments and
// tests; production deployments use HTTPTrigger against a real task queue.
type LoopbackTrigger struct {
	mu      sync.RWMutex
	targets map[string]func(context.Context) error
	logger  *slog.Logger
}

// NewLoopbackTrigger creates an empty loopback trigger.
func NewLoopbackTrigger(logger *slog.Logger) *LoopbackTrigger {
	return &LoopbackTrigger{
		targets: make(map[string]func(context.Context) error),
		logger:  logger.With("component", "loopback_trigger"),
	}
}

// Register binds a function name to a processor run.
func (t *LoopbackTrigger) Register(functionName string, fn func(context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[functionName] = fn
}

// Dispatch implements queue.Trigger. The target runs on its own goroutine,
// detached from the caller's cancellation, mirroring a task queue's
// fire-and-forget delivery.
func (t *LoopbackTrigger) Dispatch(ctx context.Context, functionName string, payload json.RawMessage) error {
	t.mu.RLock()
	fn, ok := t.targets[functionName]
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no dispatch target registered for %q", functionName)
	}

	go func() {
		if err := fn(context.WithoutCancel(ctx)); err != nil {
			t.logger.Error("dispatched processor run failed",
				"function", functionName,
				"error", err)
		}
	}()
	return nil
}

// HTTPTrigger dispatches processor runs by posting to a task-queue endpoint
// that invokes the named function at least once, in no guaranteed order.
type HTTPTrigger struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPTrigger creates a trigger posting to the given base URL.
func NewHTTPTrigger(baseURL string, logger *slog.Logger) *HTTPTrigger {
	return &HTTPTrigger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "http_trigger"),
	}
}

// Dispatch implements queue.Trigger.
func (t *HTTPTrigger) Dispatch(ctx context.Context, functionName string, payload json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{
		"function": json.RawMessage(fmt.Sprintf("%q", functionName)),
		"payload":  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch request rejected with status %d", resp.StatusCode)
	}

	t.logger.Debug("dispatched processor run", "function", functionName)
	return nil
}
