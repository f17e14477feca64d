package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/events"
	"github.com/phrazzld/dispatch-api/internal/provider"
	"github.com/phrazzld/dispatch-api/internal/ratelimit"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// discardLogger silences engine logging in tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcessor runs a swappable process function and records calls.
type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, entry *domain.QueueEntry) (*provider.ProcessResult, error)
}

func (p *fakeProcessor) Process(ctx context.Context, entry *domain.QueueEntry) (*provider.ProcessResult, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return &provider.ProcessResult{Result: json.RawMessage(`{"ok":true}`), TokensUsed: 1}, nil
	}
	return fn(ctx, entry)
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeTrigger records dispatches without running anything.
type fakeTrigger struct {
	mu         sync.Mutex
	dispatches []string
}

func (t *fakeTrigger) Dispatch(ctx context.Context, functionName string, payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatches = append(t.dispatches, functionName)
	return nil
}

func (t *fakeTrigger) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dispatches)
}

// recordingHandler captures emitted batch completion events.
type recordingHandler struct {
	mu     sync.Mutex
	events []*events.BatchCompletedEvent
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *events.BatchCompletedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// testLimiter returns a limiter with a long window so rotation never
// interferes with a test.
func testLimiter(maxRequests, maxTokens int) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Limits{
		MaxRequests: maxRequests,
		MaxTokens:   maxTokens,
		Window:      time.Hour,
	})
}

// testEnv bundles an engine with its collaborators for assertions.
type testEnv struct {
	engine    *Engine
	entries   *store.InMemoryQueueStore
	batches   *store.InMemoryBatchStore
	blobs     *store.InMemoryBlobStore
	tracker   *BatchTracker
	trigger   *fakeTrigger
	completed *recordingHandler
}

// envOption tweaks the test environment during construction.
type envOption func(*envConfig)

type envConfig struct {
	offloadThreshold int
	engineConfig     EngineConfig
}

func withOffloadThreshold(threshold int) envOption {
	return func(c *envConfig) { c.offloadThreshold = threshold }
}

func withEngineConfig(cfg EngineConfig) envOption {
	return func(c *envConfig) { c.engineConfig = cfg }
}

// newTestEnv wires an engine over in-memory stores.
func newTestEnv(adapter *provider.Adapter, opts ...envOption) *testEnv {
	cfg := envConfig{
		offloadThreshold: 1 << 20,
		engineConfig:     EngineConfig{ClaimLimit: 50, RetryLimit: 3, MaxDrainCycles: 10},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := discardLogger()
	entries := store.NewInMemoryQueueStore()
	batches := store.NewInMemoryBatchStore()
	blobs := store.NewInMemoryBlobStore()
	offloader := NewPayloadOffloader(blobs, cfg.offloadThreshold)

	completed := &recordingHandler{}
	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(completed)

	tracker := NewBatchTracker(batches, emitter, log)
	trigger := &fakeTrigger{}

	return &testEnv{
		engine:    NewEngine(adapter, entries, offloader, tracker, trigger, cfg.engineConfig, log),
		entries:   entries,
		batches:   batches,
		blobs:     blobs,
		tracker:   tracker,
		trigger:   trigger,
		completed: completed,
	}
}
