package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/phrazzld/dispatch-api/internal/api"
	"github.com/phrazzld/dispatch-api/internal/auth"
	"github.com/phrazzld/dispatch-api/internal/config"
	"github.com/phrazzld/dispatch-api/internal/dispatch"
	"github.com/phrazzld/dispatch-api/internal/events"
	"github.com/phrazzld/dispatch-api/internal/platform/gcs"
	"github.com/phrazzld/dispatch-api/internal/platform/gemini"
	"github.com/phrazzld/dispatch-api/internal/platform/httpapi"
	"github.com/phrazzld/dispatch-api/internal/platform/logger"
	"github.com/phrazzld/dispatch-api/internal/platform/postgres"
	"github.com/phrazzld/dispatch-api/internal/provider"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/ratelimit"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// application holds the wired components of a running server.
type application struct {
	cfg    *config.Config
	db     *sql.DB
	router http.Handler
}

// Addr returns the listen address.
func (a *application) Addr() string {
	return fmt.Sprintf(":%d", a.cfg.Server.Port)
}

// Router returns the HTTP routing tree.
func (a *application) Router() http.Handler {
	return a.router
}

// Close releases the application's resources.
func (a *application) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// initializeApp loads configuration and wires every component: logger,
// database and migrations, stores, rate limiters, adapters, engines, the
// dispatcher, and the HTTP router.
func initializeApp(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"providers", len(cfg.Providers))

	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	queueStore := postgres.NewPostgresQueueStore(db, log)
	batchStore := postgres.NewPostgresBatchStore(db, log)

	blobs, err := buildBlobStore(ctx, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	offloader := queue.NewPayloadOffloader(blobs, cfg.Queue.OffloadThreshold)

	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(queue.NewWebhookNotifier(log))
	tracker := queue.NewBatchTracker(batchStore, emitter, log)

	tokens, err := auth.NewCallbackTokenService(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create callback token service: %w", err)
	}

	registry := buildLimiterRegistry(cfg)
	trigger := dispatch.NewLoopbackTrigger(log)

	adapters, err := buildAdapters(ctx, cfg, tokens, registry, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	engines := make(map[string]*queue.Engine, len(adapters))
	engineConfig := queue.EngineConfig{
		ClaimLimit:     cfg.Queue.ClaimLimit,
		RetryLimit:     cfg.Queue.RetryLimit,
		MaxDrainCycles: cfg.Queue.MaxDrainCycles,
	}
	for _, adapter := range adapters {
		engine := queue.NewEngine(adapter, queueStore, offloader, tracker, trigger, engineConfig, log)
		engines[adapter.Name] = engine
		trigger.Register(engine.FunctionName(), engine.ProcessQueue)
	}

	dispatcher := dispatch.NewDispatcher(engines, queueStore, offloader, log)

	router := api.NewRouter(api.Handlers{
		Queue:    api.NewQueueHandler(engines),
		Callback: api.NewCallbackHandler(engines, tokens),
		Dispatch: api.NewDispatchHandler(dispatcher, engines),
	})

	return &application{
		cfg:    cfg,
		db:     db,
		router: router,
	}, nil
}

// openDatabase opens and pings the Postgres connection.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// buildBlobStore selects the blob backend: GCS when a bucket is configured,
// otherwise an in-memory store suitable only for single-process use.
func buildBlobStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.BlobStore, error) {
	if cfg.Blob.Bucket == "" {
		log.Warn("no blob bucket configured, using in-memory blob store")
		return store.NewInMemoryBlobStore(), nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return gcs.NewBlobStore(client, cfg.Blob.Bucket, log), nil
}

// buildLimiterRegistry converts the configured rate-limit table into live
// limiters, keyed "provider:model".
func buildLimiterRegistry(cfg *config.Config) *ratelimit.Registry {
	services := make(map[string]ratelimit.Limits, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		services[name] = ratelimit.Limits{
			MaxRequests: rl.MaxRequests,
			MaxTokens:   rl.MaxTokens,
			Window:      time.Duration(rl.WindowSeconds) * time.Second,
		}
	}
	return ratelimit.NewRegistry(services)
}

// limitersFor collects the limiters configured for one provider queue, keyed
// by model name.
func limitersFor(cfg *config.Config, registry *ratelimit.Registry, queueName string) map[string]*ratelimit.Limiter {
	limiters := make(map[string]*ratelimit.Limiter)
	prefix := queueName + ":"
	for name := range cfg.RateLimits {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if l := registry.Get(name); l != nil {
			limiters[strings.TrimPrefix(name, prefix)] = l
		}
	}
	return limiters
}

// buildAdapters constructs one provider adapter per configured integration.
// The Gemini adapter is driven by the genai client when an API key is set;
// the remaining queues use HTTP processors against their configured
// endpoints.
func buildAdapters(
	ctx context.Context,
	cfg *config.Config,
	tokens *auth.CallbackTokenService,
	registry *ratelimit.Registry,
	log *slog.Logger,
) ([]*provider.Adapter, error) {
	var adapters []*provider.Adapter
	var moderator provider.PromptModerator

	if cfg.LLM.GeminiAPIKey != "" {
		pc, ok := cfg.Providers["gemini"]
		if !ok {
			pc = config.ProviderConfig{DefaultModel: "gemini-2.0-flash"}
		}
		client, err := gemini.NewClient(ctx, log, cfg.LLM, pc.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		moderator = client
		adapters = append(adapters, provider.NewGeminiAdapter(client, limitersFor(cfg, registry, "gemini"), pc.DefaultModel))
	}

	for name, pc := range cfg.Providers {
		limiters := limitersFor(cfg, registry, name)

		switch name {
		case "gemini":
			// Wired above from the genai client.
		case "openai":
			adapters = append(adapters, provider.NewOpenAIAdapter(
				httpapi.NewProcessor(pc.Endpoint, pc.APIKey, log), limiters, pc.DefaultModel))
		case "groq":
			adapters = append(adapters, provider.NewGroqAdapter(
				httpapi.NewProcessor(pc.Endpoint, pc.APIKey, log), limiters, pc.DefaultModel))
		case "fal":
			if moderator == nil {
				return nil, fmt.Errorf("fal requires the Gemini moderator; set the Gemini API key")
			}
			adapters = append(adapters, provider.NewFalAdapter(
				httpapi.NewProcessor(pc.Endpoint, pc.APIKey, log), moderator, limiters, pc.DefaultModel))
		case "wavespeed":
			if moderator == nil {
				return nil, fmt.Errorf("wavespeed requires the Gemini moderator; set the Gemini API key")
			}
			adapters = append(adapters, provider.NewWavespeedAdapter(
				httpapi.NewProcessor(pc.Endpoint, pc.APIKey, log), moderator, limiters, pc.DefaultModel))
		case "modal":
			callbackBase := cfg.Server.BaseURL + "/api/callbacks/modal"
			minter := func(ctx context.Context, entryID uuid.UUID) (string, error) {
				return tokens.GenerateToken(ctx, entryID)
			}
			adapters = append(adapters, provider.NewModalAdapter(
				httpapi.NewModalProcessor(pc.Endpoint, pc.APIKey, callbackBase, minter, log), limiters, pc.DefaultModel))
		default:
			adapters = append(adapters, provider.NewGenericAdapter(name,
				httpapi.NewProcessor(pc.Endpoint, pc.APIKey, log), limiters, pc.DefaultModel))
		}
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return adapters, nil
}
