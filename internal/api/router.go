package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/dispatch-api/internal/api/middleware"
)

// Handlers bundles the handler set the router mounts.
type Handlers struct {
	Queue    *QueueHandler
	Callback *CallbackHandler
	Dispatch *DispatchHandler
}

// NewRouter assembles the HTTP routing tree.
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Trace)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Internal trigger endpoint used by the HTTP dispatch collaborator.
	r.Post("/dispatch", h.Dispatch.Trigger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/dispatch", h.Dispatch.Dispatch)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Post("/entries", h.Queue.Enqueue)
			r.Post("/batches", h.Queue.EnqueueBatch)
			r.Get("/batches/{batchID}", h.Queue.GetBatchStatus)
			r.Get("/batches/{batchID}/wait", h.Queue.WaitForBatch)
		})

		r.Post("/callbacks/{queue}/{entryID}", h.Callback.Complete)
	})

	return r
}
