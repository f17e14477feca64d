// Package main implements the entry point for the dispatch API server: a
// multi-provider AI task queue with rate-limit-aware batching, batch
// tracking with webhooks, and payload offload to blob storage.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownGracePeriod bounds how long in-flight requests may run after a
// termination signal.
const shutdownGracePeriod = 15 * time.Second

func main() {
	ctx := context.Background()

	app, err := initializeApp(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Close()

	server := &http.Server{
		Addr:    app.Addr(),
		Handler: app.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}
}
