// Package server exposes the reconciled view over HTTP for the tree UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/pubsync/internal/reconcile"
)

// Viewer supplies the current reconciled view. Implemented by
// reconcile.Reconciler.
type Viewer interface {
	View() *reconcile.View
}

// NewMux builds the HTTP mux with the view and health endpoints. The
// view handler only reads the already-built view; it never triggers a
// reconciliation pass.
func NewMux(viewer Viewer, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /view", handleView(viewer, logger))
	mux.HandleFunc("GET /healthz", handleHealth)
	return mux
}

func handleView(viewer Viewer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(viewer.View()); err != nil {
			logger.Error("encoding view response", slog.String("error", err.Error()))
		}
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run serves the mux until the context is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr string, mux *http.ServeMux, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting view server", slog.String("listen", addr))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down view server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("view server error: %w", err)
	}

	return nil
}
