// Package server provides the daemon's HTTP listener: Prometheus metrics
// and a health endpoint reporting the last completed sync.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/vault-gitsync/internal/state"
	"github.com/goccy/go-json"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// LastSyncFunc returns the last completed sync, or nil if there was none.
type LastSyncFunc func() (*state.SyncRecord, error)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Metrics  http.Handler
	LastSync LastSyncFunc
	Logger   *slog.Logger
}

// NewMux builds the HTTP mux with /metrics and /healthz.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", cfg.Metrics)
	mux.HandleFunc("GET /healthz", handleHealth(cfg))

	return mux
}

type healthResponse struct {
	Status   string            `json:"status"`
	LastSync *state.SyncRecord `json:"last_sync,omitempty"`
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if cfg.LastSync != nil {
			rec, err := cfg.LastSync()
			if err != nil {
				cfg.Logger.Warn("health: reading last sync", slog.String("error", err.Error()))

				resp.Status = "error"
				code = http.StatusInternalServerError
			}

			resp.LastSync = rec
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	return nil
}
