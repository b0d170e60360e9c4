package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/vault-gitsync/internal/errors"
	"github.com/alexjbarnes/vault-gitsync/internal/gitsync"
	"github.com/alexjbarnes/vault-gitsync/internal/metrics"
	"github.com/alexjbarnes/vault-gitsync/internal/server"
	"github.com/alexjbarnes/vault-gitsync/internal/state"
	"golang.org/x/sync/errgroup"
)

// runDaemon syncs at startup and then on every trigger until ctx is
// cancelled. A failed sync is logged and retried on the next trigger.
func (a *app) runDaemon(ctx context.Context) error {
	if a.cfg.SyncInterval == 0 && !a.cfg.Watch {
		return fmt.Errorf("daemon needs SYNC_INTERVAL or WATCH=true")
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Metrics: metrics.Handler(),
			LastSync: func() (*state.SyncRecord, error) {
				return a.state.LastSync(a.cfg.StateKey())
			},
			Logger: a.logger,
		})

		g.Go(func() error {
			return server.Serve(gctx, a.cfg.MetricsAddr, mux, a.logger)
		})
	}

	var watchTriggers <-chan struct{}

	if a.cfg.Watch {
		w := gitsync.NewWatcher(a.cfg.SyncDir, a.filter, a.cfg.WatchDebounce, a.logger)
		watchTriggers = w.Triggers()

		g.Go(func() error {
			return w.Watch(gctx)
		})
	}

	var tick <-chan time.Time

	if a.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(a.cfg.SyncInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	g.Go(func() error {
		a.daemonSync(gctx, "startup")

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tick:
				a.daemonSync(gctx, "interval")
			case <-watchTriggers:
				a.daemonSync(gctx, "watch")
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("daemon stopped")
		return nil
	}

	return err
}

func (a *app) daemonSync(ctx context.Context, trigger string) {
	res, err := a.syncOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		attrs := []any{slog.String("trigger", trigger), slog.String("error", err.Error())}

		var rce *apperrors.RemoteCallError
		if errors.As(err, &rce) {
			attrs = append(attrs, slog.Bool("transient", rce.IsTransient()))
		}

		if errors.Is(err, apperrors.ErrUnauthorized) {
			a.logger.Error("sync rejected by GitHub, check GITHUB_TOKEN", attrs...)
			return
		}

		a.logger.Warn("sync failed", attrs...)

		return
	}

	a.logger.Debug("daemon sync done",
		slog.String("trigger", trigger),
		slog.String("status", string(res.Status)),
	)
}
