package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/paygate/internal/bootstrap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "paygate-worker", "paygate_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	c, err := app.Wire()
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to wire components")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Reconciliation of pending and processing orders.
	g.Go(func() error {
		return c.Reconciler.Run(gCtx)
	})

	// 2. Merchant notification lanes.
	g.Go(func() error {
		return c.Dispatcher.Run(gCtx)
	})

	// 3. L1 invalidations from other instances.
	g.Go(func() error {
		return c.Cache.ListenInvalidations(gCtx)
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	app.Logger.Info().
		Dur("reconcile_interval", app.Config.Reconcile.Interval).
		Dur("notify_pending_interval", app.Config.Notify.PendingInterval).
		Msg("Worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
