package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/paygate/internal/bootstrap"
	"github.com/cassiomorais/paygate/internal/controller"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "paygate-api", "paygate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	c, err := app.Wire()
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to wire components")
	}

	// Keep this instance's L1 coherent with writes made by other instances.
	go func() {
		if err := c.Cache.ListenInvalidations(ctx); err != nil && ctx.Err() == nil {
			app.Logger.Error().Err(err).Msg("Cache invalidation listener stopped")
		}
	}()

	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	if n, err := c.Duplicates.Warm(warmCtx, c.Orders, app.Config.Order.BloomWarmup, int(app.Config.Order.BloomCapacity)); err != nil {
		app.Logger.Warn().Err(err).Msg("Duplicate filter warm-up failed, relying on the store")
	} else {
		app.Logger.Info().Int("keys", n).Msg("Duplicate filter warmed")
	}
	warmCancel()

	router := controller.NewRouter(controller.RouterDeps{
		DB:            app.Pool,
		RedisClient:   app.Redis,
		Orders:        c.Service,
		Notifications: c.Dispatcher,
		Metrics:       app.Metrics,
		Server:        app.Config.Server,
		Logger:        app.Logger,
	})

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	cancel()
	app.Logger.Info().Msg("Server exited")
}
