package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// runGateway starts every component and blocks until ctx is cancelled or
// one of them fails, then shuts down gracefully.
func runGateway(ctx context.Context, app *application, configPath string) error {
	logger := app.logger

	watcher, err := config.NewWatcher(configPath, app.currentConfig(), app.reload, config.WithLogger(logger))
	if err != nil {
		app.shutdown()
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := app.dispatcher.Start(gctx); err != nil {
		app.shutdown()
		return fmt.Errorf("failed to start refresh dispatcher: %w", err)
	}

	app.mu.Lock()
	app.runCtx = gctx
	app.mu.Unlock()
	app.syncWarmup(&app.currentConfig().Spec)

	g.Go(func() error {
		return app.server.ListenAndServe(&app.currentConfig().Spec.Server)
	})
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			// The gateway keeps serving the configuration it started with.
			logger.Warn("config watcher stopped", observability.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gateway")

		timeout := app.currentConfig().Spec.Server.ShutdownTimeout.OrDefault(config.DefaultShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return app.server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	app.shutdown()
	return err
}

// shutdown releases every component after the listener has stopped.
// Pending refreshes are drained before the store they write to is closed.
func (a *application) shutdown() {
	timeout := a.currentConfig().Spec.Server.ShutdownTimeout.OrDefault(config.DefaultShutdownTimeout)

	a.mu.Lock()
	scheduler := a.scheduler
	a.scheduler = nil
	a.mu.Unlock()
	if scheduler != nil {
		scheduler.Stop()
	}

	if err := a.dispatcher.Stop(timeout); err != nil {
		a.logger.Warn("refresh dispatcher did not drain", observability.Error(err))
	}

	a.closeInvalidation()

	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close cache store", observability.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("gateway stopped")
}

// closeInvalidation unsubscribes and drains the NATS connection.
func (a *application) closeInvalidation() {
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			a.logger.Warn("failed to unsubscribe invalidation subjects", observability.Error(err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
		a.natsConn = nil
	}
}
