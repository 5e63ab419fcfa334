package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketprint/internal/app"
	"ticketprint/internal/config"
	"ticketprint/internal/listener"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.New(ctx, cfg, "listener")
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// The printer host also serves printer controls and /metrics.
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           a.API().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("listen", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	a.Logger.Info("queue listener started", "port", cfg.HTTPPort, "resync", cfg.QueueResyncInterval)
	err = a.Listener().Run(ctx)
	switch {
	case errors.Is(err, listener.ErrUnsupportedPlatform):
		a.Logger.Error("queue listener cannot run here", "error", err)
		a.Close()
		os.Exit(1)
	case err != nil && !errors.Is(err, context.Canceled):
		a.Logger.Error("queue listener stopped", "error", err)
	default:
		a.Logger.Info("queue listener stopped")
	}
}
