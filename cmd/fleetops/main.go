// Package main starts the HTTP server of the fleet service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fleetops-system/internal/config"
	"github.com/mmeshcher/fleetops-system/internal/handler"
	"github.com/mmeshcher/fleetops-system/internal/middleware"
	"github.com/mmeshcher/fleetops-system/internal/notify"
	"github.com/mmeshcher/fleetops-system/internal/render"
	"github.com/mmeshcher/fleetops-system/internal/repository"
	"github.com/mmeshcher/fleetops-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var renderClient *render.Client
	if cfg.RenderServiceAddress != "" {
		renderClient = render.NewClient(cfg.RenderServiceAddress)
	}

	dispatcher := notify.NewDispatcher(repo, logger)

	svc := service.NewService(repo, renderClient, dispatcher)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Background notification writer
	g.Go(func() error {
		dispatcher.Start(ctx)
		return nil
	})

	// HTTP server
	g.Go(func() error {
		sugar.Infow("starting fleetops server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown on context cancellation (signal or failure in
	// another goroutine)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
