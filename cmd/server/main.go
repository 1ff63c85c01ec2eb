package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"roundup-engine-go/internal/common"
	"roundup-engine-go/internal/config"
	"roundup-engine-go/internal/handler"
	"roundup-engine-go/internal/listener"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	poller := listener.NewStatusListener(listener.StatusListenerConfig{
		Store:           services.DbService,
		Rail:            services.Rail,
		Events:          services.Webhooks,
		PollingInterval: cfg.Server.StatusPollInterval,
		StaleAfter:      cfg.Server.StatusStaleAfter,
		MaxConcurrency:  cfg.Reconcile.RailConcurrency,
	})
	if err := poller.Start(ctx); err != nil {
		logger.Fatal("Failed to start transfer status poller", zap.Error(err))
	}
	defer poller.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.NewRouter(services.Roundups, services.Metrics, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Reconcile.RailTimeout + time.Minute,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining requests...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Forced shutdown after timeout", zap.Error(err))
		return
	}
	logger.Info("Server stopped gracefully")
}
