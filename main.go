package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"digest_server/config"
	"digest_server/internal/bootstrap"
	"digest_server/pkg/apperr"
	"digest_server/pkg/logger"

	"github.com/joho/godotenv"
)

// Exit codes: 0 clean, 2 startup misconfig, 3 storage unreachable at boot.
const (
	exitMisconfig      = 2
	exitStorageFailure = 3
	shutdownTimeout    = 30 * time.Second
)

func main() {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "digestd",
	})

	// Load .env if present (local development).
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("failed to load config")
		os.Exit(exitMisconfig)
	}
	if err := cfg.ValidateForStartup(); err != nil {
		logger.WithError(err).Error("startup validation failed")
		os.Exit(exitMisconfig)
	}

	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeStorageError) {
			logger.WithError(err).Error("storage unreachable at boot")
			os.Exit(exitStorageFailure)
		}
		logger.WithError(err).Error("failed to initialize")
		os.Exit(exitMisconfig)
	}
	defer cleanup()

	// Graceful shutdown with timeout.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down (timeout: %v)...", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.WithError(err).Error("error shutting down")
			} else {
				logger.Info("server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("starting server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.WithError(err).Error("server stopped")
		cleanup()
		os.Exit(1)
	}
}
