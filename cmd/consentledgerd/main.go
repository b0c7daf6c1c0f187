package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/myterms/consentledger/internal/app"
	"github.com/myterms/consentledger/internal/config"
	"github.com/myterms/consentledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/consentledger.yaml", "path to consent ledger config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(cfg.Logging.Level)
	ctx := context.Background()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := application.Start(ctx); err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		_ = application.Shutdown(ctx)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("consent ledger listening",
			slog.String("addr", cfg.Server.Listen),
			slog.String("store_driver", cfg.Storage.Driver),
			slog.Bool("signer_configured", application.Service.SignerConfigured()),
		)
		if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
