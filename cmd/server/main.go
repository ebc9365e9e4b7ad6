package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailqueue/internal/api"
	"mailqueue/internal/config"
	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/idempotency"
	"mailqueue/internal/metrics"
	"mailqueue/internal/queue"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Transport
	// ------------------------------------------------
	var transport email.Transport
	if cfg.DevMode {
		transport = &email.LogTransport{Log: logger}
	} else {
		transport = &email.SMTPTransport{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}
	}

	// ------------------------------------------------
	// Queue components
	// ------------------------------------------------
	ledger := idempotency.NewLedger(store, logger)
	registry := email.NewRegistry()

	enqueuer := queue.NewEnqueuer(store, ledger, logger)

	processor := queue.NewProcessor(store, ledger, registry, transport, logger,
		queue.WithBatchLimit(cfg.BatchLimit),
		queue.WithSendTimeout(cfg.SendTimeout),
		queue.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)),
	)

	cleanup := queue.NewCleanup(store, logger)

	// ------------------------------------------------
	// Schedules (processor batch + daily ledger cleanup)
	// ------------------------------------------------
	go func() {
		ticker := time.NewTicker(cfg.ProcessInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := processor.Run(ctx); err != nil {
					logger.Error("scheduled queue run failed", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := cleanup.Run(ctx); err != nil {
					logger.Error("scheduled ledger cleanup failed", zap.Error(err))
				}
			}
		}
	}()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Enqueuer:  enqueuer,
		Processor: processor,
		Log:       logger,
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /emails", apiHandler.QueueEmail)
	apiMux.HandleFunc("POST /emails/bulk", apiHandler.BulkQueue)
	apiMux.HandleFunc("POST /emails/cancel", apiHandler.CancelEmail)
	apiMux.HandleFunc("GET /emails/pending", apiHandler.PendingEmails)
	apiMux.HandleFunc("POST /queue/process", apiHandler.ProcessQueue)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiMux,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
