// Package main is the entry point for the claimrelay server: the claim
// ingress API, the compute and delivery worker pools, and the queue
// maintenance loop all run in this one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/compliflow/claimrelay/internal/breaker"
	"github.com/compliflow/claimrelay/internal/compute"
	"github.com/compliflow/claimrelay/internal/config"
	"github.com/compliflow/claimrelay/internal/delivery"
	"github.com/compliflow/claimrelay/internal/http/handlers"
	"github.com/compliflow/claimrelay/internal/logging"
	"github.com/compliflow/claimrelay/internal/metrics"
	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/service"
	"github.com/compliflow/claimrelay/internal/store"
	"github.com/compliflow/claimrelay/internal/version"
	"github.com/compliflow/claimrelay/internal/worker"
)

const maintenanceInterval = 5 * time.Second

func main() {
	// Initialize logger with TTY detection and format control
	logger := logging.SetDefault()

	// Log version info first thing
	v := version.Get()
	logger.Info("starting claimrelay",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The queue and the status records live in separate logical databases
	// on the same Redis instance.
	queueClient := store.NewClient(store.Options{
		Addr:     cfg.StoreAddr(),
		Password: cfg.StorePassword,
		DB:       cfg.QueueDBIndex,
	})
	defer func() { _ = queueClient.Close() }()
	statusClient := store.NewClient(store.Options{
		Addr:     cfg.StoreAddr(),
		Password: cfg.StorePassword,
		DB:       cfg.StatusDBIndex,
	})
	defer func() { _ = statusClient.Close() }()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := store.Ping(pingCtx, queueClient); err != nil {
		logger.Error("failed to connect to queue store", "error", err, "addr", cfg.StoreAddr())
		os.Exit(1)
	}
	if err := store.Ping(pingCtx, statusClient); err != nil {
		logger.Error("failed to connect to status store", "error", err, "addr", cfg.StoreAddr())
		os.Exit(1)
	}
	logger.Info("store connected", "addr", cfg.StoreAddr(),
		"queue_db", cfg.QueueDBIndex, "status_db", cfg.StatusDBIndex)

	statusStore := store.NewStatusStore(statusClient)
	taskQueue := queue.New(queueClient, queue.Options{
		HighWater:         int64(cfg.QueueHighWater),
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	})

	var m *metrics.Metrics
	if cfg.EnableMetrics {
		m = metrics.New()
	}

	validator, err := delivery.NewValidator(cfg.WebhookAllowlist, cfg.AllowPrivateDestinations)
	if err != nil {
		logger.Error("invalid webhook allowlist", "error", err)
		os.Exit(1)
	}
	sender := delivery.NewClient(cfg.DeliveryTimeout, cfg.WebhookHMACSecret)
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		ResetTimeout:     cfg.BreakerReset,
	}, logger, m)

	deliveryPolicy := delivery.NewPolicy(cfg.DeliveryMaxAttempts, cfg.DeliveryRetryMin, cfg.DeliveryRetryMax)
	computePolicy := delivery.NewPolicy(cfg.ComputeMaxAttempts, cfg.ComputeRetryMin, cfg.ComputeRetryMax)

	statusService := service.NewStatusService(statusStore, logger)
	computeRunner := service.NewComputeRunner(service.ComputeRunnerOptions{
		Store:       statusStore,
		Queue:       taskQueue,
		Fn:          compute.DefaultEngine,
		Policy:      computePolicy,
		Log:         logger,
		MaxAttempts: cfg.ComputeMaxAttempts,
		TaskTimeout: cfg.ComputeTaskTimeout,
	})
	deliveryRunner := service.NewDeliveryRunner(service.DeliveryRunnerOptions{
		Status:          statusService,
		Store:           statusStore,
		Queue:           taskQueue,
		Sender:          sender,
		Breakers:        breakers,
		Validator:       validator,
		Policy:          deliveryPolicy,
		Metrics:         m,
		Log:             logger,
		ExcludeTimeouts: cfg.BreakerExcludeTimeouts,
	})
	dispatcher := service.NewDispatcher(computeRunner, deliveryRunner)
	dispatchService := service.NewDispatchService(service.DispatchServiceOptions{
		Store:               statusStore,
		Status:              statusService,
		Queue:               taskQueue,
		Fn:                  compute.DefaultEngine,
		Log:                 logger,
		DeliveryMaxAttempts: cfg.DeliveryMaxAttempts,
	})

	// Worker pools. The compute pool gets the hard per-task ceiling; the
	// delivery pool relies on the HTTP client timeout instead.
	computePool := worker.NewPool(worker.Options{
		QueueName:   queue.QueueCompute,
		Queue:       taskQueue,
		Handler:     dispatcher.Handle,
		Concurrency: cfg.ComputeConcurrency,
		TaskTimeout: cfg.ComputeTaskTimeout,
		Metrics:     m,
		Log:         logger,
	})
	deliveryPool := worker.NewPool(worker.Options{
		QueueName:   queue.QueueDelivery,
		Queue:       taskQueue,
		Handler:     dispatcher.Handle,
		Concurrency: cfg.DeliveryConcurrency,
		Metrics:     m,
		Log:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go computePool.Run(ctx)
	go deliveryPool.Run(ctx)
	go taskQueue.RunMaintenance(ctx, maintenanceInterval, queue.QueueCompute, queue.QueueDelivery)
	if m != nil {
		go observeQueueDepths(ctx, taskQueue, m)
	}
	logger.Info("worker pools started",
		"compute_concurrency", cfg.ComputeConcurrency,
		"delivery_concurrency", cfg.DeliveryConcurrency,
	)

	// Create router
	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	// Request size limit (1MB) - prevent large payload attacks
	router.Use(middleware.RequestSize(1 * 1024 * 1024))

	// Global rate limit by IP
	router.Use(httprate.LimitByIP(100, time.Minute))

	// Global concurrency throttle - prevent system overload
	router.Use(middleware.Throttle(100))

	humaConfig := huma.DefaultConfig("ClaimRelay API", v.Version)
	humaConfig.Info.Description = "Compliance claim processing with reliable asynchronous webhook delivery."
	humaConfig.Servers = []*huma.Server{
		{URL: cfg.BaseURL, Description: "API Server"},
	}
	api := humachi.New(router, humaConfig)

	// Claim ingress and task status
	claimHandler := handlers.NewClaimHandler(dispatchService)
	huma.Post(api, "/process-claim-basic", claimHandler.ProcessClaimBasic)
	huma.Post(api, "/process-claim-extended", claimHandler.ProcessClaimExtended)
	huma.Post(api, "/process-claim-complete", claimHandler.ProcessClaimComplete)
	huma.Get(api, "/task-status/{task_id}", claimHandler.GetTaskStatus)
	huma.Get(api, "/processing-modes", claimHandler.ListProcessingModes)

	// Webhook record inspection, cleanup, and dead-letter operations
	webhookHandler := handlers.NewWebhookStatusHandler(statusService, dispatchService)
	huma.Get(api, "/webhook-status/{webhook_id}", webhookHandler.GetWebhookStatus)
	huma.Delete(api, "/webhook-status/{webhook_id}", webhookHandler.DeleteWebhookStatus)
	huma.Get(api, "/webhook-statuses", webhookHandler.ListWebhookStatuses)
	huma.Delete(api, "/webhook-statuses", webhookHandler.Cleanup)
	huma.Post(api, "/webhook-cleanup", webhookHandler.Cleanup)
	huma.Get(api, "/dead-letters", webhookHandler.ListDeadLetters)
	huma.Post(api, "/dead-letters/{webhook_id}/replay", webhookHandler.ReplayDeadLetter)

	// Health check
	healthHandler := handlers.NewHealthHandler(statusStore, breakers, computePool, deliveryPool)
	huma.Get(api, "/health", healthHandler.Health)

	// Metrics endpoint: on the main port by default, on its own listener
	// when METRICS_PORT is set.
	var metricsServer *http.Server
	if m != nil {
		if cfg.MetricsPort == 0 || cfg.MetricsPort == cfg.Port {
			router.Handle("/metrics", m.Handler())
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			metricsServer = &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
				Handler: mux,
			}
			go func() {
				logger.Info("metrics listener started", "port", cfg.MetricsPort)
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics listener error", "error", err)
				}
			}()
		}
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		// Stop the workers first; leased tasks they were holding are
		// redelivered after the visibility timeout.
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// observeQueueDepths samples the visible queue lengths for the depth gauge.
func observeQueueDepths(ctx context.Context, q *queue.Queue, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range []string{queue.QueueCompute, queue.QueueDelivery} {
				if depth, err := q.Depth(ctx, name); err == nil {
					m.SetQueueDepth(name, depth)
				}
			}
		}
	}
}
