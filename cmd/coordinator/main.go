// coordinator serves job queues to clients and workers over HTTP and
// websockets, sharing state with peer replicas over the broadcast bus.
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

	"coordinator/internal/api"
	"coordinator/internal/config"
	"coordinator/internal/dispatcher"
	"coordinator/internal/health"
	"coordinator/internal/observability"
	"coordinator/internal/queue"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	queueCfg := queue.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open persistence and the broadcast bus
	backends, err := openBackends(ctx, svcCfg, metrics)
	if err != nil {
		return err
	}
	defer backends.close()

	slog.Info("Backends ready",
		"instance", svcCfg.InstanceID,
		"storage", svcCfg.StorageBackend,
		"bus", svcCfg.BusBackend,
	)

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Create queue coordinators, started lazily per queue
	queues := queue.NewQueues(queueCfg, queue.Options{
		Instance: svcCfg.InstanceID,
		Gateway:  backends.gateway,
		Bus:      backends.bus,
		Notifier: dispatcher.NewCallbacks(eventDispatcher, "coordinator"),
		Metrics:  metrics,
	})

	runCtx, stopQueues := context.WithCancel(ctx)
	defer stopQueues()
	go func() {
		if err := queues.Run(runCtx); err != nil {
			slog.Error("Queue maintenance stopped", "error", err)
		}
	}()

	// Create health checker
	healthChecker := health.NewChecker(map[string]health.Pinger{
		"persistence": backends.gateway,
		"bus":         backends.bus,
	})

	// Create API router
	handler := api.NewHandler(queues, healthChecker, api.LoadSocketConfigFromEnv())
	router := api.NewRouter(api.RouterConfig{
		Handler: handler,
		Metrics: metrics,
		APIKey:  svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. No WriteTimeout: websocket connections are long lived
	// and set their own per-frame deadlines.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	apiServer.RegisterOnShutdown(handler.CloseSockets)

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests and close sockets. Workers reconnect
	// to a peer replica.
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Flush pending writes and leave the bus
	stopQueues()
	queuesCtx, queuesCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer queuesCancel()
	if err := queues.Close(queuesCtx); err != nil {
		slog.Warn("Queue shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
