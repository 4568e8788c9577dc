// worker runs containerized jobs claimed from a coordinator queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coordinator/internal/config"
	"coordinator/internal/executor"
	"coordinator/internal/health"
	"coordinator/internal/workeragent"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agentCfg := workeragent.LoadConfigFromEnv()
	execCfg := executor.LoadConfigFromEnv(agentCfg.WorkerID)

	// Create Docker executor (removes containers left by a previous run)
	exec, err := executor.NewDocker(ctx, execCfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exec.Close(closeCtx); err != nil {
			slog.Warn("Executor shutdown error", "error", err)
		}
	}()

	slog.Info("Connected to Docker daemon", "worker", agentCfg.WorkerID)

	healthChecker := health.NewChecker(map[string]health.Pinger{
		"docker": health.PingFunc(exec.Ready),
	})
	healthServer := &http.Server{
		Addr:         ":" + config.GetEnv("HEALTH_PORT", "8081"),
		Handler:      healthMux(healthChecker),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()

	agent := workeragent.New(agentCfg, exec)
	slog.Info("Starting worker agent",
		"queue", agentCfg.Queue,
		"cpus", agentCfg.CPUs,
		"gpus", agentCfg.GPUs,
		"concurrency", agentCfg.Concurrency,
	)
	runErr := agent.Run(ctx)

	healthChecker.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Health server shutdown error", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Shutdown complete")
	return nil
}

func healthMux(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		resp := checker.Readiness(r.Context())
		status := http.StatusOK
		if !resp.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, status, resp)
	})
	return mux
}

func writeHealth(w http.ResponseWriter, status int, resp *health.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
