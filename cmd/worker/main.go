// Command worker keeps the pipeline resident and starts runs on request from
// a message subject, so a host automation can trigger classification without
// spawning the CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/paperless-kiplus/sorter/internal/bootstrap"
	"github.com/paperless-kiplus/sorter/internal/config"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
	natstrigger "github.com/paperless-kiplus/sorter/internal/infrastructure/trigger/nats"
	"github.com/paperless-kiplus/sorter/internal/observability/logging"
	"github.com/paperless-kiplus/sorter/internal/observability/metrics"
)

const serviceName = "sorter-worker"

func main() {
	defaultConfig := os.Getenv("PAPERLESS_SORTER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}
	if cfg.Trigger.NATSURL == "" {
		fmt.Fprintln(os.Stderr, "config error: trigger.nats_url is required for the worker")
		os.Exit(2)
	}

	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Logger: logger,
		Output: os.Stdout,
	})
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	trigger, err := natstrigger.New(cfg.Trigger.NATSURL, cfg.Trigger.Subject)
	if err != nil {
		logger.Error("trigger connect failed", "error", err)
		os.Exit(1)
	}
	defer trigger.Close()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	startMetricsServer(ctx, cfg.Trigger.MetricsPort, workerMetrics, logger)

	handler := newRunHandler(app, workerMetrics, cfg, logger)

	logger.Info("worker subscribed", "subject", cfg.Trigger.Subject)
	if err := trigger.Subscribe(ctx, handler.handle); err != nil {
		logger.Error("subscription failed", "error", err)
		os.Exit(1)
	}
}

// runHandler serializes runs and enforces the cooldown window between
// triggered runs. The pipeline shares state files, so runs never overlap.
type runHandler struct {
	app      *bootstrap.App
	metrics  *metrics.WorkerMetrics
	cooldown time.Duration
	model    string
	log      *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

func newRunHandler(app *bootstrap.App, m *metrics.WorkerMetrics, cfg config.Config, logger *slog.Logger) *runHandler {
	return &runHandler{
		app:      app,
		metrics:  m,
		cooldown: time.Duration(cfg.Trigger.CooldownSeconds) * time.Second,
		model:    cfg.AIModel,
		log:      logger,
	}
}

func (h *runHandler) handle(ctx context.Context, request ports.TriggerRequest) ports.TriggerResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !request.Force && !h.lastRun.IsZero() {
		if wait := h.cooldown - time.Since(h.lastRun); wait > 0 {
			h.log.Info("trigger suppressed by cooldown", "retry_in", wait.Round(time.Second))
			h.metrics.TriggerSuppressed()
			return ports.TriggerResult{
				Status:  "suppressed",
				Message: fmt.Sprintf("cooldown active, retry in %s", wait.Round(time.Second)),
			}
		}
	}
	h.lastRun = time.Now()

	h.metrics.StartRun()
	started := time.Now()
	summary, err := h.app.Pipeline.Run(ctx, request.RunOverrides)
	h.metrics.FinishRun(serviceName, h.model, summary, time.Since(started), err)

	if err != nil {
		h.log.Error("triggered run failed", "error", err)
		return ports.TriggerResult{Status: "failed", Message: err.Error()}
	}
	result := ports.TriggerResult{Status: "completed"}
	if request.Wait {
		result.Summary = summary
	}
	return result
}

func startMetricsServer(ctx context.Context, port string, m *metrics.WorkerMetrics, logger *slog.Logger) {
	if port == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
