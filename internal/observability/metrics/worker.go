package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// WorkerMetrics exposes run-level counters for the message-triggered worker.
type WorkerMetrics struct {
	registry *prometheus.Registry

	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	runInFlight        prometheus.Gauge
	documentsTotal     *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	entitiesCreated    *prometheus.CounterVec
	triggersSuppressed prometheus.Counter
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorter",
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Total completed classification runs by status.",
		},
		[]string{"service", "status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorter",
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Classification run duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"service"},
	)
	runInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sorter",
			Subsystem: "worker",
			Name:      "run_in_flight",
			Help:      "Whether a classification run is currently executing.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorter",
			Subsystem: "worker",
			Name:      "documents_processed_total",
			Help:      "Total processed documents by outcome.",
		},
		[]string{"service", "outcome"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorter",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Token usage by direction.",
		},
		[]string{"service", "direction", "model"},
	)
	entitiesCreated := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorter",
			Subsystem: "worker",
			Name:      "entities_created_total",
			Help:      "Taxonomy entities created during runs, by kind.",
		},
		[]string{"service", "kind"},
	)
	triggersSuppressed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sorter",
			Subsystem: "worker",
			Name:      "triggers_suppressed_total",
			Help:      "Trigger requests rejected by the cooldown window.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(runsTotal, runDuration, runInFlight, documentsTotal, tokensTotal, entitiesCreated, triggersSuppressed)

	return &WorkerMetrics{
		registry:           registry,
		runsTotal:          runsTotal,
		runDuration:        runDuration,
		runInFlight:        runInFlight,
		documentsTotal:     documentsTotal,
		tokensTotal:        tokensTotal,
		entitiesCreated:    entitiesCreated,
		triggersSuppressed: triggersSuppressed,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartRun() {
	m.runInFlight.Inc()
}

// FinishRun folds one run summary into the counters. A nil summary counts as
// a failed run.
func (m *WorkerMetrics) FinishRun(service, model string, summary *domain.RunSummary, duration time.Duration, err error) {
	m.runInFlight.Dec()
	m.runDuration.WithLabelValues(service).Observe(duration.Seconds())

	status := "success"
	if err != nil || summary == nil {
		status = "error"
	}
	m.runsTotal.WithLabelValues(service, status).Inc()
	if summary == nil {
		return
	}

	for _, outcome := range summary.Outcomes {
		m.documentsTotal.WithLabelValues(service, string(outcome.Outcome)).Inc()
	}
	if summary.Usage.PromptTokens > 0 {
		m.tokensTotal.WithLabelValues(service, "in", model).Add(float64(summary.Usage.PromptTokens))
	}
	if summary.Usage.CompletionTokens > 0 {
		m.tokensTotal.WithLabelValues(service, "out", model).Add(float64(summary.Usage.CompletionTokens))
	}
	for _, created := range summary.Created {
		m.entitiesCreated.WithLabelValues(service, string(created.Kind)).Inc()
	}
}

func (m *WorkerMetrics) TriggerSuppressed() {
	m.triggersSuppressed.Inc()
}
