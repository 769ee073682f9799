package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	processTotal    *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	processInFlight prometheus.Gauge
	queueLag        *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "worker",
			Name:      "job_attempts_total",
			Help:      "Total job delivery attempts by settlement action and final status.",
		},
		[]string{"service", "action", "status"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "worker",
			Name:      "job_attempt_duration_seconds",
			Help:      "Job attempt duration in seconds by settlement action.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "action"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of job attempts currently executing.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between enqueue and first pickup of a job.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "worker",
			Name:      "job_retries_total",
			Help:      "Total retries scheduled by failing stage error code.",
		},
		[]string{"service", "code"},
	)

	registry.MustRegister(processTotal, processDuration, processInFlight, queueLag, retriesTotal)

	return &WorkerMetrics{
		service:         service,
		registry:        registry,
		processTotal:    processTotal,
		processDuration: processDuration,
		processInFlight: processInFlight,
		queueLag:        queueLag,
		retriesTotal:    retriesTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveRetention exports how many terminal delivery records a queue still holds.
func (m *WorkerMetrics) ObserveRetention(retained func() (completed, failed int)) {
	for _, status := range []domain.JobStatus{domain.StatusCompleted, domain.StatusFailed} {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "docflow",
				Subsystem: "worker",
				Name:      "retained_records",
				Help:      "Terminal delivery records retained by the queue.",
				ConstLabels: prometheus.Labels{
					"service": m.service,
					"status":  string(status),
				},
			},
			func() float64 {
				completed, failed := retained()
				if status == domain.StatusCompleted {
					return float64(completed)
				}
				return float64(failed)
			},
		))
	}
}

func (m *WorkerMetrics) StartJob() {
	m.processInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(outcome domain.Outcome, duration time.Duration) {
	m.processInFlight.Dec()

	action := outcome.Action.String()
	status := string(outcome.Terminal)
	if status == "" {
		status = "none"
	}
	m.processTotal.WithLabelValues(m.service, action, status).Inc()
	m.processDuration.WithLabelValues(m.service, action).Observe(duration.Seconds())

	if outcome.Action == domain.OutcomeRetry {
		code := "unknown"
		if stageErr := domain.AsStageError(domain.StagePersist, outcome.Err); stageErr != nil {
			code = string(stageErr.Code)
		}
		m.retriesTotal.WithLabelValues(m.service, code).Inc()
	}
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
