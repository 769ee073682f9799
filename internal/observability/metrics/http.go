package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	service   string
	registry  *prometheus.Registry
	gatherers prometheus.Gatherers

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	liveChannels    prometheus.Gauge
	jobsCreated     *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	liveChannels := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "http",
			Name:      "live_status_channels",
			Help:      "Number of open live job status channels.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	jobsCreated := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total jobs created by type and input source.",
		},
		[]string{"service", "type", "source"},
	)

	registry.MustRegister(requestTotal, requestDuration, requestInFlight, liveChannels, jobsCreated)

	return &HTTPServerMetrics{
		service:         service,
		registry:        registry,
		gatherers:       prometheus.Gatherers{registry},
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		liveChannels:    liveChannels,
		jobsCreated:     jobsCreated,
	}
}

// Include merges g into the exposition served by Handler. Call it before Handler.
func (m *HTTPServerMetrics) Include(g prometheus.Gatherer) {
	m.gatherers = append(m.gatherers, g)
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherers, promhttp.HandlerOpts{})
}

// ObserveStatusTopics exports the number of jobs with a live status topic.
func (m *HTTPServerMetrics) ObserveStatusTopics(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   "docflow",
			Subsystem:   "http",
			Name:        "live_status_topics",
			Help:        "Number of jobs with at least one live status subscriber.",
			ConstLabels: prometheus.Labels{"service": m.service},
		},
		func() float64 { return float64(count()) },
	))
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/download"):
		return "/v1/jobs/{id}/download"
	case strings.HasPrefix(path, "/v1/jobs/"):
		return "/v1/jobs/{id}"
	case strings.HasPrefix(path, "/ws/jobs/"):
		return "/ws/jobs/{id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) LiveChannelOpened() {
	m.liveChannels.Inc()
}

func (m *HTTPServerMetrics) LiveChannelClosed() {
	m.liveChannels.Dec()
}

func (m *HTTPServerMetrics) RecordJobCreated(service, jobType, source string) {
	if jobType == "" {
		jobType = "unknown"
	}
	m.jobsCreated.WithLabelValues(service, jobType, source).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
