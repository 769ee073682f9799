package httpadapter

import (
	"context"
	"net/http"
	"time"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/infrastructure/broadcast"
)

const serviceName = "api"

// StatusSubscriber registers live observers of a job.
type StatusSubscriber interface {
	Subscribe(jobID string, obs broadcast.Observer) broadcast.SubscriptionID
	Unsubscribe(jobID string, id broadcast.SubscriptionID) bool
}

// ReadinessCheck is one dependency checked by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Metrics interface {
	Handler() http.Handler
	Middleware(service string, next http.Handler) http.Handler
	LiveChannelOpened()
	LiveChannelClosed()
	RecordJobCreated(service, jobType, source string)
}

type Router struct {
	cfg      config.Config
	intake   ports.JobIntake
	query    ports.JobQueryService
	live     StatusSubscriber
	identity IdentityResolver
	metrics  Metrics
	checks   []ReadinessCheck
}

type Option func(*Router)

func WithMetrics(m Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

func WithReadinessChecks(checks ...ReadinessCheck) Option {
	return func(rt *Router) { rt.checks = append(rt.checks, checks...) }
}

func NewRouter(
	cfg config.Config,
	intake ports.JobIntake,
	query ports.JobQueryService,
	live StatusSubscriber,
	identity IdentityResolver,
	opts ...Option,
) *Router {
	rt := &Router{
		cfg:      cfg,
		intake:   intake,
		query:    query,
		live:     live,
		identity: identity,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/jobs", rt.authenticated(rt.createJob))
	mux.HandleFunc("GET /v1/jobs", rt.authenticated(rt.listJobs))
	mux.HandleFunc("GET /v1/jobs/{id}", rt.authenticated(rt.getJob))
	mux.HandleFunc("DELETE /v1/jobs/{id}", rt.authenticated(rt.deleteJob))
	mux.HandleFunc("GET /v1/jobs/{id}/download", rt.authenticated(rt.downloadJob))
	mux.HandleFunc("GET /ws/jobs/{id}", rt.liveStatus)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id Identity)

func (rt *Router) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := rt.identity.Resolve(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r, id)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(rt.checks))
	for _, check := range rt.checks {
		if err := check.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[check.Name] = err.Error()
			continue
		}
		results[check.Name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}
