package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_store_events_total",
		Help: "Change feed events applied to the local delivery store",
	}, []string{"op"})

	StoreSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "handoff_store_size",
		Help: "Number of deliveries held locally per collection",
	}, []string{"collection"})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_claims_total",
		Help: "Claim attempts by path and outcome",
	}, []string{"path", "outcome"})

	AvailabilityRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_availability_repairs_total",
		Help: "Driver availability repairs by outcome",
	}, []string{"outcome"})

	DelayFlagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_delay_flags_total",
		Help: "Delay events handed to the event store by type, including writes it deduplicated",
	}, []string{"event_type"})

	DelayEmitErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_delay_emit_errors_total",
		Help: "Delay events that failed to write",
	})

	CreditGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_credit_grants_total",
		Help: "Delay credit grant calls by outcome",
	}, []string{"outcome"})

	RerouteDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_reroute_decisions_total",
		Help: "Recorded reroute decisions",
	}, []string{"decision"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handoff_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
