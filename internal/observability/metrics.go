package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	proposalsCreated  *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	rateLimited       prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		proposalsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actiongate",
			Name:      "proposals_created_total",
			Help:      "Proposals created, by action type.",
		}, []string{"action_type"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actiongate",
			Name:      "decisions_total",
			Help:      "Decisions recorded, by decision and principal kind.",
		}, []string{"decision", "principal"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actiongate",
			Name:      "executions_total",
			Help:      "Execution attempts, by action type and outcome.",
		}, []string{"action_type", "outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "actiongate",
			Name:      "execution_duration_seconds",
			Help:      "Executor dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actiongate",
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actiongate",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.proposalsCreated,
		m.decisions,
		m.executions,
		m.executionDuration,
		m.httpRequests,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ProposalCreated(actionType string) {
	if m == nil {
		return
	}
	m.proposalsCreated.WithLabelValues(actionType).Inc()
}

func (m *Metrics) Decision(decision, principalKind string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, principalKind).Inc()
}

// Execution records one dispatch; outcome is executed, failed or rejected.
func (m *Metrics) Execution(actionType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(actionType, outcome).Inc()
	if took > 0 {
		m.executionDuration.WithLabelValues(actionType).Observe(took.Seconds())
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
