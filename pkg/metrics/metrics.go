package metrics

import (
	"errors"
	"net/http"
	"time"

	"session-wallet/pkg/apperror"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_wallet"

// ResultOK labels a successful operation.
const ResultOK = "ok"

// Metrics holds the service's prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	funded       prometheus.Counter
	disbursed    prometheus.Counter
	refunded     prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Session operations by name and result code.",
		}, []string{"operation", "result"}),
		funded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funded_amount_total",
			Help:      "Minor units deposited into sessions, initial funding included.",
		}),
		disbursed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disbursed_amount_total",
			Help:      "Minor units paid out by purchases.",
		}),
		refunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_total",
			Help:      "Minor units returned to treasuries on close.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.operations, m.funded, m.disbursed, m.refunded,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Operations returns the per-operation outcome counter.
func (m *Metrics) Operations() *prometheus.CounterVec { return m.operations }

// FundedTotal returns the counter of value deposited into sessions.
func (m *Metrics) FundedTotal() prometheus.Counter { return m.funded }

// DisbursedTotal returns the counter of value paid out by purchases.
func (m *Metrics) DisbursedTotal() prometheus.Counter { return m.disbursed }

// RefundedTotal returns the counter of value returned on close.
func (m *Metrics) RefundedTotal() prometheus.Counter { return m.refunded }

// HTTPRequests returns the request counter labelled by method, route and status.
func (m *Metrics) HTTPRequests() *prometheus.CounterVec { return m.httpRequests }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation counts one operation outcome. err is labelled by its
// AppError code, anything else as SYS_001.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, ResultLabel(err)).Inc()
}

func (m *Metrics) AddFunded(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.funded.Add(float64(amount))
}

func (m *Metrics) AddDisbursed(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.disbursed.Add(float64(amount))
}

func (m *Metrics) AddRefunded(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.refunded.Add(float64(amount))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ResultLabel maps an operation error to its metric label.
func ResultLabel(err error) string {
	if err == nil {
		return ResultOK
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperror.CodeInternal
}
