// Package metrics exports resolution, backfill and HTTP metrics to
// Prometheus.
//
// Each Collector owns a private registry so several collectors (one per
// test, one per server) never collide on registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/state"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "roomstate"

// Collector holds all metrics for one server.
//
// Implements state.Observer. Thread-safe.
type Collector struct {
	registry *prometheus.Registry

	// Resolution metrics
	Resolutions        *prometheus.CounterVec
	Failures           *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	Backfills          *prometheus.CounterVec

	// Transport metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	BreakerState *prometheus.GaugeVec
}

// NewCollector creates a collector registering its metrics under namespace.
// An empty namespace uses DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()

	resolutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Completed state resolutions by result and deciding stage",
		},
		[]string{"result", "stage"},
	)

	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_failures_total",
			Help:      "State resolutions that ended in an error, by error code",
		},
		[]string{"code"},
	)

	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_duration_seconds",
			Help:      "Time spent resolving one state PDU, lock wait included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	backfills := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfills_total",
			Help:      "Missing-ancestor fetches by result",
		},
		[]string{"result"},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of federation HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Federation HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_breaker_state",
			Help:      "Circuit breaker state per destination (0 closed, 1 half-open, 2 open)",
		},
		[]string{"destination"},
	)

	registry.MustRegister(
		resolutions,
		failures,
		duration,
		backfills,
		httpRequests,
		httpDuration,
		breakerState,
	)

	return &Collector{
		registry:           registry,
		Resolutions:        resolutions,
		Failures:           failures,
		ResolutionDuration: duration,
		Backfills:          backfills,
		HTTPRequests:       httpRequests,
		HTTPDuration:       httpDuration,
		BreakerState:       breakerState,
	}
}

// Registry returns the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Resolved records a decided resolution.
func (c *Collector) Resolved(out state.Outcome) {
	result := "rejected"
	if out.Accepted {
		result = "accepted"
	}
	c.Resolutions.WithLabelValues(result, string(out.Stage)).Inc()
	c.ResolutionDuration.WithLabelValues(result).Observe(out.Duration.Seconds())
}

// Failed records a resolution that ended in an error. Errors without a
// resolution code are counted as "internal".
func (c *Collector) Failed(_ pdu.SlotKey, err error, elapsed time.Duration) {
	code := "internal"
	if ec, ok := state.CodeOf(err); ok {
		code = string(ec)
	}
	c.Failures.WithLabelValues(code).Inc()
	c.ResolutionDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
}

// Backfilled records one ancestor fetch.
func (c *Collector) Backfilled(_ string, _ pdu.Ref, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Backfills.WithLabelValues(result).Inc()
}

// BreakerStateChanged tracks a replication circuit breaker transition.
// The breaker name is the destination server.
func (c *Collector) BreakerStateChanged(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	c.BreakerState.WithLabelValues(name).Set(v)
}

// Middleware records request counts and latency per chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

var _ state.Observer = (*Collector)(nil)
