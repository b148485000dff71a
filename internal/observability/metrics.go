// Package observability exports the gateway's Prometheus metrics: HTTP
// request counters in the shape of a typical admin API, plus gauges and
// histograms specific to the doubly buffered containers backing flags,
// routes, and backends.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total admin/dispatch HTTP requests",
		}, []string{"code", "route"},
	)
	Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Admin/dispatch request latency seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_in_flight",
		Help: "In-flight HTTP requests",
	})

	// ModifyLatency is the time a writer spends inside Container.Modify,
	// labeled by which published container changed (flags, routes,
	// backends). It covers both passes over the background slot and the
	// drain wait for the slot that was foreground; dbd.Container exposes
	// no separate drain-start signal a caller could time against, so the
	// two phases are not broken out into separate metrics.
	ModifyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_container_modify_duration_seconds",
		Help:    "Duration of a Modify call, including drain wait",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
	}, []string{"container"})

	// ActiveReaders tracks how many goroutines are currently registered
	// against a container (i.e. have called Join and not yet Close'd).
	ActiveReaders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_container_active_readers",
		Help: "Number of goroutines currently joined to a container",
	}, []string{"container"})

	// BackendUnhealthy tracks which backend targets are currently marked
	// unhealthy, so an operator can see pool degradation without diffing
	// the pool snapshot by hand.
	BackendUnhealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_backend_unhealthy",
		Help: "1 if the backend target is currently marked unhealthy, else 0",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		Latency,
		InFlight,
		ModifyLatency,
		ActiveReaders,
		BackendUnhealthy,
	)
}

// MetricsHandler serves the process's registered metrics in the
// Prometheus exposition format.
func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Measure wraps an http.Handler to record InFlight, Latency, and
// RequestsTotal, labeling by routeName (the caller's logical route name,
// not the raw path, so high-cardinality path params don't blow up the
// label set).
func Measure(routeName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.WithLabelValues(routeName).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code), routeName).Inc()
	})
}

// TimeModify records a Modify call's total duration for container, the
// label identifying which published snapshot changed (e.g. "flags",
// "routes", "backends").
func TimeModify(container string, start, end time.Time) {
	ModifyLatency.WithLabelValues(container).Observe(end.Sub(start).Seconds())
}

// ReaderJoined and ReaderLeft keep ActiveReaders in sync with Join/Close
// calls against a container.
func ReaderJoined(container string) { ActiveReaders.WithLabelValues(container).Inc() }
func ReaderLeft(container string)   { ActiveReaders.WithLabelValues(container).Dec() }

// SetBackendHealth records a backend target's current health for the
// BackendUnhealthy gauge.
func SetBackendHealth(backendID string, healthy bool) {
	v := 0.0
	if !healthy {
		v = 1.0
	}
	BackendUnhealthy.WithLabelValues(backendID).Set(v)
}
