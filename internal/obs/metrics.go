package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	PoliciesPurchased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spikeshield_policies_purchased_total",
		Help: "Policies sold by the pool.",
	})

	Payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spikeshield_payouts_total",
			Help: "Payout attempts by result.",
		},
		[]string{"result"},
	)

	SpikesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spikeshield_spikes_detected_total",
		Help: "Candles classified as spikes.",
	})

	PoolBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spikeshield_pool_balance_minor",
		Help: "Settlement asset held by the pool, in minor units.",
	})

	StreamDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spikeshield_stream_dropped_records",
		Help: "Ledger records dropped for slow subscribers.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spikeshield_ready",
		Help: "1 when the service reports ready.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			PoliciesPurchased, Payouts, SpikesDetected, PoolBalance, StreamDropped, readyGauge,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses address and id segments so label cardinality stays
// bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "policies":
		switch len(parts) {
		case 3:
			return "/v1/policies/:address"
		case 4:
			if parts[3] == "active" {
				return "/v1/policies/:address/active"
			}
			return "/v1/policies/:address/:id"
		}
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "token" && parts[2] == "balance":
		return "/v1/token/balance/:address"
	}
	return p
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
