// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades by side and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "direction"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_trade_latency_seconds",
		Help:    "Trade execution latency in seconds, retries included",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeVolume accumulates traded shares.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_trade_volume_shares_total",
		Help: "Cumulative traded shares",
	}, []string{"side", "direction"})

	// TradeRejections counts trades refused before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_trade_rejections_total",
		Help: "Trades rejected before commit",
	}, []string{"reason"})

	// StoreConflicts counts optimistic-concurrency conflicts that forced a
	// read-compute-write cycle to re-run.
	StoreConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_store_conflicts_total",
		Help: "Version conflicts observed on atomic writes",
	}, []string{"op"})

	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_markets_created_total",
		Help: "Markets created",
	})

	// SettlementsTotal counts resolved markets by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_settlements_total",
		Help: "Markets resolved",
	}, []string{"outcome"})

	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_payout_volume_total",
		Help: "Cumulative money paid to winning positions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// Paths are labelled with the chi route pattern so ids do not leak into
// label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker so WebSocket upgrades pass through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
