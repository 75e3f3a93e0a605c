package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	connectAttempts *prometheus.CounterVec
	connectDuration prometheus.Histogram
	connectedState  prometheus.Gauge

	exchangesStored       *prometheus.CounterVec
	exchangeStoreDuration prometheus.Histogram

	profileFetches       *prometheus.CounterVec
	profileFetchRetries  prometheus.Counter
	profileFetchDuration prometheus.Histogram

	flushTotal    *prometheus.CounterVec
	flushDuration prometheus.Histogram

	ingressRequests *prometheus.CounterVec
	ingressDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			connectAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_connect_total",
					Help: "Total memory service connect attempts by outcome.",
				},
				[]string{"outcome"},
			),
			connectDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_connect_duration_seconds",
					Help:    "Connect sequence duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			connectedState: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_connected",
					Help: "Memory session connected state (1 connected, 0 not).",
				},
			),
			exchangesStored: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_exchanges_stored_total",
					Help: "Total conversation exchanges submitted by status.",
				},
				[]string{"status"},
			),
			exchangeStoreDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_exchange_store_duration_seconds",
					Help:    "Exchange store duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			profileFetches: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_profile_fetch_total",
					Help: "Total profile fetches by status.",
				},
				[]string{"status"},
			),
			profileFetchRetries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_profile_fetch_retries_total",
					Help: "Total profile fetch retry attempts.",
				},
			),
			profileFetchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_profile_fetch_duration_seconds",
					Help:    "Profile fetch duration in seconds, including retries.",
					Buckets: prometheus.DefBuckets,
				},
			),
			flushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_flush_total",
					Help: "Total buffer flushes by status.",
				},
				[]string{"status"},
			),
			flushDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_flush_duration_seconds",
					Help:    "Buffer flush duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			ingressRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ingress_requests_total",
					Help: "Total ingress HTTP requests by route and status.",
				},
				[]string{"route", "status"},
			),
			ingressDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ingress_request_duration_seconds",
					Help:    "Ingress HTTP request duration in seconds by route.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
		}

		prometheus.MustRegister(
			m.connectAttempts,
			m.connectDuration,
			m.connectedState,
			m.exchangesStored,
			m.exchangeStoreDuration,
			m.profileFetches,
			m.profileFetchRetries,
			m.profileFetchDuration,
			m.flushTotal,
			m.flushDuration,
			m.ingressRequests,
			m.ingressDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func RecordConnect(duration time.Duration, success bool) {
	m := getMetrics()
	m.connectAttempts.WithLabelValues(outcome(success)).Inc()
	m.connectDuration.Observe(duration.Seconds())
}

func SetConnected(connected bool) {
	m := getMetrics()
	value := 0.0
	if connected {
		value = 1.0
	}
	m.connectedState.Set(value)
}

func RecordExchangeStore(duration time.Duration, success bool) {
	m := getMetrics()
	m.exchangesStored.WithLabelValues(outcome(success)).Inc()
	m.exchangeStoreDuration.Observe(duration.Seconds())
}

func RecordProfileFetch(duration time.Duration, success bool) {
	m := getMetrics()
	m.profileFetches.WithLabelValues(outcome(success)).Inc()
	m.profileFetchDuration.Observe(duration.Seconds())
}

func RecordProfileFetchRetry() {
	getMetrics().profileFetchRetries.Inc()
}

func RecordFlush(duration time.Duration, success bool) {
	m := getMetrics()
	m.flushTotal.WithLabelValues(outcome(success)).Inc()
	m.flushDuration.Observe(duration.Seconds())
}

func RecordIngressRequest(route string, status string, duration time.Duration) {
	m := getMetrics()
	m.ingressRequests.WithLabelValues(route, status).Inc()
	m.ingressDuration.WithLabelValues(route).Observe(duration.Seconds())
}
