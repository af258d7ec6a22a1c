package utils

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracks performance metrics across the system
type MetricsCollector struct {
	registry *prometheus.Registry

	requestCount prometheus.Counter
	errorCount   prometheus.Counter

	// Latency per operation name
	operationTimes *prometheus.HistogramVec

	fanoutPushes *prometheus.CounterVec

	systemStartTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gator_chat",
			Name:      "requests_total",
			Help:      "Requests handled by the chat engine.",
		}),
		errorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gator_chat",
			Name:      "errors_total",
			Help:      "Requests that ended in an error.",
		}),
		operationTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gator_chat",
			Name:      "operation_duration_seconds",
			Help:      "Latency of chat engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		fanoutPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gator_chat",
			Name:      "fanout_pushes_total",
			Help:      "Pushes to live connections by outcome.",
		}, []string{"outcome"}),
		systemStartTime: time.Now(),
	}
	mc.registry.MustRegister(
		mc.requestCount, mc.errorCount, mc.operationTimes, mc.fanoutPushes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return mc
}

func (mc *MetricsCollector) IncrementRequests() {
	mc.requestCount.Inc()
}

func (mc *MetricsCollector) IncrementErrors() {
	mc.errorCount.Inc()
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	mc.operationTimes.WithLabelValues(operationName).Observe(duration.Seconds())
}

// AddFanoutResult counts delivered and failed pushes of one fan-out.
func (mc *MetricsCollector) AddFanoutResult(delivered, failed int) {
	mc.fanoutPushes.WithLabelValues("delivered").Add(float64(delivered))
	mc.fanoutPushes.WithLabelValues("failed").Add(float64(failed))
}

// Uptime returns how long the collector has been running.
func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.systemStartTime)
}

// Registry exposes the underlying registry, mainly for tests.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
