package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "microfarm"

// Metrics groups the collectors shared by the workers, the RPC gateway and
// the upload pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	processing     *prometheus.HistogramVec
	consumerState  *prometheus.GaugeVec
	rpcCalls       *prometheus.CounterVec
	rpcLatency     *prometheus.HistogramVec
	uploadBytes    prometheus.Counter
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	goroutines     prometheus.GaugeFunc
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Deliveries handled by queue consumers, by outcome.",
		}, []string{"queue", "routing_key", "outcome"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "processing_seconds",
			Help:      "Time spent handling one delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		consumerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "state",
			Help:      "Current consumer engine state.",
		}, []string{"queue"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC gateway calls, by outcome.",
		}, []string{"service", "method", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_seconds",
			Help:      "RPC gateway call latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"service"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "upload_bytes_total",
			Help:      "Bytes relayed to the object store.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "uploads_total",
			Help:      "Streaming uploads, by outcome.",
		}, []string{"outcome"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "upload_seconds",
			Help:      "Duration of streaming uploads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		goroutines: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "go_routines",
			Help:      "Number of goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.processing,
		m.consumerState,
		m.rpcCalls,
		m.rpcLatency,
		m.uploadBytes,
		m.uploads,
		m.uploadDuration,
		m.httpRequests,
		m.httpDuration,
		m.goroutines,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveMessage(queue, routingKey, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, routingKey, outcome).Inc()
	m.processing.WithLabelValues(queue).Observe(took.Seconds())
}

func (m *Metrics) SetConsumerState(queue string, state int) {
	if m == nil {
		return
	}
	m.consumerState.WithLabelValues(queue).Set(float64(state))
}

func (m *Metrics) ObserveRPC(service, method, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(service, method, outcome).Inc()
	m.rpcLatency.WithLabelValues(service).Observe(took.Seconds())
}

func (m *Metrics) ObserveUpload(outcome string, bytes int64, took time.Duration) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
