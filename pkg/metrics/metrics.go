package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// Metrics groups the collectors of one server instance. All methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	Registry *prometheus.Registry

	messagesCreated   prometheus.Counter
	pushes            *prometheus.CounterVec
	activeConnections prometheus.Gauge
	httpDuration      *prometheus.HistogramVec
	attachmentsSwept  *prometheus.CounterVec
	sinkErrors        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		messagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages persisted.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Events pushed to live connections by event type and result.",
		}, []string{"event", "result"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open push connections.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		attachmentsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_swept_total",
			Help:      "Attachment files reclaimed by the sweep, by catalog state.",
		}, []string{"state"}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_errors_total",
			Help:      "Events the external sink failed to accept.",
		}),
	}
	m.Registry.MustRegister(
		m.messagesCreated,
		m.pushes,
		m.activeConnections,
		m.httpDuration,
		m.attachmentsSwept,
		m.sinkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageCreated() {
	if m == nil {
		return
	}
	m.messagesCreated.Inc()
}

// Push records one push attempt; result is "delivered", "failed" or
// "skipped" for targets without a live connection.
func (m *Metrics) Push(event, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) AttachmentSwept(state string) {
	if m == nil {
		return
	}
	m.attachmentsSwept.WithLabelValues(state).Inc()
}

func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.sinkErrors.Inc()
}
