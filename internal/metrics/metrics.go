// Package metrics defines the Prometheus collectors for the delivery core.
// The registry is owned by the composition root and injected into every
// component that records observations; nothing here is process-global.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics bundles the collectors recorded by the queue, workers, delivery
// tasks, and breaker registry.
type Metrics struct {
	registry *prometheus.Registry

	deliveryTotal   *prometheus.CounterVec
	deliverySeconds *prometheus.HistogramVec
	breakerStatus   *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	tasksTotal      *prometheus.CounterVec
	taskSeconds     *prometheus.HistogramVec
	deadLetters     prometheus.Counter
}

// New creates a metrics bundle backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		deliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimrelay",
			Name:      "webhook_delivery_total",
			Help:      "Total webhook delivery attempts grouped by resulting status and destination host.",
		}, []string{"status", "host"}),
		deliverySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "claimrelay",
			Name:      "webhook_delivery_seconds",
			Help:      "Duration of outbound webhook requests by destination host.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		breakerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "claimrelay",
			Name:      "circuit_breaker_status",
			Help:      "Circuit breaker state per destination host (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "claimrelay",
			Name:      "queue_depth",
			Help:      "Number of tasks visible on each queue.",
		}, []string{"queue"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimrelay",
			Name:      "tasks_processed_total",
			Help:      "Total queue tasks processed grouped by queue and result.",
		}, []string{"queue", "result"}),
		taskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "claimrelay",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of task handlers by queue.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
		}, []string{"queue"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "claimrelay",
			Name:      "dead_letters_total",
			Help:      "Total deliveries abandoned to the dead-letter namespace.",
		}),
	}

	registry.MustRegister(
		m.deliveryTotal,
		m.deliverySeconds,
		m.breakerStatus,
		m.queueDepth,
		m.tasksTotal,
		m.taskSeconds,
		m.deadLetters,
	)
	return m
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDelivery records one completed delivery attempt.
func (m *Metrics) ObserveDelivery(status, host string, duration time.Duration) {
	h := sanitizeHost(host)
	m.deliveryTotal.WithLabelValues(status, h).Inc()
	m.deliverySeconds.WithLabelValues(h).Observe(duration.Seconds())
}

// SetBreakerState records the breaker state gauge for a host.
func (m *Metrics) SetBreakerState(host string, state float64) {
	m.breakerStatus.WithLabelValues(sanitizeHost(host)).Set(state)
}

// SetQueueDepth records the visible length of a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveTask records one handled queue task.
func (m *Metrics) ObserveTask(queue, result string, duration time.Duration) {
	m.tasksTotal.WithLabelValues(queue, result).Inc()
	m.taskSeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// IncDeadLetter counts one dead-lettered delivery.
func (m *Metrics) IncDeadLetter() {
	m.deadLetters.Inc()
}

// sanitizeHost keeps label cardinality sane for hostile or malformed URLs.
func sanitizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == ':' || r == '_' || r == '/':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}
