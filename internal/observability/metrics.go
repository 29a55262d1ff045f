package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks counters for the task/streaming subsystem and exposes them
// for Prometheus scraping.
type Metrics struct {
	registry *prometheus.Registry

	eventsAppended *prometheus.CounterVec
	eventsSent     prometheus.Counter
	eventsDropped  prometheus.Counter

	subscribersActive prometheus.Gauge
	subscribersTotal  prometheus.Counter

	tasksCreated  prometheus.Counter
	taskDurations *prometheus.HistogramVec
}

// NewMetrics builds a metrics set on a private registry so tests can create
// collectors without duplicate-registration panics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskstream_events_appended_total",
			Help: "Events appended to task channels, by kind.",
		}, []string{"kind"}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskstream_events_sent_total",
			Help: "Events delivered to live subscribers.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskstream_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}),
		subscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskstream_subscribers_active",
			Help: "Currently attached live subscribers.",
		}),
		subscribersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskstream_subscribers_total",
			Help: "Subscriber attachments since process start.",
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskstream_tasks_created_total",
			Help: "Tasks created.",
		}),
		taskDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskstream_task_duration_seconds",
			Help:    "Task execution duration by terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.eventsAppended,
		m.eventsSent,
		m.eventsDropped,
		m.subscribersActive,
		m.subscribersTotal,
		m.tasksCreated,
		m.taskDurations,
	)
	return m
}

// Handler returns the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventAppended(kind string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventSent() {
	if m == nil {
		return
	}
	m.eventsSent.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SubscriberAttached() {
	if m == nil {
		return
	}
	m.subscribersTotal.Inc()
	m.subscribersActive.Inc()
}

func (m *Metrics) SubscriberDetached() {
	if m == nil {
		return
	}
	m.subscribersActive.Dec()
}

func (m *Metrics) TaskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

func (m *Metrics) TaskFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurations.WithLabelValues(status).Observe(duration.Seconds())
}
