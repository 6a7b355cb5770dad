package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "labor_assistant"

// Metrics holds the Prometheus collectors of the chat pipeline. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	DeltasTotal       prometheus.Counter
	EventsDropped     prometheus.Counter
	Subscribers       prometheus.Gauge
	UploadsRejected   *prometheus.CounterVec
	ThreadsCreated    prometheus.Counter
	AssistantsCreated prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Chat turns by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "run_duration_seconds",
				Help:      "Duration of streaming assistant runs",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		DeltasTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "deltas_total",
			Help:      "Message deltas received from streaming runs",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events not delivered because a subscriber buffer was full",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Open live-update subscriptions",
		}),
		UploadsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "documents",
				Name:      "uploads_rejected_total",
				Help:      "Uploads rejected before reaching the file API",
			},
			[]string{"reason"},
		),
		ThreadsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "threads",
			Name:      "created_total",
			Help:      "External conversation threads created",
		}),
		AssistantsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "assistants",
			Name:      "created_total",
			Help:      "Per-user assistants created",
		}),
	}
}

func (m *Metrics) observeTurn(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) delta() {
	if m != nil {
		m.DeltasTotal.Inc()
	}
}

func (m *Metrics) uploadRejected(reason string) {
	if m != nil {
		m.UploadsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) threadCreated() {
	if m != nil {
		m.ThreadsCreated.Inc()
	}
}

func (m *Metrics) assistantCreated() {
	if m != nil {
		m.AssistantsCreated.Inc()
	}
}

// SubscriberCount and EventDropped let Metrics observe the events hub.
func (m *Metrics) SubscriberCount(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}
