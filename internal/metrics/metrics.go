// Package metrics exposes Prometheus instrumentation for the sync queue and
// push channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notesync"

// Sync holds the engine's collectors. A nil *Sync is valid and records
// nothing.
type Sync struct {
	// DispatchesTotal counts remote calls started, by operation kind
	DispatchesTotal *prometheus.CounterVec
	// OutcomesTotal counts settled dispatches, by kind and resulting status
	OutcomesTotal *prometheus.CounterVec
	RetriesTotal  prometheus.Counter
	// ConflictsTotal counts operations parked as conflicted
	ConflictsTotal prometheus.Counter
	// CallDuration observes remote call latency, by operation kind
	CallDuration *prometheus.HistogramVec
	InFlight     prometheus.Gauge
	// QueueDepth is the number of operations not yet confirmed
	QueueDepth prometheus.Gauge
	Online     prometheus.Gauge
	// PushNotificationsTotal counts received notifications, by disposition
	PushNotificationsTotal *prometheus.CounterVec
	PushReconnectsTotal    prometheus.Counter
}

// New registers every collector on reg
func New(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		DispatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dispatches_total",
			Help:      "Remote calls started by operation kind",
		}, []string{"kind"}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Settled dispatches by operation kind and resulting status",
		}, []string{"kind", "status"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Operations scheduled for another attempt after a transient error",
		}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "conflicts_total",
			Help:      "Operations rejected with a version conflict",
		}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "call_duration_seconds",
			Help:      "Remote call latency by operation kind",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Operations currently awaiting a remote response",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Operations in the log that are not yet confirmed",
		}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the engine considers the server reachable",
		}),
		PushNotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "Change notifications received by disposition",
		}, []string{"disposition"}),
		PushReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "reconnects_total",
			Help:      "Push channel reconnect attempts",
		}),
	}
}

func (m *Sync) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(kind).Inc()
}

func (m *Sync) Settled(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(kind, status).Inc()
	m.CallDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Sync) Retried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Sync) Conflicted() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Sync) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Sync) SetDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Sync) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
}

// Notification records how the reconcile handler treated a push notification
func (m *Sync) Notification(disposition string) {
	if m == nil {
		return
	}
	m.PushNotificationsTotal.WithLabelValues(disposition).Inc()
}

func (m *Sync) Reconnected() {
	if m == nil {
		return
	}
	m.PushReconnectsTotal.Inc()
}
