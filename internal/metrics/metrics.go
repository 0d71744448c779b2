// Package metrics exposes the proxy's operational counters to Prometheus.
//
// The proxy has no UI of its own; mode transitions, queue depth, replay
// outcomes and guard rejections are surfaced here for an external
// monitoring collaborator to scrape.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all proxy metrics. A nil *Metrics is valid and records
// nothing, which keeps tests and metric-less deployments free of a
// registry.
type Metrics struct {
	registry *prometheus.Registry

	ModeTransitions   *prometheus.CounterVec
	QueueSize         *prometheus.GaugeVec
	QueueEvictions    *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec
	ReplayedFrames    *prometheus.CounterVec
	ReplayFailures    *prometheus.CounterVec
	DataLossTotal     *prometheus.CounterVec
	LocalAnswers      *prometheus.CounterVec
	GuardDeliveries   *prometheus.CounterVec
	GuardRejections   *prometheus.CounterVec
	LearnerDivergence *prometheus.CounterVec
	OfflineSeconds    *prometheus.CounterVec
}

// New creates and registers all proxy metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "session",
			Name:      "mode_transitions_total",
			Help:      "Session mode transitions",
		}, []string{"serial", "from", "to"}),

		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fieldgate",
			Subsystem: "queue",
			Name:      "size",
			Help:      "Current outage queue depth",
		}, []string{"serial"}),

		QueueEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Frames evicted oldest-first on capacity",
		}, []string{"serial"}),

		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames handled, by direction",
		}, []string{"serial", "direction"}), // device_in, device_out, remote_in, remote_out

		ReplayedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "replay",
			Name:      "frames_total",
			Help:      "Frames acknowledged by the remote during replay",
		}, []string{"serial"}),

		ReplayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "replay",
			Name:      "failures_total",
			Help:      "Per-attempt replay failures (retried)",
		}, []string{"serial"}),

		DataLossTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "replay",
			Name:      "data_loss_total",
			Help:      "Frames dropped after the replay retry budget",
		}, []string{"serial"}),

		LocalAnswers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "session",
			Name:      "local_answers_total",
			Help:      "Device requests answered from a learned template",
		}, []string{"serial", "class"}),

		GuardDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "guard",
			Name:      "deliveries_total",
			Help:      "Configuration pushes delivered to the device",
		}, []string{"serial"}),

		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "Acknowledgments rejected by the delivery guard",
		}, []string{"serial"}),

		LearnerDivergence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "learner",
			Name:      "divergence_total",
			Help:      "Divergent response sightings kept out of the template set",
		}, []string{"serial"}),

		OfflineSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "session",
			Name:      "offline_seconds_total",
			Help:      "Cumulative time spent outside forward mode",
		}, []string{"serial"}),
	}

	m.registry.MustRegister(
		m.ModeTransitions, m.QueueSize, m.QueueEvictions, m.FramesTotal,
		m.ReplayedFrames, m.ReplayFailures, m.DataLossTotal, m.LocalAnswers,
		m.GuardDeliveries, m.GuardRejections, m.LearnerDivergence,
		m.OfflineSeconds,
	)
	return m
}

// Handler returns the scrape handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nil-safe recording helpers. The session layer calls these on every hot
// path; a nil receiver turns them into no-ops.

// RecordTransition counts a mode transition.
func (m *Metrics) RecordTransition(serial, from, to string) {
	if m == nil {
		return
	}
	m.ModeTransitions.WithLabelValues(serial, from, to).Inc()
}

// RecordQueueSize updates the queue depth gauge.
func (m *Metrics) RecordQueueSize(serial string, size int) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(serial).Set(float64(size))
}

// RecordEviction counts a capacity eviction.
func (m *Metrics) RecordEviction(serial string) {
	if m == nil {
		return
	}
	m.QueueEvictions.WithLabelValues(serial).Inc()
}

// RecordFrame counts one handled frame in the given direction.
func (m *Metrics) RecordFrame(serial, direction string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(serial, direction).Inc()
}

// RecordReplayed counts a frame acknowledged during replay.
func (m *Metrics) RecordReplayed(serial string) {
	if m == nil {
		return
	}
	m.ReplayedFrames.WithLabelValues(serial).Inc()
}

// RecordReplayFailure counts one failed replay attempt.
func (m *Metrics) RecordReplayFailure(serial string) {
	if m == nil {
		return
	}
	m.ReplayFailures.WithLabelValues(serial).Inc()
}

// RecordDataLoss counts a frame dropped after retry exhaustion.
func (m *Metrics) RecordDataLoss(serial string) {
	if m == nil {
		return
	}
	m.DataLossTotal.WithLabelValues(serial).Inc()
}

// RecordLocalAnswer counts a locally answered device request.
func (m *Metrics) RecordLocalAnswer(serial, class string) {
	if m == nil {
		return
	}
	m.LocalAnswers.WithLabelValues(serial, class).Inc()
}

// RecordGuardDelivery counts a delivered configuration push.
func (m *Metrics) RecordGuardDelivery(serial string) {
	if m == nil {
		return
	}
	m.GuardDeliveries.WithLabelValues(serial).Inc()
}

// RecordGuardRejection counts a rejected acknowledgment.
func (m *Metrics) RecordGuardRejection(serial string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(serial).Inc()
}

// RecordDivergence counts a rejected divergent response sighting.
func (m *Metrics) RecordDivergence(serial string) {
	if m == nil {
		return
	}
	m.LearnerDivergence.WithLabelValues(serial).Inc()
}

// RecordOfflineDuration accumulates time spent outside forward mode.
func (m *Metrics) RecordOfflineDuration(serial string, d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.OfflineSeconds.WithLabelValues(serial).Add(d.Seconds())
}
