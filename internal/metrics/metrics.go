// Package metrics exposes Prometheus instrumentation for the daemon.
// Every method is safe on a nil *Metrics, so components can run without it.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/water-sensor/internal/quality"
)

// Metrics holds the registered collectors.
type Metrics struct {
	relayCommands  *prometheus.CounterVec
	snapshotReads  *prometheus.CounterVec
	relayState     *prometheus.GaugeVec
	readings       prometheus.Counter
	pollFailures   prometheus.Counter
	qualityScore   prometheus.Gauge
	qualityTier    *prometheus.GaugeVec
	alertsSent     prometheus.Counter
	evaluationRuns *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relayCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_relay_commands_total",
			Help: "Relay SetState calls by result.",
		}, []string{"result"}),
		snapshotReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_relay_snapshot_reads_total",
			Help: "Relay GetSnapshot calls by result.",
		}, []string{"result"}),
		relayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "water_relay_state",
			Help: "Last known relay state (1 = on).",
		}, []string{"relay"}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "water_readings_ingested_total",
			Help: "Sensor readings accepted by the ingestion gate.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "water_poll_failures_total",
			Help: "Failed relay state polls.",
		}),
		qualityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "water_quality_score_percent",
			Help: "Aggregate score of the latest evaluated reading.",
		}),
		qualityTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "water_quality_tier",
			Help: "Per-metric tier of the latest evaluated reading (0 good, 1 warning, 2 danger).",
		}, []string{"metric"}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "water_alerts_sent_total",
			Help: "Water-quality alerts delivered.",
		}),
		evaluationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_quality_evaluations_total",
			Help: "Scheduled evaluations by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.relayCommands,
		m.snapshotReads,
		m.relayState,
		m.readings,
		m.pollFailures,
		m.qualityScore,
		m.qualityTier,
		m.alertsSent,
		m.evaluationRuns,
	)
	return m
}

// RelayCommand counts a SetState outcome.
func (m *Metrics) RelayCommand(result string) {
	if m == nil {
		return
	}
	m.relayCommands.WithLabelValues(result).Inc()
}

// SnapshotRead counts a GetSnapshot outcome.
func (m *Metrics) SnapshotRead(result string) {
	if m == nil {
		return
	}
	m.snapshotReads.WithLabelValues(result).Inc()
}

// RelayState records the last known state of relay id.
func (m *Metrics) RelayState(id int, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.relayState.WithLabelValues(strconv.Itoa(id)).Set(v)
}

// ReadingIngested counts an accepted reading.
func (m *Metrics) ReadingIngested() {
	if m == nil {
		return
	}
	m.readings.Inc()
}

// PollFailed counts a failed poll.
func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

// Verdict records the latest evaluation.
func (m *Metrics) Verdict(v quality.Verdict) {
	if m == nil {
		return
	}
	m.qualityScore.Set(v.Score)
	for _, metric := range quality.Metrics {
		m.qualityTier.WithLabelValues(string(metric)).Set(tierValue(v.Tier(metric)))
	}
}

// Evaluation counts a scheduled evaluation outcome.
func (m *Metrics) Evaluation(result string) {
	if m == nil {
		return
	}
	m.evaluationRuns.WithLabelValues(result).Inc()
}

// AlertSent counts a delivered alert.
func (m *Metrics) AlertSent() {
	if m == nil {
		return
	}
	m.alertsSent.Inc()
}

func tierValue(t quality.Tier) float64 {
	switch t {
	case quality.TierGood:
		return 0
	case quality.TierWarning:
		return 1
	default:
		return 2
	}
}
