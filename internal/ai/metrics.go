package ai

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/floegence/flower-relay/internal/hooks"
)

// Metrics are the orchestrator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	events        *prometheus.CounterVec
	hookDecisions *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flower_relay",
			Name:      "runs_total",
			Help:      "Finished runs by mode and done reason.",
		}, []string{"mode", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flower_relay",
			Name:      "events_total",
			Help:      "Protocol events emitted by name.",
		}, []string{"event"}),
		hookDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flower_relay",
			Name:      "hook_decisions_total",
			Help:      "Hook decisions by lifecycle event and outcome.",
		}, []string{"event", "outcome", "failed"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flower_relay",
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts by status.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flower_relay",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flower_relay",
			Name:      "run_duration_seconds",
			Help:      "Wall time of runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.events, m.hookDecisions, m.checkpoints, m.activeRuns, m.runDuration)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.activeRuns.Inc()
	}
}

func (m *Metrics) runFinished(mode string, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(mode, reason).Inc()
	m.runDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) eventEmitted(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) checkpoint(created bool) {
	if m == nil {
		return
	}
	status := "skipped"
	if created {
		status = "created"
	}
	m.checkpoints.WithLabelValues(status).Inc()
}

// ObserveHook matches hooks.Options.Observe.
func (m *Metrics) ObserveHook(event hooks.Event, outcome hooks.Outcome, failed bool) {
	if m == nil {
		return
	}
	f := "false"
	if failed {
		f = "true"
	}
	m.hookDecisions.WithLabelValues(string(event), string(outcome), f).Inc()
}
