// Package metrics exposes Prometheus collectors for retention sweeps and
// click campaigns, and stores NDCG history for dashboards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livelab"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Retention
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	lastSweep     prometheus.Gauge
	runsWarned    prometheus.Counter
	runsDeleted   prometheus.Counter
	runsSkipped   prometheus.Counter
	runFailures   prometheus.Counter

	// Campaigns
	sessions         *prometheus.CounterVec
	clicks           *prometheus.CounterVec
	rankingFailures  *prometheus.CounterVec
	feedbackFailures *prometheus.CounterVec
	feedbackRetries  *prometheus.CounterVec
	meanNDCG         *prometheus.GaugeVec

	// Bus
	busPublish *prometheus.CounterVec
	busLatency *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Retention sweeps by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of retention sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
		runsWarned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_warned_total",
			Help:      "Runs whose owners were warned of pending deletion.",
		}),
		runsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_deleted_total",
			Help:      "Runs deleted after their reactivation period expired.",
		}),
		runsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_skipped_total",
			Help:      "Runs skipped because their query could not be loaded.",
		}),
		runFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "run_failures_total",
			Help:      "Per-run notification or deletion failures.",
		}),

		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "sessions_total",
			Help:      "Simulated sessions whose feedback was accepted.",
		}, []string{"site"}),
		clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "clicks_total",
			Help:      "Simulated clicks submitted as feedback.",
		}, []string{"site"}),
		rankingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "ranking_failures_total",
			Help:      "Failed ranking requests.",
		}, []string{"site"}),
		feedbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "feedback_failures_total",
			Help:      "Feedback submissions that failed after all attempts.",
		}, []string{"site"}),
		feedbackRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "feedback_retries_total",
			Help:      "Feedback attempts repeated after a 429 response.",
		}, []string{"site"}),
		meanNDCG: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "mean_ndcg",
			Help:      "Mean NDCG over the queries evaluated so far.",
		}, []string{"site"}),

		busPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Events published by topic and status.",
		}, []string{"topic", "status"}),
		busLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_duration_seconds",
			Help:      "Publish latency by topic.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"topic"}),
	}

	m.registry.MustRegister(
		m.sweeps, m.sweepDuration, m.lastSweep,
		m.runsWarned, m.runsDeleted, m.runsSkipped, m.runFailures,
		m.sessions, m.clicks, m.rankingFailures, m.feedbackFailures, m.feedbackRetries, m.meanNDCG,
		m.busPublish, m.busLatency,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SweepCounts are the per-sweep totals recorded by RecordSweep.
type SweepCounts struct {
	Warned   int
	Deleted  int
	Skipped  int
	Failures int
}

// RecordSweep records one retention sweep. A non-nil err marks a sweep that
// aborted before dispatch.
func (m *Metrics) RecordSweep(at time.Time, duration time.Duration, counts SweepCounts, err error) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
	if err != nil {
		m.sweeps.WithLabelValues("failed").Inc()
	} else {
		m.sweeps.WithLabelValues("ok").Inc()
		m.lastSweep.Set(float64(at.Unix()))
	}
	m.runsWarned.Add(float64(counts.Warned))
	m.runsDeleted.Add(float64(counts.Deleted))
	m.runsSkipped.Add(float64(counts.Skipped))
	m.runFailures.Add(float64(counts.Failures))
}

// RecordSession records an accepted session and its clicks.
func (m *Metrics) RecordSession(site string, clicks int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(site).Inc()
	m.clicks.WithLabelValues(site).Add(float64(clicks))
}

// RecordRankingFailure records a failed ranking request.
func (m *Metrics) RecordRankingFailure(site string) {
	if m == nil {
		return
	}
	m.rankingFailures.WithLabelValues(site).Inc()
}

// RecordFeedback records a feedback submission that took the given number
// of attempts.
func (m *Metrics) RecordFeedback(site string, attempts int, err error) {
	if m == nil {
		return
	}
	if attempts > 1 {
		m.feedbackRetries.WithLabelValues(site).Add(float64(attempts - 1))
	}
	if err != nil {
		m.feedbackFailures.WithLabelValues(site).Inc()
	}
}

// SetMeanNDCG publishes a campaign's running mean NDCG.
func (m *Metrics) SetMeanNDCG(site string, v float64) {
	if m == nil {
		return
	}
	m.meanNDCG.WithLabelValues(site).Set(v)
}

// RecordBusPublish implements bus.MetricsRecorder.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.busPublish.WithLabelValues(topic, status).Inc()
	m.busLatency.WithLabelValues(topic).Observe(latency.Seconds())
}
