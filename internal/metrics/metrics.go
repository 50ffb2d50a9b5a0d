// Package metrics holds the Prometheus collectors for ingestion runs.
//
// Runs are batch jobs, so nothing scrapes them live. The CLI writes the
// registry to a node_exporter textfile at the end of a scan instead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all collectors for one process.
type Metrics struct {
	// Registry owns the collectors below.
	Registry *prometheus.Registry

	classified    *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	blocked       prometheus.Counter
	saved         prometheus.Counter
	saveErrors    *prometheus.CounterVec
	unrecognized  prometheus.Counter
	swept         prometheus.Counter
	stageDuration *prometheus.HistogramVec
	rate          prometheus.Gauge
	eta           prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New creates a private registry so repeated construction in tests never
// collides on collector names.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		classified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_messages_classified_total",
				Help: "Messages classified, by outcome.",
			},
			[]string{"outcome"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_duplicates_total",
				Help: "Transaction candidates rejected as duplicates, by strategy.",
			},
			[]string{"strategy"},
		),
		blocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_blocked_total",
			Help: "Transaction candidates blocked by a rule.",
		}),
		saved: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_ledger_entries_saved_total",
			Help: "Ledger entries persisted.",
		}),
		saveErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_save_errors_total",
				Help: "Per-item failures inside the save stage, by step.",
			},
			[]string{"stage"},
		),
		unrecognized: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_unrecognized_stored_total",
			Help: "Unrecognized messages stored for manual review.",
		}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_sweep_removed_total",
			Help: "Ledger entries hard-deleted by the post-batch sweep.",
		}),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestor_stage_duration_seconds",
				Help:    "Duration of pipeline stages.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		rate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_messages_per_second",
			Help: "Latest sliding-window throughput.",
		}),
		eta: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_eta_seconds",
			Help: "Latest estimated time to completion.",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
	}
}

// IncrClassified counts one classifier outcome.
func (m *Metrics) IncrClassified(outcome string) {
	m.classified.WithLabelValues(outcome).Inc()
}

// IncrDuplicate counts one duplicate by the strategy that caught it.
func (m *Metrics) IncrDuplicate(strategy string) {
	m.duplicates.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncrBlocked() { m.blocked.Inc() }

func (m *Metrics) IncrSaved() { m.saved.Inc() }

// IncrSaveError counts a failed save step (dedup, insert, balance...).
func (m *Metrics) IncrSaveError(stage string) {
	m.saveErrors.WithLabelValues(stage).Inc()
}

// AddUnrecognized counts rows written by one unrecognized batch flush.
func (m *Metrics) AddUnrecognized(n int) {
	m.unrecognized.Add(float64(n))
}

// AddSwept counts rows removed by the reconciliation sweep.
func (m *Metrics) AddSwept(n int) {
	m.swept.Add(float64(n))
}

// RecordStageDuration records how long a pipeline stage took.
func (m *Metrics) RecordStageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetProgress publishes the latest rate and ETA.
func (m *Metrics) SetProgress(rate float64, eta time.Duration) {
	m.rate.Set(rate)
	m.eta.Set(eta.Seconds())
}

// MarkSuccess stamps the last successful run.
func (m *Metrics) MarkSuccess(at time.Time) {
	m.lastSuccess.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// Classified returns the current count for an outcome label.
func (m *Metrics) Classified(outcome string) float64 {
	return getCounterValue(m.classified, outcome)
}

// Duplicates returns the current count for a strategy label.
func (m *Metrics) Duplicates(strategy string) float64 {
	return getCounterValue(m.duplicates, strategy)
}

// SaveErrors returns the current count for a stage label.
func (m *Metrics) SaveErrors(stage string) float64 {
	return getCounterValue(m.saveErrors, stage)
}

// Saved returns the number of persisted ledger entries.
func (m *Metrics) Saved() float64 {
	return counterValue(m.saved)
}

// Blocked returns the number of rule-blocked candidates.
func (m *Metrics) Blocked() float64 {
	return counterValue(m.blocked)
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return counterValue(cv.WithLabelValues(label))
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
