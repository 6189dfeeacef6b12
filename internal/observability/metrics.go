// Package observability holds the engine's Prometheus instrumentation.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	ingestStoredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "biomarker_engine",
		Subsystem: "ingest",
		Name:      "samples_stored_total",
		Help:      "Samples accepted into the sample store, by source.",
	}, []string{"source"})
	ingestRejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "biomarker_engine",
		Subsystem: "ingest",
		Name:      "records_rejected_total",
		Help:      "Raw records rejected during normalization, by metric.",
	}, []string{"metric"})
	biomarkerComputedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "biomarker_engine",
		Subsystem: "compute",
		Name:      "biomarkers_computed_total",
		Help:      "Biomarker values computed, by biomarker type.",
	}, []string{"biomarker"})
	alertTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "biomarker_engine",
		Subsystem: "alerts",
		Name:      "transitions_total",
		Help:      "Alert state machine transitions, including no-ops.",
	}, []string{"transition"})
	syncFailureGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "biomarker_engine",
		Subsystem: "sync",
		Name:      "consecutive_failures",
		Help:      "Consecutive sync failures per (patient, source) key.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		ingestStoredCounter,
		ingestRejectedCounter,
		biomarkerComputedCounter,
		alertTransitionCounter,
		syncFailureGauge,
	)
}

// RecordIngestStored counts an accepted sample.
func RecordIngestStored(source string) {
	ingestStoredCounter.WithLabelValues(source).Inc()
}

// RecordIngestRejected counts a rejected raw record.
func RecordIngestRejected(metric string) {
	ingestRejectedCounter.WithLabelValues(metric).Inc()
}

// RecordBiomarkerComputed counts a computed biomarker value.
func RecordBiomarkerComputed(biomarker string) {
	biomarkerComputedCounter.WithLabelValues(biomarker).Inc()
}

// RecordAlertTransition counts an alert state machine outcome.
func RecordAlertTransition(transition string) {
	alertTransitionCounter.WithLabelValues(transition).Inc()
}

// RecordSyncFailures tracks the failure counter for a source.
func RecordSyncFailures(source string, count int) {
	syncFailureGauge.WithLabelValues(source).Set(float64(count))
}
