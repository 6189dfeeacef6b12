// Package domain defines the canonical entities and repository contracts
// for the biomarker analysis engine.
package domain

import "time"

// Metric identifies a raw measurement type stored in the sample store.
type Metric string

const (
	MetricHeartRate    Metric = "heart_rate"     // beats per minute
	MetricRRInterval   Metric = "rr_interval_ms" // inter-beat interval, milliseconds
	MetricSpO2         Metric = "spo2"           // percent
	MetricWeight       Metric = "weight_kg"      // kilograms
	MetricSystolicBP   Metric = "systolic_bp"    // mmHg
	MetricDiastolicBP  Metric = "diastolic_bp"   // mmHg
)

// Source tags where a sample originated. Sources carry a priority used to
// resolve conflicting writes for an identical timestamp key.
type Source string

const (
	SourceWearable Source = "wearable"
	SourceManual   Source = "manual"
	SourceClinical Source = "clinical"
)

// Priority orders sources for conflict resolution: clinical > manual > wearable.
func (s Source) Priority() int {
	switch s {
	case SourceClinical:
		return 3
	case SourceManual:
		return 2
	case SourceWearable:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the source is one of the known tags.
func (s Source) Valid() bool {
	return s.Priority() > 0
}

// Sample is the canonical measurement record. The tuple
// (PatientID, Metric, Timestamp, Source) is unique in the sample store.
type Sample struct {
	PatientID      string
	Metric         Metric
	Timestamp      time.Time // always UTC
	Value          float64
	Source         Source
	SourceRecordID string
	IngestedAt     time.Time
}

// UpsertOutcome describes what an idempotent sample write did.
type UpsertOutcome string

const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertUpdated  UpsertOutcome = "updated"
	// UpsertRejected means an existing sample with equal timestamp key and
	// higher source priority was kept. Not an error.
	UpsertRejected UpsertOutcome = "rejected"
)
