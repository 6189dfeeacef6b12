package domain

import "time"

// Biomarker identifies a derived clinical metric.
type Biomarker string

const (
	BiomarkerRestingHR Biomarker = "resting_heart_rate"
	BiomarkerRMSSD     Biomarker = "hrv_rmssd"
	BiomarkerSDNN      Biomarker = "hrv_sdnn"
)

// BiomarkerValue is a derived value computed over a sample window. It is
// immutable once computed; recomputation for the same window replaces the
// prior row (keyed by patient, biomarker, window bounds).
type BiomarkerValue struct {
	PatientID        string
	Biomarker        Biomarker
	WindowStart      time.Time
	WindowEnd        time.Time
	Value            float64
	ComputedAt       time.Time
	InputSampleCount int
}
