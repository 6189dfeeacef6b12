// Package trend evaluates biomarker history for sustained drift and abrupt
// deviation. Detectors emit advisory findings only; alert state is owned by
// the alert manager.
package trend

import (
	"math"
	"time"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// FindingKind names a detector strategy.
type FindingKind string

const (
	FindingSustainedDrift  FindingKind = "sustained_drift"
	FindingAbruptDeviation FindingKind = "abrupt_deviation"
)

// Finding is an advisory signal over a biomarker history.
type Finding struct {
	PatientID   string
	Biomarker   domain.Biomarker
	Kind        FindingKind
	Value       float64 // triggering value
	Magnitude   float64 // slope per step, or z-score
	WindowStart time.Time
	WindowEnd   time.Time
}

// Detector inspects an ordered biomarker history.
type Detector interface {
	Evaluate(patientID string, biomarker domain.Biomarker, history []domain.BiomarkerValue) []Finding
}

// Composite runs detectors in order and concatenates their findings.
type Composite struct {
	detectors []Detector
}

// NewComposite constructs a composite detector.
func NewComposite(detectors ...Detector) *Composite {
	return &Composite{detectors: detectors}
}

// Evaluate implements Detector.
func (c *Composite) Evaluate(patientID string, biomarker domain.Biomarker, history []domain.BiomarkerValue) []Finding {
	findings := make([]Finding, 0)
	for _, d := range c.detectors {
		findings = append(findings, d.Evaluate(patientID, biomarker, history)...)
	}
	return findings
}

// DriftConfig tunes the sustained drift detector.
type DriftConfig struct {
	// SlopeThreshold is the minimum mean per-step change (absolute value)
	// over the span for a drift to register.
	SlopeThreshold float64
	// MinSpan is the minimum number of consecutive values considered.
	MinSpan int
	// CounterMoveTolerance is the fraction of steps allowed to move against
	// the dominant direction (near-monotonic rather than strictly so).
	CounterMoveTolerance float64
}

// DriftDetector finds near-monotonic directional change exceeding the slope
// threshold over the configured span of trailing values.
type DriftDetector struct {
	cfg DriftConfig
}

// NewDriftDetector constructs a drift detector.
func NewDriftDetector(cfg DriftConfig) *DriftDetector {
	if cfg.MinSpan < 3 {
		cfg.MinSpan = 3
	}
	return &DriftDetector{cfg: cfg}
}

// Evaluate implements Detector.
func (d *DriftDetector) Evaluate(patientID string, biomarker domain.Biomarker, history []domain.BiomarkerValue) []Finding {
	if len(history) < d.cfg.MinSpan {
		return nil
	}

	window := history[len(history)-d.cfg.MinSpan:]
	steps := len(window) - 1

	var up, down int
	for i := 1; i < len(window); i++ {
		switch {
		case window[i].Value > window[i-1].Value:
			up++
		case window[i].Value < window[i-1].Value:
			down++
		}
	}

	dominant := up
	counter := down
	if down > up {
		dominant = down
		counter = up
	}
	if dominant == 0 {
		return nil
	}
	if float64(counter)/float64(steps) > d.cfg.CounterMoveTolerance {
		return nil
	}

	slope := (window[len(window)-1].Value - window[0].Value) / float64(steps)
	if math.Abs(slope) < d.cfg.SlopeThreshold {
		return nil
	}

	return []Finding{{
		PatientID:   patientID,
		Biomarker:   biomarker,
		Kind:        FindingSustainedDrift,
		Value:       window[len(window)-1].Value,
		Magnitude:   slope,
		WindowStart: window[0].WindowStart,
		WindowEnd:   window[len(window)-1].WindowEnd,
	}}
}

// DeviationConfig tunes the abrupt deviation detector.
type DeviationConfig struct {
	// ZThreshold is the z-score a value must reach against the trailing
	// moving average.
	ZThreshold float64
	// TrailingWindow is how many prior values form the baseline.
	TrailingWindow int
	// MinPersistence is how many consecutive observations must deviate
	// before a finding fires, guarding against single-sample noise.
	MinPersistence int
}

// DeviationDetector flags values departing from the trailing moving average
// by more than the configured number of standard deviations, provided the
// deviation persists.
type DeviationDetector struct {
	cfg DeviationConfig
}

// NewDeviationDetector constructs a deviation detector.
func NewDeviationDetector(cfg DeviationConfig) *DeviationDetector {
	if cfg.TrailingWindow < 3 {
		cfg.TrailingWindow = 3
	}
	if cfg.MinPersistence < 1 {
		cfg.MinPersistence = 2
	}
	return &DeviationDetector{cfg: cfg}
}

// Evaluate implements Detector.
func (d *DeviationDetector) Evaluate(patientID string, biomarker domain.Biomarker, history []domain.BiomarkerValue) []Finding {
	need := d.cfg.TrailingWindow + d.cfg.MinPersistence
	if len(history) < need {
		return nil
	}

	// The last MinPersistence observations must all deviate in the same
	// direction from the baseline preceding them.
	baselineEnd := len(history) - d.cfg.MinPersistence
	baseline := history[baselineEnd-d.cfg.TrailingWindow : baselineEnd]

	mean, stddev := meanStddev(baseline)
	if stddev == 0 {
		// A flat baseline must not mask a departure; floor the denominator
		// so the z-score stays finite.
		stddev = math.Max(math.Abs(mean)*0.01, 1e-9)
	}

	direction := 0.0
	var lastZ float64
	for _, v := range history[baselineEnd:] {
		z := (v.Value - mean) / stddev
		if math.Abs(z) < d.cfg.ZThreshold {
			return nil
		}
		sign := math.Copysign(1, z)
		if direction == 0 {
			direction = sign
		} else if sign != direction {
			return nil
		}
		lastZ = z
	}

	last := history[len(history)-1]
	return []Finding{{
		PatientID:   patientID,
		Biomarker:   biomarker,
		Kind:        FindingAbruptDeviation,
		Value:       last.Value,
		Magnitude:   lastZ,
		WindowStart: history[baselineEnd].WindowStart,
		WindowEnd:   last.WindowEnd,
	}}
}

func meanStddev(values []domain.BiomarkerValue) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v.Value
	}
	mean := sum / float64(len(values))

	var sumSquares float64
	for _, v := range values {
		d := v.Value - mean
		sumSquares += d * d
	}
	return mean, math.Sqrt(sumSquares / float64(len(values)))
}
