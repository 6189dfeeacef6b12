// Package biomarker derives clinical biomarkers from raw sample windows.
// Computations are pure and deterministic: recomputing an identical window
// yields a bit-identical value, which makes re-syncs safe to replay.
package biomarker

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// Window bounds a computation, [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Calculator computes one biomarker type over a sample window.
type Calculator interface {
	// Metric names the raw metric the calculator consumes.
	Metric() domain.Metric
	// Compute derives a value from in-window samples ordered by timestamp.
	// Returns domain.ErrInsufficientData when the window is too sparse.
	Compute(patientID string, samples []domain.Sample, window Window) (domain.BiomarkerValue, error)
}

// Registry maps biomarker types to calculators. New biomarkers register a
// calculator rather than extending a type hierarchy.
type Registry struct {
	mu          sync.RWMutex
	calculators map[domain.Biomarker]Calculator
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{calculators: make(map[domain.Biomarker]Calculator)}
}

// Register installs a calculator for the biomarker type.
func (r *Registry) Register(biomarker domain.Biomarker, calc Calculator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calculators[biomarker] = calc
}

// Lookup returns the calculator for the biomarker type.
func (r *Registry) Lookup(biomarker domain.Biomarker) (Calculator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	calc, ok := r.calculators[biomarker]
	return calc, ok
}

// Types lists registered biomarker types in stable order.
func (r *Registry) Types() []domain.Biomarker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Biomarker, 0, len(r.calculators))
	for b := range r.calculators {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry wires the standard cardiac calculators.
func DefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	r.Register(domain.BiomarkerRMSSD, NewRMSSD(cfg.MinIntervals))
	r.Register(domain.BiomarkerSDNN, NewSDNN(cfg.MinIntervals))
	r.Register(domain.BiomarkerRestingHR, NewRestingHR(cfg.SustainedDuration, cfg.MinHeartRateSamples))
	return r
}

// Config tunes the default calculators.
type Config struct {
	// MinIntervals is the minimum number of inter-beat intervals required
	// for an HRV computation.
	MinIntervals int
	// SustainedDuration is how long a low heart rate must persist to count
	// as resting, guarding against single-reading artifacts.
	SustainedDuration time.Duration
	// MinHeartRateSamples is the minimum in-window heart-rate sample count.
	MinHeartRateSamples int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinIntervals:        2,
		SustainedDuration:   5 * time.Minute,
		MinHeartRateSamples: 3,
	}
}

// intervalsFromSamples extracts inter-beat intervals in milliseconds from a
// window. Direct rr_interval_ms samples are used when present; otherwise
// intervals are approximated from heart-rate samples as 60000/bpm, the same
// approximation the wearable pipeline applies upstream.
func intervalsFromSamples(samples []domain.Sample) []float64 {
	intervals := make([]float64, 0, len(samples))
	for _, s := range samples {
		switch s.Metric {
		case domain.MetricRRInterval:
			intervals = append(intervals, s.Value)
		case domain.MetricHeartRate:
			if s.Value > 0 {
				intervals = append(intervals, 60000/s.Value)
			}
		}
	}
	return intervals
}

// RMSSD computes the root mean square of successive differences between
// consecutive inter-beat intervals.
type RMSSD struct {
	minIntervals int
}

// NewRMSSD constructs the calculator; minIntervals must be >= 2.
func NewRMSSD(minIntervals int) *RMSSD {
	if minIntervals < 2 {
		minIntervals = 2
	}
	return &RMSSD{minIntervals: minIntervals}
}

// Metric implements Calculator.
func (c *RMSSD) Metric() domain.Metric { return domain.MetricRRInterval }

// Compute implements Calculator.
func (c *RMSSD) Compute(patientID string, samples []domain.Sample, window Window) (domain.BiomarkerValue, error) {
	intervals := intervalsFromSamples(samples)
	if len(intervals) < c.minIntervals {
		return domain.BiomarkerValue{}, fmt.Errorf("%w: rmssd needs %d intervals, got %d", domain.ErrInsufficientData, c.minIntervals, len(intervals))
	}

	var sumSquares float64
	for i := 1; i < len(intervals); i++ {
		diff := intervals[i] - intervals[i-1]
		sumSquares += diff * diff
	}
	value := math.Sqrt(sumSquares / float64(len(intervals)-1))

	return domain.BiomarkerValue{
		PatientID:        patientID,
		Biomarker:        domain.BiomarkerRMSSD,
		WindowStart:      window.Start,
		WindowEnd:        window.End,
		Value:            value,
		ComputedAt:       time.Now().UTC(),
		InputSampleCount: len(samples),
	}, nil
}

// SDNN computes the population standard deviation of inter-beat intervals.
// Population (divide by N) rather than sample (N-1) deviation is used, and
// every consumer of SDNN assumes that convention.
type SDNN struct {
	minIntervals int
}

// NewSDNN constructs the calculator; minIntervals must be >= 2.
func NewSDNN(minIntervals int) *SDNN {
	if minIntervals < 2 {
		minIntervals = 2
	}
	return &SDNN{minIntervals: minIntervals}
}

// Metric implements Calculator.
func (c *SDNN) Metric() domain.Metric { return domain.MetricRRInterval }

// Compute implements Calculator.
func (c *SDNN) Compute(patientID string, samples []domain.Sample, window Window) (domain.BiomarkerValue, error) {
	intervals := intervalsFromSamples(samples)
	if len(intervals) < c.minIntervals {
		return domain.BiomarkerValue{}, fmt.Errorf("%w: sdnn needs %d intervals, got %d", domain.ErrInsufficientData, c.minIntervals, len(intervals))
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var sumSquares float64
	for _, v := range intervals {
		d := v - mean
		sumSquares += d * d
	}
	value := math.Sqrt(sumSquares / float64(len(intervals)))

	return domain.BiomarkerValue{
		PatientID:        patientID,
		Biomarker:        domain.BiomarkerSDNN,
		WindowStart:      window.Start,
		WindowEnd:        window.End,
		Value:            value,
		ComputedAt:       time.Now().UTC(),
		InputSampleCount: len(samples),
	}, nil
}

// RestingHR computes the minimum sustained heart rate: the lowest average
// over any contiguous run of samples spanning at least the sustained
// duration. A single low instantaneous reading never sets the value.
type RestingHR struct {
	sustained  time.Duration
	minSamples int
}

// NewRestingHR constructs the calculator.
func NewRestingHR(sustained time.Duration, minSamples int) *RestingHR {
	if minSamples < 2 {
		minSamples = 2
	}
	return &RestingHR{sustained: sustained, minSamples: minSamples}
}

// Metric implements Calculator.
func (c *RestingHR) Metric() domain.Metric { return domain.MetricHeartRate }

// Compute implements Calculator.
func (c *RestingHR) Compute(patientID string, samples []domain.Sample, window Window) (domain.BiomarkerValue, error) {
	rates := make([]domain.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Metric == domain.MetricHeartRate {
			rates = append(rates, s)
		}
	}
	if len(rates) < c.minSamples {
		return domain.BiomarkerValue{}, fmt.Errorf("%w: resting hr needs %d heart-rate samples, got %d", domain.ErrInsufficientData, c.minSamples, len(rates))
	}

	best := math.Inf(1)
	found := false
	for start := 0; start < len(rates); start++ {
		sum := rates[start].Value
		for end := start + 1; end < len(rates); end++ {
			sum += rates[end].Value
			if rates[end].Timestamp.Sub(rates[start].Timestamp) < c.sustained {
				continue
			}
			avg := sum / float64(end-start+1)
			if avg < best {
				best = avg
			}
			found = true
			break // longer runs from the same start only dilute the average
		}
	}
	if !found {
		return domain.BiomarkerValue{}, fmt.Errorf("%w: no run spans the sustained duration %s", domain.ErrInsufficientData, c.sustained)
	}

	return domain.BiomarkerValue{
		PatientID:        patientID,
		Biomarker:        domain.BiomarkerRestingHR,
		WindowStart:      window.Start,
		WindowEnd:        window.End,
		Value:            best,
		ComputedAt:       time.Now().UTC(),
		InputSampleCount: len(rates),
	}, nil
}
