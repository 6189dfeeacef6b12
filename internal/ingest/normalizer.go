// Package ingest converts heterogeneous source records into canonical
// samples. It is the single translation boundary into the sample store:
// wearable payloads, manual patient entries, and clinical observations all
// pass through Normalize before anything is persisted.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// RawRecord is the loosely-shaped input accepted from entry points and the
// wearable sync feed. Unit defaults to the canonical unit for the metric.
type RawRecord struct {
	PatientID string  `json:"patient_id"`
	Metric    string  `json:"metric_type"`
	Timestamp string  `json:"timestamp"` // RFC 3339, any zone
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Source    string  `json:"source"`
	RecordID  string  `json:"source_record_id,omitempty"`
}

// Result pairs one raw record with its normalization outcome. Batches never
// abort on a bad record; callers inspect per-record errors.
type Result struct {
	Record RawRecord
	Sample domain.Sample
	Err    error
}

// envelope bounds a metric to physically plausible values, [Low, High).
type envelope struct {
	Low  float64
	High float64
}

var plausible = map[domain.Metric]envelope{
	domain.MetricHeartRate:   {Low: 20, High: 300},
	domain.MetricRRInterval:  {Low: 200, High: 4000},
	domain.MetricSpO2:        {Low: 50, High: 101},
	domain.MetricWeight:      {Low: 20, High: 400},
	domain.MetricSystolicBP:  {Low: 50, High: 300},
	domain.MetricDiastolicBP: {Low: 30, High: 200},
}

// unitConversions maps (metric, unit) to a factor into the canonical unit.
// The canonical unit itself and the empty unit are identity.
var unitConversions = map[domain.Metric]map[string]float64{
	domain.MetricRRInterval: {"s": 1000, "ms": 1},
	domain.MetricWeight:     {"lbs": 0.45359237, "kg": 1},
	domain.MetricHeartRate:  {"bpm": 1},
}

// Normalizer validates and converts raw records.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger, now: time.Now}
}

// Normalize converts one raw record into a canonical sample. It returns
// domain.ErrMalformedRecord for undecodable records and
// domain.ErrOutOfRangeValue for values outside the plausible envelope.
func (n *Normalizer) Normalize(record RawRecord) (domain.Sample, error) {
	if strings.TrimSpace(record.PatientID) == "" {
		return domain.Sample{}, fmt.Errorf("%w: missing patient_id", domain.ErrMalformedRecord)
	}

	source := domain.Source(record.Source)
	if !source.Valid() {
		return domain.Sample{}, fmt.Errorf("%w: unknown source %q", domain.ErrMalformedRecord, record.Source)
	}

	metric := domain.Metric(record.Metric)
	bounds, ok := plausible[metric]
	if !ok {
		return domain.Sample{}, fmt.Errorf("%w: unknown metric %q", domain.ErrMalformedRecord, record.Metric)
	}

	ts, err := time.Parse(time.RFC3339, record.Timestamp)
	if err != nil {
		return domain.Sample{}, fmt.Errorf("%w: bad timestamp %q: %v", domain.ErrMalformedRecord, record.Timestamp, err)
	}

	value := record.Value
	if record.Unit != "" {
		factor, known := unitConversions[metric][strings.ToLower(record.Unit)]
		if !known {
			return domain.Sample{}, fmt.Errorf("%w: unit %q not valid for metric %q", domain.ErrMalformedRecord, record.Unit, record.Metric)
		}
		value *= factor
	}

	if value < bounds.Low || value >= bounds.High {
		return domain.Sample{}, fmt.Errorf("%w: %s=%g outside [%g, %g)", domain.ErrOutOfRangeValue, metric, value, bounds.Low, bounds.High)
	}

	return domain.Sample{
		PatientID:      record.PatientID,
		Metric:         metric,
		Timestamp:      ts.UTC(),
		Value:          value,
		Source:         source,
		SourceRecordID: record.RecordID,
		IngestedAt:     n.now().UTC(),
	}, nil
}

// NormalizeBatch processes records independently. A malformed record never
// aborts the batch; its Result carries the error instead.
func (n *Normalizer) NormalizeBatch(records []RawRecord) []Result {
	results := make([]Result, 0, len(records))
	for _, record := range records {
		sample, err := n.Normalize(record)
		if err != nil {
			n.logger.Warn("record skipped during normalization",
				zap.String("patient_id", record.PatientID),
				zap.String("metric", record.Metric),
				zap.Error(err),
			)
		}
		results = append(results, Result{Record: record, Sample: sample, Err: err})
	}
	return results
}
