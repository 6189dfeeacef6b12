// Package engine wires the analysis stages: normalized samples flow into
// the store, biomarkers are recomputed over a sliding window, classified
// against threshold bands, checked for trends, and fed to the alert
// manager. Stages are pure per patient and safe to run for different
// patients in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/alert"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/biomarker"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/classify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/observability"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/trend"
)

// Config tunes the pipeline windows.
type Config struct {
	// ComputeWindow is the sliding window biomarkers are computed over.
	ComputeWindow time.Duration
	// HistoryLookback bounds how much biomarker history detectors see.
	HistoryLookback time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ComputeWindow:   time.Hour,
		HistoryLookback: 14 * 24 * time.Hour,
	}
}

// Pipeline runs the full analysis chain for a patient.
type Pipeline struct {
	samples    domain.SampleRepository
	biomarkers domain.BiomarkerRepository
	normalizer *ingest.Normalizer
	registry   *biomarker.Registry
	classifier *classify.Classifier
	detector   trend.Detector
	alerts     *alert.Manager
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(
	samples domain.SampleRepository,
	biomarkers domain.BiomarkerRepository,
	normalizer *ingest.Normalizer,
	registry *biomarker.Registry,
	classifier *classify.Classifier,
	detector trend.Detector,
	alerts *alert.Manager,
	logger *zap.Logger,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		samples:    samples,
		biomarkers: biomarkers,
		normalizer: normalizer,
		registry:   registry,
		classifier: classifier,
		detector:   detector,
		alerts:     alerts,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// IngestOutcome reports what happened to one raw record.
type IngestOutcome struct {
	Record  ingest.RawRecord
	Outcome domain.UpsertOutcome
	Err     error
}

// IngestBatch normalizes and stores raw records, then re-analyzes every
// affected patient. Malformed or out-of-range records are skipped
// per-record; the batch never aborts.
func (p *Pipeline) IngestBatch(ctx context.Context, records []ingest.RawRecord) ([]IngestOutcome, error) {
	outcomes := make([]IngestOutcome, 0, len(records))
	affected := make(map[string]bool)

	for _, res := range p.normalizer.NormalizeBatch(records) {
		if res.Err != nil {
			observability.RecordIngestRejected(res.Record.Metric)
			outcomes = append(outcomes, IngestOutcome{Record: res.Record, Err: res.Err})
			continue
		}
		outcome, err := p.samples.Upsert(ctx, res.Sample)
		if err != nil {
			return outcomes, fmt.Errorf("upsert sample: %w", err)
		}
		observability.RecordIngestStored(string(res.Sample.Source))
		outcomes = append(outcomes, IngestOutcome{Record: res.Record, Outcome: outcome})
		if outcome != domain.UpsertRejected {
			affected[res.Sample.PatientID] = true
		}
	}

	for patientID := range affected {
		if err := p.Analyze(ctx, patientID); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// Analyze recomputes registered biomarkers over the sliding window for one
// patient, classifies them, runs the detectors over stored history, and
// feeds the alert manager. Sparse windows are skipped, not failed.
func (p *Pipeline) Analyze(ctx context.Context, patientID string) error {
	end := p.now().UTC()
	window := biomarker.Window{Start: end.Add(-p.cfg.ComputeWindow), End: end}

	for _, biomarkerType := range p.registry.Types() {
		calc, _ := p.registry.Lookup(biomarkerType)

		samples, err := p.samples.Query(ctx, patientID, calc.Metric(), window.Start, window.End)
		if err != nil {
			return fmt.Errorf("query samples: %w", err)
		}

		value, err := calc.Compute(patientID, samples, window)
		if errors.Is(err, domain.ErrInsufficientData) {
			continue
		}
		if err != nil {
			return fmt.Errorf("compute %s: %w", biomarkerType, err)
		}

		if err := p.biomarkers.Put(ctx, value); err != nil {
			return fmt.Errorf("store biomarker: %w", err)
		}
		observability.RecordBiomarkerComputed(string(biomarkerType))

		history, err := p.biomarkers.History(ctx, patientID, biomarkerType, end.Add(-p.cfg.HistoryLookback), end.Add(time.Nanosecond))
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		findings := p.detector.Evaluate(patientID, biomarkerType, history)
		for _, finding := range findings {
			transition, err := p.alerts.IngestFinding(ctx, finding)
			if err != nil {
				return fmt.Errorf("ingest finding: %w", err)
			}
			observability.RecordAlertTransition(string(transition))
		}

		band := p.classifier.Classify(biomarkerType, value.Value)
		transition, err := p.alerts.IngestClassification(ctx, alert.Classification{
			PatientID:     patientID,
			Biomarker:     biomarkerType,
			Band:          band,
			Value:         value.Value,
			WindowStart:   value.WindowStart,
			WindowEnd:     value.WindowEnd,
			FindingActive: len(findings) > 0,
		})
		if err != nil {
			return fmt.Errorf("ingest classification: %w", err)
		}
		observability.RecordAlertTransition(string(transition))

		p.logger.Debug("biomarker analyzed",
			zap.String("patient_id", patientID),
			zap.String("biomarker", string(biomarkerType)),
			zap.Float64("value", value.Value),
			zap.String("band", string(band)),
			zap.Int("findings", len(findings)),
		)
	}
	return nil
}
