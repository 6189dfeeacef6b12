package domain

import (
	"context"
	"time"
)

// SampleRepository is the sample store contract. Upsert is atomic per
// (patient, metric, timestamp, source) key and enforces source priority:
// a write never replaces an existing sample of strictly higher priority
// for the identical timestamp key; such writes report UpsertRejected.
type SampleRepository interface {
	Upsert(ctx context.Context, sample Sample) (UpsertOutcome, error)
	// Query returns samples ascending by timestamp (ties broken by source
	// priority, highest first) within [from, to).
	Query(ctx context.Context, patientID string, metric Metric, from, to time.Time) ([]Sample, error)
}

// BiomarkerRepository persists derived values. Put replaces any prior value
// for the same (patient, biomarker, window) key.
type BiomarkerRepository interface {
	Put(ctx context.Context, value BiomarkerValue) error
	// History returns values ascending by window start within [from, to).
	History(ctx context.Context, patientID string, biomarker Biomarker, from, to time.Time) ([]BiomarkerValue, error)
}

// AlertRepository persists alert lifecycle state.
type AlertRepository interface {
	Save(ctx context.Context, alert Alert) error
	Get(ctx context.Context, alertID string) (*Alert, error)
	// Active returns the open or acknowledged alert for the key, or nil.
	Active(ctx context.Context, patientID string, biomarker Biomarker) (*Alert, error)
	// LastResolved returns the most recently resolved alert for the key,
	// or nil. Used for cool-down reopen decisions.
	LastResolved(ctx context.Context, patientID string, biomarker Biomarker) (*Alert, error)
	ListByPatient(ctx context.Context, patientID string) ([]Alert, error)
}

// SyncStateRepository persists per-(patient, source) sync state.
type SyncStateRepository interface {
	Get(ctx context.Context, patientID string, source Source) (*SyncState, error)
	Save(ctx context.Context, state SyncState) error
	// List returns every stored sync state. Used by the sync worker to
	// enumerate keys due for polling.
	List(ctx context.Context) ([]SyncState, error)
}
