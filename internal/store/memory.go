// Package store provides in-memory repository implementations used by unit
// tests and local development. Semantics mirror the postgres repositories.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// MemorySampleStore keeps samples keyed by (patient, metric, timestamp, source).
type MemorySampleStore struct {
	mu      sync.RWMutex
	samples map[string]domain.Sample
}

// NewMemorySampleStore constructs an empty sample store.
func NewMemorySampleStore() *MemorySampleStore {
	return &MemorySampleStore{samples: make(map[string]domain.Sample)}
}

func sampleKey(s domain.Sample) string {
	return fmt.Sprintf("%s|%s|%d|%s", s.PatientID, s.Metric, s.Timestamp.UnixNano(), s.Source)
}

// timestampKey identifies all sources sharing a patient/metric/timestamp.
func timestampKey(s domain.Sample) string {
	return fmt.Sprintf("%s|%s|%d", s.PatientID, s.Metric, s.Timestamp.UnixNano())
}

// Upsert implements domain.SampleRepository. A source always overwrites its
// own row for the identical four-part key; a first-time insert is rejected
// when another source holds a strictly higher-priority row at the same
// timestamp key.
func (m *MemorySampleStore) Upsert(ctx context.Context, sample domain.Sample) (domain.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample.Timestamp = sample.Timestamp.UTC()
	key := sampleKey(sample)
	if _, ok := m.samples[key]; ok {
		m.samples[key] = sample
		return domain.UpsertUpdated, nil
	}

	tsKey := timestampKey(sample)
	for _, existing := range m.samples {
		if timestampKey(existing) != tsKey {
			continue
		}
		if existing.Source.Priority() > sample.Source.Priority() {
			return domain.UpsertRejected, nil
		}
	}

	m.samples[key] = sample
	return domain.UpsertInserted, nil
}

// Query implements domain.SampleRepository.
func (m *MemorySampleStore) Query(ctx context.Context, patientID string, metric domain.Metric, from, to time.Time) ([]domain.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Sample, 0)
	for _, s := range m.samples {
		if s.PatientID != patientID || s.Metric != metric {
			continue
		}
		if s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Source.Priority() > out[j].Source.Priority()
	})
	return out, nil
}

// MemoryBiomarkerStore keeps derived values keyed by (patient, biomarker, window).
type MemoryBiomarkerStore struct {
	mu     sync.RWMutex
	values map[string]domain.BiomarkerValue
}

// NewMemoryBiomarkerStore constructs an empty biomarker store.
func NewMemoryBiomarkerStore() *MemoryBiomarkerStore {
	return &MemoryBiomarkerStore{values: make(map[string]domain.BiomarkerValue)}
}

func biomarkerKey(v domain.BiomarkerValue) string {
	return fmt.Sprintf("%s|%s|%d|%d", v.PatientID, v.Biomarker, v.WindowStart.UnixNano(), v.WindowEnd.UnixNano())
}

// Put implements domain.BiomarkerRepository. Recomputation for an existing
// window replaces the prior value.
func (m *MemoryBiomarkerStore) Put(ctx context.Context, value domain.BiomarkerValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[biomarkerKey(value)] = value
	return nil
}

// History implements domain.BiomarkerRepository.
func (m *MemoryBiomarkerStore) History(ctx context.Context, patientID string, biomarker domain.Biomarker, from, to time.Time) ([]domain.BiomarkerValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.BiomarkerValue, 0)
	for _, v := range m.values {
		if v.PatientID != patientID || v.Biomarker != biomarker {
			continue
		}
		if v.WindowStart.Before(from) || !v.WindowStart.Before(to) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}

// Count returns the number of stored values. Test helper.
func (m *MemoryBiomarkerStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// MemoryAlertStore keeps alerts by ID with per-key lifecycle indexes.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]domain.Alert
}

// NewMemoryAlertStore constructs an empty alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]domain.Alert)}
}

// Save implements domain.AlertRepository.
func (m *MemoryAlertStore) Save(ctx context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
	return nil
}

// Get implements domain.AlertRepository.
func (m *MemoryAlertStore) Get(ctx context.Context, alertID string) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, nil
	}
	return &alert, nil
}

// Active implements domain.AlertRepository.
func (m *MemoryAlertStore) Active(ctx context.Context, patientID string, biomarker domain.Biomarker) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, alert := range m.alerts {
		if alert.PatientID == patientID && alert.Biomarker == biomarker && alert.Status != domain.AlertResolved {
			found := alert
			return &found, nil
		}
	}
	return nil, nil
}

// LastResolved implements domain.AlertRepository.
func (m *MemoryAlertStore) LastResolved(ctx context.Context, patientID string, biomarker domain.Biomarker) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.Alert
	for _, alert := range m.alerts {
		if alert.PatientID != patientID || alert.Biomarker != biomarker || alert.Status != domain.AlertResolved {
			continue
		}
		if latest == nil || alert.LastSeenAt.After(latest.LastSeenAt) {
			found := alert
			latest = &found
		}
	}
	return latest, nil
}

// ListByPatient implements domain.AlertRepository.
func (m *MemoryAlertStore) ListByPatient(ctx context.Context, patientID string) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Alert, 0)
	for _, alert := range m.alerts {
		if alert.PatientID == patientID {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemorySyncStateStore keeps sync state per (patient, source).
type MemorySyncStateStore struct {
	mu     sync.RWMutex
	states map[string]domain.SyncState
}

// NewMemorySyncStateStore constructs an empty sync state store.
func NewMemorySyncStateStore() *MemorySyncStateStore {
	return &MemorySyncStateStore{states: make(map[string]domain.SyncState)}
}

func syncKey(patientID string, source domain.Source) string {
	return patientID + "|" + string(source)
}

// Get implements domain.SyncStateRepository.
func (m *MemorySyncStateStore) Get(ctx context.Context, patientID string, source domain.Source) (*domain.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[syncKey(patientID, source)]
	if !ok {
		return nil, domain.ErrSyncStateNotFound
	}
	return &state, nil
}

// Save implements domain.SyncStateRepository.
func (m *MemorySyncStateStore) Save(ctx context.Context, state domain.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[syncKey(state.PatientID, state.Source)] = state
	return nil
}

// List implements domain.SyncStateRepository.
func (m *MemorySyncStateStore) List(ctx context.Context) ([]domain.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SyncState, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool {
		return syncKey(out[i].PatientID, out[i].Source) < syncKey(out[j].PatientID, out[j].Source)
	})
	return out, nil
}
