// Package alert owns the alert lifecycle: deduplicated creation, refresh,
// resolution, and cool-down aware reopening. Transitions for one
// (patient, biomarker) key are serialized; distinct keys proceed
// independently.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/notify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/trend"
)

// Config tunes alert lifecycle behaviour.
type Config struct {
	// ReopenCoolDown is the window after resolution during which a new
	// breach reopens the prior alert (reusing its identifier) instead of
	// minting a new one. Prevents flapping from generating unbounded IDs.
	ReopenCoolDown time.Duration
}

// Manager applies the alert state machine.
type Manager struct {
	repo     domain.AlertRepository
	notifier notify.Notifier
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs a Manager.
func NewManager(repo domain.AlertRepository, notifier notify.Notifier, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing one (patient, biomarker) key.
func (m *Manager) keyLock(patientID string, biomarker domain.Biomarker) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := patientID + "|" + string(biomarker)
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Classification carries one classifier result into the manager.
type Classification struct {
	PatientID   string
	Biomarker   domain.Biomarker
	Band        domain.Band
	Value       float64
	WindowStart time.Time
	WindowEnd   time.Time
	// FindingActive reports whether a detector finding is currently active
	// for the key; a normal classification does not resolve while one is.
	FindingActive bool
}

// IngestClassification applies a classifier result to the state machine.
func (m *Manager) IngestClassification(ctx context.Context, c Classification) (domain.AlertTransition, error) {
	lock := m.keyLock(c.PatientID, c.Biomarker)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.repo.Active(ctx, c.PatientID, c.Biomarker)
	if err != nil {
		return domain.TransitionNone, fmt.Errorf("load active alert: %w", err)
	}

	switch {
	case c.Band == domain.BandWarning || c.Band == domain.BandCritical:
		if active != nil {
			return m.refresh(ctx, active, c.Band, c.Value)
		}
		return m.open(ctx, c)
	case c.Band == domain.BandNormal:
		if active == nil || c.FindingActive {
			return domain.TransitionNone, nil
		}
		return m.resolve(ctx, active)
	default:
		// Unclassified values neither open nor resolve.
		return domain.TransitionNone, nil
	}
}

// IngestFinding applies a detector finding. Any finding opens (or refreshes)
// an alert for its key at warning severity.
func (m *Manager) IngestFinding(ctx context.Context, f trend.Finding) (domain.AlertTransition, error) {
	lock := m.keyLock(f.PatientID, f.Biomarker)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.repo.Active(ctx, f.PatientID, f.Biomarker)
	if err != nil {
		return domain.TransitionNone, fmt.Errorf("load active alert: %w", err)
	}
	if active != nil {
		return m.refresh(ctx, active, domain.BandWarning, f.Value)
	}
	return m.open(ctx, Classification{
		PatientID:   f.PatientID,
		Biomarker:   f.Biomarker,
		Band:        domain.BandWarning,
		Value:       f.Value,
		WindowStart: f.WindowStart,
		WindowEnd:   f.WindowEnd,
	})
}

// Acknowledge marks an open alert as acknowledged by a clinician. An
// acknowledged alert still refreshes and resolves like an open one.
func (m *Manager) Acknowledge(ctx context.Context, alertID string) error {
	alert, err := m.repo.Get(ctx, alertID)
	if err != nil {
		return err
	}
	if alert == nil {
		return domain.ErrAlertNotFound
	}

	lock := m.keyLock(alert.PatientID, alert.Biomarker)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.repo.Get(ctx, alertID)
	if err != nil {
		return err
	}
	if current == nil || current.Status != domain.AlertOpen {
		return domain.ErrAlertNotFound
	}
	current.Status = domain.AlertAcknowledged
	current.LastSeenAt = m.now().UTC()
	return m.repo.Save(ctx, *current)
}

func (m *Manager) open(ctx context.Context, c Classification) (domain.AlertTransition, error) {
	now := m.now().UTC()
	transition := domain.TransitionOpened

	alert := domain.Alert{
		ID:              uuid.NewString(),
		PatientID:       c.PatientID,
		Biomarker:       c.Biomarker,
		Band:            c.Band,
		TriggeringValue: c.Value,
		WindowStart:     c.WindowStart,
		WindowEnd:       c.WindowEnd,
		Status:          domain.AlertOpen,
		CreatedAt:       now,
		LastSeenAt:      now,
	}

	if m.cfg.ReopenCoolDown > 0 {
		prior, err := m.repo.LastResolved(ctx, c.PatientID, c.Biomarker)
		if err != nil {
			return domain.TransitionNone, fmt.Errorf("load resolved alert: %w", err)
		}
		if prior != nil && now.Sub(prior.LastSeenAt) <= m.cfg.ReopenCoolDown {
			alert.ID = prior.ID
			alert.CreatedAt = prior.CreatedAt
			transition = domain.TransitionReopened
		}
	}

	if err := m.repo.Save(ctx, alert); err != nil {
		return domain.TransitionNone, fmt.Errorf("save alert: %w", err)
	}

	m.logger.Info("alert opened",
		zap.String("alert_id", alert.ID),
		zap.String("patient_id", alert.PatientID),
		zap.String("biomarker", string(alert.Biomarker)),
		zap.String("band", string(alert.Band)),
		zap.Bool("reopened", transition == domain.TransitionReopened),
	)

	return transition, m.publish(ctx, alert, transition)
}

func (m *Manager) refresh(ctx context.Context, active *domain.Alert, band domain.Band, value float64) (domain.AlertTransition, error) {
	active.LastSeenAt = m.now().UTC()
	if band.Severity() > active.Band.Severity() {
		active.Band = band
		active.TriggeringValue = value
	}
	if err := m.repo.Save(ctx, *active); err != nil {
		return domain.TransitionNone, fmt.Errorf("save alert: %w", err)
	}
	// No event on a refresh: downstream already knows the alert is open.
	return domain.TransitionRefreshed, nil
}

func (m *Manager) resolve(ctx context.Context, active *domain.Alert) (domain.AlertTransition, error) {
	active.Status = domain.AlertResolved
	active.LastSeenAt = m.now().UTC()
	if err := m.repo.Save(ctx, *active); err != nil {
		return domain.TransitionNone, fmt.Errorf("save alert: %w", err)
	}

	m.logger.Info("alert resolved",
		zap.String("alert_id", active.ID),
		zap.String("patient_id", active.PatientID),
		zap.String("biomarker", string(active.Biomarker)),
	)

	return domain.TransitionResolved, m.publish(ctx, *active, domain.TransitionResolved)
}

func (m *Manager) publish(ctx context.Context, alert domain.Alert, transition domain.AlertTransition) error {
	event := domain.AlertEvent{
		AlertID:    alert.ID,
		PatientID:  alert.PatientID,
		Biomarker:  alert.Biomarker,
		Band:       alert.Band,
		Transition: transition,
		Value:      alert.TriggeringValue,
		OccurredAt: alert.LastSeenAt,
	}
	if err := m.notifier.Publish(ctx, event); err != nil {
		// Alert state is already durable; notification failure surfaces to
		// the caller without disturbing it.
		return fmt.Errorf("publish alert event: %w", err)
	}
	return nil
}
