package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/store"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/trend"
)

// captureNotifier records published events in order.
type captureNotifier struct {
	events []domain.AlertEvent
}

func (c *captureNotifier) Publish(ctx context.Context, event domain.AlertEvent) error {
	c.events = append(c.events, event)
	return nil
}

type managerFixture struct {
	manager  *Manager
	repo     *store.MemoryAlertStore
	notifier *captureNotifier
	clock    time.Time
}

func newFixture(t *testing.T, coolDown time.Duration) *managerFixture {
	t.Helper()
	f := &managerFixture{
		repo:     store.NewMemoryAlertStore(),
		notifier: &captureNotifier{},
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(f.repo, f.notifier, zap.NewNop(), Config{ReopenCoolDown: coolDown})
	f.manager.now = func() time.Time { return f.clock }
	return f
}

func (f *managerFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func classification(band domain.Band, value float64) Classification {
	return Classification{
		PatientID:   "patient-1",
		Biomarker:   domain.BiomarkerRestingHR,
		Band:        band,
		Value:       value,
		WindowStart: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Minute)

	// First breach opens.
	transition, err := f.manager.IngestClassification(ctx, classification(domain.BandWarning, 105))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionOpened, transition)

	active, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.NotNil(t, active)
	openedID := active.ID

	// Second breach refreshes the same alert, no new event.
	f.advance(5 * time.Minute)
	transition, err = f.manager.IngestClassification(ctx, classification(domain.BandWarning, 108))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionRefreshed, transition)

	active, err = f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.Equal(t, openedID, active.ID)
	require.Equal(t, f.clock, active.LastSeenAt)

	// Return to normal resolves.
	f.advance(5 * time.Minute)
	transition, err = f.manager.IngestClassification(ctx, classification(domain.BandNormal, 85))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionResolved, transition)

	// A breach inside the cool-down reopens with the original identifier.
	f.advance(10 * time.Minute)
	transition, err = f.manager.IngestClassification(ctx, classification(domain.BandWarning, 110))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionReopened, transition)

	active, err = f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.Equal(t, openedID, active.ID)

	// Events: opened, resolved, reopened. Refresh publishes nothing.
	require.Len(t, f.notifier.events, 3)
	require.Equal(t, domain.TransitionOpened, f.notifier.events[0].Transition)
	require.Equal(t, domain.TransitionResolved, f.notifier.events[1].Transition)
	require.Equal(t, domain.TransitionReopened, f.notifier.events[2].Transition)
}

func TestBreachAfterCoolDownMintsNewAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Minute)

	_, err := f.manager.IngestClassification(ctx, classification(domain.BandWarning, 105))
	require.NoError(t, err)
	first, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.manager.IngestClassification(ctx, classification(domain.BandNormal, 85))
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	transition, err := f.manager.IngestClassification(ctx, classification(domain.BandWarning, 106))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionOpened, transition)

	second, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestRefreshEscalatesSeverityButNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.manager.IngestClassification(ctx, classification(domain.BandWarning, 105))
	require.NoError(t, err)

	// Critical value escalates the open alert.
	_, err = f.manager.IngestClassification(ctx, classification(domain.BandCritical, 130))
	require.NoError(t, err)
	active, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.Equal(t, domain.BandCritical, active.Band)
	require.Equal(t, 130.0, active.TriggeringValue)

	// A later warning value refreshes but keeps the critical band and value.
	_, err = f.manager.IngestClassification(ctx, classification(domain.BandWarning, 108))
	require.NoError(t, err)
	active, err = f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.Equal(t, domain.BandCritical, active.Band)
	require.Equal(t, 130.0, active.TriggeringValue)
}

func TestNormalWithActiveFindingDoesNotResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.manager.IngestClassification(ctx, classification(domain.BandWarning, 105))
	require.NoError(t, err)

	normal := classification(domain.BandNormal, 85)
	normal.FindingActive = true
	transition, err := f.manager.IngestClassification(ctx, normal)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionNone, transition)

	active, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.NotNil(t, active)
}

func TestUnclassifiedIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	transition, err := f.manager.IngestClassification(ctx, classification(domain.BandUnclassified, 500))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionNone, transition)
	require.Empty(t, f.notifier.events)
}

func TestIngestFindingOpensAtWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	finding := trend.Finding{
		PatientID: "patient-1",
		Biomarker: domain.BiomarkerRestingHR,
		Kind:      trend.FindingSustainedDrift,
		Value:     72,
		Magnitude: 2.1,
	}
	transition, err := f.manager.IngestFinding(ctx, finding)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionOpened, transition)

	active, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)
	require.Equal(t, domain.BandWarning, active.Band)

	// A second finding refreshes rather than duplicating.
	transition, err = f.manager.IngestFinding(ctx, finding)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionRefreshed, transition)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.manager.IngestClassification(ctx, classification(domain.BandCritical, 130))
	require.NoError(t, err)
	active, err := f.repo.Active(ctx, "patient-1", domain.BiomarkerRestingHR)
	require.NoError(t, err)

	require.NoError(t, f.manager.Acknowledge(ctx, active.ID))
	acked, err := f.repo.Get(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AlertAcknowledged, acked.Status)

	// Acknowledging twice, or acknowledging a missing alert, fails.
	require.ErrorIs(t, f.manager.Acknowledge(ctx, active.ID), domain.ErrAlertNotFound)
	require.ErrorIs(t, f.manager.Acknowledge(ctx, "missing"), domain.ErrAlertNotFound)

	// An acknowledged alert still resolves on a normal value.
	transition, err := f.manager.IngestClassification(ctx, classification(domain.BandNormal, 85))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionResolved, transition)
}
