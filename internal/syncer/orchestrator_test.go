package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/store"
)

type stubClient struct {
	fetch   func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error)
	refresh func(ctx context.Context, refreshToken string) (Token, error)
}

func (s *stubClient) Fetch(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
	return s.fetch(ctx, patientID, accessToken, since)
}

func (s *stubClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if s.refresh == nil {
		return Token{}, errors.New("unexpected refresh")
	}
	return s.refresh(ctx, refreshToken)
}

type syncFixture struct {
	orchestrator *Orchestrator
	states       *store.MemorySyncStateStore
	samples      *store.MemorySampleStore
	client       *stubClient
	slept        []time.Duration
	clock        time.Time
}

func newSyncFixture(t *testing.T, cfg Config) *syncFixture {
	t.Helper()
	f := &syncFixture{
		states:  store.NewMemorySyncStateStore(),
		samples: store.NewMemorySampleStore(),
		client:  &stubClient{},
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.orchestrator = NewOrchestrator(
		f.states,
		f.samples,
		ingest.NewNormalizer(zap.NewNop()),
		map[domain.Source]SourceClient{domain.SourceWearable: f.client},
		zap.NewNop(),
		cfg,
	)
	f.orchestrator.now = func() time.Time { return f.clock }
	f.orchestrator.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return ctx.Err()
	}
	return f
}

func (f *syncFixture) seedState(t *testing.T, state domain.SyncState) {
	t.Helper()
	state.PatientID = "patient-1"
	state.Source = domain.SourceWearable
	if state.AccessToken == "" {
		state.AccessToken = "access"
	}
	if state.RefreshToken == "" {
		state.RefreshToken = "refresh"
	}
	if state.TokenExpiresAt.IsZero() {
		state.TokenExpiresAt = f.clock.Add(time.Hour)
	}
	require.NoError(t, f.states.Save(context.Background(), state))
}

func hrRecord(ts string, value float64) ingest.RawRecord {
	return ingest.RawRecord{
		PatientID: "patient-1",
		Metric:    "heart_rate",
		Timestamp: ts,
		Value:     value,
		Source:    "wearable",
	}
}

func TestSyncStoresRecordsAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{
		LastWatermark:       time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		ConsecutiveFailures: 2,
	})

	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		require.Equal(t, "access", accessToken)
		require.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), since)
		return []ingest.RawRecord{
			hrRecord("2025-06-01T10:30:00Z", 72),
			hrRecord("2025-06-01T11:00:00Z", 74),
			{PatientID: "patient-1", Metric: "heart_rate", Timestamp: "garbage", Value: 70, Source: "wearable"},
		}, nil
	}

	result, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, 3, result.Fetched)
	require.Equal(t, 2, result.Stored)
	require.Equal(t, 1, result.Rejected)
	require.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), result.Watermark)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, result.Watermark, state.LastWatermark)
	require.Zero(t, state.ConsecutiveFailures)

	stored, err := f.samples.Query(ctx, "patient-1", domain.MetricHeartRate, time.Time{}, f.clock)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestSyncHonoursRateLimitThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{})

	calls := 0
	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		calls++
		if calls == 1 {
			return nil, &RateLimitError{RetryAfter: 30 * time.Second}
		}
		return []ingest.RawRecord{hrRecord("2025-06-01T11:00:00Z", 70)}, nil
	}

	result, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, 1, result.Stored)
	require.Equal(t, []time.Duration{30 * time.Second}, f.slept)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Zero(t, state.ConsecutiveFailures)
}

func TestSyncCapsRateLimitWaitAndRetries(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxBackoff = time.Minute
	cfg.MaxRateLimitRetries = 2
	f := newSyncFixture(t, cfg)
	f.seedState(t, domain.SyncState{})

	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		return nil, &RateLimitError{RetryAfter: time.Hour}
	}

	_, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, []time.Duration{time.Minute, time.Minute}, f.slept)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, 1, state.ConsecutiveFailures)
}

func TestSyncRefreshesExpiredTokenBeforeFetch(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{TokenExpiresAt: f.clock.Add(time.Minute)}) // inside the skew

	f.client.refresh = func(ctx context.Context, refreshToken string) (Token, error) {
		require.Equal(t, "refresh", refreshToken)
		return Token{AccessToken: "fresh", RefreshToken: "rotated", ExpiresAt: f.clock.Add(time.Hour)}, nil
	}
	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		require.Equal(t, "fresh", accessToken)
		return nil, nil
	}

	result, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.True(t, result.TokenRotated)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, "fresh", state.AccessToken)
	require.Equal(t, "rotated", state.RefreshToken)
}

func TestSyncRetriesFetchOnceAfterMidFetchAuthFailure(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{})

	fetches := 0
	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		fetches++
		if fetches == 1 {
			return nil, domain.ErrAuthExpired
		}
		require.Equal(t, "fresh", accessToken)
		return []ingest.RawRecord{hrRecord("2025-06-01T11:00:00Z", 70)}, nil
	}
	f.client.refresh = func(ctx context.Context, refreshToken string) (Token, error) {
		return Token{AccessToken: "fresh", RefreshToken: "rotated", ExpiresAt: f.clock.Add(time.Hour)}, nil
	}

	result, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, 2, fetches)
	require.True(t, result.TokenRotated)
	require.Equal(t, 1, result.Stored)
}

func TestSyncRefreshFailureMarksNeedsReauth(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{})

	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		return nil, domain.ErrAuthExpired
	}
	f.client.refresh = func(ctx context.Context, refreshToken string) (Token, error) {
		return Token{}, errors.New("invalid_grant")
	}

	_, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.ErrorIs(t, err, domain.ErrAuthExpired)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.True(t, state.NeedsReauth)

	// Subsequent syncs short-circuit until credentials are restored.
	_, err = f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.ErrorIs(t, err, domain.ErrAuthExpired)
}

func TestSyncSuspendsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.SuspendAfter = 3
	f := newSyncFixture(t, cfg)
	f.seedState(t, domain.SyncState{})

	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		return nil, errors.New("upstream unavailable")
	}

	for i := 0; i < 2; i++ {
		_, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
		require.Error(t, err)
		require.NotErrorIs(t, err, domain.ErrSourceSuspended)
	}

	_, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.ErrorIs(t, err, domain.ErrSourceSuspended)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.True(t, state.Suspended)

	// While suspended, syncs fail fast without touching the source.
	_, err = f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.ErrorIs(t, err, domain.ErrSourceSuspended)

	// Manual reset restores the key.
	require.NoError(t, f.orchestrator.ResetSuspension(ctx, "patient-1", domain.SourceWearable))
	state, err = f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.False(t, state.Suspended)
	require.Zero(t, state.ConsecutiveFailures)
}

func TestSyncCancellationIsNotAFailure(t *testing.T) {
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{})

	ctx, cancel := context.WithCancel(context.Background())
	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.ErrorIs(t, err, context.Canceled)

	state, err := f.states.Get(context.Background(), "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Zero(t, state.ConsecutiveFailures)
	require.False(t, state.Suspended)
}

func TestSyncWatermarkHoldsUntilBatchIsDurable(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	watermark := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	f.seedState(t, domain.SyncState{LastWatermark: watermark})

	// Fetch succeeds but every record is rejected: the watermark must not
	// move, so the next pass re-fetches the same window.
	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		return []ingest.RawRecord{
			{PatientID: "patient-1", Metric: "heart_rate", Timestamp: "2025-06-01T10:30:00Z", Value: 900, Source: "wearable"},
		}, nil
	}

	result, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, 1, result.Rejected)
	require.Zero(t, result.Stored)
	require.Equal(t, watermark, result.Watermark)

	state, err := f.states.Get(ctx, "patient-1", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, watermark, state.LastWatermark)
}

func TestSyncCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())
	f.seedState(t, domain.SyncState{})

	var fetches int32
	entered := make(chan struct{})
	release := make(chan struct{})
	f.client.fetch = func(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
		if atomic.AddInt32(&fetches, 1) == 1 {
			close(entered)
		}
		<-release
		return []ingest.RawRecord{hrRecord("2025-06-01T11:00:00Z", 70)}, nil
	}

	type outcome struct {
		result domain.SyncResult
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result, err := f.orchestrator.Sync(ctx, "patient-1", domain.SourceWearable)
			results <- outcome{result: result, err: err}
		}()
		if i == 0 {
			<-entered // the second call must arrive while the first is in flight
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.Equal(t, first.result, second.result)
	require.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestSaveCredentialsCreatesState(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, DefaultConfig())

	token := Token{AccessToken: "a", RefreshToken: "r", ExpiresAt: f.clock.Add(time.Hour)}
	require.NoError(t, f.orchestrator.SaveCredentials(ctx, "patient-2", domain.SourceWearable, token))

	state, err := f.states.Get(ctx, "patient-2", domain.SourceWearable)
	require.NoError(t, err)
	require.Equal(t, "a", state.AccessToken)
	require.False(t, state.NeedsReauth)
}
