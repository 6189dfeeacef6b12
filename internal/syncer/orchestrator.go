// Package syncer manages credential lifecycle and incremental polling
// against external wearable APIs, feeding fetched records through the
// ingestion normalizer into the sample store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/observability"
)

// Token is a credential set returned by a source's token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SourceClient is the capability contract a wearable vendor integration
// implements. The orchestrator depends on nothing vendor-specific.
type SourceClient interface {
	// Fetch returns raw records strictly after the since watermark. It
	// returns domain.ErrAuthExpired for rejected credentials and a
	// *RateLimitError when the source asks for backoff.
	Fetch(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error)
	// Refresh exchanges a refresh token for fresh credentials.
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// RateLimitError carries the source's retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is matches domain.ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == domain.ErrRateLimited }

// Config tunes the orchestrator.
type Config struct {
	// TokenExpirySkew refreshes tokens this long before nominal expiry.
	TokenExpirySkew time.Duration
	// MaxBackoff caps the wait honoured from a rate-limit hint.
	MaxBackoff time.Duration
	// MaxRateLimitRetries bounds in-call retries after rate limiting.
	MaxRateLimitRetries int
	// SuspendAfter is the consecutive-failure count that suspends a source.
	SuspendAfter int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TokenExpirySkew:     5 * time.Minute,
		MaxBackoff:          2 * time.Minute,
		MaxRateLimitRetries: 3,
		SuspendAfter:        5,
	}
}

// Orchestrator runs incremental syncs. Calls for the same (patient, source)
// key are coalesced: a request arriving while a sync for that key is in
// flight joins its result rather than starting a second task.
type Orchestrator struct {
	states     domain.SyncStateRepository
	samples    domain.SampleRepository
	normalizer *ingest.Normalizer
	clients    map[domain.Source]SourceClient
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	group singleflight.Group
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(
	states domain.SyncStateRepository,
	samples domain.SampleRepository,
	normalizer *ingest.Normalizer,
	clients map[domain.Source]SourceClient,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		states:     states,
		samples:    samples,
		normalizer: normalizer,
		clients:    clients,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sync performs one incremental sync pass for the (patient, source) key.
func (o *Orchestrator) Sync(ctx context.Context, patientID string, source domain.Source) (domain.SyncResult, error) {
	key := patientID + "|" + string(source)
	value, err, _ := o.group.Do(key, func() (interface{}, error) {
		return o.syncOnce(ctx, patientID, source)
	})
	if err != nil {
		return domain.SyncResult{}, err
	}
	return value.(domain.SyncResult), nil
}

func (o *Orchestrator) syncOnce(ctx context.Context, patientID string, source domain.Source) (domain.SyncResult, error) {
	client, ok := o.clients[source]
	if !ok {
		return domain.SyncResult{}, fmt.Errorf("no client registered for source %q", source)
	}

	state, err := o.states.Get(ctx, patientID, source)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if state.Suspended {
		return domain.SyncResult{}, fmt.Errorf("%w: %s/%s", domain.ErrSourceSuspended, patientID, source)
	}
	if state.NeedsReauth {
		return domain.SyncResult{}, fmt.Errorf("%w: %s/%s needs reauthorization", domain.ErrAuthExpired, patientID, source)
	}

	result := domain.SyncResult{PatientID: patientID, Source: source, Watermark: state.LastWatermark}

	if o.tokenExpired(*state) {
		if err := o.refreshToken(ctx, client, state); err != nil {
			return domain.SyncResult{}, o.recordFailure(ctx, state, err)
		}
		result.TokenRotated = true
	}

	records, err := o.fetchWithBackoff(ctx, client, state)
	if errors.Is(err, domain.ErrAuthExpired) && !result.TokenRotated {
		// The source rejected a nominally valid token; refresh once and
		// retry the fetch a single time.
		if refreshErr := o.refreshToken(ctx, client, state); refreshErr != nil {
			return domain.SyncResult{}, o.recordFailure(ctx, state, refreshErr)
		}
		result.TokenRotated = true
		records, err = o.fetchWithBackoff(ctx, client, state)
	}
	if err != nil {
		return domain.SyncResult{}, o.recordFailure(ctx, state, err)
	}

	result.Fetched = len(records)

	// Store everything first; the watermark advances only after the whole
	// batch is durable. A crash mid-batch re-fetches the same window, which
	// the store's idempotent upsert absorbs.
	maxTS := state.LastWatermark
	for _, res := range o.normalizer.NormalizeBatch(records) {
		if res.Err != nil {
			result.Rejected++
			continue
		}
		if _, err := o.samples.Upsert(ctx, res.Sample); err != nil {
			return domain.SyncResult{}, o.recordFailure(ctx, state, fmt.Errorf("store sample: %w", err))
		}
		result.Stored++
		if res.Sample.Timestamp.After(maxTS) {
			maxTS = res.Sample.Timestamp
		}
	}

	state.LastWatermark = maxTS
	state.ConsecutiveFailures = 0
	if err := o.states.Save(ctx, *state); err != nil {
		return domain.SyncResult{}, err
	}
	observability.RecordSyncFailures(string(source), 0)
	result.Watermark = maxTS

	o.logger.Info("sync completed",
		zap.String("patient_id", patientID),
		zap.String("source", string(source)),
		zap.Int("fetched", result.Fetched),
		zap.Int("stored", result.Stored),
		zap.Int("rejected", result.Rejected),
		zap.Time("watermark", maxTS),
	)
	return result, nil
}

func (o *Orchestrator) tokenExpired(state domain.SyncState) bool {
	return !o.now().Before(state.TokenExpiresAt.Add(-o.cfg.TokenExpirySkew))
}

// refreshToken performs the single refresh attempt the lifecycle allows.
// Failure marks the state as needing reauthorization; no further retries.
func (o *Orchestrator) refreshToken(ctx context.Context, client SourceClient, state *domain.SyncState) error {
	token, err := client.Refresh(ctx, state.RefreshToken)
	if err != nil {
		if ctx.Err() == nil {
			state.NeedsReauth = true
			if saveErr := o.states.Save(ctx, *state); saveErr != nil {
				return saveErr
			}
		}
		return fmt.Errorf("%w: refresh failed: %v", domain.ErrAuthExpired, err)
	}

	state.AccessToken = token.AccessToken
	state.RefreshToken = token.RefreshToken
	state.TokenExpiresAt = token.ExpiresAt
	if err := o.states.Save(ctx, *state); err != nil {
		return err
	}
	return nil
}

// fetchWithBackoff fetches incrementally, honouring rate-limit hints up to
// the configured cap and retry budget.
func (o *Orchestrator) fetchWithBackoff(ctx context.Context, client SourceClient, state *domain.SyncState) ([]ingest.RawRecord, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = o.cfg.MaxBackoff
	policy.Reset()

	var rateLimited *RateLimitError
	for attempt := 0; ; attempt++ {
		records, err := client.Fetch(ctx, state.PatientID, state.AccessToken, state.LastWatermark)
		if err == nil {
			return records, nil
		}
		if !errors.As(err, &rateLimited) {
			return nil, err
		}
		if attempt >= o.cfg.MaxRateLimitRetries {
			return nil, err
		}

		wait := rateLimited.RetryAfter
		if wait <= 0 {
			wait = policy.NextBackOff()
		}
		if wait > o.cfg.MaxBackoff {
			wait = o.cfg.MaxBackoff
		}
		o.logger.Warn("source rate limited, backing off",
			zap.String("patient_id", state.PatientID),
			zap.String("source", string(state.Source)),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1),
		)
		if err := o.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// recordFailure increments the consecutive failure count and suspends the
// source once the threshold is crossed. Cancellation is not a source
// failure and leaves the count untouched.
func (o *Orchestrator) recordFailure(ctx context.Context, state *domain.SyncState, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}

	state.ConsecutiveFailures++
	observability.RecordSyncFailures(string(state.Source), state.ConsecutiveFailures)
	if o.cfg.SuspendAfter > 0 && state.ConsecutiveFailures >= o.cfg.SuspendAfter {
		state.Suspended = true
	}
	// Persist failure accounting with a background context: the sync ctx
	// may already be expired even though the failure itself was not a
	// cancellation.
	saveCtx := ctx
	if saveCtx.Err() != nil {
		saveCtx = context.Background()
	}
	if err := o.states.Save(saveCtx, *state); err != nil {
		return errors.Join(cause, err)
	}

	if state.Suspended {
		o.logger.Error("source suspended after repeated failures",
			zap.String("patient_id", state.PatientID),
			zap.String("source", string(state.Source)),
			zap.Int("consecutive_failures", state.ConsecutiveFailures),
			zap.Error(cause),
		)
		return fmt.Errorf("%w: %v", domain.ErrSourceSuspended, cause)
	}
	return cause
}

// ResetSuspension clears suspension and failure accounting after manual
// operator intervention.
func (o *Orchestrator) ResetSuspension(ctx context.Context, patientID string, source domain.Source) error {
	state, err := o.states.Get(ctx, patientID, source)
	if err != nil {
		return err
	}
	state.Suspended = false
	state.NeedsReauth = false
	state.ConsecutiveFailures = 0
	return o.states.Save(ctx, *state)
}

// SaveCredentials stores a fresh credential set for the key, creating the
// sync state if none exists. Used by the authorization entry point.
func (o *Orchestrator) SaveCredentials(ctx context.Context, patientID string, source domain.Source, token Token) error {
	state, err := o.states.Get(ctx, patientID, source)
	if errors.Is(err, domain.ErrSyncStateNotFound) {
		state = &domain.SyncState{PatientID: patientID, Source: source}
	} else if err != nil {
		return err
	}
	state.AccessToken = token.AccessToken
	state.RefreshToken = token.RefreshToken
	state.TokenExpiresAt = token.ExpiresAt
	state.NeedsReauth = false
	return o.states.Save(ctx, *state)
}
