package domain

import "errors"

// Error taxonomy shared across the engine. Callers match with errors.Is;
// wrapping with fmt.Errorf("...: %w", ...) preserves the sentinel.
var (
	// ErrMalformedRecord indicates a raw record that cannot be decoded into
	// a canonical sample (missing fields, bad timestamp, unknown metric).
	ErrMalformedRecord = errors.New("malformed record")
	// ErrOutOfRangeValue indicates a decoded value outside the physically
	// plausible envelope for its metric.
	ErrOutOfRangeValue = errors.New("value outside plausible range")
	// ErrInsufficientData indicates a biomarker window with fewer samples
	// than the configured minimum.
	ErrInsufficientData = errors.New("insufficient data for biomarker window")
	// ErrInvalidThresholdConfig rejects overlapping or malformed band
	// configuration at load time.
	ErrInvalidThresholdConfig = errors.New("invalid threshold configuration")
	// ErrAuthExpired indicates the refresh grant failed; the source needs
	// manual reauthorization.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrRateLimited indicates the upstream API asked us to back off.
	ErrRateLimited = errors.New("rate limited by source")
	// ErrSourceSuspended indicates too many consecutive failures; syncing
	// is halted until an operator resets the source.
	ErrSourceSuspended = errors.New("source suspended")
	// ErrAlertNotFound is returned when an alert cannot be located.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrSyncStateNotFound is returned when no credentials exist for a
	// (patient, source) pair.
	ErrSyncStateNotFound = errors.New("sync state not found")
)
