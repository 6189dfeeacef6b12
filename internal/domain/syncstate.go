package domain

import "time"

// SyncState holds per-(patient, source) credentials and sync progress.
// It is owned exclusively by the sync orchestrator; no other component
// reads or mutates it.
type SyncState struct {
	PatientID           string
	Source              Source
	AccessToken         string // opaque, secret
	RefreshToken        string // opaque, secret
	TokenExpiresAt      time.Time
	LastWatermark       time.Time // latest timestamp fully and durably ingested
	ConsecutiveFailures int
	// NeedsReauth is set when a refresh grant fails; syncing resumes only
	// after new credentials are saved.
	NeedsReauth bool
	// Suspended is set after too many consecutive failures; a manual reset
	// is required. Fatal, never auto-retried.
	Suspended bool
}

// SyncResult summarises one completed sync pass.
type SyncResult struct {
	PatientID    string
	Source       Source
	Fetched      int
	Stored       int
	Rejected     int
	Watermark    time.Time
	TokenRotated bool
}
