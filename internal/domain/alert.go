package domain

import "time"

// Band names a risk classification for a biomarker value.
type Band string

const (
	BandNormal       Band = "normal"
	BandWarning      Band = "warning"
	BandCritical     Band = "critical"
	BandUnclassified Band = "unclassified"
)

// Severity orders bands for escalation decisions. Unclassified carries no
// severity and never opens or resolves an alert on its own.
func (b Band) Severity() int {
	switch b {
	case BandCritical:
		return 3
	case BandWarning:
		return 2
	case BandNormal:
		return 1
	default:
		return 0
	}
}

// AlertStatus tracks the alert lifecycle.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is the deduplicated, lifecycle-tracked record of a threshold breach
// or detector finding. At most one non-resolved alert exists per
// (PatientID, Biomarker) key.
type Alert struct {
	ID              string
	PatientID       string
	Biomarker       Biomarker
	Band            Band
	TriggeringValue float64
	WindowStart     time.Time
	WindowEnd       time.Time
	Status          AlertStatus
	CreatedAt       time.Time
	LastSeenAt      time.Time
}

// AlertTransition describes what an Alert Manager ingest did.
type AlertTransition string

const (
	TransitionNone      AlertTransition = "none"
	TransitionOpened    AlertTransition = "opened"
	TransitionRefreshed AlertTransition = "refreshed"
	TransitionResolved  AlertTransition = "resolved"
	TransitionReopened  AlertTransition = "reopened"
)

// AlertEvent is the payload handed to the notification collaborator on
// every open/resolve transition.
type AlertEvent struct {
	AlertID    string          `json:"alert_id"`
	PatientID  string          `json:"patient_id"`
	Biomarker  Biomarker       `json:"biomarker_type"`
	Band       Band            `json:"band"`
	Transition AlertTransition `json:"status_transition"`
	Value      float64         `json:"triggering_value"`
	OccurredAt time.Time       `json:"timestamp"`
}
