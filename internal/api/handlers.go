// Package api exposes the engine's HTTP surface: manual and clinical entry
// points, alert review, and sync triggering.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/alert"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/auth"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/engine"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/syncer"
)

// Handler coordinates HTTP requests with the engine.
type Handler struct {
	pipeline     *engine.Pipeline
	biomarkers   domain.BiomarkerRepository
	alerts       domain.AlertRepository
	alertManager *alert.Manager
	orchestrator *syncer.Orchestrator
}

// NewHandler builds a Handler.
func NewHandler(pipeline *engine.Pipeline, biomarkers domain.BiomarkerRepository, alerts domain.AlertRepository, alertManager *alert.Manager, orchestrator *syncer.Orchestrator) *Handler {
	return &Handler{
		pipeline:     pipeline,
		biomarkers:   biomarkers,
		alerts:       alerts,
		alertManager: alertManager,
		orchestrator: orchestrator,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ingest", h.ingestBatch)
	mux.HandleFunc("/v1/patients/", h.patientResource)
	mux.HandleFunc("/v1/alerts/", h.alertResource)
	mux.HandleFunc("/v1/sync/", h.triggerSync)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// IngestRequest is the payload for POST /v1/ingest.
type IngestRequest struct {
	Records []ingest.RawRecord `json:"records"`
}

// RecordResult reports the per-record outcome of a batch ingest.
type RecordResult struct {
	SourceRecordID string `json:"source_record_id,omitempty"`
	Outcome        string `json:"outcome"`
	Error          string `json:"error,omitempty"`
}

// IngestResponse packages batch results.
type IngestResponse struct {
	Results []RecordResult `json:"results"`
}

func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeIngestWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope ingest:write required")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "records must not be empty")
		return
	}

	// Entry points only submit manual or clinical records; wearable data
	// arrives exclusively through the sync orchestrator.
	for _, record := range req.Records {
		source := domain.Source(record.Source)
		if source != domain.SourceManual && source != domain.SourceClinical {
			writeError(w, http.StatusBadRequest, "validation_failed", "source must be manual or clinical")
			return
		}
	}

	outcomes, err := h.pipeline.IngestBatch(r.Context(), req.Records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := IngestResponse{Results: make([]RecordResult, 0, len(outcomes))}
	for _, outcome := range outcomes {
		result := RecordResult{SourceRecordID: outcome.Record.RecordID, Outcome: string(outcome.Outcome)}
		if outcome.Err != nil {
			result.Outcome = "skipped"
			result.Error = outcome.Err.Error()
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// BiomarkerView exposes one computed biomarker value.
type BiomarkerView struct {
	Biomarker   string    `json:"biomarker_type"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Value       float64   `json:"value"`
	ComputedAt  time.Time `json:"computed_at"`
	SampleCount int       `json:"input_sample_count"`
}

// AlertView exposes one alert.
type AlertView struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	Biomarker       string    `json:"biomarker_type"`
	Band            string    `json:"band"`
	TriggeringValue float64   `json:"triggering_value"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

func (h *Handler) patientResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeAlertsRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope alerts:read required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/patients/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected /v1/patients/{id}/{biomarkers|alerts}")
		return
	}
	patientID := parts[0]

	switch parts[1] {
	case "biomarkers":
		h.listBiomarkers(w, r, patientID)
	case "alerts":
		h.listAlerts(w, r, patientID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown patient resource")
	}
}

func (h *Handler) listBiomarkers(w http.ResponseWriter, r *http.Request, patientID string) {
	biomarkerType := domain.Biomarker(r.URL.Query().Get("biomarker"))
	if biomarkerType == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing biomarker parameter")
		return
	}

	to := time.Now().UTC()
	from := to.Add(-14 * 24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid from timestamp")
			return
		}
		from = parsed.UTC()
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid to timestamp")
			return
		}
		to = parsed.UTC()
	}

	history, err := h.biomarkers.History(r.Context(), patientID, biomarkerType, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]BiomarkerView, 0, len(history))
	for _, v := range history {
		views = append(views, BiomarkerView{
			Biomarker:   string(v.Biomarker),
			WindowStart: v.WindowStart,
			WindowEnd:   v.WindowEnd,
			Value:       v.Value,
			ComputedAt:  v.ComputedAt,
			SampleCount: v.InputSampleCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": views})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request, patientID string) {
	alerts, err := h.alerts.ListByPatient(r.Context(), patientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]AlertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, toAlertView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": views})
}

func (h *Handler) alertResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeAlertsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope alerts:write required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/alerts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "ack" {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected /v1/alerts/{id}/ack")
		return
	}

	if err := h.alertManager.Acknowledge(r.Context(), parts[0]); err != nil {
		if errors.Is(err, domain.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "alert not found or not open")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.AlertAcknowledged)})
}

// SyncResponse reports a completed sync pass.
type SyncResponse struct {
	Fetched   int       `json:"fetched"`
	Stored    int       `json:"stored"`
	Rejected  int       `json:"rejected"`
	Watermark time.Time `json:"watermark"`
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:write required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/sync/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected /v1/sync/{patient_id}/{source}")
		return
	}

	result, err := h.orchestrator.Sync(r.Context(), parts[0], domain.Source(parts[1]))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSyncStateNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no credentials for patient/source")
		case errors.Is(err, domain.ErrSourceSuspended):
			writeError(w, http.StatusConflict, "source_suspended", err.Error())
		case errors.Is(err, domain.ErrAuthExpired):
			writeError(w, http.StatusConflict, "auth_expired", err.Error())
		case errors.Is(err, domain.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	// Run the analysis chain over the freshly synced data.
	if err := h.pipeline.Analyze(r.Context(), parts[0]); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Fetched:   result.Fetched,
		Stored:    result.Stored,
		Rejected:  result.Rejected,
		Watermark: result.Watermark,
	})
}

func toAlertView(a domain.Alert) AlertView {
	return AlertView{
		ID:              a.ID,
		PatientID:       a.PatientID,
		Biomarker:       string(a.Biomarker),
		Band:            string(a.Band),
		TriggeringValue: a.TriggeringValue,
		WindowStart:     a.WindowStart,
		WindowEnd:       a.WindowEnd,
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt,
		LastSeenAt:      a.LastSeenAt,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
