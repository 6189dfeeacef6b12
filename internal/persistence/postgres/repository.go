// Package postgres provides pgx-backed repositories for samples, biomarker
// values, alerts, and sync state.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// SampleRepository persists samples with priority-guarded upserts.
type SampleRepository struct {
	pool *pgxpool.Pool
}

// NewSampleRepository constructs a SampleRepository.
func NewSampleRepository(pool *pgxpool.Pool) *SampleRepository {
	return &SampleRepository{pool: pool}
}

// Upsert implements domain.SampleRepository. The whole decision runs in one
// transaction so the priority check and the write are atomic per key.
func (r *SampleRepository) Upsert(ctx context.Context, sample domain.Sample) (domain.UpsertOutcome, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	// A source always overwrites its own row. Only a first-time insert is
	// guarded: it is rejected when another source holds a strictly
	// higher-priority row at the same timestamp key.
	const guard = `SELECT
            COUNT(*) FILTER (WHERE source = $4) > 0,
            COALESCE(MAX(source_priority) FILTER (WHERE source <> $4), 0)
        FROM samples
        WHERE patient_id=$1 AND metric_type=$2 AND ts=$3`

	var ownRow bool
	var otherMaxPriority int
	if err := tx.QueryRow(ctx, guard, sample.PatientID, sample.Metric, sample.Timestamp.UTC(), sample.Source).Scan(&ownRow, &otherMaxPriority); err != nil {
		return "", err
	}
	if !ownRow && otherMaxPriority > sample.Source.Priority() {
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return domain.UpsertRejected, nil
	}

	const upsert = `INSERT INTO samples (patient_id, metric_type, ts, value, source, source_priority, source_record_id, ingested_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (patient_id, metric_type, ts, source)
        DO UPDATE SET value=EXCLUDED.value, source_record_id=EXCLUDED.source_record_id, ingested_at=EXCLUDED.ingested_at
        RETURNING (xmax = 0)`

	var inserted bool
	err = tx.QueryRow(ctx, upsert,
		sample.PatientID,
		sample.Metric,
		sample.Timestamp.UTC(),
		sample.Value,
		sample.Source,
		sample.Source.Priority(),
		nullIfEmpty(sample.SourceRecordID),
		sample.IngestedAt.UTC(),
	).Scan(&inserted)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	if inserted {
		return domain.UpsertInserted, nil
	}
	return domain.UpsertUpdated, nil
}

// Query implements domain.SampleRepository.
func (r *SampleRepository) Query(ctx context.Context, patientID string, metric domain.Metric, from, to time.Time) ([]domain.Sample, error) {
	const query = `SELECT patient_id, metric_type, ts, value, source, source_record_id, ingested_at
        FROM samples
        WHERE patient_id=$1 AND metric_type=$2 AND ts >= $3 AND ts < $4
        ORDER BY ts ASC, source_priority DESC`

	rows, err := r.pool.Query(ctx, query, patientID, metric, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.Sample, 0)
	for rows.Next() {
		var s domain.Sample
		var recordID *string
		if err := rows.Scan(&s.PatientID, &s.Metric, &s.Timestamp, &s.Value, &s.Source, &recordID, &s.IngestedAt); err != nil {
			return nil, err
		}
		if recordID != nil {
			s.SourceRecordID = *recordID
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// BiomarkerRepository persists derived values keyed by window.
type BiomarkerRepository struct {
	pool *pgxpool.Pool
}

// NewBiomarkerRepository constructs a BiomarkerRepository.
func NewBiomarkerRepository(pool *pgxpool.Pool) *BiomarkerRepository {
	return &BiomarkerRepository{pool: pool}
}

// Put implements domain.BiomarkerRepository: recomputation for the same
// window replaces the prior row.
func (r *BiomarkerRepository) Put(ctx context.Context, value domain.BiomarkerValue) error {
	const stmt = `INSERT INTO biomarker_values (patient_id, biomarker_type, window_start, window_end, value, computed_at, input_sample_count)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (patient_id, biomarker_type, window_start, window_end)
        DO UPDATE SET value=EXCLUDED.value, computed_at=EXCLUDED.computed_at, input_sample_count=EXCLUDED.input_sample_count`

	_, err := r.pool.Exec(ctx, stmt,
		value.PatientID,
		value.Biomarker,
		value.WindowStart.UTC(),
		value.WindowEnd.UTC(),
		value.Value,
		value.ComputedAt.UTC(),
		value.InputSampleCount,
	)
	return err
}

// History implements domain.BiomarkerRepository.
func (r *BiomarkerRepository) History(ctx context.Context, patientID string, biomarker domain.Biomarker, from, to time.Time) ([]domain.BiomarkerValue, error) {
	const query = `SELECT patient_id, biomarker_type, window_start, window_end, value, computed_at, input_sample_count
        FROM biomarker_values
        WHERE patient_id=$1 AND biomarker_type=$2 AND window_start >= $3 AND window_start < $4
        ORDER BY window_start ASC`

	rows, err := r.pool.Query(ctx, query, patientID, biomarker, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]domain.BiomarkerValue, 0)
	for rows.Next() {
		var v domain.BiomarkerValue
		if err := rows.Scan(&v.PatientID, &v.Biomarker, &v.WindowStart, &v.WindowEnd, &v.Value, &v.ComputedAt, &v.InputSampleCount); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// AlertRepository persists alert lifecycle state.
type AlertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository constructs an AlertRepository.
func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

const alertColumns = `alert_id, patient_id, biomarker_type, band, triggering_value, window_start, window_end, status, created_at, last_seen_at`

// Save implements domain.AlertRepository.
func (r *AlertRepository) Save(ctx context.Context, alert domain.Alert) error {
	const stmt = `INSERT INTO alerts (alert_id, patient_id, biomarker_type, band, triggering_value, window_start, window_end, status, created_at, last_seen_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (alert_id)
        DO UPDATE SET band=EXCLUDED.band, triggering_value=EXCLUDED.triggering_value, window_start=EXCLUDED.window_start,
            window_end=EXCLUDED.window_end, status=EXCLUDED.status, last_seen_at=EXCLUDED.last_seen_at`

	_, err := r.pool.Exec(ctx, stmt,
		alert.ID,
		alert.PatientID,
		alert.Biomarker,
		alert.Band,
		alert.TriggeringValue,
		alert.WindowStart.UTC(),
		alert.WindowEnd.UTC(),
		alert.Status,
		alert.CreatedAt.UTC(),
		alert.LastSeenAt.UTC(),
	)
	return err
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var a domain.Alert
	err := row.Scan(&a.ID, &a.PatientID, &a.Biomarker, &a.Band, &a.TriggeringValue, &a.WindowStart, &a.WindowEnd, &a.Status, &a.CreatedAt, &a.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get implements domain.AlertRepository.
func (r *AlertRepository) Get(ctx context.Context, alertID string) (*domain.Alert, error) {
	return scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id=$1`, alertID))
}

// Active implements domain.AlertRepository.
func (r *AlertRepository) Active(ctx context.Context, patientID string, biomarker domain.Biomarker) (*domain.Alert, error) {
	return scanAlert(r.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE patient_id=$1 AND biomarker_type=$2 AND status <> 'resolved' LIMIT 1`,
		patientID, biomarker))
}

// LastResolved implements domain.AlertRepository.
func (r *AlertRepository) LastResolved(ctx context.Context, patientID string, biomarker domain.Biomarker) (*domain.Alert, error) {
	return scanAlert(r.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE patient_id=$1 AND biomarker_type=$2 AND status = 'resolved' ORDER BY last_seen_at DESC LIMIT 1`,
		patientID, biomarker))
}

// ListByPatient implements domain.AlertRepository.
func (r *AlertRepository) ListByPatient(ctx context.Context, patientID string) ([]domain.Alert, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE patient_id=$1 ORDER BY created_at ASC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Biomarker, &a.Band, &a.TriggeringValue, &a.WindowStart, &a.WindowEnd, &a.Status, &a.CreatedAt, &a.LastSeenAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SyncStateRepository persists per-(patient, source) sync state.
type SyncStateRepository struct {
	pool *pgxpool.Pool
}

// NewSyncStateRepository constructs a SyncStateRepository.
func NewSyncStateRepository(pool *pgxpool.Pool) *SyncStateRepository {
	return &SyncStateRepository{pool: pool}
}

// Get implements domain.SyncStateRepository.
func (r *SyncStateRepository) Get(ctx context.Context, patientID string, source domain.Source) (*domain.SyncState, error) {
	const query = `SELECT patient_id, source, access_token, refresh_token, token_expires_at, last_watermark, consecutive_failures, needs_reauth, suspended
        FROM sync_states WHERE patient_id=$1 AND source=$2`

	var s domain.SyncState
	err := r.pool.QueryRow(ctx, query, patientID, source).Scan(
		&s.PatientID, &s.Source, &s.AccessToken, &s.RefreshToken, &s.TokenExpiresAt,
		&s.LastWatermark, &s.ConsecutiveFailures, &s.NeedsReauth, &s.Suspended,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSyncStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Save implements domain.SyncStateRepository.
func (r *SyncStateRepository) Save(ctx context.Context, state domain.SyncState) error {
	const stmt = `INSERT INTO sync_states (patient_id, source, access_token, refresh_token, token_expires_at, last_watermark, consecutive_failures, needs_reauth, suspended)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (patient_id, source)
        DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, token_expires_at=EXCLUDED.token_expires_at,
            last_watermark=EXCLUDED.last_watermark, consecutive_failures=EXCLUDED.consecutive_failures,
            needs_reauth=EXCLUDED.needs_reauth, suspended=EXCLUDED.suspended`

	_, err := r.pool.Exec(ctx, stmt,
		state.PatientID,
		state.Source,
		state.AccessToken,
		state.RefreshToken,
		state.TokenExpiresAt.UTC(),
		state.LastWatermark.UTC(),
		state.ConsecutiveFailures,
		state.NeedsReauth,
		state.Suspended,
	)
	return err
}

// List implements domain.SyncStateRepository.
func (r *SyncStateRepository) List(ctx context.Context) ([]domain.SyncState, error) {
	const query = `SELECT patient_id, source, access_token, refresh_token, token_expires_at, last_watermark, consecutive_failures, needs_reauth, suspended
        FROM sync_states ORDER BY patient_id, source`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]domain.SyncState, 0)
	for rows.Next() {
		var s domain.SyncState
		if err := rows.Scan(&s.PatientID, &s.Source, &s.AccessToken, &s.RefreshToken, &s.TokenExpiresAt,
			&s.LastWatermark, &s.ConsecutiveFailures, &s.NeedsReauth, &s.Suspended); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
