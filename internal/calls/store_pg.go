package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callgate/pkg/utils"
)

// PGStore persists call records in Postgres via database/sql (pgx stdlib driver).
//
// NOTE: assumes a call_records table with a UNIQUE constraint on call_id and
// an index on provider_exec_id.
type PGStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, clock: time.Now}
}

const callColumns = `
call_id, tenant_id, class, provider_exec_id, to_number, agent_id, contact_id,
status, outcome, initiated_at, started_at, answered_at, ended_at, duration,
recording_url, transcript, recording_status, transcript_status, analysis_status,
finalized, created_at, updated_at
`

func (s *PGStore) Create(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" || rec.TenantID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	const q = `
INSERT INTO call_records (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (call_id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		rec.CallID, rec.TenantID, rec.Class, nullStr(rec.ProviderExecID), rec.To,
		nullStr(rec.AgentID), nullStr(rec.ContactID), rec.Status, nullStr(string(rec.Outcome)),
		rec.InitiatedAt, rec.StartedAt, rec.AnsweredAt, rec.EndedAt, rec.DurationSeconds,
		nullStr(rec.RecordingURL), nullStr(rec.Transcript),
		nullStr(string(rec.RecordingStatus)), nullStr(string(rec.TranscriptStatus)), nullStr(string(rec.AnalysisStatus)),
		rec.Finalized, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM call_records WHERE call_id = $1`
	return scanCall(s.db.QueryRowContext(ctx, q, callID))
}

func (s *PGStore) GetByExecID(ctx context.Context, providerExecID string) (CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM call_records WHERE provider_exec_id = $1`
	return scanCall(s.db.QueryRowContext(ctx, q, providerExecID))
}

func (s *PGStore) Mutate(ctx context.Context, callID string, fn func(*CallRecord) error) (CallRecord, error) {
	var out CallRecord
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Row lock serializes concurrent mutations of the same call.
		const sel = `SELECT ` + callColumns + ` FROM call_records WHERE call_id = $1 FOR UPDATE`
		rec, err := scanCall(tx.QueryRowContext(ctx, sel, callID))
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.clock().UTC()

		const upd = `
UPDATE call_records SET
  provider_exec_id = $2, status = $3, outcome = $4,
  started_at = $5, answered_at = $6, ended_at = $7, duration = $8,
  recording_url = $9, transcript = $10,
  recording_status = $11, transcript_status = $12, analysis_status = $13,
  finalized = $14, updated_at = $15
WHERE call_id = $1
`
		if _, err := tx.ExecContext(ctx, upd,
			rec.CallID, nullStr(rec.ProviderExecID), rec.Status, nullStr(string(rec.Outcome)),
			rec.StartedAt, rec.AnsweredAt, rec.EndedAt, rec.DurationSeconds,
			nullStr(rec.RecordingURL), nullStr(rec.Transcript),
			nullStr(string(rec.RecordingStatus)), nullStr(string(rec.TranscriptStatus)), nullStr(string(rec.AnalysisStatus)),
			rec.Finalized, rec.UpdatedAt,
		); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	var execID, agentID, contactID, outcome, recURL, transcript sql.NullString
	var recStatus, trStatus, anStatus sql.NullString
	err := row.Scan(
		&rec.CallID, &rec.TenantID, &rec.Class, &execID, &rec.To,
		&agentID, &contactID, &rec.Status, &outcome,
		&rec.InitiatedAt, &rec.StartedAt, &rec.AnsweredAt, &rec.EndedAt, &rec.DurationSeconds,
		&recURL, &transcript, &recStatus, &trStatus, &anStatus,
		&rec.Finalized, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	rec.ProviderExecID = execID.String
	rec.AgentID = agentID.String
	rec.ContactID = contactID.String
	rec.Outcome = Outcome(outcome.String)
	rec.RecordingURL = recURL.String
	rec.Transcript = transcript.String
	rec.RecordingStatus = SubStatus(recStatus.String)
	rec.TranscriptStatus = SubStatus(trStatus.String)
	rec.AnalysisStatus = SubStatus(anStatus.String)
	return rec, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
