package pipeline

import (
	"context"
	"database/sql"
	"time"

	"callgate/pkg/utils"
)

// PGTaskStore persists pipeline tasks in Postgres.
//
// NOTE: assumes a pipeline_tasks table with UNIQUE (call_id, stage); the
// unique key is what makes Schedule idempotent under duplicate triggers.
type PGTaskStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPGTaskStore(db *sql.DB) *PGTaskStore {
	return &PGTaskStore{db: db, clock: time.Now}
}

func (s *PGTaskStore) Schedule(ctx context.Context, t Task) error {
	if t.CallID == "" || t.Stage == "" {
		return ErrInvalidTask
	}
	now := s.clock().UTC()
	const ins = `
INSERT INTO pipeline_tasks (call_id, tenant_id, stage, recording_url, run_at, status, attempts, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$6)
ON CONFLICT (call_id, stage) DO NOTHING
`
	_, err := s.db.ExecContext(ctx, ins,
		t.CallID, t.TenantID, t.Stage,
		sql.NullString{String: t.RecordingURL, Valid: t.RecordingURL != ""},
		t.RunAt, now,
	)
	return err
}

func (s *PGTaskStore) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	var out []Task
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const claim = `
UPDATE pipeline_tasks SET status = 'running', attempts = attempts + 1, updated_at = $2
WHERE (call_id, stage) IN (
  SELECT call_id, stage FROM pipeline_tasks
  WHERE status = 'pending' AND run_at <= $1
  ORDER BY run_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT $3
)
RETURNING call_id, tenant_id, stage, COALESCE(recording_url,''), run_at, status, attempts, created_at, updated_at
`
		rows, err := tx.QueryContext(ctx, claim, now, s.clock().UTC(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t Task
			if err := rows.Scan(&t.CallID, &t.TenantID, &t.Stage, &t.RecordingURL, &t.RunAt, &t.Status, &t.Attempts, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGTaskStore) MarkDone(ctx context.Context, callID string, stage Stage) error {
	const upd = `UPDATE pipeline_tasks SET status = 'done', updated_at = $3 WHERE call_id = $1 AND stage = $2`
	_, err := s.db.ExecContext(ctx, upd, callID, stage, s.clock().UTC())
	return err
}

func (s *PGTaskStore) MarkFailed(ctx context.Context, callID string, stage Stage, retryAt time.Time, maxAttempts int) error {
	const upd = `
UPDATE pipeline_tasks SET
  status = CASE WHEN attempts >= $4 THEN 'failed' ELSE 'pending' END,
  run_at = CASE WHEN attempts >= $4 THEN run_at ELSE $3 END,
  updated_at = $5
WHERE call_id = $1 AND stage = $2
`
	_, err := s.db.ExecContext(ctx, upd, callID, stage, retryAt, maxAttempts, s.clock().UTC())
	return err
}
