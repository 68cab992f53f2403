package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"callgate/internal/calls"
)

// PGQueue persists the backlog in Postgres.
//
// NOTE: assumes a call_queue table keyed by id with an index on
// (tenant_id, status, priority DESC, enqueued_at ASC).
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent drain loops on different
// processes cannot pull the same entry twice.
type PGQueue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db, clock: time.Now}
}

func (q *PGQueue) Enqueue(ctx context.Context, e Entry) (string, error) {
	if e.TenantID == "" || !e.Class.Valid() {
		return "", ErrInvalidArgument
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Priority == 0 {
		e.Priority = PriorityFor(e.Class)
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.clock().UTC()
	}

	const ins = `
INSERT INTO call_queue (id, tenant_id, class, priority, to_number, agent_id, contact_id, enqueued_at, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'queued')
`
	_, err := q.db.ExecContext(ctx, ins,
		e.ID, e.TenantID, e.Class, e.Priority,
		e.Payload.To, nullStr(e.Payload.AgentID), nullStr(e.Payload.ContactID),
		e.EnqueuedAt,
	)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (q *PGQueue) Position(ctx context.Context, id string) (int, bool, error) {
	// Rank among queued entries of the same tenant only.
	const sel = `
SELECT (
  SELECT COUNT(*) + 1 FROM call_queue o
  WHERE o.tenant_id = e.tenant_id AND o.status = 'queued' AND o.id <> e.id
    AND (o.priority > e.priority OR (o.priority = e.priority AND o.enqueued_at < e.enqueued_at))
), e.status
FROM call_queue e WHERE e.id = $1
`
	var pos int
	var status string
	if err := q.db.QueryRowContext(ctx, sel, id).Scan(&pos, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	if Status(status) != StatusQueued {
		return 0, false, nil
	}
	return pos, true, nil
}

func (q *PGQueue) NextFor(ctx context.Context, tenantID string) (Entry, bool, error) {
	const claim = `
UPDATE call_queue SET status = 'dispatching'
WHERE id = (
  SELECT id FROM call_queue
  WHERE tenant_id = $1 AND status = 'queued'
  ORDER BY priority DESC, enqueued_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING id, tenant_id, class, priority, to_number, COALESCE(agent_id,''), COALESCE(contact_id,''), enqueued_at, status
`
	var e Entry
	err := q.db.QueryRowContext(ctx, claim, tenantID).Scan(
		&e.ID, &e.TenantID, &e.Class, &e.Priority,
		&e.Payload.To, &e.Payload.AgentID, &e.Payload.ContactID,
		&e.EnqueuedAt, &e.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (q *PGQueue) Requeue(ctx context.Context, id string) error {
	const upd = `UPDATE call_queue SET status = 'queued' WHERE id = $1 AND status = 'dispatching'`
	_, err := q.db.ExecContext(ctx, upd, id)
	return err
}

func (q *PGQueue) Complete(ctx context.Context, id string) error {
	const del = `DELETE FROM call_queue WHERE id = $1`
	_, err := q.db.ExecContext(ctx, del, id)
	return err
}

func (q *PGQueue) Cancel(ctx context.Context, id string) (bool, error) {
	const upd = `UPDATE call_queue SET status = 'cancelled' WHERE id = $1 AND status = 'queued'`
	res, err := q.db.ExecContext(ctx, upd, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "no longer queued" from "never existed".
	var exists bool
	if err := q.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (q *PGQueue) CountQueued(ctx context.Context, tenantID string, class calls.CallClass) (int, error) {
	const sel = `SELECT COUNT(*) FROM call_queue WHERE tenant_id = $1 AND class = $2 AND status = 'queued'`
	var n int
	if err := q.db.QueryRowContext(ctx, sel, tenantID, class).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
