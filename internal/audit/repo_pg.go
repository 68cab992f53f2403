package audit

import (
	"context"
	"database/sql"
)

// PGRepo persists faults in Postgres.
//
// Schema:
//
//	CREATE TABLE faults (
//	    id         UUID PRIMARY KEY,
//	    tenant_id  TEXT NOT NULL,
//	    type       TEXT NOT NULL,
//	    call_id    TEXT,
//	    source     TEXT,
//	    message    TEXT,
//	    metadata   JSONB,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//
// INSERT-only; no UPDATE or DELETE path exists in code.
type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Append(ctx context.Context, f Fault) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO faults (id, tenant_id, type, call_id, source, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		f.ID, f.TenantID, string(f.Type), f.CallID, f.Source, f.Message, f.Metadata, f.CreatedAt,
	)
	return err
}
