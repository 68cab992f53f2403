package pipeline

import (
	"context"
	"errors"
	"time"
)

// Stage names one post-call analysis step.
type Stage string

const (
	StageTranscribe   Stage = "transcribe"
	StageExtractLeads Stage = "extract_leads"
)

// Task is one durable unit of post-call work, keyed by (call id, stage).
//
// Tasks used to be bare in-process timers; they are durable now so a process
// restart cannot silently drop a scheduled analysis. Delivery is at-least-once
// and stages are idempotent per call id.
type Task struct {
	CallID   string `json:"call_id" db:"call_id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Stage    Stage  `json:"stage" db:"stage"`

	// RecordingURL is carried along for the transcribe stage.
	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	RunAt    time.Time  `json:"run_at" db:"run_at"`
	Status   TaskStatus `json:"status" db:"status"`
	Attempts int        `json:"attempts" db:"attempts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

var ErrInvalidTask = errors.New("pipeline: invalid task")

// TaskStore is the durable backlog of pipeline tasks.
//
// Schedule is idempotent on (call_id, stage): re-scheduling an existing task
// is a no-op, which is what absorbs duplicate "ended" deliveries upstream.
// Claim atomically moves due pending tasks to running so concurrent workers
// cannot run the same task twice.
type TaskStore interface {
	Schedule(ctx context.Context, t Task) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Task, error)
	MarkDone(ctx context.Context, callID string, stage Stage) error
	// MarkFailed either reschedules the task (attempts remaining) or parks it
	// as failed for out-of-band retry.
	MarkFailed(ctx context.Context, callID string, stage Stage, retryAt time.Time, maxAttempts int) error
}
