package queue

import (
	"context"
	"errors"
	"time"

	"callgate/internal/calls"
)

// Entry is one call waiting for a free slot.
//
// Ordering invariant within a tenant: priority descending, then FIFO by
// enqueue time. Direct calls carry a fixed high priority so they always
// outrank campaign calls that have not been dispatched yet.
type Entry struct {
	ID       string          `json:"id" db:"id"`
	TenantID string          `json:"tenant_id" db:"tenant_id"`
	Class    calls.CallClass `json:"class" db:"class"`
	Priority int             `json:"priority" db:"priority"`

	Payload DispatchPayload `json:"payload" db:"payload"`

	EnqueuedAt time.Time `json:"enqueued_at" db:"enqueued_at"`
	Status     Status    `json:"status" db:"status"`
}

// DispatchPayload carries everything needed to place the call later.
type DispatchPayload struct {
	To        string `json:"to"`
	AgentID   string `json:"agent_id,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
}

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusCancelled   Status = "cancelled"
)

const (
	PriorityDirect   = 100
	PriorityCampaign = 10
)

// PriorityFor returns the fixed priority for a call class.
func PriorityFor(class calls.CallClass) int {
	if class == calls.ClassCampaign {
		return PriorityCampaign
	}
	return PriorityDirect
}

var (
	ErrNotFound        = errors.New("queue: entry not found")
	ErrInvalidArgument = errors.New("queue: invalid argument")
)

// CallQueue is the backlog of calls waiting for capacity.
//
// NextFor is transactional: the returned entry atomically moves to
// "dispatching" so two concurrent drain attempts cannot pull the same entry.
// Requeue undoes that claim, restoring the entry at its original priority and
// enqueue time (used when the slot reservation races with another consumer).
type CallQueue interface {
	Enqueue(ctx context.Context, e Entry) (string, error)
	// Position returns the 1-based rank of a queued entry among queued entries
	// of its tenant. Dispatching and cancelled entries do not count. The bool
	// is false when the entry is no longer queued.
	Position(ctx context.Context, id string) (int, bool, error)
	NextFor(ctx context.Context, tenantID string) (Entry, bool, error)
	Requeue(ctx context.Context, id string) error
	// Complete removes a successfully dispatched entry.
	Complete(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) (bool, error)
	CountQueued(ctx context.Context, tenantID string, class calls.CallClass) (int, error)
}

// Less orders entries per the queue invariant.
func Less(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}
