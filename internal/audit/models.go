package audit

import "time"

// Fault is an immutable, append-only record of an internal failure that was
// deliberately hidden from an external caller.
//
// Webhook handlers always acknowledge the provider, dispatch drains consume
// poisoned entries, and pipeline stages fail silently toward the provider;
// this log is where those absorbed failures stay visible to operators.
//
// Invariants:
// - Faults are never updated or deleted.
// - tenant_id is required for tenancy isolation.
// - Recording a fault is best-effort; callers must not block critical flows
//   on a failed append.
type Fault struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Type     FaultType `json:"type" db:"type"`

	// CallID ties the fault to a call where one is known.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Source names the failing component or external collaborator.
	Source string `json:"source,omitempty" db:"source"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON with full details (raw payload, error chain).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type FaultType string

const (
	FaultTypeWebhook  FaultType = "webhook_fault"
	FaultTypePipeline FaultType = "pipeline_fault"
	FaultTypeDispatch FaultType = "dispatch_fault"
)
