package slots

import (
	"context"
	"errors"

	"callgate/internal/calls"
)

// Ledger tracks active outbound-call slots per tenant and call class and hands
// out reservations atomically: two concurrent Reserve calls for the last free
// slot must never both be granted.
//
// Reserve happens-before the external dispatch attempt. Callers that fail to
// place the call after a grant MUST Release the slot before propagating the
// error, otherwise the tenant leaks a capacity unit.
type Ledger interface {
	Reserve(ctx context.Context, tenantID string, class calls.CallClass, callID string) (Reservation, error)
	// Release frees the slot held by callID. Idempotent; releasing a callID
	// with no reservation is a no-op.
	Release(ctx context.Context, callID string) error
	Active(ctx context.Context, tenantID string, class calls.CallClass) (int, error)
}

// Outcome is the three-way reservation result. It is a tagged variant, not an
// error: callers must handle every branch.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeQueued  Outcome = "queued"
	OutcomeDenied  Outcome = "denied"
)

// Reservation is the result of a Reserve call.
type Reservation struct {
	Outcome Outcome `json:"outcome"`
	// Reason is set for denied reservations.
	Reason string `json:"reason,omitempty"`
	// Active and Limit describe tenant capacity at decision time.
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

const (
	ReasonNoCapacity = "no_capacity"
	ReasonNoCredit   = "no_credit"
)

var ErrInvalidArgument = errors.New("slots: invalid argument")

// LimitResolver returns the concurrency limit for a tenant and call class.
type LimitResolver func(tenantID string, class calls.CallClass) int

// QueuePolicy reports whether a call class may queue when capacity is
// exhausted. Classes that may not queue are denied instead.
type QueuePolicy func(class calls.CallClass) bool

// QueueAll is the default policy: every class prefers queueing over rejection.
func QueueAll(calls.CallClass) bool { return true }

// CreditChecker is the external billing collaborator. It only answers whether
// the tenant currently has capacity to spend; accounting stays outside this
// core.
type CreditChecker interface {
	CanSpend(ctx context.Context, tenantID string) (ok bool, reason string, err error)
}

// StaticLimits builds a LimitResolver from per-class defaults plus optional
// per-tenant overrides keyed by tenant id.
func StaticLimits(directLimit, campaignLimit int, overrides map[string]int) LimitResolver {
	return func(tenantID string, class calls.CallClass) int {
		if n, ok := overrides[tenantID]; ok && n > 0 {
			return n
		}
		if class == calls.ClassCampaign {
			return campaignLimit
		}
		return directLimit
	}
}
