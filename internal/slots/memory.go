package slots

import (
	"context"
	"sync"
	"time"

	"callgate/internal/calls"
)

// MemoryLedger is the in-process Ledger. Counts are serialized per tenant so
// cross-tenant reservations never contend on the same lock.
type MemoryLedger struct {
	limits LimitResolver
	policy QueuePolicy
	credit CreditChecker

	mu      sync.RWMutex
	tenants map[string]*tenantSlots

	// callIndex maps callID -> tenantID so Release only needs the call id.
	callIndex sync.Map

	clock func() time.Time
}

type tenantSlots struct {
	mu sync.Mutex
	// byCall holds one reservation per active call.
	byCall map[string]reservation
	counts map[calls.CallClass]int
}

type reservation struct {
	class      calls.CallClass
	reservedAt time.Time
}

func NewMemoryLedger(limits LimitResolver, policy QueuePolicy, credit CreditChecker) *MemoryLedger {
	if policy == nil {
		policy = QueueAll
	}
	return &MemoryLedger{
		limits:  limits,
		policy:  policy,
		credit:  credit,
		tenants: make(map[string]*tenantSlots),
		clock:   time.Now,
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, tenantID string, class calls.CallClass, callID string) (Reservation, error) {
	if tenantID == "" || callID == "" || !class.Valid() {
		return Reservation{}, ErrInvalidArgument
	}

	// Credit gate runs before any counting; it may be a network call and must
	// not hold the tenant lock.
	if l.credit != nil {
		ok, reason, err := l.credit.CanSpend(ctx, tenantID)
		if err != nil {
			return Reservation{}, err
		}
		if !ok {
			if reason == "" {
				reason = ReasonNoCredit
			}
			return Reservation{Outcome: OutcomeDenied, Reason: reason}, nil
		}
	}

	limit := l.limits(tenantID, class)
	ts := l.tenant(tenantID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.byCall[callID]; ok {
		// Repeat reserve for the same call returns the existing grant.
		return Reservation{Outcome: OutcomeGranted, Active: ts.counts[class], Limit: limit}, nil
	}

	active := ts.counts[class]
	if active >= limit {
		if l.policy(class) {
			return Reservation{Outcome: OutcomeQueued, Active: active, Limit: limit}, nil
		}
		return Reservation{Outcome: OutcomeDenied, Reason: ReasonNoCapacity, Active: active, Limit: limit}, nil
	}

	ts.byCall[callID] = reservation{class: class, reservedAt: l.clock().UTC()}
	ts.counts[class] = active + 1
	l.callIndex.Store(callID, tenantID)
	return Reservation{Outcome: OutcomeGranted, Active: active + 1, Limit: limit}, nil
}

func (l *MemoryLedger) Release(ctx context.Context, callID string) error {
	if callID == "" {
		return ErrInvalidArgument
	}
	v, ok := l.callIndex.LoadAndDelete(callID)
	if !ok {
		return nil // no reservation, no-op
	}
	tenantID := v.(string)

	ts := l.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	res, ok := ts.byCall[callID]
	if !ok {
		return nil
	}
	delete(ts.byCall, callID)
	if ts.counts[res.class] > 0 {
		ts.counts[res.class]--
	}
	return nil
}

func (l *MemoryLedger) Active(ctx context.Context, tenantID string, class calls.CallClass) (int, error) {
	ts := l.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.counts[class], nil
}

func (l *MemoryLedger) tenant(tenantID string) *tenantSlots {
	l.mu.RLock()
	ts, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if ok {
		return ts
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts, ok = l.tenants[tenantID]; ok {
		return ts
	}
	ts = &tenantSlots{
		byCall: make(map[string]reservation),
		counts: make(map[calls.CallClass]int),
	}
	l.tenants[tenantID] = ts
	return ts
}
