package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callgate/internal/calls"
)

// MemoryQueue keeps per-tenant backlogs in memory. Tenant backlogs are
// serialized independently so cross-tenant operations never share a lock.
type MemoryQueue struct {
	mu      sync.RWMutex
	tenants map[string]*tenantQueue

	// index maps entry id -> tenant id.
	index sync.Map

	clock func() time.Time
}

type tenantQueue struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tenants: make(map[string]*tenantQueue),
		clock:   time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e Entry) (string, error) {
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
	e.Status = StatusQueued

	tq := q.tenant(e.TenantID)
	tq.mu.Lock()
	tq.entries[e.ID] = &e
	tq.mu.Unlock()
	q.index.Store(e.ID, e.TenantID)
	return e.ID, nil
}

func (q *MemoryQueue) Position(ctx context.Context, id string) (int, bool, error) {
	tq, entry, err := q.find(id)
	if err != nil {
		return 0, false, err
	}
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if entry.Status != StatusQueued {
		return 0, false, nil
	}
	pos := 1
	for _, other := range tq.entries {
		if other.ID == entry.ID || other.Status != StatusQueued {
			continue
		}
		if Less(*other, *entry) {
			pos++
		}
	}
	return pos, true, nil
}

func (q *MemoryQueue) NextFor(ctx context.Context, tenantID string) (Entry, bool, error) {
	tq := q.tenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	queued := make([]*Entry, 0, len(tq.entries))
	for _, e := range tq.entries {
		if e.Status == StatusQueued {
			queued = append(queued, e)
		}
	}
	if len(queued) == 0 {
		return Entry{}, false, nil
	}
	sort.Slice(queued, func(i, j int) bool { return Less(*queued[i], *queued[j]) })

	head := queued[0]
	head.Status = StatusDispatching
	return *head, true, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	tq, entry, err := q.find(id)
	if err != nil {
		return err
	}
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if entry.Status == StatusDispatching {
		// Original priority and enqueue time are untouched, so the entry
		// returns to its old position rather than the back of the line.
		entry.Status = StatusQueued
	}
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	tq, _, err := q.find(id)
	if err != nil {
		return err
	}
	tq.mu.Lock()
	delete(tq.entries, id)
	tq.mu.Unlock()
	q.index.Delete(id)
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, id string) (bool, error) {
	tq, entry, err := q.find(id)
	if err != nil {
		return false, err
	}
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if entry.Status != StatusQueued {
		// Already dispatching or cancelled; dispatched calls need a
		// provider-side hangup, not a queue cancel.
		return false, nil
	}
	entry.Status = StatusCancelled
	return true, nil
}

func (q *MemoryQueue) CountQueued(ctx context.Context, tenantID string, class calls.CallClass) (int, error) {
	tq := q.tenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	n := 0
	for _, e := range tq.entries {
		if e.Status == StatusQueued && e.Class == class {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) find(id string) (*tenantQueue, *Entry, error) {
	v, ok := q.index.Load(id)
	if !ok {
		return nil, nil, ErrNotFound
	}
	tq := q.tenant(v.(string))
	tq.mu.Lock()
	entry, ok := tq.entries[id]
	tq.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	return tq, entry, nil
}

func (q *MemoryQueue) tenant(tenantID string) *tenantQueue {
	q.mu.RLock()
	tq, ok := q.tenants[tenantID]
	q.mu.RUnlock()
	if ok {
		return tq
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if tq, ok = q.tenants[tenantID]; ok {
		return tq
	}
	tq = &tenantQueue{entries: make(map[string]*Entry)}
	q.tenants[tenantID] = tq
	return tq
}
