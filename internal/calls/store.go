package calls

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrAlreadyExists   = errors.New("calls: call already exists")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Store is the persistence contract for call records.
//
// Mutate is a serialized read-modify-write on a single record: the store must
// guarantee that two concurrent Mutate calls for the same call id do not
// interleave. The Postgres implementation uses SELECT ... FOR UPDATE; the
// memory implementation a per-record lock.
type Store interface {
	Create(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, callID string) (CallRecord, error)
	GetByExecID(ctx context.Context, providerExecID string) (CallRecord, error)

	// Mutate loads the record, applies fn, and persists the result atomically.
	// fn may mutate the record in place; returning an error aborts the write.
	Mutate(ctx context.Context, callID string, fn func(*CallRecord) error) (CallRecord, error)
}

// MemoryStore is an in-memory Store used in tests and single-process setups.
type MemoryStore struct {
	mu     sync.RWMutex
	byCall map[string]*callEntry
	byExec map[string]string
	clock  func() time.Time
}

type callEntry struct {
	mu  sync.Mutex
	rec CallRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCall: make(map[string]*callEntry),
		byExec: make(map[string]string),
		clock:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" || rec.TenantID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCall[rec.CallID]; ok {
		return ErrAlreadyExists
	}
	s.byCall[rec.CallID] = &callEntry{rec: rec}
	if rec.ProviderExecID != "" {
		s.byExec[rec.ProviderExecID] = rec.CallID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	s.mu.RLock()
	e, ok := s.byCall[callID]
	s.mu.RUnlock()
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

func (s *MemoryStore) GetByExecID(ctx context.Context, providerExecID string) (CallRecord, error) {
	s.mu.RLock()
	callID, ok := s.byExec[providerExecID]
	s.mu.RUnlock()
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return s.Get(ctx, callID)
}

func (s *MemoryStore) Mutate(ctx context.Context, callID string, fn func(*CallRecord) error) (CallRecord, error) {
	s.mu.RLock()
	e, ok := s.byCall[callID]
	s.mu.RUnlock()
	if !ok {
		return CallRecord{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := e.rec
	if err := fn(&updated); err != nil {
		return CallRecord{}, err
	}
	updated.UpdatedAt = s.clock().UTC()
	e.rec = updated

	if updated.ProviderExecID != "" {
		s.mu.Lock()
		s.byExec[updated.ProviderExecID] = updated.CallID
		s.mu.Unlock()
	}
	return updated, nil
}
