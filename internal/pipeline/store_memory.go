package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTaskStore keeps pipeline tasks in memory. Test and single-process use.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[taskKey]*Task
	clock func() time.Time
}

type taskKey struct {
	callID string
	stage  Stage
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[taskKey]*Task),
		clock: time.Now,
	}
}

func (s *MemoryTaskStore) Schedule(ctx context.Context, t Task) error {
	if t.CallID == "" || t.Stage == "" {
		return ErrInvalidTask
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{t.CallID, t.Stage}
	if _, ok := s.tasks[key]; ok {
		return nil // duplicate schedule absorbed
	}
	now := s.clock().UTC()
	t.Status = TaskStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[key] = &t
	return nil
}

func (s *MemoryTaskStore) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Status == TaskStatusPending && !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Task, 0, len(due))
	for _, t := range due {
		t.Status = TaskStatusRunning
		t.Attempts++
		t.UpdatedAt = s.clock().UTC()
		out = append(out, *t)
	}
	return out, nil
}

func (s *MemoryTaskStore) MarkDone(ctx context.Context, callID string, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskKey{callID, stage}]; ok {
		t.Status = TaskStatusDone
		t.UpdatedAt = s.clock().UTC()
	}
	return nil
}

func (s *MemoryTaskStore) MarkFailed(ctx context.Context, callID string, stage Stage, retryAt time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey{callID, stage}]
	if !ok {
		return nil
	}
	if t.Attempts >= maxAttempts {
		t.Status = TaskStatusFailed
	} else {
		t.Status = TaskStatusPending
		t.RunAt = retryAt
	}
	t.UpdatedAt = s.clock().UTC()
	return nil
}

// Get is a test helper.
func (s *MemoryTaskStore) Get(callID string, stage Stage) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey{callID, stage}]
	if !ok {
		return Task{}, false
	}
	return *t, true
}
