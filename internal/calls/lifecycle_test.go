package calls

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReleaser struct{ count atomic.Int32 }

func (f *fakeReleaser) Release(ctx context.Context, callID string) error {
	f.count.Add(1)
	return nil
}

type fakeNotifier struct{ count atomic.Int32 }

func (f *fakeNotifier) CapacityChanged(tenantID string) { f.count.Add(1) }

type fakeTrigger struct {
	count atomic.Int32
	last  CallRecord
}

func (f *fakeTrigger) CallEnded(ctx context.Context, rec CallRecord) error {
	f.count.Add(1)
	f.last = rec
	return nil
}

func seededLifecycle(t *testing.T) (*Lifecycle, *MemoryStore, *fakeReleaser, *fakeNotifier, *fakeTrigger) {
	t.Helper()
	store := NewMemoryStore()
	rel := &fakeReleaser{}
	not := &fakeNotifier{}
	trg := &fakeTrigger{}
	lc := NewLifecycle(store, rel, not, trg, nil)

	err := store.Create(context.Background(), CallRecord{
		CallID:         "call-1",
		TenantID:       "t1",
		Class:          ClassDirect,
		ProviderExecID: "exec-1",
		To:             "+15550001111",
		Status:         StatusInitiated,
		InitiatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	return lc, store, rel, not, trg
}

func TestLifecycle_DuplicateHangupReleasesOnce(t *testing.T) {
	lc, _, rel, not, trg := seededLifecycle(t)
	ctx := context.Background()

	ev := Event{CallID: "call-1", Kind: KindHangup, HangupCause: "NORMAL_CLEARING", DurationSeconds: 42}
	rec, err := lc.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("first hangup: %v", err)
	}
	if rec.Status != StatusEnded {
		t.Fatalf("expected ended, got %q", rec.Status)
	}
	if rec.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %q", rec.Outcome)
	}

	// Duplicate delivery must be absorbed silently.
	if _, err := lc.Apply(ctx, ev); err != nil {
		t.Fatalf("duplicate hangup: %v", err)
	}

	if got := rel.count.Load(); got != 1 {
		t.Fatalf("expected exactly 1 slot release, got %d", got)
	}
	if got := not.count.Load(); got != 1 {
		t.Fatalf("expected exactly 1 capacity notification, got %d", got)
	}
	if got := trg.count.Load(); got != 1 {
		t.Fatalf("expected exactly 1 pipeline trigger evaluation, got %d", got)
	}
}

func TestLifecycle_UnansweredCallSkipsPipelineAndCompletes(t *testing.T) {
	lc, store, _, _, trg := seededLifecycle(t)
	ctx := context.Background()

	_, err := lc.Apply(ctx, Event{CallID: "call-1", Kind: KindHangup, HangupCause: "USER_BUSY"})
	if err != nil {
		t.Fatalf("hangup: %v", err)
	}

	// The trigger is still evaluated once (it decides to skip), and the record
	// completes immediately since no pipeline stages will run.
	if got := trg.count.Load(); got != 1 {
		t.Fatalf("expected 1 trigger evaluation, got %d", got)
	}
	rec, err := store.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Outcome != OutcomeBusy {
		t.Fatalf("expected busy, got %q", rec.Outcome)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %q", rec.Status)
	}
	if rec.TranscriptStatus != SubStatusSkipped || rec.AnalysisStatus != SubStatusSkipped {
		t.Fatalf("expected skipped sub-statuses, got %q / %q", rec.TranscriptStatus, rec.AnalysisStatus)
	}
}

func TestLifecycle_RecordingBeforeHangup(t *testing.T) {
	lc, store, _, _, _ := seededLifecycle(t)
	ctx := context.Background()

	if _, err := lc.Apply(ctx, Event{CallID: "call-1", Kind: KindRecording, RecordingURL: "https://cdn.example.com/rec1.mp3"}); err != nil {
		t.Fatalf("recording: %v", err)
	}
	answered := time.Now().UTC().Add(-30 * time.Second)
	if _, err := lc.Apply(ctx, Event{CallID: "call-1", Kind: KindHangup, HangupCause: "NORMAL_CLEARING", AnswerTime: &answered, DurationSeconds: 30}); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	rec, _ := store.Get(ctx, "call-1")
	if rec.RecordingURL != "https://cdn.example.com/rec1.mp3" {
		t.Fatalf("expected recording url preserved, got %q", rec.RecordingURL)
	}
	if rec.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %q", rec.Outcome)
	}
	if rec.AnsweredAt == nil || !rec.AnsweredAt.Equal(answered) {
		t.Fatalf("expected answer time set first-write-wins")
	}
}

func TestLifecycle_OutOfOrderStatusAbsorbed(t *testing.T) {
	lc, store, _, _, _ := seededLifecycle(t)
	ctx := context.Background()

	if _, err := lc.Apply(ctx, Event{ProviderExecID: "exec-1", Kind: KindStatus, Status: StatusInProgress}); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	// Late ringing must not regress the state.
	if _, err := lc.Apply(ctx, Event{ProviderExecID: "exec-1", Kind: KindStatus, Status: StatusRinging}); err != nil {
		t.Fatalf("late ringing: %v", err)
	}
	rec, _ := store.Get(ctx, "call-1")
	if rec.Status != StatusInProgress {
		t.Fatalf("expected in_progress after late ringing, got %q", rec.Status)
	}
	if rec.AnsweredAt == nil {
		t.Fatalf("expected answered time set on in_progress")
	}
}

func TestLifecycle_UnknownCallIsNotFound(t *testing.T) {
	lc, _, _, _, _ := seededLifecycle(t)
	if _, err := lc.Apply(context.Background(), Event{CallID: "nope", Kind: KindHangup}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := lc.Apply(context.Background(), Event{Kind: KindHangup}); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for missing ids, got %v", err)
	}
}
