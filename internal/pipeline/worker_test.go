package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"callgate/internal/calls"
	"callgate/internal/provider"
)

type fakeTranscriber struct {
	calls int32
	fail  bool
	last  provider.TranscriptionRequest
}

func (f *fakeTranscriber) RequestTranscription(ctx context.Context, req provider.TranscriptionRequest) error {
	atomic.AddInt32(&f.calls, 1)
	f.last = req
	if f.fail {
		return errors.New("transcription service down")
	}
	return nil
}

type fakeExtractor struct {
	calls int32
	fail  bool
}

func (f *fakeExtractor) ExtractLeads(ctx context.Context, req provider.LeadExtractionRequest) error {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return errors.New("extraction service down")
	}
	return nil
}

func endedRecord(callID string) calls.CallRecord {
	ended := time.Now().UTC().Add(-time.Minute)
	return calls.CallRecord{
		CallID:          callID,
		TenantID:        "t1",
		Class:           calls.ClassDirect,
		To:              "+15550001111",
		Status:          calls.StatusEnded,
		Outcome:         calls.OutcomeCompleted,
		EndedAt:         &ended,
		DurationSeconds: 30,
		RecordingURL:    "https://rec.example/r.mp3",
		Finalized:       true,
	}
}

func TestTrigger_SchedulesStagesForCompletedCalls(t *testing.T) {
	store := NewMemoryTaskStore()
	tr := NewTrigger(store, 2*time.Minute, 3*time.Minute, nil)

	rec := endedRecord("c1")
	if err := tr.CallEnded(context.Background(), rec); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}

	tt, ok := store.Get("c1", StageTranscribe)
	if !ok {
		t.Fatal("transcribe task not scheduled")
	}
	if want := rec.EndedAt.Add(2 * time.Minute); !tt.RunAt.Equal(want) {
		t.Fatalf("transcribe RunAt = %v, want %v", tt.RunAt, want)
	}
	if tt.RecordingURL != rec.RecordingURL {
		t.Fatalf("transcribe RecordingURL = %q", tt.RecordingURL)
	}
	et, ok := store.Get("c1", StageExtractLeads)
	if !ok {
		t.Fatal("extract task not scheduled")
	}
	if want := rec.EndedAt.Add(5 * time.Minute); !et.RunAt.Equal(want) {
		t.Fatalf("extract RunAt = %v, want %v", et.RunAt, want)
	}

	// Duplicate trigger is absorbed without resetting the tasks.
	if err := tr.CallEnded(context.Background(), rec); err != nil {
		t.Fatalf("duplicate CallEnded: %v", err)
	}
	again, _ := store.Get("c1", StageTranscribe)
	if !again.RunAt.Equal(tt.RunAt) {
		t.Fatal("duplicate trigger rescheduled the task")
	}
}

func TestTrigger_SkipsNonCompletedOutcomes(t *testing.T) {
	store := NewMemoryTaskStore()
	tr := NewTrigger(store, time.Minute, time.Minute, nil)

	rec := endedRecord("c2")
	rec.Outcome = calls.OutcomeBusy
	rec.RecordingURL = ""
	if err := tr.CallEnded(context.Background(), rec); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}
	if _, ok := store.Get("c2", StageTranscribe); ok {
		t.Fatal("busy call should not get a transcribe task")
	}
	if _, ok := store.Get("c2", StageExtractLeads); ok {
		t.Fatal("busy call should not get an extract task")
	}
}

func newTestWorker(store TaskStore, cs calls.Store, tr provider.Transcriber, ex provider.LeadExtractor) *Worker {
	w := NewWorker(store, cs, tr, ex, nil)
	w.RetryDelay = 0 // retried tasks are due again on the next pass
	w.MaxAttempts = 2
	return w
}

func TestWorker_RunsStagesAndCompletesCall(t *testing.T) {
	ctx := context.Background()
	tasks := NewMemoryTaskStore()
	cs := calls.NewMemoryStore()
	tr := &fakeTranscriber{}
	ex := &fakeExtractor{}

	rec := endedRecord("c1")
	if err := cs.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	trigger := NewTrigger(tasks, 0, 0, nil)
	if err := trigger.CallEnded(ctx, rec); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}

	w := newTestWorker(tasks, cs, tr, ex)
	w.RunOnce(ctx)

	if got := atomic.LoadInt32(&tr.calls); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1", got)
	}
	if tr.last.RecordingURL != rec.RecordingURL {
		t.Fatalf("transcription recording url = %q", tr.last.RecordingURL)
	}
	if got := atomic.LoadInt32(&ex.calls); got != 1 {
		t.Fatalf("extractor calls = %d, want 1", got)
	}

	final, err := cs.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != calls.StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.TranscriptStatus != calls.SubStatusScheduled {
		t.Fatalf("transcript status = %q, want scheduled", final.TranscriptStatus)
	}
	if final.AnalysisStatus != calls.SubStatusDone {
		t.Fatalf("analysis status = %q, want done", final.AnalysisStatus)
	}

	tk, _ := tasks.Get("c1", StageTranscribe)
	if tk.Status != TaskStatusDone {
		t.Fatalf("transcribe task status = %q", tk.Status)
	}
	tk, _ = tasks.Get("c1", StageExtractLeads)
	if tk.Status != TaskStatusDone {
		t.Fatalf("extract task status = %q", tk.Status)
	}

	// Another pass finds nothing due and calls nothing again.
	w.RunOnce(ctx)
	if got := atomic.LoadInt32(&tr.calls); got != 1 {
		t.Fatalf("transcriber re-ran: %d calls", got)
	}
}

func TestWorker_RetriesThenParksFailedTasks(t *testing.T) {
	ctx := context.Background()
	tasks := NewMemoryTaskStore()
	cs := calls.NewMemoryStore()
	tr := &fakeTranscriber{fail: true}
	ex := &fakeExtractor{}

	rec := endedRecord("c1")
	if err := cs.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tasks.Schedule(ctx, Task{
		CallID:       "c1",
		TenantID:     "t1",
		Stage:        StageTranscribe,
		RecordingURL: rec.RecordingURL,
		RunAt:        time.Now().UTC().Add(-time.Second),
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	w := newTestWorker(tasks, cs, tr, ex)
	w.RunOnce(ctx) // attempt 1, rescheduled
	w.RunOnce(ctx) // attempt 2, parked as failed
	w.RunOnce(ctx) // nothing left to claim

	if got := atomic.LoadInt32(&tr.calls); got != 2 {
		t.Fatalf("transcriber calls = %d, want 2", got)
	}
	tk, _ := tasks.Get("c1", StageTranscribe)
	if tk.Status != TaskStatusFailed {
		t.Fatalf("task status = %q, want failed", tk.Status)
	}
	if tk.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", tk.Attempts)
	}
}

func TestWorker_TranscribeWaitsForLateRecording(t *testing.T) {
	ctx := context.Background()
	tasks := NewMemoryTaskStore()
	cs := calls.NewMemoryStore()
	tr := &fakeTranscriber{}
	ex := &fakeExtractor{}

	rec := endedRecord("c1")
	rec.RecordingURL = ""
	if err := cs.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tasks.Schedule(ctx, Task{
		CallID:   "c1",
		TenantID: "t1",
		Stage:    StageTranscribe,
		RunAt:    time.Now().UTC().Add(-time.Second),
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	w := newTestWorker(tasks, cs, tr, ex)
	w.RunOnce(ctx)
	if got := atomic.LoadInt32(&tr.calls); got != 0 {
		t.Fatalf("transcriber called before recording arrived: %d", got)
	}

	// Recording webhook lands; the rescheduled task succeeds.
	if _, err := cs.Mutate(ctx, "c1", func(r *calls.CallRecord) error {
		r.RecordingURL = "https://rec.example/late.mp3"
		r.RecordingStatus = calls.SubStatusDone
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	w.RunOnce(ctx)
	if got := atomic.LoadInt32(&tr.calls); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1", got)
	}
	if tr.last.RecordingURL != "https://rec.example/late.mp3" {
		t.Fatalf("recording url = %q", tr.last.RecordingURL)
	}
	tk, _ := tasks.Get("c1", StageTranscribe)
	if tk.Status != TaskStatusDone {
		t.Fatalf("task status = %q", tk.Status)
	}
}
