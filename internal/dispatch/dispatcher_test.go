package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callgate/internal/calls"
	"callgate/internal/provider"
	"callgate/internal/queue"
	"callgate/internal/slots"
)

type fakePlacer struct {
	placed     atomic.Int32
	fail       atomic.Bool
	lastCallID atomic.Value
}

func (f *fakePlacer) Name() string { return "fake" }

func (f *fakePlacer) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) (provider.PlaceCallResult, error) {
	f.lastCallID.Store(req.CallID)
	if f.fail.Load() {
		return provider.PlaceCallResult{}, errors.New("provider unavailable")
	}
	n := f.placed.Add(1)
	return provider.PlaceCallResult{
		ProviderExecID: fmt.Sprintf("exec-%d", n),
		AcceptedAt:     time.Now().UTC(),
	}, nil
}

func newTestDispatcher(limit int) (*Dispatcher, *slots.MemoryLedger, *queue.MemoryQueue, *calls.MemoryStore, *fakePlacer) {
	ledger := slots.NewMemoryLedger(
		func(tenantID string, class calls.CallClass) int { return limit },
		slots.QueueAll, nil,
	)
	q := queue.NewMemoryQueue()
	store := calls.NewMemoryStore()
	placer := &fakePlacer{}
	d := NewDispatcher(ledger, q, store, placer, "https://cb.example.com/answer", "https://cb.example.com/hangup", nil)
	return d, ledger, q, store, placer
}

func TestStartCall_GrantedCreatesRecordWithExecID(t *testing.T) {
	d, _, _, store, _ := newTestDispatcher(2)
	ctx := context.Background()

	res, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+15550001111"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Outcome != slots.OutcomeGranted {
		t.Fatalf("expected granted, got %q", res.Outcome)
	}
	rec, err := store.Get(ctx, res.CallID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != calls.StatusInitiated {
		t.Fatalf("expected initiated, got %q", rec.Status)
	}
	if rec.ProviderExecID == "" {
		t.Fatalf("expected provider exec id set after placement")
	}
}

func TestStartCall_ProviderFailureReleasesSlot(t *testing.T) {
	d, ledger, _, store, placer := newTestDispatcher(1)
	ctx := context.Background()
	placer.fail.Store(true)

	_, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+15550001111"})
	if err == nil {
		t.Fatalf("expected error from failed provider dispatch")
	}

	// The failed call's record settles to the same terminal shape as any
	// other non-completed outcome and is fenced against stray webhooks.
	failedID, _ := placer.lastCallID.Load().(string)
	rec, err := store.Get(ctx, failedID)
	if err != nil {
		t.Fatalf("failed call record: %v", err)
	}
	if rec.Status != calls.StatusCompleted || rec.Outcome != calls.OutcomeFailed || !rec.Finalized {
		t.Fatalf("dispatch-failed record not settled: status=%q outcome=%q finalized=%v", rec.Status, rec.Outcome, rec.Finalized)
	}
	if rec.TranscriptStatus != calls.SubStatusSkipped || rec.AnalysisStatus != calls.SubStatusSkipped {
		t.Fatalf("expected skipped sub-statuses, got %q/%q", rec.TranscriptStatus, rec.AnalysisStatus)
	}

	// The slot must not leak: the next reserve for the same tenant succeeds.
	n, _ := ledger.Active(ctx, "t1", calls.ClassDirect)
	if n != 0 {
		t.Fatalf("slot leaked: %d active after failed dispatch", n)
	}
	placer.fail.Store(false)
	res, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+15550002222"})
	if err != nil || res.Outcome != slots.OutcomeGranted {
		t.Fatalf("expected grant after release, got %v %q", err, res.Outcome)
	}
}

// execIDFlakyStore fails the first Mutate, simulating a store outage in the
// window after the provider accepted the call.
type execIDFlakyStore struct {
	calls.Store
	failNext atomic.Bool
}

func (s *execIDFlakyStore) Mutate(ctx context.Context, callID string, fn func(*calls.CallRecord) error) (calls.CallRecord, error) {
	if s.failNext.CompareAndSwap(true, false) {
		return calls.CallRecord{}, errors.New("store unavailable")
	}
	return s.Store.Mutate(ctx, callID, fn)
}

func TestStartCall_PostAcceptStoreFailureKeepsSlot(t *testing.T) {
	ledger := slots.NewMemoryLedger(
		func(tenantID string, class calls.CallClass) int { return 1 },
		slots.QueueAll, nil,
	)
	store := &execIDFlakyStore{Store: calls.NewMemoryStore()}
	placer := &fakePlacer{}
	d := NewDispatcher(ledger, queue.NewMemoryQueue(), store, placer, "https://cb.example.com/answer", "https://cb.example.com/hangup", nil)
	ctx := context.Background()

	// The exec-id write fails after the provider accepted. The call is live,
	// so the reservation must be kept and the call reported as placed.
	store.failNext.Store(true)
	res, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+1000"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Outcome != slots.OutcomeGranted {
		t.Fatalf("expected granted, got %q", res.Outcome)
	}
	if active, _ := ledger.Active(ctx, "t1", calls.ClassDirect); active != 1 {
		t.Fatalf("slot released while call live: %d active", active)
	}

	// The tenant is at its limit of 1: a second call must not be granted.
	res2, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+2000"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res2.Outcome == slots.OutcomeGranted {
		t.Fatalf("over-admission: second call granted while first is live")
	}
	if n := placer.placed.Load(); n != 1 {
		t.Fatalf("expected 1 provider call, got %d", n)
	}
}

func TestStartCall_QueuedReturnsPosition(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(1)
	ctx := context.Background()

	if res, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+1000"}); err != nil || res.Outcome != slots.OutcomeGranted {
		t.Fatalf("first call: %v %q", err, res.Outcome)
	}
	res, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+2000"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Outcome != slots.OutcomeQueued {
		t.Fatalf("expected queued, got %q", res.Outcome)
	}
	if res.QueueEntryID == "" || res.Position != 1 {
		t.Fatalf("expected queue entry at position 1, got %q pos=%d", res.QueueEntryID, res.Position)
	}
}

func TestStartCall_InvalidRequest(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(1)
	if _, err := d.StartCall(context.Background(), StartCallRequest{TenantID: "", Class: calls.ClassDirect, To: "+1"}); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := d.StartCall(context.Background(), StartCallRequest{TenantID: "t", Class: "bulk", To: "+1"}); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for bad class, got %v", err)
	}
}

func TestNotifier_DrainsQueuedCallAfterRelease(t *testing.T) {
	d, ledger, q, store, placer := newTestDispatcher(1)
	ctx := context.Background()

	n := NewNotifier(d, nil, nil)
	defer n.Stop()

	// Tenant with limit 1: A granted, B queued at position 1.
	resA, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+1000"})
	if err != nil || resA.Outcome != slots.OutcomeGranted {
		t.Fatalf("call A: %v %q", err, resA.Outcome)
	}
	resB, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+2000"})
	if err != nil || resB.Outcome != slots.OutcomeQueued || resB.Position != 1 {
		t.Fatalf("call B: %v %q pos=%d", err, resB.Outcome, resB.Position)
	}

	// A ends: slot released, scheduler notified.
	if err := ledger.Release(ctx, resA.CallID); err != nil {
		t.Fatalf("release: %v", err)
	}
	n.CapacityChanged("t1")

	// B must be granted a slot without manual intervention.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if placer.placed.Load() == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued call was not dispatched, placed=%d", placer.placed.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if cnt, _ := q.CountQueued(ctx, "t1", calls.ClassDirect); cnt != 0 {
		t.Fatalf("expected empty queue after drain, got %d", cnt)
	}
	active, _ := ledger.Active(ctx, "t1", calls.ClassDirect)
	if active != 1 {
		t.Fatalf("expected 1 active slot after drain, got %d", active)
	}
	rec, err := store.GetByExecID(ctx, "exec-2")
	if err != nil {
		t.Fatalf("drained call record: %v", err)
	}
	if rec.To != "+2000" {
		t.Fatalf("drained call placed wrong destination: %q", rec.To)
	}
}

// releaseDuringReserve frees the saturating call and signals the scheduler in
// the window between Reserve returning queued and the Enqueue commit. The
// drain pass it triggers runs against a still-empty queue.
type releaseDuringReserve struct {
	slots.Ledger
	notifier *Notifier
	victim   string
	once     sync.Once
}

func (l *releaseDuringReserve) Reserve(ctx context.Context, tenantID string, class calls.CallClass, callID string) (slots.Reservation, error) {
	res, err := l.Ledger.Reserve(ctx, tenantID, class, callID)
	if err == nil && res.Outcome == slots.OutcomeQueued {
		l.once.Do(func() {
			if relErr := l.Ledger.Release(ctx, l.victim); relErr != nil {
				panic(relErr)
			}
			l.notifier.CapacityChanged(tenantID)
		})
	}
	return res, err
}

func TestStartCall_EnqueueWakesScheduler(t *testing.T) {
	mem := slots.NewMemoryLedger(
		func(tenantID string, class calls.CallClass) int { return 1 },
		slots.QueueAll, nil,
	)
	raced := &releaseDuringReserve{Ledger: mem}
	q := queue.NewMemoryQueue()
	store := calls.NewMemoryStore()
	placer := &fakePlacer{}
	d := NewDispatcher(raced, q, store, placer, "https://cb.example.com/answer", "https://cb.example.com/hangup", nil)
	n := NewNotifier(d, nil, nil)
	defer n.Stop()
	d.Notify = n
	raced.notifier = n
	ctx := context.Background()

	resA, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+1000"})
	if err != nil || resA.Outcome != slots.OutcomeGranted {
		t.Fatalf("call A: %v %q", err, resA.Outcome)
	}
	raced.victim = resA.CallID

	// Call A's slot is released before B's entry lands in the queue. Only the
	// wake on enqueue keeps B from stranding against free capacity.
	resB, err := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+2000"})
	if err != nil {
		t.Fatalf("call B: %v", err)
	}
	if resB.Outcome != slots.OutcomeQueued {
		t.Fatalf("expected queued, got %q", resB.Outcome)
	}

	deadline := time.Now().Add(2 * time.Second)
	for placer.placed.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("entry stranded against free capacity, placed=%d", placer.placed.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cnt, _ := q.CountQueued(ctx, "t1", calls.ClassDirect); cnt != 0 {
		t.Fatalf("expected drained queue, got %d queued", cnt)
	}
}

func TestNotifier_RequeuesOnLostReservation(t *testing.T) {
	d, ledger, q, _, _ := newTestDispatcher(1)
	ctx := context.Background()

	n := NewNotifier(d, nil, nil)
	defer n.Stop()

	// Saturate the tenant, then enqueue directly.
	if res, _ := d.StartCall(ctx, StartCallRequest{TenantID: "t1", Class: calls.ClassDirect, To: "+1000"}); res.Outcome != slots.OutcomeGranted {
		t.Fatalf("expected grant")
	}
	entryID, err := q.Enqueue(ctx, queue.Entry{TenantID: "t1", Class: calls.ClassDirect, Payload: queue.DispatchPayload{To: "+2000"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Wake with no free capacity: the drain must put the entry back.
	n.CapacityChanged("t1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		pos, ok, err := q.Position(ctx, entryID)
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		if ok && pos == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not requeued, ok=%v pos=%d", ok, pos)
		}
		time.Sleep(5 * time.Millisecond)
	}
	active, _ := ledger.Active(ctx, "t1", calls.ClassDirect)
	if active != 1 {
		t.Fatalf("expected 1 active slot, got %d", active)
	}
}
