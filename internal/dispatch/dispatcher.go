package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"callgate/internal/calls"
	"callgate/internal/observability"
	"callgate/internal/provider"
	"callgate/internal/queue"
	"callgate/internal/slots"
)

// Dispatcher owns the reserve-then-place sequence. The slot reservation and
// the provider dispatch attempt are one atomic unit: a reservation is always
// released when the provider call fails before acceptance.
type Dispatcher struct {
	Ledger slots.Ledger
	Queue  queue.CallQueue
	Calls  calls.Store
	Placer provider.CallPlacer

	// AnswerURL and HangupURL are handed to the provider per call.
	AnswerURL string
	HangupURL string

	// Notify, when set, is woken after every new enqueue. Without the wake a
	// release landing between Reserve and Enqueue leaves the entry stranded
	// against free capacity.
	Notify CapacityNotifier

	Log   *slog.Logger
	clock func() time.Time
}

func NewDispatcher(ledger slots.Ledger, q queue.CallQueue, store calls.Store, placer provider.CallPlacer, answerURL, hangupURL string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Ledger:    ledger,
		Queue:     q,
		Calls:     store,
		Placer:    placer,
		AnswerURL: answerURL,
		HangupURL: hangupURL,
		Log:       log,
		clock:     time.Now,
	}
}

// StartCallRequest is an inbound request to place an outbound call.
type StartCallRequest struct {
	TenantID  string          `json:"tenant_id"`
	Class     calls.CallClass `json:"class"`
	To        string          `json:"to"`
	AgentID   string          `json:"agent_id,omitempty"`
	ContactID string          `json:"contact_id,omitempty"`
}

// StartCallResult is the three-way outcome surfaced to the caller.
type StartCallResult struct {
	Outcome slots.Outcome `json:"outcome"`

	// CallID is set when the call was granted and placed.
	CallID string `json:"call_id,omitempty"`

	// QueueEntryID and Position are set when the call was queued.
	QueueEntryID string `json:"queue_entry_id,omitempty"`
	Position     int    `json:"position,omitempty"`

	Reason string `json:"reason,omitempty"`
}

var (
	ErrInvalidArgument = errors.New("dispatch: invalid argument")
	// errReservationLost signals that the drain loop lost the slot race to a
	// concurrent consumer; the queue entry must be requeued, not dropped.
	errReservationLost = errors.New("dispatch: reservation lost")
)

// StartCall reserves capacity and places the call, or queues it when the
// tenant is saturated.
func (d *Dispatcher) StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error) {
	if req.TenantID == "" || req.To == "" || !req.Class.Valid() {
		return StartCallResult{}, ErrInvalidArgument
	}

	callID := uuid.NewString()
	res, err := d.Ledger.Reserve(ctx, req.TenantID, req.Class, callID)
	if err != nil {
		return StartCallResult{}, err
	}
	observability.Reservations.WithLabelValues(string(req.Class), string(res.Outcome)).Inc()

	switch res.Outcome {
	case slots.OutcomeGranted:
		if err := d.placeReserved(ctx, callID, req); err != nil {
			return StartCallResult{}, err
		}
		return StartCallResult{Outcome: slots.OutcomeGranted, CallID: callID}, nil

	case slots.OutcomeQueued:
		entryID, err := d.Queue.Enqueue(ctx, queue.Entry{
			TenantID: req.TenantID,
			Class:    req.Class,
			Payload:  queue.DispatchPayload{To: req.To, AgentID: req.AgentID, ContactID: req.ContactID},
		})
		if err != nil {
			return StartCallResult{}, err
		}
		if d.Notify != nil {
			d.Notify.CapacityChanged(req.TenantID)
		}
		pos, _, err := d.Queue.Position(ctx, entryID)
		if err != nil {
			return StartCallResult{}, err
		}
		return StartCallResult{Outcome: slots.OutcomeQueued, QueueEntryID: entryID, Position: pos}, nil

	case slots.OutcomeDenied:
		return StartCallResult{Outcome: slots.OutcomeDenied, Reason: res.Reason}, nil
	}
	return StartCallResult{}, fmt.Errorf("dispatch: unknown reservation outcome %q", res.Outcome)
}

// placeReserved creates the call record and hands the call to the provider.
// The reservation is already held; failures up to and including PlaceCall
// release it before returning so the tenant never leaks a slot. Once the
// provider has accepted, the slot stays held regardless of what happens
// after: releasing then would admit another call while this one is live.
func (d *Dispatcher) placeReserved(ctx context.Context, callID string, req StartCallRequest) error {
	now := d.clock().UTC()
	rec := calls.CallRecord{
		CallID:      callID,
		TenantID:    req.TenantID,
		Class:       req.Class,
		To:          req.To,
		AgentID:     req.AgentID,
		ContactID:   req.ContactID,
		Status:      calls.StatusInitiated,
		InitiatedAt: now,
	}
	if err := d.Calls.Create(ctx, rec); err != nil {
		d.releaseSlot(ctx, callID)
		return err
	}

	placed, err := d.Placer.PlaceCall(ctx, provider.PlaceCallRequest{
		TenantID:  req.TenantID,
		CallID:    callID,
		To:        req.To,
		AgentID:   req.AgentID,
		AnswerURL: d.AnswerURL,
		HangupURL: d.HangupURL,
	})
	if err != nil {
		d.markDispatchFailed(ctx, callID)
		d.releaseSlot(ctx, callID)
		return err
	}

	// Post-accept: the call is live. A store failure here must not release
	// the slot; record the orphaned exec id so the call can still be
	// correlated by hand.
	if _, err := d.Calls.Mutate(ctx, callID, func(r *calls.CallRecord) error {
		r.ProviderExecID = placed.ProviderExecID
		return nil
	}); err != nil {
		d.Log.Error("provider exec id not stored", "call_id", callID, "provider_exec_id", placed.ProviderExecID, "err", err)
	}
	return nil
}

func (d *Dispatcher) releaseSlot(ctx context.Context, callID string) {
	if err := d.Ledger.Release(ctx, callID); err != nil {
		d.Log.Error("slot release after failed dispatch", "call_id", callID, "err", err)
	}
}

// markDispatchFailed closes the record for a call the provider never accepted.
// The record settles to the same terminal shape as any other non-completed
// outcome: completed status with skipped pipeline sub-statuses. Finalized is
// set so a stray webhook for this call cannot release a slot that was already
// released here.
func (d *Dispatcher) markDispatchFailed(ctx context.Context, callID string) {
	ended := d.clock().UTC()
	if _, err := d.Calls.Mutate(ctx, callID, func(r *calls.CallRecord) error {
		r.Status = calls.StatusCompleted
		r.Outcome = calls.OutcomeFailed
		r.EndedAt = &ended
		r.TranscriptStatus = calls.SubStatusSkipped
		r.AnalysisStatus = calls.SubStatusSkipped
		r.Finalized = true
		return nil
	}); err != nil {
		d.Log.Error("mark dispatch failed", "call_id", callID, "err", err)
	}
}

// dispatchEntry places a previously queued call. Called only from the
// per-tenant drain loop.
func (d *Dispatcher) dispatchEntry(ctx context.Context, e queue.Entry) error {
	callID := uuid.NewString()
	res, err := d.Ledger.Reserve(ctx, e.TenantID, e.Class, callID)
	if err != nil {
		return err
	}
	if res.Outcome != slots.OutcomeGranted {
		return errReservationLost
	}
	observability.Reservations.WithLabelValues(string(e.Class), string(res.Outcome)).Inc()

	return d.placeReserved(ctx, callID, StartCallRequest{
		TenantID:  e.TenantID,
		Class:     e.Class,
		To:        e.Payload.To,
		AgentID:   e.Payload.AgentID,
		ContactID: e.Payload.ContactID,
	})
}
