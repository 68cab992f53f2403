package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SlotReleaser frees the concurrency slot held by a call.
// Implemented by the slot ledger; release must be idempotent.
type SlotReleaser interface {
	Release(ctx context.Context, callID string) error
}

// CapacityNotifier wakes the dispatch scheduler after a slot frees up.
type CapacityNotifier interface {
	CapacityChanged(tenantID string)
}

// PostCallTrigger schedules the post-call analysis stages for an ended call.
// Scheduling must be idempotent per call id.
type PostCallTrigger interface {
	CallEnded(ctx context.Context, rec CallRecord) error
}

// Lifecycle is the canonical call state machine. It is the only component that
// mutates CallRecord status fields after creation.
//
// Processing rules:
//   - Transitions are monotonic; duplicate deliveries are absorbed silently.
//   - First-write-wins for answered/ended/duration/recording fields.
//   - End-of-call side effects (slot release, notifier wake, pipeline trigger)
//     run exactly once per call, no matter how many "ended" events arrive.
type Lifecycle struct {
	store    Store
	slots    SlotReleaser
	notifier CapacityNotifier
	trigger  PostCallTrigger
	clock    func() time.Time
	log      *slog.Logger
}

func NewLifecycle(store Store, slots SlotReleaser, notifier CapacityNotifier, trigger PostCallTrigger, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		store:    store,
		slots:    slots,
		notifier: notifier,
		trigger:  trigger,
		clock:    time.Now,
		log:      log,
	}
}

var ErrUnknownEvent = errors.New("calls: unknown event kind")

// Apply folds one canonical event into the call record and runs end-of-call
// side effects when the event finalizes the call.
func (l *Lifecycle) Apply(ctx context.Context, ev Event) (CallRecord, error) {
	rec, err := l.resolve(ctx, ev)
	if err != nil {
		return CallRecord{}, err
	}

	finalize := false
	updated, err := l.store.Mutate(ctx, rec.CallID, func(r *CallRecord) error {
		switch ev.Kind {
		case KindStatus:
			l.applyStatus(r, ev)
		case KindHangup:
			l.applyHangup(r, ev)
		case KindRecording:
			if r.RecordingURL == "" && ev.RecordingURL != "" {
				r.RecordingURL = ev.RecordingURL
				r.RecordingStatus = SubStatusDone
			}
		default:
			return ErrUnknownEvent
		}

		if ev.Transcript != "" && r.Transcript == "" {
			r.Transcript = ev.Transcript
			r.TranscriptStatus = SubStatusDone
		}

		// The finalized flag flips inside the same serialized mutation that
		// records the ended state, so duplicate hangups cannot double-run the
		// side effects below.
		if r.Status == StatusEnded && !r.Finalized {
			r.Finalized = true
			finalize = true
		}
		return nil
	})
	if err != nil {
		return CallRecord{}, err
	}

	if finalize {
		l.finalize(ctx, updated)
	}
	return updated, nil
}

func (l *Lifecycle) applyStatus(r *CallRecord, ev Event) {
	if !r.Status.Advances(ev.Status) {
		return // duplicate or out-of-order delivery, absorb
	}
	now := l.eventTime(ev)
	switch ev.Status {
	case StatusRinging:
		setIfUnset(&r.StartedAt, now)
	case StatusInProgress:
		setIfUnset(&r.StartedAt, now)
		setIfUnset(&r.AnsweredAt, now)
	case StatusEnded:
		setIfUnset(&r.EndedAt, now)
		if r.Outcome == "" {
			if r.AnsweredAt != nil || r.DurationSeconds > 0 {
				r.Outcome = OutcomeCompleted
			} else {
				r.Outcome = OutcomeFailed
			}
		}
	}
	r.Status = ev.Status
}

func (l *Lifecycle) applyHangup(r *CallRecord, ev Event) {
	if ev.AnswerTime != nil {
		setIfUnset(&r.AnsweredAt, *ev.AnswerTime)
	}
	if r.DurationSeconds == 0 && ev.DurationSeconds > 0 {
		r.DurationSeconds = ev.DurationSeconds
	}
	if r.Status.Advances(StatusEnded) {
		r.Status = StatusEnded
		setIfUnset(&r.EndedAt, l.eventTime(ev))
	}
	if r.Outcome == "" {
		answered := Answered(r.AnsweredAt != nil, r.DurationSeconds)
		r.Outcome = ClassifyHangup(ev.HangupCause, answered)
	}
}

// finalize runs the exactly-once end-of-call side effects. Failures here are
// logged for operator visibility but never surfaced to the provider: the
// webhook response has already been decided and provider retries would only
// amplify load.
func (l *Lifecycle) finalize(ctx context.Context, rec CallRecord) {
	if l.slots != nil {
		if err := l.slots.Release(ctx, rec.CallID); err != nil {
			l.log.Error("slot release failed", "call_id", rec.CallID, "err", err)
		}
	}
	if l.notifier != nil {
		l.notifier.CapacityChanged(rec.TenantID)
	}
	if l.trigger != nil {
		if err := l.trigger.CallEnded(ctx, rec); err != nil {
			l.log.Error("pipeline trigger failed", "call_id", rec.CallID, "err", err)
		}
	}

	// Mark the record completed once post-call bookkeeping is settled. Calls
	// that will never run the pipeline complete immediately; calls with
	// pipeline stages are completed by the pipeline worker.
	if rec.Outcome != OutcomeCompleted {
		if _, err := l.store.Mutate(ctx, rec.CallID, func(r *CallRecord) error {
			if r.Status.Advances(StatusCompleted) {
				r.Status = StatusCompleted
			}
			if r.TranscriptStatus == SubStatusNone {
				r.TranscriptStatus = SubStatusSkipped
			}
			if r.AnalysisStatus == SubStatusNone {
				r.AnalysisStatus = SubStatusSkipped
			}
			return nil
		}); err != nil {
			l.log.Error("call completion update failed", "call_id", rec.CallID, "err", err)
		}
	}
}

func (l *Lifecycle) resolve(ctx context.Context, ev Event) (CallRecord, error) {
	if ev.CallID != "" {
		return l.store.Get(ctx, ev.CallID)
	}
	if ev.ProviderExecID != "" {
		return l.store.GetByExecID(ctx, ev.ProviderExecID)
	}
	return CallRecord{}, ErrInvalidArgument
}

func (l *Lifecycle) eventTime(ev Event) time.Time {
	if !ev.OccurredAt.IsZero() {
		return ev.OccurredAt
	}
	return l.clock().UTC()
}

func setIfUnset(dst **time.Time, t time.Time) {
	if *dst == nil {
		tt := t
		*dst = &tt
	}
}
