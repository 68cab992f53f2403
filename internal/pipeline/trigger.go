package pipeline

import (
	"context"
	"log/slog"
	"time"

	"callgate/internal/calls"
)

// Trigger schedules the post-call analysis stages when a call ends.
//
// Only answered calls with a recording to analyze (outcome "completed") get a
// pipeline; skipping unanswered calls keeps transcription cost and latency off
// calls that produced nothing to transcribe. That skip is an optimization, not
// an error path.
//
// The delays are scheduling hints: the first gives the provider time to
// finalize the recording artifact, the second gives the transcript time to
// propagate before lead extraction reads it.
type Trigger struct {
	Store TaskStore

	RecordingDelay  time.Duration
	TranscriptDelay time.Duration

	Log   *slog.Logger
	clock func() time.Time
}

func NewTrigger(store TaskStore, recordingDelay, transcriptDelay time.Duration, log *slog.Logger) *Trigger {
	if log == nil {
		log = slog.Default()
	}
	return &Trigger{
		Store:           store,
		RecordingDelay:  recordingDelay,
		TranscriptDelay: transcriptDelay,
		Log:             log,
		clock:           time.Now,
	}
}

// CallEnded evaluates the pipeline for an ended call. Safe to call more than
// once per call: scheduling is idempotent on (call id, stage).
func (t *Trigger) CallEnded(ctx context.Context, rec calls.CallRecord) error {
	if rec.Outcome != calls.OutcomeCompleted {
		t.Log.Debug("pipeline skipped", "call_id", rec.CallID, "outcome", rec.Outcome)
		return nil
	}

	end := t.clock().UTC()
	if rec.EndedAt != nil {
		end = rec.EndedAt.UTC()
	}

	if err := t.Store.Schedule(ctx, Task{
		CallID:       rec.CallID,
		TenantID:     rec.TenantID,
		Stage:        StageTranscribe,
		RecordingURL: rec.RecordingURL,
		RunAt:        end.Add(t.RecordingDelay),
	}); err != nil {
		return err
	}
	return t.Store.Schedule(ctx, Task{
		CallID:   rec.CallID,
		TenantID: rec.TenantID,
		Stage:    StageExtractLeads,
		RunAt:    end.Add(t.RecordingDelay + t.TranscriptDelay),
	})
}
