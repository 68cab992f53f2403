package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callgate/internal/audit"
	"callgate/internal/calls"
	"callgate/internal/observability"
	"callgate/internal/provider"
)

// Worker drains the durable task backlog on a ticker. Any number of workers
// may run against the same store; Claim keeps them from racing.
type Worker struct {
	Store       TaskStore
	Calls       calls.Store
	Transcriber provider.Transcriber
	Extractor   provider.LeadExtractor

	Interval    time.Duration
	BatchSize   int
	RetryDelay  time.Duration
	MaxAttempts int

	// Faults, when set, records stage failures for operator follow-up.
	Faults *audit.Service

	Log   *slog.Logger
	clock func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(store TaskStore, callStore calls.Store, tr provider.Transcriber, ex provider.LeadExtractor, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		Store:       store,
		Calls:       callStore,
		Transcriber: tr,
		Extractor:   ex,
		Interval:    5 * time.Second,
		BatchSize:   16,
		RetryDelay:  30 * time.Second,
		MaxAttempts: 5,
		Log:         log,
		clock:       time.Now,
	}
}

// Start launches the drain loop. Stop blocks until the loop exits.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// RunOnce claims and runs one batch of due tasks. Exposed for tests and for
// callers that want to drive the loop themselves.
func (w *Worker) RunOnce(ctx context.Context) {
	tasks, err := w.Store.Claim(ctx, w.clock().UTC(), w.BatchSize)
	if err != nil {
		w.Log.Error("pipeline claim failed", "err", err)
		return
	}
	for _, t := range tasks {
		if err := w.run(ctx, t); err != nil {
			observability.PipelineTasks.WithLabelValues(string(t.Stage), "failed").Inc()
			w.Log.Error("pipeline stage failed",
				"call_id", t.CallID, "stage", t.Stage, "attempt", t.Attempts, "err", err)
			w.Faults.PipelineFault(ctx, t.TenantID, t.CallID, string(t.Stage), err.Error())
			retryAt := w.clock().UTC().Add(w.RetryDelay)
			if err := w.Store.MarkFailed(ctx, t.CallID, t.Stage, retryAt, w.MaxAttempts); err != nil {
				w.Log.Error("pipeline mark failed errored", "call_id", t.CallID, "stage", t.Stage, "err", err)
			}
			continue
		}
		observability.PipelineTasks.WithLabelValues(string(t.Stage), "ok").Inc()
		if err := w.Store.MarkDone(ctx, t.CallID, t.Stage); err != nil {
			w.Log.Error("pipeline mark done errored", "call_id", t.CallID, "stage", t.Stage, "err", err)
		}
	}
}

var errRecordingNotReady = errors.New("pipeline: recording not yet available")

func (w *Worker) run(ctx context.Context, t Task) error {
	switch t.Stage {
	case StageTranscribe:
		return w.runTranscribe(ctx, t)
	case StageExtractLeads:
		return w.runExtract(ctx, t)
	default:
		return ErrInvalidTask
	}
}

func (w *Worker) runTranscribe(ctx context.Context, t Task) error {
	url := t.RecordingURL
	if url == "" {
		// Recording webhooks can trail the hangup; re-read the record in case
		// the URL arrived after the task was scheduled.
		rec, err := w.Calls.Get(ctx, t.CallID)
		if err != nil {
			return err
		}
		url = rec.RecordingURL
	}
	if url == "" {
		return errRecordingNotReady
	}

	if err := w.Transcriber.RequestTranscription(ctx, provider.TranscriptionRequest{
		TenantID:     t.TenantID,
		CallID:       t.CallID,
		RecordingURL: url,
	}); err != nil {
		return err
	}

	_, err := w.Calls.Mutate(ctx, t.CallID, func(r *calls.CallRecord) error {
		if r.TranscriptStatus == calls.SubStatusNone {
			r.TranscriptStatus = calls.SubStatusScheduled
		}
		return nil
	})
	return err
}

func (w *Worker) runExtract(ctx context.Context, t Task) error {
	if err := w.Extractor.ExtractLeads(ctx, provider.LeadExtractionRequest{
		TenantID: t.TenantID,
		CallID:   t.CallID,
	}); err != nil {
		return err
	}

	// Lead extraction is the last stage; settle the record.
	_, err := w.Calls.Mutate(ctx, t.CallID, func(r *calls.CallRecord) error {
		r.AnalysisStatus = calls.SubStatusDone
		if r.Status.Advances(calls.StatusCompleted) {
			r.Status = calls.StatusCompleted
		}
		return nil
	})
	return err
}
