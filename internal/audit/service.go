package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for fault records.
//
// It MUST be append-only. No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, f Fault) error
}

// Service records internal faults for operator visibility.
//
// Callers treat fault logging as best-effort: an append failure is logged
// and swallowed, never propagated into the flow that produced the fault.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidFault = errors.New("audit: invalid fault")

func (s *Service) Append(ctx context.Context, f Fault) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if f.TenantID == "" {
		return ErrInvalidFault
	}
	if f.Type == "" {
		return ErrInvalidFault
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, f)
}

// record appends and downgrades any append failure to a log line.
func (s *Service) record(ctx context.Context, f Fault) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, f); err != nil {
		s.log.Error("fault append failed", "type", f.Type, "call_id", f.CallID, "err", err)
	}
}

// WebhookFault records a webhook delivery whose internal processing failed
// after the provider was already acknowledged.
func (s *Service) WebhookFault(ctx context.Context, tenantID, callID, source, message, metadata string) {
	s.record(ctx, Fault{
		TenantID: tenantID,
		Type:     FaultTypeWebhook,
		CallID:   callID,
		Source:   source,
		Message:  message,
		Metadata: metadata,
	})
}

// PipelineFault records a post-call stage failure.
func (s *Service) PipelineFault(ctx context.Context, tenantID, callID, stage, message string) {
	s.record(ctx, Fault{
		TenantID: tenantID,
		Type:     FaultTypePipeline,
		CallID:   callID,
		Source:   stage,
		Message:  message,
	})
}

// DispatchFault records a queue entry that was consumed without dispatching.
func (s *Service) DispatchFault(ctx context.Context, tenantID, callID, message string) {
	s.record(ctx, Fault{
		TenantID: tenantID,
		Type:     FaultTypeDispatch,
		CallID:   callID,
		Source:   "dispatch",
		Message:  message,
	})
}
