package provider

import (
	"context"
	"time"
)

// CallPlacer places an outbound call with the telephony provider.
//
// Rules:
//   - No provider SDK/API calls outside this package.
//   - Requests are tenant-scoped (tenant_id required).
//   - The caller must hold a slot reservation before PlaceCall; a failed
//     PlaceCall obliges the caller to release the slot.
type CallPlacer interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

// PlaceCallRequest describes one outbound call attempt.
type PlaceCallRequest struct {
	TenantID string `json:"tenant_id"`
	CallID   string `json:"call_id"`

	// To is the recipient in E.164 where possible.
	To      string `json:"to"`
	AgentID string `json:"agent_id,omitempty"`

	// AnswerURL and HangupURL are the callback endpoints the provider must
	// hit for this call.
	AnswerURL string `json:"answer_url"`
	HangupURL string `json:"hangup_url"`
}

// PlaceCallResult is returned once the provider accepted the call.
type PlaceCallResult struct {
	// ProviderExecID is the provider's execution/correlation id.
	ProviderExecID string `json:"provider_exec_id"`

	AcceptedAt time.Time `json:"accepted_at"`
}

// Transcriber requests transcription of a finished call's recording. The
// transcript itself arrives later through the push status webhook.
type Transcriber interface {
	RequestTranscription(ctx context.Context, req TranscriptionRequest) error
}

type TranscriptionRequest struct {
	TenantID     string `json:"tenant_id"`
	CallID       string `json:"call_id"`
	RecordingURL string `json:"recording_url"`
}

// LeadExtractor runs lead extraction over a call's transcript.
type LeadExtractor interface {
	ExtractLeads(ctx context.Context, req LeadExtractionRequest) error
}

type LeadExtractionRequest struct {
	TenantID string `json:"tenant_id"`
	CallID   string `json:"call_id"`
}

// CreditChecker asks the external billing collaborator whether a tenant may
// spend call capacity right now. Accounting itself is out of scope here.
type CreditChecker interface {
	CanSpend(ctx context.Context, tenantID string) (ok bool, reason string, err error)
}
