package calls

import "time"

// Event is the single canonical event type both provider adapters translate
// into. Provider vocabulary (webhook field names, raw status strings) stops at
// the adapter boundary; the lifecycle state machine only ever sees Events.
type Event struct {
	// Exactly one of CallID / ProviderExecID must identify the call.
	CallID         string
	ProviderExecID string

	Kind EventKind

	// Status carries the canonical target state for KindStatus events.
	Status Status

	// Hangup fields (KindHangup).
	HangupCause     string
	AnswerTime      *time.Time
	DurationSeconds int

	// RecordingURL is set for KindRecording events.
	RecordingURL string

	// Transcript may arrive piggybacked on a push status webhook.
	Transcript string

	OccurredAt time.Time
}

type EventKind string

const (
	// KindStatus is a plain canonical state advance (ringing, in_progress, ...).
	KindStatus EventKind = "status"
	// KindHangup carries the provider hangup cause, answer signal and duration.
	KindHangup EventKind = "hangup"
	// KindRecording attaches a recording URL; it may arrive before or after
	// the hangup notification.
	KindRecording EventKind = "recording"
)
