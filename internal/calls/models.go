package calls

import "time"

// CallRecord is the canonical, tenant-scoped record of one outbound call.
//
// Multi-tenant invariant: TenantID is required on every row.
//
// Lifecycle invariant: exactly one CallRecord per CallID. Status moves forward
// only (see statusRank); re-applying an already-applied transition is a no-op.
// Records are never deleted, only marked ended/completed.
//
// NOTE: This is a domain model only. Provider vocabulary (raw hangup causes,
// webhook field names) must be translated at the adapter boundary and never
// stored here except as the already-classified Outcome.
type CallRecord struct {
	CallID   string    `json:"call_id" db:"call_id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Class    CallClass `json:"class" db:"class"`

	// ProviderExecID is the provider's execution/correlation id for this call.
	// Set once the provider has accepted the call.
	ProviderExecID string `json:"provider_exec_id,omitempty" db:"provider_exec_id"`

	To        string `json:"to" db:"to_number"`
	AgentID   string `json:"agent_id,omitempty" db:"agent_id"`
	ContactID string `json:"contact_id,omitempty" db:"contact_id"`

	Status  Status  `json:"status" db:"status"`
	Outcome Outcome `json:"outcome,omitempty" db:"outcome"`

	InitiatedAt time.Time  `json:"initiated_at" db:"initiated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is the connected duration reported by the provider.
	DurationSeconds int `json:"duration" db:"duration"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string `json:"transcript,omitempty" db:"transcript"`

	RecordingStatus  SubStatus `json:"recording_status,omitempty" db:"recording_status"`
	TranscriptStatus SubStatus `json:"transcript_status,omitempty" db:"transcript_status"`
	AnalysisStatus   SubStatus `json:"analysis_status,omitempty" db:"analysis_status"`

	// Finalized marks that the end-of-call side effects (slot release,
	// capacity notification, pipeline trigger) already ran for this record.
	// It guards the exactly-once requirement under duplicate delivery.
	Finalized bool `json:"finalized" db:"finalized"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CallClass distinguishes user-initiated calls from bulk campaign calls.
// Direct calls outrank campaign calls for queueing priority.
type CallClass string

const (
	ClassDirect   CallClass = "direct"
	ClassCampaign CallClass = "campaign"
)

func (c CallClass) Valid() bool {
	return c == ClassDirect || c == ClassCampaign
}

// Status is the canonical lifecycle state.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusEnded      Status = "ended"
	StatusCompleted  Status = "completed"
)

// statusRank orders canonical states for monotonic transitions.
var statusRank = map[Status]int{
	StatusInitiated:  0,
	StatusRinging:    1,
	StatusInProgress: 2,
	StatusEnded:      3,
	StatusCompleted:  4,
}

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Outcome is the canonical classification of how a call ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeBusy          Outcome = "busy"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeRejected      Outcome = "rejected"
	OutcomeNetworkError  Outcome = "network_error"
	OutcomeInvalidNumber Outcome = "invalid_number"
	OutcomeFailed        Outcome = "failed"
)

// SubStatus tracks post-call artifact progress independently of Status.
type SubStatus string

const (
	SubStatusNone      SubStatus = ""
	SubStatusScheduled SubStatus = "scheduled"
	SubStatusDone      SubStatus = "done"
	SubStatusFailed    SubStatus = "failed"
	SubStatusSkipped   SubStatus = "skipped"
)
