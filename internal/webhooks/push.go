package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"callgate/internal/audit"
	"callgate/internal/calls"
	"callgate/internal/observability"
	"callgate/pkg/logger"

	"github.com/gin-gonic/gin"
)

// EventApplier folds a canonical event into the call lifecycle.
type EventApplier interface {
	Apply(ctx context.Context, ev calls.Event) (calls.CallRecord, error)
}

// PushHandler ingests the JSON push status protocol.
//
// Response contract:
//   - 400 only for structurally invalid deliveries (no body, no id).
//   - 200 for everything else, including internal processing failures,
//     so the provider never schedules a retry storm. Absorbed failures go
//     to the fault log.
type PushHandler struct {
	Lifecycle EventApplier
	Faults    *audit.Service
}

type pushPayload struct {
	Status      string `json:"status"`
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	Transcript  string `json:"transcript"`

	TelephonyData *pushTelephonyData `json:"telephony_data"`
}

type pushTelephonyData struct {
	HangupCause  string      `json:"hangup_cause"`
	AnswerTime   string      `json:"answer_time"`
	Duration     json.Number `json:"duration"`
	RecordingURL string      `json:"recording_url"`
}

// pushStatuses maps the provider's status vocabulary to canonical states.
// Unknown statuses are acknowledged but not applied.
var pushStatuses = map[string]calls.Status{
	"initiated":   calls.StatusInitiated,
	"ringing":     calls.StatusRinging,
	"in-progress": calls.StatusInProgress,
	"in_progress": calls.StatusInProgress,
	"answered":    calls.StatusInProgress,
	"completed":   calls.StatusEnded,
	"ended":       calls.StatusEnded,
	"hangup":      calls.StatusEnded,
}

func (h PushHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	var p pushPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		observability.WebhookDeliveries.WithLabelValues("push_status", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid payload"})
		return
	}
	execID := p.ExecutionID
	if execID == "" {
		execID = p.ID
	}
	if execID == "" {
		observability.WebhookDeliveries.WithLabelValues("push_status", "invalid").Inc()
		log.Warn("push status without execution id", "status", p.Status)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "missing execution id"})
		return
	}

	ev, ok := p.toEvent(execID)
	if !ok {
		observability.WebhookDeliveries.WithLabelValues("push_status", "ignored").Inc()
		log.Warn("push status unrecognized", "status", p.Status, "execution_id", execID)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "unknown status"})
		return
	}

	rec, err := h.Lifecycle.Apply(c.Request.Context(), ev)
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("push_status", "error").Inc()
		log.Error("push status apply failed", "execution_id", execID, "err", err)
		h.fault(c, rec, execID, err)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "processing failed"})
		return
	}

	// A recording URL piggybacked on a status delivery is attached as its own
	// event so ordering against the recording callback stays first-write-wins.
	if p.TelephonyData != nil && p.TelephonyData.RecordingURL != "" {
		if _, err := h.Lifecycle.Apply(c.Request.Context(), calls.Event{
			ProviderExecID: execID,
			Kind:           calls.KindRecording,
			RecordingURL:   p.TelephonyData.RecordingURL,
		}); err != nil {
			log.Error("push recording attach failed", "execution_id", execID, "err", err)
			h.fault(c, rec, execID, err)
		}
	}

	observability.WebhookDeliveries.WithLabelValues("push_status", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "processed"})
}

func (h PushHandler) fault(c *gin.Context, rec calls.CallRecord, execID string, err error) {
	tenant := rec.TenantID
	if tenant == "" {
		tenant = "unknown"
	}
	h.Faults.WebhookFault(c.Request.Context(), tenant, rec.CallID, "push_status", err.Error(), `{"execution_id":"`+execID+`"}`)
}

func (p pushPayload) toEvent(execID string) (calls.Event, bool) {
	status, ok := pushStatuses[strings.ToLower(strings.TrimSpace(p.Status))]
	if !ok {
		return calls.Event{}, false
	}

	ev := calls.Event{
		ProviderExecID: execID,
		Kind:           calls.KindStatus,
		Status:         status,
		Transcript:     p.Transcript,
	}
	if status == calls.StatusEnded && p.TelephonyData != nil {
		ev.Kind = calls.KindHangup
		ev.HangupCause = p.TelephonyData.HangupCause
		ev.AnswerTime = parseAnswerTime(p.TelephonyData.AnswerTime)
		if d, err := p.TelephonyData.Duration.Int64(); err == nil {
			ev.DurationSeconds = int(d)
		}
	}
	return ev, true
}

// parseAnswerTime accepts the two timestamp shapes providers actually send.
func parseAnswerTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
