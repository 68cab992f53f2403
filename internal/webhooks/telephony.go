package webhooks

import (
	"net/http"
	"strconv"
	"time"

	"callgate/internal/audit"
	"callgate/internal/calls"
	"callgate/internal/observability"
	"callgate/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TelephonyHandler ingests the form-encoded callback protocol: the answer
// query, the hangup notification and the recording notification. All three
// are keyed by the provider call correlation id (CallUUID).
//
// Every endpoint replies 200 regardless of internal outcome; a provider that
// gets a 5xx from a hangup callback retries it, and a retried hangup buys
// nothing because the state machine is idempotent anyway.
type TelephonyHandler struct {
	Lifecycle EventApplier
	Faults    *audit.Service

	// Route decides how to bridge an answered call from the caller-supplied
	// hints. Injected so routing policy stays out of the adapter.
	Route func(form AnswerForm) AnswerDecision
}

// AnswerForm carries the destination hints the provider sends on answer.
type AnswerForm struct {
	CallUUID string
	From     string
	To       string
	AgentID  string
}

func (h TelephonyHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)

	form := AnswerForm{
		CallUUID: c.PostForm("CallUUID"),
		From:     c.PostForm("From"),
		To:       c.PostForm("To"),
		AgentID:  c.PostForm("AgentID"),
	}

	if form.CallUUID != "" {
		if _, err := h.Lifecycle.Apply(c.Request.Context(), calls.Event{
			ProviderExecID: form.CallUUID,
			Kind:           calls.KindStatus,
			Status:         calls.StatusInProgress,
		}); err != nil {
			log.Error("answer apply failed", "call_uuid", form.CallUUID, "err", err)
			h.Faults.WebhookFault(c.Request.Context(), "unknown", "", "telephony_answer", err.Error(), "")
		}
	}

	decision := AnswerDecision{Record: true}
	if h.Route != nil {
		decision = h.Route(form)
	}

	xmlBody, err := renderAnswerXML(decision)
	if err != nil {
		// Still 200: an empty response document just lets the call proceed.
		observability.WebhookDeliveries.WithLabelValues("answer", "error").Inc()
		log.Error("answer xml render failed", "call_uuid", form.CallUUID, "err", err)
		c.Data(http.StatusOK, "application/xml", []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
		return
	}
	observability.WebhookDeliveries.WithLabelValues("answer", "ok").Inc()
	c.Data(http.StatusOK, "application/xml", []byte(xmlBody))
}

func (h TelephonyHandler) HandleHangup(c *gin.Context) {
	log := logger.FromGin(c)

	callUUID := c.PostForm("CallUUID")
	if callUUID == "" {
		observability.WebhookDeliveries.WithLabelValues("hangup", "invalid").Inc()
		log.Warn("hangup callback without call uuid")
		c.String(http.StatusOK, "ok")
		return
	}

	duration, _ := strconv.Atoi(c.PostForm("Duration"))
	ev := calls.Event{
		ProviderExecID:  callUUID,
		Kind:            calls.KindHangup,
		HangupCause:     c.PostForm("HangupCause"),
		AnswerTime:      parseAnswerTime(c.PostForm("AnswerTime")),
		DurationSeconds: duration,
	}
	if endTime := parseAnswerTime(c.PostForm("EndTime")); endTime != nil {
		ev.OccurredAt = *endTime
	}

	rec, err := h.Lifecycle.Apply(c.Request.Context(), ev)
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("hangup", "error").Inc()
		log.Error("hangup apply failed", "call_uuid", callUUID, "err", err)
		h.faultFor(c, rec, "telephony_hangup", err)
		c.String(http.StatusOK, "ok")
		return
	}
	observability.WebhookDeliveries.WithLabelValues("hangup", "ok").Inc()
	c.String(http.StatusOK, "ok")
}

func (h TelephonyHandler) HandleRecording(c *gin.Context) {
	log := logger.FromGin(c)

	callUUID := c.PostForm("CallUUID")
	recordingURL := c.PostForm("RecordUrl")
	if callUUID == "" || recordingURL == "" {
		observability.WebhookDeliveries.WithLabelValues("recording", "invalid").Inc()
		log.Warn("recording callback incomplete", "call_uuid", callUUID)
		c.String(http.StatusOK, "ok")
		return
	}

	rec, err := h.Lifecycle.Apply(c.Request.Context(), calls.Event{
		ProviderExecID: callUUID,
		Kind:           calls.KindRecording,
		RecordingURL:   recordingURL,
		OccurredAt:     occurredNow(c.PostForm("RecordingEndMs")),
	})
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("recording", "error").Inc()
		log.Error("recording apply failed", "call_uuid", callUUID, "err", err)
		h.faultFor(c, rec, "telephony_recording", err)
		c.String(http.StatusOK, "ok")
		return
	}
	observability.WebhookDeliveries.WithLabelValues("recording", "ok").Inc()
	c.String(http.StatusOK, "ok")
}

func (h TelephonyHandler) faultFor(c *gin.Context, rec calls.CallRecord, source string, err error) {
	tenant := rec.TenantID
	if tenant == "" {
		tenant = "unknown"
	}
	h.Faults.WebhookFault(c.Request.Context(), tenant, rec.CallID, source, err.Error(), "")
}

// occurredNow converts the provider's epoch-millis field when present.
func occurredNow(ms string) time.Time {
	if ms == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
