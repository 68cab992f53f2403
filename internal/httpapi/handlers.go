package httpapi

import (
	"errors"
	"net/http"

	"callgate/internal/calls"
	"callgate/internal/dispatch"
	"callgate/internal/queue"
	"callgate/internal/slots"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Dispatcher *dispatch.Dispatcher
	Queue      queue.CallQueue
	Ledger     slots.Ledger
	Notifier   CapacityNotifier
}

// CapacityNotifier wakes the drain loop after an enqueue.
type CapacityNotifier interface {
	CapacityChanged(tenantID string)
}

// --- Capacity ---

// StartCall reserves a slot and places the call, queues it, or denies it.
// The three-way outcome is always spelled out in the body; callers must
// branch on it, not on the HTTP status alone.
func (h Handlers) StartCall(c *gin.Context) {
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	var req dispatch.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Dispatcher.StartCall(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant_id, to and a valid class are required"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	switch res.Outcome {
	case slots.OutcomeQueued:
		c.JSON(http.StatusAccepted, res)
	case slots.OutcomeDenied:
		c.JSON(http.StatusTooManyRequests, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

// ReleaseSlot frees the slot held by a call. Idempotent: releasing an
// unknown or already-released call id succeeds.
func (h Handlers) ReleaseSlot(c *gin.Context) {
	if h.Ledger == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ledger not configured"})
		return
	}
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}
	if err := h.Ledger.Release(c.Request.Context(), callID); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// --- Queue ---

type enqueueRequest struct {
	TenantID  string          `json:"tenant_id"`
	Class     calls.CallClass `json:"class"`
	To        string          `json:"to"`
	AgentID   string          `json:"agent_id,omitempty"`
	ContactID string          `json:"contact_id,omitempty"`
}

// EnqueueCall puts a call on the backlog without a reservation attempt.
func (h Handlers) EnqueueCall(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue not configured"})
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.TenantID == "" || req.To == "" || !req.Class.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant_id, to and a valid class are required"})
		return
	}

	id, err := h.Queue.Enqueue(c.Request.Context(), queue.Entry{
		TenantID: req.TenantID,
		Class:    req.Class,
		Priority: queue.PriorityFor(req.Class),
		Payload: queue.DispatchPayload{
			To:        req.To,
			AgentID:   req.AgentID,
			ContactID: req.ContactID,
		},
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	pos, _, err := h.Queue.Position(c.Request.Context(), id)
	if err != nil {
		pos = 0
	}
	if h.Notifier != nil {
		h.Notifier.CapacityChanged(req.TenantID)
	}
	c.JSON(http.StatusAccepted, gin.H{"queue_entry_id": id, "position": pos})
}

// QueuePosition reports the 1-based position among still-queued entries.
func (h Handlers) QueuePosition(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue not configured"})
		return
	}
	id := c.Param("id")
	pos, queued, err := h.Queue.Position(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown queue entry"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "position lookup failed"})
		return
	}
	if !queued {
		// Already dispatching or cancelled; there is no position anymore.
		c.JSON(http.StatusOK, gin.H{"queue_entry_id": id, "position": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue_entry_id": id, "position": pos})
}

// CancelQueued removes a not-yet-dispatched entry. An entry that already
// moved to dispatching cannot be cancelled here; that needs a provider-side
// hangup.
func (h Handlers) CancelQueued(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue not configured"})
		return
	}
	id := c.Param("id")
	ok, err := h.Queue.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown queue entry"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "entry no longer queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
