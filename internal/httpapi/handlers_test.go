package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callgate/internal/calls"
	"callgate/internal/dispatch"
	"callgate/internal/provider"
	"callgate/internal/queue"
	"callgate/internal/slots"

	"github.com/gin-gonic/gin"
)

type stubPlacer struct{ placed int }

func (p *stubPlacer) Name() string { return "stub" }

func (p *stubPlacer) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) (provider.PlaceCallResult, error) {
	p.placed++
	return provider.PlaceCallResult{ProviderExecID: "exec-" + req.CallID, AcceptedAt: time.Now()}, nil
}

type stubNotifier struct{ woken []string }

func (n *stubNotifier) CapacityChanged(tenantID string) { n.woken = append(n.woken, tenantID) }

func newRouter(t *testing.T, limit int, policy slots.QueuePolicy) (*gin.Engine, *stubNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := slots.NewMemoryLedger(slots.StaticLimits(limit, limit, nil), policy, nil)
	q := queue.NewMemoryQueue()
	store := calls.NewMemoryStore()
	d := dispatch.NewDispatcher(ledger, q, store, &stubPlacer{}, "https://core.example/answer", "https://core.example/hangup", nil)

	notifier := &stubNotifier{}
	h := Handlers{Dispatcher: d, Queue: q, Ledger: ledger, Notifier: notifier}

	r := gin.New()
	r.POST("/v1/calls/reserve", h.StartCall)
	r.POST("/v1/calls/:id/release", h.ReleaseSlot)
	r.POST("/v1/queue", h.EnqueueCall)
	r.GET("/v1/queue/:id/position", h.QueuePosition)
	r.DELETE("/v1/queue/:id", h.CancelQueued)
	return r, notifier
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartCall_ThreeWayOutcome(t *testing.T) {
	deny := func(class calls.CallClass) bool { return class == calls.ClassDirect }
	r, _ := newRouter(t, 1, deny)

	w := do(r, http.MethodPost, "/v1/calls/reserve", `{"tenant_id":"t1","class":"direct","to":"+15550001111"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("granted: status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"outcome":"granted"`) {
		t.Fatalf("granted body = %s", w.Body.String())
	}

	w = do(r, http.MethodPost, "/v1/calls/reserve", `{"tenant_id":"t1","class":"direct","to":"+15550002222"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("queued: status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"position":1`) {
		t.Fatalf("queued body = %s", w.Body.String())
	}

	w = do(r, http.MethodPost, "/v1/calls/reserve", `{"tenant_id":"t1","class":"campaign","to":"+15550003333"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("denied: status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"outcome":"denied"`) {
		t.Fatalf("denied body = %s", w.Body.String())
	}
}

func TestStartCall_InvalidRequest(t *testing.T) {
	r, _ := newRouter(t, 1, nil)
	w := do(r, http.MethodPost, "/v1/calls/reserve", `{"tenant_id":"t1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestReleaseSlot_UnknownCallIsNoOp(t *testing.T) {
	r, _ := newRouter(t, 1, nil)
	w := do(r, http.MethodPost, "/v1/calls/never-reserved/release", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestQueueEndpoints_EnqueuePositionCancel(t *testing.T) {
	r, notifier := newRouter(t, 1, nil)

	w := do(r, http.MethodPost, "/v1/queue", `{"tenant_id":"t1","class":"campaign","to":"+15550001111"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue: status = %d body = %s", w.Code, w.Body.String())
	}
	var id string
	body := w.Body.String()
	if i := strings.Index(body, `"queue_entry_id":"`); i >= 0 {
		rest := body[i+len(`"queue_entry_id":"`):]
		id = rest[:strings.Index(rest, `"`)]
	}
	if id == "" {
		t.Fatalf("no queue_entry_id in %s", body)
	}
	if len(notifier.woken) != 1 || notifier.woken[0] != "t1" {
		t.Fatalf("notifier wakes = %v", notifier.woken)
	}

	w = do(r, http.MethodGet, "/v1/queue/"+id+"/position", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"position":1`) {
		t.Fatalf("position: status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodDelete, "/v1/queue/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d body = %s", w.Code, w.Body.String())
	}

	// A cancelled entry cannot be cancelled again.
	w = do(r, http.MethodDelete, "/v1/queue/"+id, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel: status = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/v1/queue/unknown/position", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown position: status = %d", w.Code)
	}
}
