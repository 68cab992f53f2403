package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"callgate/internal/audit"
	"callgate/internal/observability"
)

// CapacityNotifier receives non-blocking wakeups when a tenant's capacity or
// backlog may have changed.
type CapacityNotifier interface {
	CapacityChanged(tenantID string)
}

// Notifier wakes per-tenant drain loops when capacity changes (a slot was
// released or a new entry was queued).
//
// Each tenant gets exactly one drain goroutine: the loop that pops a queue
// entry, reserves a slot and places the call must be serialized per tenant or
// the same entry could dispatch twice. Signals coalesce through a buffered
// channel of size one, so a burst of releases triggers at most one extra pass.
type Notifier struct {
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	log        *slog.Logger

	// Faults, when set, records consumed-without-dispatch entries for
	// operator follow-up.
	Faults *audit.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tenants map[string]chan struct{}
}

func NewNotifier(d *Dispatcher, limiter *rate.Limiter, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		dispatcher: d,
		limiter:    limiter,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		tenants:    make(map[string]chan struct{}),
	}
}

// CapacityChanged signals that the tenant may have a free slot. Non-blocking.
func (n *Notifier) CapacityChanged(tenantID string) {
	if tenantID == "" {
		return
	}
	ch := n.tenantChan(tenantID)
	select {
	case ch <- struct{}{}:
	default: // a drain pass is already pending
	}
}

// Stop cancels all drain loops and waits for them to exit.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) tenantChan(tenantID string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.tenants[tenantID]
	if ok {
		return ch
	}
	ch = make(chan struct{}, 1)
	n.tenants[tenantID] = ch
	n.wg.Add(1)
	go n.drainLoop(tenantID, ch)
	return ch
}

func (n *Notifier) drainLoop(tenantID string, ch chan struct{}) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ch:
			n.drain(tenantID)
		}
	}
}

// drain moves queued entries into freed slots until the queue is empty or
// capacity runs out.
func (n *Notifier) drain(tenantID string) {
	for {
		if n.limiter != nil {
			if err := n.limiter.Wait(n.ctx); err != nil {
				return
			}
		}

		entry, ok, err := n.dispatcher.Queue.NextFor(n.ctx, tenantID)
		if err != nil {
			n.log.Error("queue claim failed", "tenant_id", tenantID, "err", err)
			return
		}
		if !ok {
			return
		}

		err = n.dispatcher.dispatchEntry(n.ctx, entry)
		switch {
		case err == nil:
			observability.Dispatches.WithLabelValues("ok").Inc()
			if err := n.dispatcher.Queue.Complete(n.ctx, entry.ID); err != nil {
				n.log.Error("queue complete failed", "entry_id", entry.ID, "err", err)
			}

		case errors.Is(err, errReservationLost):
			// Raced another consumer for the last slot. Put the entry back at
			// its original position and stop; the next release will wake us.
			observability.Dispatches.WithLabelValues("requeued").Inc()
			if err := n.dispatcher.Queue.Requeue(n.ctx, entry.ID); err != nil {
				n.log.Error("queue requeue failed", "entry_id", entry.ID, "err", err)
			}
			return

		default:
			// Provider dispatch failed. The slot was already released and the
			// call record marked failed; consume the entry so the queue does
			// not wedge on a poisoned item.
			observability.Dispatches.WithLabelValues("failed").Inc()
			n.log.Error("queued call dispatch failed", "tenant_id", tenantID, "entry_id", entry.ID, "err", err)
			n.Faults.DispatchFault(n.ctx, tenantID, "", err.Error())
			if err := n.dispatcher.Queue.Complete(n.ctx, entry.ID); err != nil {
				n.log.Error("queue complete failed", "entry_id", entry.ID, "err", err)
			}
		}
	}
}
