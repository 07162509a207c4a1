// Package delivery tracks provider delivery acknowledgements and
// reconciles them against the Intent state machine. Its handler is
// registered once with the Connection Manager and stays wired across
// every reconnect, so it needs no per-connection re-subscription logic
// of its own — only idempotent handling of whatever acks arrive.
package delivery

import (
	"context"
	"log"
	"time"

	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/store"
)

// Listener transitions sent intents to delivered as acks arrive. Errors
// are swallowed — delivery tracking is best-effort and must never block
// or crash the socket's read loop.
type Listener struct {
	st  store.Store
	bus *events.Bus
}

// New constructs a Listener.
func New(st store.Store, bus *events.Bus) *Listener {
	return &Listener{st: st, bus: bus}
}

// HandleAck is the connmgr.DeliveryAckHook: it's invoked for every
// delivery-ack frame the Connection Manager reads off the active
// connection stream, across every reconnect.
func (l *Listener) HandleAck(providerMessageID string, delivered bool) {
	if !delivered || providerMessageID == "" {
		return
	}
	ctx := context.Background()
	intents, err := l.st.ListByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		log.Printf("delivery: lookup %s: %v", providerMessageID, err)
		return
	}
	now := time.Now()
	for _, in := range intents {
		if in.Status != store.StatusSent {
			continue // idempotent: already delivered, or otherwise terminal
		}
		// fromAny=true: the in.Status != store.StatusSent check above
		// already gates this to the one legal sent->delivered promotion;
		// fromAny=false would reject it outright since StatusSent is
		// itself a terminal status in the backends' "not already
		// terminal" guard.
		updated, err := l.st.UpdateIntentStatus(ctx, in.ID, store.StatusDelivered, store.IntentStatusFields{
			DeliveredAt: &now,
		}, true)
		if err != nil {
			log.Printf("delivery: update %s: %v", in.ID, err)
			continue
		}
		if updated == nil {
			continue // intent gone by the time the update ran
		}
		if err := l.st.RecordIntentEvent(ctx, updated.ID, store.IntentEventDelivered, "", now); err != nil {
			log.Printf("delivery: record delivered event for %s: %v", updated.ID, err)
		}
		l.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceDelivery,
			Kind:      events.KindIntentStatus,
			Data: map[string]any{
				"intent_id": updated.ID,
				"status":    string(store.StatusDelivered),
			},
		})
	}
}
