package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/store/storetest"
)

func mustCreateSentIntent(t *testing.T, st *storetest.Store, providerMessageID string) *store.Intent {
	t.Helper()
	ctx := context.Background()
	in, err := st.CreateIntent(ctx, &store.Intent{
		RecipientKind: store.RecipientContact,
		ContactRef:    "contact-1",
		Content:       "hi",
		ScheduledAt:   time.Now(),
		Status:        store.StatusPending,
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	now := time.Now()
	updated, err := st.UpdateIntentStatus(ctx, in.ID, store.StatusSent, store.IntentStatusFields{
		ProviderMessageID: &providerMessageID,
		SentAt:            &now,
	}, false)
	if err != nil {
		t.Fatalf("UpdateIntentStatus to sent: %v", err)
	}
	return updated
}

func TestHandleAckTransitionsSentToDelivered(t *testing.T) {
	st := storetest.New()
	bus := events.New()
	sub := bus.Subscribe(4)
	l := New(st, bus)

	in := mustCreateSentIntent(t, st, "wamid.123")

	l.HandleAck("wamid.123", true)

	got, err := st.FindIntent(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("FindIntent: %v", err)
	}
	if got.Status != store.StatusDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindIntentStatus {
			t.Fatalf("expected intent_status event, got %s", e.Kind)
		}
	default:
		t.Fatalf("expected an intent_status event to be published")
	}
}

func TestHandleAckIsIdempotent(t *testing.T) {
	st := storetest.New()
	bus := events.New()
	l := New(st, bus)

	in := mustCreateSentIntent(t, st, "wamid.456")

	l.HandleAck("wamid.456", true)
	l.HandleAck("wamid.456", true) // second ack is a no-op

	got, err := st.FindIntent(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("FindIntent: %v", err)
	}
	if got.Status != store.StatusDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}
}

func TestHandleAckIgnoresUndeliveredOrUnknown(t *testing.T) {
	st := storetest.New()
	bus := events.New()
	l := New(st, bus)

	l.HandleAck("", true)
	l.HandleAck("wamid.not-delivered", false)
	l.HandleAck(uuid.NewString(), true) // no matching intent
}
