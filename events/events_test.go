package events

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceDispatcher, Kind: KindIntentStatus})

	select {
	case e := <-ch:
		if e.Kind != KindIntentStatus {
			t.Fatalf("expected kind %q, got %q", KindIntentStatus, e.Kind)
		}
	default:
		t.Fatal("expected buffered event to be available immediately")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"}) // dropped, buffer full

	got := <-ch
	if got.Kind != "first" {
		t.Fatalf("expected first event to survive, got %q", got.Kind)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected no second event, got %v", e)
	default:
	}
}

func TestNilBusIsNoOp(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: "x"}) // must not panic
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers on nil bus")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // must not panic or double-close
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers after unsubscribe")
	}
}
