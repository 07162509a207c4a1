package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/store/storetest"
)

func seedSent(t *testing.T, st *storetest.Store, n int, sentAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		in, err := st.CreateIntent(context.Background(), &store.Intent{
			RecipientKind: store.RecipientContact,
			ContactRef:    "919876543210",
			ScheduledAt:   sentAt,
		})
		if err != nil {
			t.Fatalf("CreateIntent: %v", err)
		}
		at := sentAt
		if _, err := st.UpdateIntentStatus(context.Background(), in.ID, store.StatusSent, store.IntentStatusFields{
			SentAt: &at,
		}, false); err != nil {
			t.Fatalf("UpdateIntentStatus: %v", err)
		}
	}
}

func TestCanSendUnderCap(t *testing.T) {
	st := storetest.New()
	seedSent(t, st, 2, time.Now())
	l := New(st, events.New(), 5, 80)

	cs, err := l.CanSend(context.Background())
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if !cs.Allowed || cs.SentToday != 2 || cs.Remaining != 3 {
		t.Fatalf("unexpected CanSend result: %+v", cs)
	}
}

func TestCanSendAtCap(t *testing.T) {
	st := storetest.New()
	seedSent(t, st, 3, time.Now())
	l := New(st, events.New(), 3, 80)

	cs, err := l.CanSend(context.Background())
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if cs.Allowed || cs.Remaining != 0 {
		t.Fatalf("expected cap reached, got %+v", cs)
	}
}

func TestCanSendIgnoresYesterday(t *testing.T) {
	st := storetest.New()
	seedSent(t, st, 5, time.Now().Add(-48*time.Hour))
	l := New(st, events.New(), 5, 80)

	cs, err := l.CanSend(context.Background())
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if !cs.Allowed || cs.SentToday != 0 {
		t.Fatalf("expected yesterday's sends excluded, got %+v", cs)
	}
}

func TestCheckAndWarnEmitsWarning(t *testing.T) {
	st := storetest.New()
	seedSent(t, st, 4, time.Now())
	bus := events.New()
	ch := bus.Subscribe(4)
	l := New(st, bus, 5, 80) // threshold = floor(5*80/100) = 4

	if err := l.CheckAndWarn(context.Background()); err != nil {
		t.Fatalf("CheckAndWarn: %v", err)
	}
	select {
	case e := <-ch:
		if e.Kind != events.KindRateLimitWarning {
			t.Fatalf("expected warning event, got %q", e.Kind)
		}
	default:
		t.Fatal("expected a warning event to be published")
	}
}

func TestCheckAndWarnEmitsReached(t *testing.T) {
	st := storetest.New()
	seedSent(t, st, 5, time.Now())
	bus := events.New()
	ch := bus.Subscribe(4)
	l := New(st, bus, 5, 80)

	if err := l.CheckAndWarn(context.Background()); err != nil {
		t.Fatalf("CheckAndWarn: %v", err)
	}
	select {
	case e := <-ch:
		if e.Kind != events.KindRateLimitReached {
			t.Fatalf("expected reached event, got %q", e.Kind)
		}
	default:
		t.Fatal("expected a reached event to be published")
	}
}

func TestDayWindowBoundary(t *testing.T) {
	// 2026-07-30T18:29:59Z is 2026-07-30T23:59:59 IST — still July 30 IST.
	now := time.Date(2026, 7, 30, 18, 29, 59, 0, time.UTC)
	start, end := dayWindow(now)
	wantStart := time.Date(2026, 7, 29, 18, 30, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Fatalf("expected start %v, got %v", wantStart, start)
	}
	if !end.Equal(wantStart.Add(24 * time.Hour)) {
		t.Fatalf("expected end 24h after start, got %v", end)
	}
}
