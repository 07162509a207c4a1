package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/config"
	"github.com/stickyrelay/wa-scheduler/contactstore"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/store/storetest"
)

// fakeConfigStore is an in-memory config.ConfigStore so tests don't need
// Postgres to exercise config.Load.
type fakeConfigStore struct {
	data map[string]any
}

func (f *fakeConfigStore) GetConfig(context.Context) (map[string]any, error) {
	return f.data, nil
}

func (f *fakeConfigStore) SetConfig(_ context.Context, data map[string]any) error {
	f.data = data
	return nil
}

// fakeContacts is a minimal in-memory contactstore.ContactStore.
type fakeContacts struct {
	byID    map[string]*contactstore.Contact
	byPhone map[string]*contactstore.Contact
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{byID: map[string]*contactstore.Contact{}, byPhone: map[string]*contactstore.Contact{}}
}

func (f *fakeContacts) FindByID(_ context.Context, id string) (*contactstore.Contact, error) {
	return f.byID[id], nil
}

func (f *fakeContacts) FindByPhone(_ context.Context, phone string) (*contactstore.Contact, error) {
	return f.byPhone[phone], nil
}

func (f *fakeContacts) GetOrCreateByPhone(_ context.Context, phone, name string) (*contactstore.Contact, error) {
	if c, ok := f.byPhone[phone]; ok {
		return c, nil
	}
	c := &contactstore.Contact{ID: "contact-" + phone, Phone: phone, Name: name}
	f.byPhone[phone] = c
	f.byID[c.ID] = c
	return c, nil
}

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := storetest.New()
	jr := jobs.New(st, 2*time.Second)
	bus := events.New()
	limiter := ratelimit.New(st, bus, 100, 80)
	cfg, err := config.Load(context.Background(), &fakeConfigStore{})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	contacts := newFakeContacts()
	return New(st, jr, limiter, contacts, cfg), st
}

func TestScheduleImmediateSendCreatesIntentAndJob(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	intent, status, err := s.Schedule(ctx, ScheduleRequest{
		Phone:   "+15550001",
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if intent.Status != store.StatusPending {
		t.Fatalf("expected pending intent, got %s", intent.Status)
	}
	if status.SentToday != 0 {
		t.Fatalf("expected sentToday=0, got %d", status.SentToday)
	}

	job, err := st.FindJob(ctx, intent.ID)
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a dispatch job to be enqueued")
	}
	if job.Kind != store.JobKindDispatch {
		t.Fatalf("expected dispatch job kind, got %s", job.Kind)
	}
}

func TestScheduleRejectsEmptyContentAndMedia(t *testing.T) {
	s, _ := newTestService(t)
	_, _, err := s.Schedule(context.Background(), ScheduleRequest{Phone: "+15550002"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if se, ok := err.(*Error); !ok || se.Kind != KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestScheduleFailsWhenDailyCapReached(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()
	cfg, _ := config.Load(ctx, &fakeConfigStore{})
	s.cfg = cfg
	s.limiter = ratelimit.New(st, events.New(), 1, 80)

	if _, _, err := s.Schedule(ctx, ScheduleRequest{Phone: "+1", Content: "a"}); err != nil {
		t.Fatalf("first send should succeed: %v", err)
	}
	// mark it sent so the limiter's sentToday count reflects one send.
	intents, err := st.ListIntents(ctx, store.IntentFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListIntents: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}
	sentAt := time.Now()
	if _, err := st.UpdateIntentStatus(ctx, intents[0].ID, store.StatusSent, store.IntentStatusFields{SentAt: &sentAt}, false); err != nil {
		t.Fatalf("UpdateIntentStatus: %v", err)
	}

	_, _, err = s.Schedule(ctx, ScheduleRequest{Phone: "+2", Content: "b"})
	if err == nil {
		t.Fatal("expected daily cap error")
	}
	se, ok := err.(*Error)
	if !ok || se.Kind != KindDailyCapReached {
		t.Fatalf("expected KindDailyCapReached, got %v", err)
	}
}

func TestScheduleBulkFailsWholeBatchWhenOverCapacity(t *testing.T) {
	s, _ := newTestService(t)
	s.limiter = ratelimit.New(storetest.New(), events.New(), 1, 80)
	ctx := context.Background()

	items := []ScheduleRequest{
		{Phone: "+1", Content: "a"},
		{Phone: "+2", Content: "b"},
	}
	_, _, _, err := s.ScheduleBulk(ctx, items)
	if err == nil {
		t.Fatal("expected batch-level daily cap error")
	}
	if se, ok := err.(*Error); !ok || se.Kind != KindDailyCapReached {
		t.Fatalf("expected KindDailyCapReached, got %v", err)
	}
}

func TestEditOnlyAllowedWhilePending(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	intent, _, err := s.Schedule(ctx, ScheduleRequest{Phone: "+1", Content: "a"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	newContent := "edited"
	updated, err := s.Edit(ctx, intent.ID, store.IntentPatch{Content: &newContent})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if updated.Content != newContent {
		t.Fatalf("expected content %q, got %q", newContent, updated.Content)
	}

	sentAt := time.Now()
	if _, err := st.UpdateIntentStatus(ctx, intent.ID, store.StatusSent, store.IntentStatusFields{SentAt: &sentAt}, false); err != nil {
		t.Fatalf("UpdateIntentStatus: %v", err)
	}
	if _, err := s.Edit(ctx, intent.ID, store.IntentPatch{Content: &newContent}); err == nil {
		t.Fatal("expected conflict editing a non-pending intent")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	intent, _, err := s.Schedule(ctx, ScheduleRequest{Phone: "+1", Content: "a"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	cancelled, err := s.Cancel(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	again, err := s.Cancel(ctx, intent.ID)
	if err != nil {
		t.Fatalf("second Cancel should not error: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil on repeat cancel, got %+v", again)
	}
}

func TestRetryResetsFailedIntentAndReenqueues(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	intent, _, err := s.Schedule(ctx, ScheduleRequest{Phone: "+1", Content: "a"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	reason := "boom"
	if _, err := st.UpdateIntentStatus(ctx, intent.ID, store.StatusFailed, store.IntentStatusFields{FailureReason: &reason}, false); err != nil {
		t.Fatalf("UpdateIntentStatus: %v", err)
	}

	retried, err := s.Retry(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != store.StatusPending {
		t.Fatalf("expected pending, got %s", retried.Status)
	}
	if retried.FailureReason != "" {
		t.Fatalf("expected failureReason cleared, got %q", retried.FailureReason)
	}

	job, err := st.FindJob(ctx, intent.ID)
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	if job == nil || job.State != store.JobPending {
		t.Fatalf("expected a pending dispatch job after retry, got %+v", job)
	}
}

func TestRetryRejectsNonFailedIntent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	intent, _, err := s.Schedule(ctx, ScheduleRequest{Phone: "+1", Content: "a"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := s.Retry(ctx, intent.ID); err == nil {
		t.Fatal("expected conflict retrying a pending intent")
	}
}

func TestGetUnknownIntentIsNotFound(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Get(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if se, ok := err.(*Error); !ok || se.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}
