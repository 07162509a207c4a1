package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stickyrelay/wa-scheduler/chatclient"
	"github.com/stickyrelay/wa-scheduler/contactstore"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/store/storetest"
)

type fakeSocket struct {
	connected  bool
	sendErr    error
	lastAddr   string
	lastPayload chatclient.Payload
}

func (f *fakeSocket) Send(_ context.Context, address string, payload chatclient.Payload) (string, error) {
	f.lastAddr = address
	f.lastPayload = payload
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "wamid.sent-1", nil
}

type fakeContacts struct {
	byID map[string]*contactstore.Contact
}

func (f *fakeContacts) FindByID(_ context.Context, id string) (*contactstore.Contact, error) {
	return f.byID[id], nil
}
func (f *fakeContacts) FindByPhone(_ context.Context, phone string) (*contactstore.Contact, error) {
	for _, c := range f.byID {
		if c.Phone == phone {
			return c, nil
		}
	}
	return nil, nil
}
func (f *fakeContacts) GetOrCreateByPhone(_ context.Context, phone, name string) (*contactstore.Contact, error) {
	if c, err := f.FindByPhone(context.Background(), phone); err == nil && c != nil {
		return c, nil
	}
	c := &contactstore.Contact{ID: phone, Phone: phone, Name: name}
	f.byID[c.ID] = c
	return c, nil
}

func setup(t *testing.T, dailyCap int) (*Dispatcher, *storetest.Store, *fakeSocket, *events.Bus) {
	t.Helper()
	st := storetest.New()
	bus := events.New()
	limiter := ratelimit.New(st, bus, dailyCap, 80)
	sock := &fakeSocket{connected: true}
	contacts := &fakeContacts{byID: map[string]*contactstore.Contact{
		"c1": {ID: "c1", Phone: "+1 (555) 123-4567", Name: "Alex"},
	}}
	socketFn := Socket(func() chatclient.Socket {
		if sock.connected {
			return sock
		}
		return nil
	})
	d := New(st, limiter, contacts, socketFn, bus, time.Millisecond, 2*time.Millisecond)
	return d, st, sock, bus
}

func mustIntent(t *testing.T, st *storetest.Store) *store.Intent {
	t.Helper()
	in, err := st.CreateIntent(context.Background(), &store.Intent{
		RecipientKind: store.RecipientContact,
		ContactRef:    "c1",
		Content:       "hello there",
		ScheduledAt:   time.Now(),
		Status:        store.StatusPending,
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	return in
}

func TestHandleDispatchSendsAndMarksSent(t *testing.T) {
	d, st, sock, bus := setup(t, 200)
	sub := bus.Subscribe(4)
	in := mustIntent(t, st)

	job := &store.Job{Payload: jobs.EncodeIntentPayload(in.ID)}
	if err := d.HandleDispatch(context.Background(), job); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	got, err := st.FindIntent(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("FindIntent: %v", err)
	}
	if got.Status != store.StatusSent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
	if got.ProviderMessageID != "wamid.sent-1" {
		t.Fatalf("expected provider message id recorded, got %q", got.ProviderMessageID)
	}
	if sock.lastAddr != "15551234567@s.whatsapp.net" {
		t.Fatalf("expected digits-only contact address, got %q", sock.lastAddr)
	}
	if sock.lastPayload.Text != "hello there" {
		t.Fatalf("expected text payload, got %+v", sock.lastPayload)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindIntentStatus {
			t.Fatalf("expected intent_status event, got %s", e.Kind)
		}
	default:
		t.Fatalf("expected an event to be published")
	}
}

func TestHandleDispatchRespectsCancelled(t *testing.T) {
	d, st, sock, _ := setup(t, 200)
	in := mustIntent(t, st)
	if _, err := st.UpdateIntentStatus(context.Background(), in.ID, store.StatusCancelled, store.IntentStatusFields{}, true); err != nil {
		t.Fatalf("UpdateIntentStatus: %v", err)
	}

	job := &store.Job{Payload: jobs.EncodeIntentPayload(in.ID)}
	if err := d.HandleDispatch(context.Background(), job); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	if sock.lastAddr != "" {
		t.Fatalf("expected no send for a cancelled intent")
	}
}

func TestHandleDispatchFailsOnCapReached(t *testing.T) {
	d, st, sock, bus := setup(t, 0) // cap already exhausted
	sub := bus.Subscribe(4)
	in := mustIntent(t, st)

	job := &store.Job{Payload: jobs.EncodeIntentPayload(in.ID)}
	if err := d.HandleDispatch(context.Background(), job); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	got, err := st.FindIntent(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("FindIntent: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if sock.lastAddr != "" {
		t.Fatalf("expected no send when cap reached")
	}

	var sawIntentStatus, sawRateLimitReached bool
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub:
			if e.Kind == events.KindIntentStatus {
				sawIntentStatus = true
			}
			if e.Kind == events.KindRateLimitReached {
				sawRateLimitReached = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !sawIntentStatus || !sawRateLimitReached {
		t.Fatalf("expected both intent_status(failed) and rate_limit_reached events, got intent=%v reached=%v", sawIntentStatus, sawRateLimitReached)
	}
}

func TestHandleDispatchReturnsTransientErrorWhenDisconnected(t *testing.T) {
	d, st, sock, _ := setup(t, 200)
	sock.connected = false
	in := mustIntent(t, st)

	job := &store.Job{Payload: jobs.EncodeIntentPayload(in.ID)}
	if err := d.HandleDispatch(context.Background(), job); err == nil {
		t.Fatalf("expected a transient error when not connected")
	}

	got, err := st.FindIntent(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("FindIntent: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected status unchanged on transient failure, got %s", got.Status)
	}
}

func TestHandleDispatchPermanentFailureAfterFinalAttempt(t *testing.T) {
	d, st, sock, _ := setup(t, 200)
	sock.sendErr = errors.New("provider: bad request")
	in := mustIntent(t, st)

	job := &store.Job{Payload: jobs.EncodeIntentPayload(in.ID), Attempt: maxDispatchAttempts - 1}
	if err := d.HandleDispatch(context.Background(), job); err != nil {
		t.Fatalf("expected nil error on final attempt (terminal handling is internal), got %v", err)
	}

	got, err := st.FindIntent(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("FindIntent: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected failed after final attempt, got %s", got.Status)
	}
}

func TestHandleRuleFireCreatesAndSendsOccurrence(t *testing.T) {
	d, st, sock, _ := setup(t, 200)
	rule, err := st.CreateRule(context.Background(), &store.RecurrenceRule{
		ContactRef: "c1",
		Kind:       store.RuleYearly,
		Content:    "happy anniversary",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	job := &store.Job{Payload: jobs.EncodeRulePayload(rule.ID)}
	if err := d.HandleRuleFire(context.Background(), job); err != nil {
		t.Fatalf("HandleRuleFire: %v", err)
	}

	if sock.lastPayload.Text != "happy anniversary" {
		t.Fatalf("expected occurrence content sent, got %+v", sock.lastPayload)
	}

	got, err := st.FindRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("FindRule: %v", err)
	}
	if got.OccurrenceCount != 1 {
		t.Fatalf("expected occurrence count incremented, got %d", got.OccurrenceCount)
	}
}

func TestBuildPayloadByMediaKind(t *testing.T) {
	cases := []struct {
		name string
		in   *store.Intent
		want func(chatclient.Payload) bool
	}{
		{"text", &store.Intent{Content: "hi"}, func(p chatclient.Payload) bool { return p.Text == "hi" }},
		{"image", &store.Intent{Content: "caption", MediaURL: "https://x/y.png", MediaKind: store.MediaImage},
			func(p chatclient.Payload) bool { return p.Image != nil && p.Caption == "caption" }},
		{"document", &store.Intent{Content: "caption", MediaURL: "https://x/report.pdf", MediaKind: store.MediaDocument},
			func(p chatclient.Payload) bool { return p.Document != nil && p.Document.FileName == "report.pdf" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := buildPayload(c.in)
			if !c.want(got) {
				t.Fatalf("unexpected payload for %s: %+v", c.name, got)
			}
		})
	}
}
