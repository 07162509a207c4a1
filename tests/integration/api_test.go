//go:build integration

// Package integration exercises scheduling.Service, the Job Runtime, and
// the Dispatcher together end-to-end, the way the teacher's
// tests/integration/api_test.go drives a live server — except here the
// "server" is an in-process stack over an in-memory store fake plus a
// fake chat socket, since there is no live provider to dial in CI.
package integration

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stickyrelay/wa-scheduler/auth"
	"github.com/stickyrelay/wa-scheduler/chatclient"
	"github.com/stickyrelay/wa-scheduler/config"
	"github.com/stickyrelay/wa-scheduler/contactstore"
	"github.com/stickyrelay/wa-scheduler/dispatch"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/scheduling"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/store/storetest"
	"github.com/stickyrelay/wa-scheduler/transport"
)

// fakeSocket is the stand-in ChatClient.Socket: it records every send and
// never touches a real provider.
type fakeSocket struct {
	sent chan sentMessage
}

type sentMessage struct {
	address string
	payload chatclient.Payload
}

func (f *fakeSocket) Send(_ context.Context, address string, payload chatclient.Payload) (string, error) {
	f.sent <- sentMessage{address: address, payload: payload}
	return "wamid.test-1", nil
}

type fakeConfigStore struct{ data map[string]any }

func (f *fakeConfigStore) GetConfig(context.Context) (map[string]any, error) { return f.data, nil }
func (f *fakeConfigStore) SetConfig(_ context.Context, data map[string]any) error {
	f.data = data
	return nil
}

type fakeContacts struct{}

func (fakeContacts) FindByID(_ context.Context, id string) (*contactstore.Contact, error) {
	if phone, ok := strings.CutPrefix(id, "c-"); ok {
		return &contactstore.Contact{ID: id, Phone: phone}, nil
	}
	return nil, nil
}
func (fakeContacts) FindByPhone(context.Context, string) (*contactstore.Contact, error) {
	return nil, nil
}
func (fakeContacts) GetOrCreateByPhone(_ context.Context, phone, name string) (*contactstore.Contact, error) {
	return &contactstore.Contact{ID: "c-" + phone, Phone: phone, Name: name}, nil
}

type harness struct {
	handler http.Handler
	secret  []byte
	sent    chan sentMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storetest.New()
	jr := jobs.New(st, 2*time.Second)
	bus := events.New()
	limiter := ratelimit.New(st, bus, 200, 80)
	cfg, err := config.Load(context.Background(), &fakeConfigStore{})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	socket := &fakeSocket{sent: make(chan sentMessage, 16)}
	disp := dispatch.New(st, limiter, fakeContacts{}, func() chatclient.Socket { return socket }, bus, 0, 0)
	jr.RegisterHandler(store.JobKindDispatch, disp.HandleDispatch)
	jr.RegisterHandler(store.JobKindRuleFire, disp.HandleRuleFire)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := jr.Start(ctx); err != nil {
		t.Fatalf("jobs.Start: %v", err)
	}
	t.Cleanup(jr.Stop)

	svc := scheduling.New(st, jr, limiter, fakeContacts{}, cfg)
	secret := []byte("integration-test-secret")
	h := transport.New(transport.Deps{Scheduling: svc, Limiter: limiter, Bus: bus, JWTSecret: secret})

	return &harness{handler: h, secret: secret, sent: socket.sent}
}

func (h *harness) authedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	tok, err := auth.IssueOperatorToken(h.secret)
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestScheduleImmediateMessageReachesSocket(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	body := []byte(`{"phone":"+15551234567","content":"hello from integration"}`)
	req := h.authedRequest(t, http.MethodPost, "/api/messages", body)
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case msg := <-h.sent:
		if msg.payload.Text != "hello from integration" {
			t.Errorf("unexpected payload text %q", msg.payload.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch to reach the fake socket")
	}
}

func TestRateLimitStatusAvailableAfterSend(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"phone":"+15551234568","content":"count me"}`)
	h.handler.ServeHTTP(httptest.NewRecorder(), h.authedRequest(t, http.MethodPost, "/api/messages", body))

	select {
	case <-h.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, h.authedRequest(t, http.MethodGet, "/api/rate-limit/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
