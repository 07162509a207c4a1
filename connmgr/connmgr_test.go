package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stickyrelay/wa-scheduler/chatclient"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/store/storetest"
)

type fakeClient struct {
	mu       sync.Mutex
	stream   chan chatclient.StreamEvent
	connects int
	stopped  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{stream: make(chan chatclient.StreamEvent, 16)}
}

func (f *fakeClient) Connect(_ context.Context, _ []byte) (chatclient.ConnectionStream, error) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeClient) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeClient) Send(_ context.Context, _ string, _ chatclient.Payload) (string, error) {
	return "msg-1", nil
}

func (f *fakeClient) push(ev chatclient.StreamEvent) {
	f.stream <- ev
}

const testMasterKey = "test-master-key-for-connmgr"

func TestConnectedInvokesHooksAndEmitsStatus(t *testing.T) {
	fc := newFakeClient()
	st := storetest.New()
	bus := events.New()
	sub := bus.Subscribe(16)

	m := New(fc, st, bus, []byte(testMasterKey), time.Second, time.Minute, 30*time.Minute)

	var hookCalled int32
	var mu sync.Mutex
	hookSocket := chatclient.Socket(nil)
	m.OnConnected(func(s chatclient.Socket) {
		mu.Lock()
		hookCalled++
		hookSocket = s
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	fc.push(chatclient.StreamEvent{Kind: chatclient.StreamConnected, AccountPhoneNumber: "15551234567"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := hookCalled
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if hookCalled == 0 {
		t.Fatalf("expected OnConnected hook to fire")
	}
	if hookSocket == nil {
		t.Fatalf("expected hook to receive a non-nil socket")
	}
	if m.State() != StateConnected {
		t.Fatalf("expected state connected, got %s", m.State())
	}
	if m.GetSocket() == nil {
		t.Fatalf("expected GetSocket to return the live socket once connected")
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindConnectionStatus {
			t.Fatalf("expected connection_status event, got %s", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a connection_status event on the bus")
	}
}

func TestPermanentLoggedOutClearsCredentialsAndRepairs(t *testing.T) {
	fc := newFakeClient()
	st := storetest.New()
	bus := events.New()

	m := New(fc, st, bus, []byte(testMasterKey), time.Millisecond, 10*time.Millisecond, 30*time.Minute)
	ctx := context.Background()
	if err := m.SaveCredentials(ctx, []byte("session-bytes")); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.Run(runCtx)

	fc.push(chatclient.StreamEvent{Kind: chatclient.StreamDisconnected, DisconnectCode: chatclient.CodePermanentLoggedOut})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := st.GetCredentialBlob(ctx, credentialKey)
		if err != nil {
			t.Fatalf("GetCredentialBlob: %v", err)
		}
		if !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, ok, err := st.GetCredentialBlob(ctx, credentialKey)
	if err != nil {
		t.Fatalf("GetCredentialBlob: %v", err)
	}
	if ok {
		t.Fatalf("expected credentials to be cleared after code 401")
	}
}

func TestReplacedByAnotherClientIsTerminal(t *testing.T) {
	fc := newFakeClient()
	st := storetest.New()
	bus := events.New()

	m := New(fc, st, bus, []byte(testMasterKey), time.Millisecond, 10*time.Millisecond, 30*time.Minute)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	fc.push(chatclient.StreamEvent{Kind: chatclient.StreamDisconnected, DisconnectCode: chatclient.CodeReplacedByAnotherClient})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after a terminal disconnect")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected terminal disconnected state, got %s", m.State())
	}
}

func TestBackoffDelayIsBoundedAndJittered(t *testing.T) {
	m := New(nil, nil, nil, nil, time.Second, 8*time.Second, 30*time.Minute)
	for attempt := 0; attempt < 10; attempt++ {
		d := m.backoffDelay(attempt)
		if d < 0 || d > time.Duration(float64(8*time.Second)*1.21) {
			t.Fatalf("attempt %d: delay %s out of expected bound", attempt, d)
		}
	}
}
