// Package connmgr owns the chat-socket lifecycle: pairing, connecting,
// reconnecting with jittered backoff, and permanent failure — the way
// the teacher's overseer.Client owns a persistent WebSocket connection
// behind its own control loop, but driven by ChatClient's pairing/
// disconnect-code vocabulary instead of task RPCs.
package connmgr

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/stickyrelay/wa-scheduler/chatclient"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/vault"
)

// credentialKey is the single row the Vault holds for this single-account
// deployment.
const credentialKey = "session"

// State is the Connection Manager's lifecycle state.
type State string

const (
	StatePairing      State = "pairing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// OnConnectedHook is invoked with the live socket every time a connection
// is established (initial pair or any reconnect). Registered hooks
// survive reconnects.
type OnConnectedHook func(chatclient.Socket)

// DeliveryAckHook is invoked for every delivery-ack frame the Connection
// Manager reads off the active ConnectionStream. The Delivery Listener
// registers one of these so it stays wired across reconnects without
// needing to own the stream itself.
type DeliveryAckHook func(providerMessageID string, delivered bool)

// Manager owns a single ChatClient's lifecycle on its own control loop.
// All socket-mutating operations happen on that loop; callers interact
// only through OnConnected registration and GetSocket.
type Manager struct {
	client    chatclient.ChatClient
	st        store.Store
	bus       *events.Bus
	masterKey []byte

	baseDelay      time.Duration
	maxDelay       time.Duration
	maxRetryWindow time.Duration

	mu                sync.RWMutex
	state             State
	socket            chatclient.Socket
	reconnectAttempts int
	retryStartedAt    time.Time
	connectedAt       time.Time
	lastDisconnect    string
	accountPhone      string
	accountName       string

	hooksMu     sync.Mutex
	hooks       []OnConnectedHook
	deliveryMu  sync.Mutex
	deliveryHooks []DeliveryAckHook

	startedAt time.Time
	rng       *rand.Rand
}

// New constructs a Manager. baseDelay/maxDelay/maxRetryWindow are the
// reconnect-backoff parameters (spec default: 1s/60s/30m).
func New(client chatclient.ChatClient, st store.Store, bus *events.Bus, masterKey []byte, baseDelay, maxDelay, maxRetryWindow time.Duration) *Manager {
	return &Manager{
		client:         client,
		st:             st,
		bus:            bus,
		masterKey:      masterKey,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		maxRetryWindow: maxRetryWindow,
		state:          StatePairing,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnConnected registers a hook invoked with the socket on every
// connection (initial and reconnect). Safe to call at any time.
func (m *Manager) OnConnected(h OnConnectedHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// OnDeliveryAck registers the Delivery Listener's ack handler. Attached
// once at wiring time; invoked for the lifetime of the Manager across
// every reconnect, the same way the Listener itself survives reconnects.
func (m *Manager) OnDeliveryAck(h DeliveryAckHook) {
	m.deliveryMu.Lock()
	defer m.deliveryMu.Unlock()
	m.deliveryHooks = append(m.deliveryHooks, h)
}

// GetSocket returns the live socket, or nil if not currently connected.
func (m *Manager) GetSocket() chatclient.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.socket
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Run starts the control loop: dials with any persisted credentials (or
// fresh pairing if none exist) and processes the resulting stream until
// ctx is cancelled or a terminal disconnect occurs. Call in a dedicated
// goroutine; Run returns when the manager is done acting on this ctx.
func (m *Manager) Run(ctx context.Context) {
	m.startedAt = time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		stop := m.runOnce(ctx)
		if stop {
			return
		}
	}
}

// runOnce dials once, streams events until disconnect/ctx-done, and
// returns true when the manager should stop entirely (terminal
// disconnect or ctx cancelled), false to loop and dial again.
func (m *Manager) runOnce(ctx context.Context) bool {
	creds, err := m.loadCredentials(ctx)
	if err != nil {
		log.Printf("connmgr: load credentials: %v", err)
	}

	m.setState(StateConnecting)
	stream, err := m.client.Connect(ctx, creds)
	if err != nil {
		log.Printf("connmgr: connect: %v", err)
		return m.backoffOrGiveUp(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.client.Stop()
			return true
		case ev, ok := <-stream:
			if !ok {
				return m.backoffOrGiveUp(ctx)
			}
			if term := m.handleStreamEvent(ctx, ev); term != nil {
				return *term
			}
		}
	}
}

// handleStreamEvent processes one frame; a non-nil return means the
// caller's runOnce loop must stop (true) or redial (false) immediately.
func (m *Manager) handleStreamEvent(ctx context.Context, ev chatclient.StreamEvent) *bool {
	no := false
	yes := true

	switch ev.Kind {
	case chatclient.StreamPairingCode:
		m.emitPairingCode(ev.PairingCode)
		return nil

	case chatclient.StreamConnected:
		m.mu.Lock()
		m.state = StateConnected
		m.socket = m.client
		m.reconnectAttempts = 0
		m.retryStartedAt = time.Time{}
		m.connectedAt = time.Now()
		m.accountPhone = ev.AccountPhoneNumber
		m.accountName = ev.AccountName
		m.mu.Unlock()

		m.hooksMu.Lock()
		hooks := append([]OnConnectedHook(nil), m.hooks...)
		m.hooksMu.Unlock()
		for _, h := range hooks {
			go h(m.client)
		}

		m.emitConnectionStatus("connected")
		return nil

	case chatclient.StreamDisconnected:
		m.mu.Lock()
		m.lastDisconnect = ev.DisconnectReason
		m.socket = nil
		m.mu.Unlock()

		// Lifecycle safety: remove listeners and close the existing
		// socket before creating a new one; Stop is idempotent.
		m.client.Stop()

		switch ev.DisconnectCode {
		case chatclient.CodePermanentLoggedOut:
			m.clearCredentials(ctx)
			m.setState(StatePairing)
			m.emitConnectionStatus("pairing")
			return &no // redial immediately for a fresh pairing code

		case chatclient.CodeReplacedByAnotherClient:
			m.setState(StateDisconnected)
			m.emitConnectionStatus("disconnected")
			return &yes // terminal, no reconnect

		case chatclient.CodeRestartRequired:
			m.setState(StateDisconnected)
			m.emitConnectionStatus("disconnected")
			return &no // redial with zero delay

		case chatclient.CodeForbidden:
			m.clearCredentials(ctx)
			m.setState(StatePairing)
			m.emitConnectionStatus("pairing")
			return &no

		default:
			m.setState(StateDisconnected)
			m.emitConnectionStatus("disconnected")
			return nil // fall through to backoffOrGiveUp via caller's stream-closed path
		}

	case chatclient.StreamDeliveryAck:
		m.deliveryMu.Lock()
		hooks := append([]DeliveryAckHook(nil), m.deliveryHooks...)
		m.deliveryMu.Unlock()
		for _, h := range hooks {
			h(ev.ProviderMessageID, ev.Delivered)
		}
		return nil
	}
	return nil
}

// backoffOrGiveUp sleeps for the jittered backoff delay for the current
// attempt count, unless maxRetryWindow has elapsed since the first
// attempt in this retry streak, in which case it clears credentials and
// resets to pairing. Returns true if the caller should stop dialing
// altogether (ctx cancelled).
func (m *Manager) backoffOrGiveUp(ctx context.Context) bool {
	m.mu.Lock()
	if m.retryStartedAt.IsZero() {
		m.retryStartedAt = time.Now()
	}
	elapsed := time.Since(m.retryStartedAt)
	attempt := m.reconnectAttempts
	m.reconnectAttempts++
	m.mu.Unlock()

	if elapsed > m.maxRetryWindow {
		log.Printf("connmgr: giving up after %s without a successful connection", elapsed.Round(time.Second))
		m.clearCredentials(ctx)
		m.mu.Lock()
		m.reconnectAttempts = 0
		m.retryStartedAt = time.Time{}
		m.mu.Unlock()
		m.setState(StatePairing)
		m.emitConnectionStatus("pairing")
		return false
	}

	delay := m.backoffDelay(attempt)
	m.setState(StateDisconnected)
	m.emitConnectionStatus("disconnected")

	select {
	case <-ctx.Done():
		return true
	case <-time.After(delay):
		return false
	}
}

// backoffDelay computes min(baseDelay*2^n, maxDelay) * U(0.8, 1.2).
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.baseDelay
	for i := 0; i < attempt && d < m.maxDelay; i++ {
		d *= 2
	}
	if d > m.maxDelay {
		d = m.maxDelay
	}
	jitter := 0.8 + m.rng.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

// Destroy stops the current socket and control loop without clearing
// credentials, so a future process restart can resume the same session.
func (m *Manager) Destroy() {
	m.client.Stop()
	m.setState(StateDisconnected)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) loadCredentials(ctx context.Context) ([]byte, error) {
	blob, ok, err := m.st.GetCredentialBlob(ctx, credentialKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	plain, err := vault.Decrypt(blob, m.masterKey)
	if err != nil {
		return nil, fmt.Errorf("connmgr: decrypt credentials: %w", err)
	}
	return plain, nil
}

// SaveCredentials encrypts and persists creds under the vault, called by
// the concrete ChatClient adapter whenever the provider hands it updated
// session material to persist.
func (m *Manager) SaveCredentials(ctx context.Context, creds []byte) error {
	ciphertext, err := vault.Encrypt(creds, m.masterKey)
	if err != nil {
		return fmt.Errorf("connmgr: encrypt credentials: %w", err)
	}
	return m.st.SetCredentialBlob(ctx, credentialKey, ciphertext)
}

func (m *Manager) clearCredentials(ctx context.Context) {
	if err := m.st.DeleteCredentialBlobs(ctx, credentialKey); err != nil {
		log.Printf("connmgr: clear credentials: %v", err)
	}
}

func (m *Manager) emitPairingCode(code string) {
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceConnManager,
		Kind:      events.KindPairingCode,
		Data: map[string]any{
			"terminal": renderTerminal(code),
			"data_url": renderDataURL(code),
		},
	})
}

func (m *Manager) emitConnectionStatus(status string) {
	m.mu.RLock()
	data := map[string]any{
		"status":             status,
		"uptime_ms":          time.Since(m.startedAt).Milliseconds(),
		"reconnect_attempts": m.reconnectAttempts,
	}
	if !m.connectedAt.IsZero() {
		data["connected_at"] = m.connectedAt
	}
	if m.lastDisconnect != "" {
		data["last_disconnect"] = m.lastDisconnect
	}
	if m.accountPhone != "" {
		data["account"] = map[string]any{"phone": m.accountPhone, "name": m.accountName}
	}
	m.mu.RUnlock()

	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceConnManager,
		Kind:      events.KindConnectionStatus,
		Data:      data,
	})
}

// renderTerminal renders a pairing code for CLI display. There is no QR
// rendering library in this deployment's dependency set, so the
// terminal sink is the raw code framed for readability rather than a
// scannable glyph grid.
func renderTerminal(code string) string {
	return fmt.Sprintf("┌%s┐\n│ %s │\n└%s┘", dashes(len(code)+2), code, dashes(len(code)+2))
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}

// renderDataURL renders the pairing code as a data URL a network client
// can display directly, base64-encoding the plain-text code.
func renderDataURL(code string) string {
	return "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(code))
}
