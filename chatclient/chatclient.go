// Package chatclient declares the interfaces the scheduler core consumes
// to talk to the upstream chat provider. The wire protocol itself is out
// of scope (see spec §1) — these are the typed seams a concrete adapter
// implements, the way the teacher's overseer.Client owns a *websocket.Conn
// behind a narrow RPC-shaped surface.
package chatclient

import "context"

// DisconnectCode is the provider's numeric disconnect reason, mapped by
// the Connection Manager to a reconnect policy class.
type DisconnectCode int

const (
	CodePermanentLoggedOut    DisconnectCode = 401
	CodeReplacedByAnotherClient DisconnectCode = 440
	CodeRestartRequired       DisconnectCode = 515
	CodeForbidden             DisconnectCode = 403
)

// StreamEventKind classifies a ConnectionStream frame.
type StreamEventKind string

const (
	StreamConnected    StreamEventKind = "connected"
	StreamDisconnected StreamEventKind = "disconnected"
	StreamPairingCode  StreamEventKind = "pairing_code"
	StreamDeliveryAck  StreamEventKind = "delivery_ack"
)

// StreamEvent is a single frame yielded by a ConnectionStream.
type StreamEvent struct {
	Kind StreamEventKind

	// set iff Kind == StreamDisconnected
	DisconnectCode   DisconnectCode
	DisconnectReason string

	// set iff Kind == StreamPairingCode
	PairingCode string

	// set iff Kind == StreamDeliveryAck
	ProviderMessageID string
	// Delivered reports whether the ack's status is the provider's
	// "delivered" sentinel; the Delivery Listener only acts when true.
	Delivered bool

	// set iff Kind == StreamConnected
	AccountPhoneNumber string
	AccountName        string
}

// ConnectionStream yields lifecycle and delivery events for a single
// socket's lifetime. The channel is closed when the underlying socket is
// torn down.
type ConnectionStream <-chan StreamEvent

// Payload is the provider wire body built by the Dispatcher from an
// Intent's content/media, keyed by the shape spec §4.7 prescribes.
type Payload struct {
	Text     string
	Image    *MediaRef
	Video    *MediaRef
	Audio    *MediaRef
	Document *MediaRef
	Caption  string
}

// MediaRef is a provider-side media reference.
type MediaRef struct {
	URL      string
	FileName string // set for Document only
}

// Socket is a live, connected chat-socket handle. GetSocket on the
// Connection Manager returns nil when not connected; Send is the only
// operation the Dispatcher needs.
type Socket interface {
	// Send delivers payload to address (a contact or group address, see
	// the Address glossary entry) and returns the provider-assigned
	// message id.
	Send(ctx context.Context, address string, payload Payload) (providerMessageID string, err error)
}

// ChatClient owns the socket lifecycle: pairing, connecting, streaming
// events, and sending. A concrete adapter wraps the actual wire protocol;
// the core only ever sees this surface.
type ChatClient interface {
	Socket

	// Connect dials using creds (opaque, vault-decrypted bytes, or nil to
	// start a fresh pairing handshake) and returns a stream of lifecycle
	// events for the resulting socket.
	Connect(ctx context.Context, creds []byte) (ConnectionStream, error)
	// Stop tears down the current socket, if any. Idempotent.
	Stop()
}
