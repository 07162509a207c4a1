// Package events provides a publish/subscribe event bus for state changes
// fanned out to subscribed clients (pairing codes, connection status,
// intent transitions, rate-limit warnings). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so producers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceRateLimiter = "rate_limiter"
	SourceConnManager = "conn_manager"
	SourceDelivery    = "delivery"
	SourceDispatcher  = "dispatcher"
)

// Kind constants describe the type of event within a source.
const (
	// KindPairingCode signals a new pairing code is available.
	// Data: terminal (string), data_url (string).
	KindPairingCode = "pairing_code"
	// KindConnectionStatus signals a Connection Manager state transition.
	// Data: status, uptime_ms, connected_at?, last_disconnect?, reconnect_attempts, account?.
	KindConnectionStatus = "connection_status"
	// KindIntentStatus signals an intent lifecycle transition.
	// Data: intent_id, status, provider_message_id?, reason?.
	KindIntentStatus = "intent_status"
	// KindRateLimitWarning signals sentToday crossed warnPct of dailyCap.
	// Data: sent_today, daily_cap, remaining.
	KindRateLimitWarning = "rate_limit_warning"
	// KindRateLimitReached signals sentToday reached dailyCap.
	// Data: sent_today, daily_cap.
	KindRateLimitReached = "rate_limit_reached"
)

// Event represents a single state-change event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event without an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
