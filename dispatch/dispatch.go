// Package dispatch implements the single-worker consumer that turns a
// due job into an actual provider send: rate-limit check, address
// resolution, payload construction, send, state-store update, event
// emission, and the pacing sleep that produces human-like send cadence
// under the Job Runtime's concurrency-1 limiter.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/chatclient"
	"github.com/stickyrelay/wa-scheduler/contactstore"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/store"
)

// Socket abstracts the Connection Manager's live-socket accessor so the
// Dispatcher never imports connmgr directly (it only needs "is there a
// connected socket right now").
type Socket func() chatclient.Socket

// Dispatcher consumes dispatch jobs and rule_fire jobs, both of which
// resolve to sending one message.
type Dispatcher struct {
	st       store.Store
	limiter  *ratelimit.Limiter
	contacts contactstore.ContactStore
	socket   Socket
	bus      *events.Bus

	minDelay time.Duration
	maxDelay time.Duration

	rng  *rand.Rand
	now  func() time.Time
	sign func() // test hook invoked immediately after the pacing sleep
}

// New constructs a Dispatcher. minDelay/maxDelay bound the post-send
// pacing sleep (spec §4.7 step 10).
func New(st store.Store, limiter *ratelimit.Limiter, contacts contactstore.ContactStore, socket Socket, bus *events.Bus, minDelay, maxDelay time.Duration) *Dispatcher {
	return &Dispatcher{
		st:       st,
		limiter:  limiter,
		contacts: contacts,
		socket:   socket,
		bus:      bus,
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// HandleDispatch is the jobs.Handler for store.JobKindDispatch jobs: fire
// one already-created Intent at its scheduled time.
func (d *Dispatcher) HandleDispatch(ctx context.Context, job *store.Job) error {
	intentID, err := jobs.DecodeIntentPayload(job.Payload)
	if err != nil {
		return fmt.Errorf("dispatch: bad payload: %w", err)
	}
	return d.fireIntent(ctx, intentID, job.Attempt)
}

// HandleRuleFire is the jobs.Handler for store.JobKindRuleFire jobs:
// materialize the rule's next occurrence as a fresh Intent, then send it
// the same way HandleDispatch does.
func (d *Dispatcher) HandleRuleFire(ctx context.Context, job *store.Job) error {
	ruleID, err := jobs.DecodeRulePayload(job.Payload)
	if err != nil {
		return fmt.Errorf("dispatch: bad rule payload: %w", err)
	}

	now := d.now()
	rule, err := d.st.FindRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("dispatch: load rule %s: %w", ruleID, err)
	}
	if rule == nil || !rule.Enabled {
		return nil // disabled/gone; nothing to fire
	}
	if rule.Kind == store.RuleMonthly {
		// A monthly rule's cron entry fires daily whenever DayOfMonth > 28
		// (robfig/cron has no "L" sentinel); resolve the actual target
		// day for this month and no-op on every other day.
		target := jobs.ResolveMonthlyDay(now.Year(), int(now.Month()), rule.DayOfMonth)
		if now.Day() != target {
			return nil
		}
	}

	occurrence, err := d.st.FireRule(ctx, ruleID, now)
	if err != nil {
		return fmt.Errorf("dispatch: fire rule %s: %w", ruleID, err)
	}
	if occurrence == nil {
		return nil // rule already disabled/gone; nothing to send
	}
	return d.fireIntent(ctx, occurrence.ID, job.Attempt)
}

// fireIntent implements spec §4.7's 10-step flow for an already-persisted
// Intent row.
func (d *Dispatcher) fireIntent(ctx context.Context, intentID uuid.UUID, attempt int) error {
	intent, err := d.st.FindIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("dispatch: load intent %s: %w", intentID, err)
	}
	if intent == nil {
		return nil // tombstoned
	}
	if intent.Status == store.StatusCancelled {
		return nil
	}

	can, err := d.limiter.CanSend(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: rate limiter: %w", err)
	}
	if !can.Allowed {
		d.failCapReached(ctx, intent, can)
		return nil // terminal for this send, not a transient job failure
	}

	address, err := d.resolveAddress(ctx, intent)
	if err != nil {
		d.failPermanent(ctx, intent, err.Error())
		return nil
	}

	socket := d.socket()
	if socket == nil {
		if attempt+1 >= maxDispatchAttempts {
			d.failPermanent(ctx, intent, "chat client not connected")
			return nil
		}
		return fmt.Errorf("dispatch: chat client not connected")
	}

	payload := buildPayload(intent)

	providerMessageID, err := socket.Send(ctx, address, payload)
	if err != nil {
		if attempt+1 >= maxDispatchAttempts {
			d.failPermanent(ctx, intent, err.Error())
			return nil
		}
		return fmt.Errorf("dispatch: send: %w", err)
	}

	now := d.now()
	updated, err := d.st.UpdateIntentStatus(ctx, intent.ID, store.StatusSent, store.IntentStatusFields{
		ProviderMessageID: &providerMessageID,
		SentAt:            &now,
		AttemptsDelta:     1,
	}, false)
	if err != nil {
		return fmt.Errorf("dispatch: update sent: %w", err)
	}
	if updated != nil {
		if err := d.st.RecordIntentEvent(ctx, updated.ID, store.IntentEventSent, "", now); err != nil {
			log.Printf("dispatch: record sent event for %s: %v", updated.ID, err)
		}
		d.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceDispatcher,
			Kind:      events.KindIntentStatus,
			Data: map[string]any{
				"intent_id":           updated.ID,
				"status":              string(store.StatusSent),
				"provider_message_id": providerMessageID,
			},
		})
	}
	if err := d.limiter.CheckAndWarn(ctx); err != nil {
		return nil // best-effort; never fail the send over this
	}

	d.pace()
	return nil
}

// maxDispatchAttempts mirrors the Job Runtime's own retry ceiling so the
// Dispatcher marks an intent permanently failed on the same try the
// runtime would otherwise give up on, instead of leaving it pending
// forever behind a job the runtime has abandoned.
const maxDispatchAttempts = 3

func (d *Dispatcher) failCapReached(ctx context.Context, intent *store.Intent, can ratelimit.CanSend) {
	reason := fmt.Sprintf("Daily message cap reached (%d/%d)", can.SentToday, can.DailyCap)
	d.failPermanent(ctx, intent, reason)
	if err := d.limiter.CheckAndWarn(ctx); err != nil {
		_ = err // best-effort
	}
}

func (d *Dispatcher) failPermanent(ctx context.Context, intent *store.Intent, reason string) {
	now := d.now()
	updated, err := d.st.UpdateIntentStatus(ctx, intent.ID, store.StatusFailed, store.IntentStatusFields{
		FailedAt:      &now,
		FailureReason: &reason,
		AttemptsDelta: 1,
	}, false)
	if err != nil || updated == nil {
		return
	}
	if err := d.st.RecordIntentEvent(ctx, updated.ID, store.IntentEventFailed, reason, now); err != nil {
		log.Printf("dispatch: record failed event for %s: %v", updated.ID, err)
	}
	d.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceDispatcher,
		Kind:      events.KindIntentStatus,
		Data: map[string]any{
			"intent_id": updated.ID,
			"status":    string(store.StatusFailed),
			"reason":    reason,
		},
	})
}

func (d *Dispatcher) resolveAddress(ctx context.Context, intent *store.Intent) (string, error) {
	switch intent.RecipientKind {
	case store.RecipientGroup:
		return contactstore.Address(intent.GroupRef, true), nil
	case store.RecipientContact:
		c, err := d.contacts.FindByID(ctx, intent.ContactRef)
		if err != nil {
			return "", fmt.Errorf("resolve contact %s: %w", intent.ContactRef, err)
		}
		if c == nil {
			return "", fmt.Errorf("contact %s not found", intent.ContactRef)
		}
		return contactstore.Address(digitsOnly(c.Phone), false), nil
	default:
		return "", fmt.Errorf("unknown recipient kind %q", intent.RecipientKind)
	}
}

func digitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// buildPayload implements spec §4.7 step 6's per-kind payload shape.
func buildPayload(intent *store.Intent) chatclient.Payload {
	if !intent.HasMedia() {
		return chatclient.Payload{Text: intent.Content}
	}
	ref := &chatclient.MediaRef{URL: intent.MediaURL}
	switch intent.MediaKind {
	case store.MediaImage:
		return chatclient.Payload{Image: ref, Caption: intent.Content}
	case store.MediaVideo:
		return chatclient.Payload{Video: ref, Caption: intent.Content}
	case store.MediaAudio:
		return chatclient.Payload{Audio: ref}
	case store.MediaDocument:
		ref.FileName = fileNameFromURL(intent.MediaURL)
		return chatclient.Payload{Document: ref, Caption: intent.Content}
	default:
		return chatclient.Payload{Text: intent.Content}
	}
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return path.Base(raw)
	}
	return path.Base(u.Path)
}

func (d *Dispatcher) pace() {
	span := d.maxDelay - d.minDelay
	delay := d.minDelay
	if span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span)))
	}
	time.Sleep(delay)
	if d.sign != nil {
		d.sign()
	}
}
