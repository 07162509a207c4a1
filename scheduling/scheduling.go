// Package scheduling is the public entry point the transport layer (and
// anything else embedding this core) calls into: it owns Intent and
// RecurrenceRule CRUD, the rate-limit fast-path at schedule time, and
// keeps the Job Runtime's delayed jobs and recurring schedules in sync
// with the State Store, the way the teacher's manager.Manager does a
// store write followed by in-memory/runtime reconciliation for every
// public method.
package scheduling

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/config"
	"github.com/stickyrelay/wa-scheduler/contactstore"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/store"
)

const maxBulkBatch = 500

// Service wires the State Store, Job Runtime, Rate Limiter and Contact
// Store behind the operations transport/ calls.
type Service struct {
	st       store.Store
	jr       *jobs.Runtime
	limiter  *ratelimit.Limiter
	contacts contactstore.ContactStore
	cfg      *config.Global
	now      func() time.Time
}

// New constructs a Service.
func New(st store.Store, jr *jobs.Runtime, limiter *ratelimit.Limiter, contacts contactstore.ContactStore, cfg *config.Global) *Service {
	return &Service{st: st, jr: jr, limiter: limiter, contacts: contacts, cfg: cfg, now: time.Now}
}

// ---- scheduling a send ----

// ScheduleRequest is the input to Schedule/ScheduleBulk. Exactly one of
// ContactID/Phone/GroupRef identifies the recipient.
type ScheduleRequest struct {
	ContactID   string
	Phone       string
	ContactName string // used only when Phone auto-creates a contact
	GroupRef    string

	Content     string
	MediaURL    string
	MediaKind   store.MediaKind
	ScheduledAt *time.Time // nil or <= now means "send immediately"
}

// Schedule validates req, resolves the recipient, inserts a pending
// Intent, enforces the Rate Limiter fast path for immediate sends, and
// registers a delayed dispatch job. Returns the stored Intent and the
// rate-limit snapshot observed at schedule time.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*store.Intent, ratelimit.Status, error) {
	recipientKind, contactRef, groupRef, err := s.resolveRecipient(ctx, req)
	if err != nil {
		return nil, ratelimit.Status{}, err
	}
	if strings.TrimSpace(req.Content) == "" && req.MediaURL == "" {
		return nil, ratelimit.Status{}, newErr(KindValidation, "content or media is required")
	}
	if req.MediaURL != "" && req.MediaKind == "" {
		return nil, ratelimit.Status{}, newErr(KindValidation, "mediaKind is required when mediaURL is set")
	}

	scheduledAt := s.now()
	immediate := true
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
		immediate = !scheduledAt.After(s.now())
	}

	if immediate {
		can, err := s.limiter.CanSend(ctx)
		if err != nil {
			return nil, ratelimit.Status{}, wrapErr(KindInternal, "rate limiter check", err)
		}
		if !can.Allowed {
			status, _ := s.limiter.Status(ctx)
			return nil, status, &Error{Kind: KindDailyCapReached, Message: fmt.Sprintf("daily cap reached (%d/%d)", can.SentToday, can.DailyCap)}
		}
	}

	intent, err := s.st.CreateIntent(ctx, &store.Intent{
		RecipientKind: recipientKind,
		ContactRef:    contactRef,
		GroupRef:      groupRef,
		Content:       req.Content,
		MediaURL:      req.MediaURL,
		MediaKind:     req.MediaKind,
		ScheduledAt:   scheduledAt,
		Status:        store.StatusPending,
	})
	if err != nil {
		return nil, ratelimit.Status{}, wrapErr(KindInternal, "create intent", err)
	}

	delayMS := int64(0)
	if d := scheduledAt.Sub(s.now()); d > 0 {
		delayMS = d.Milliseconds()
	}
	if _, err := s.jr.AddDelayed(ctx, store.JobKindDispatch, jobs.EncodeIntentPayload(intent.ID), delayMS, intent.ID); err != nil {
		return nil, ratelimit.Status{}, wrapErr(KindInternal, "register dispatch job", err)
	}

	status, _ := s.limiter.Status(ctx)
	return intent, status, nil
}

// BulkFailure is ScheduleBulk's per-item failure outcome.
type BulkFailure struct {
	Index int
	Error string
}

// ScheduleBulk pre-checks that the number of immediate items does not
// exceed remaining capacity (failing the whole batch if so), then
// schedules each item best-effort.
func (s *Service) ScheduleBulk(ctx context.Context, items []ScheduleRequest) (scheduled []*store.Intent, failed []BulkFailure, rl ratelimit.Status, err error) {
	if len(items) > maxBulkBatch {
		return nil, nil, ratelimit.Status{}, newErr(KindValidation, fmt.Sprintf("batch of %d exceeds max %d", len(items), maxBulkBatch))
	}

	immediateCount := 0
	for _, it := range items {
		if it.ScheduledAt == nil || !it.ScheduledAt.After(s.now()) {
			immediateCount++
		}
	}
	can, cerr := s.limiter.CanSend(ctx)
	if cerr != nil {
		return nil, nil, ratelimit.Status{}, wrapErr(KindInternal, "rate limiter check", cerr)
	}
	if immediateCount > can.Remaining {
		status, _ := s.limiter.Status(ctx)
		return nil, nil, status, &Error{Kind: KindDailyCapReached, Message: fmt.Sprintf("batch needs %d immediate sends but only %d remain today", immediateCount, can.Remaining)}
	}

	for i, it := range items {
		intent, _, err := s.Schedule(ctx, it)
		if err != nil {
			failed = append(failed, BulkFailure{Index: i, Error: err.Error()})
			continue
		}
		scheduled = append(scheduled, intent)
	}

	status, _ := s.limiter.Status(ctx)
	return scheduled, failed, status, nil
}

func (s *Service) resolveRecipient(ctx context.Context, req ScheduleRequest) (store.RecipientKind, string, string, error) {
	if req.GroupRef != "" {
		return store.RecipientGroup, "", req.GroupRef, nil
	}
	if req.ContactID != "" {
		c, err := s.contacts.FindByID(ctx, req.ContactID)
		if err != nil {
			return "", "", "", wrapErr(KindInternal, "lookup contact", err)
		}
		if c == nil {
			return "", "", "", newErr(KindNotFound, fmt.Sprintf("contact %s not found", req.ContactID))
		}
		return store.RecipientContact, c.ID, "", nil
	}
	if req.Phone != "" {
		c, err := s.contacts.GetOrCreateByPhone(ctx, req.Phone, req.ContactName)
		if err != nil {
			return "", "", "", wrapErr(KindInternal, "resolve contact by phone", err)
		}
		return store.RecipientContact, c.ID, "", nil
	}
	return "", "", "", newErr(KindValidation, "one of contactId, phone, or groupRef is required")
}

// ---- editing, cancelling, retrying ----

// Edit modifies a pending Intent's content/schedule/media. Fails with
// KindConflict if the intent is no longer pending.
func (s *Service) Edit(ctx context.Context, id uuid.UUID, patch store.IntentPatch) (*store.Intent, error) {
	existing, err := s.st.FindIntent(ctx, id)
	if err != nil {
		return nil, wrapErr(KindInternal, "load intent", err)
	}
	if existing == nil {
		return nil, newErr(KindNotFound, "intent not found")
	}
	if existing.Status != store.StatusPending {
		return nil, newErr(KindConflict, "only pending intents can be edited")
	}

	updated, err := s.st.EditIntent(ctx, id, patch)
	if err != nil {
		return nil, wrapErr(KindInternal, "edit intent", err)
	}
	if updated == nil {
		return nil, newErr(KindNotFound, "intent not found")
	}

	if patch.ScheduledAt != nil {
		delayMS := int64(0)
		if d := patch.ScheduledAt.Sub(s.now()); d > 0 {
			delayMS = d.Milliseconds()
		}
		if _, err := s.jr.Reschedule(ctx, id, delayMS); err != nil {
			return nil, wrapErr(KindInternal, "reschedule job", err)
		}
	}
	return updated, nil
}

// Cancel atomically transitions a pending Intent to cancelled and
// best-effort cancels its job. Returns (nil, nil) if the intent wasn't
// pending (idempotent).
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*store.Intent, error) {
	updated, err := s.st.UpdateIntentStatus(ctx, id, store.StatusCancelled, store.IntentStatusFields{}, false)
	if err != nil {
		return nil, wrapErr(KindInternal, "cancel intent", err)
	}
	if updated == nil {
		return nil, nil
	}
	if err := s.jr.Cancel(ctx, id); err != nil {
		return nil, wrapErr(KindInternal, "cancel job", err)
	}
	if err := s.st.RecordIntentEvent(ctx, updated.ID, store.IntentEventCancelled, "", s.now()); err != nil {
		log.Printf("scheduling: record cancelled event for %s: %v", updated.ID, err)
	}
	return updated, nil
}

// Retry resets a failed Intent back to pending and re-enqueues its
// dispatch job with zero delay.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*store.Intent, error) {
	updated, err := s.st.RetryIntent(ctx, id, s.now())
	if err != nil {
		return nil, wrapErr(KindInternal, "retry intent", err)
	}
	if updated == nil {
		return nil, newErr(KindConflict, "intent is not in a failed state")
	}
	if _, err := s.jr.AddDelayed(ctx, store.JobKindDispatch, jobs.EncodeIntentPayload(id), 0, id); err != nil {
		return nil, wrapErr(KindInternal, "re-register dispatch job", err)
	}
	if err := s.st.RecordIntentEvent(ctx, updated.ID, store.IntentEventRetried, "", s.now()); err != nil {
		log.Printf("scheduling: record retried event for %s: %v", updated.ID, err)
	}
	return updated, nil
}

// ---- reads ----

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Intent, error) {
	in, err := s.st.FindIntent(ctx, id)
	if err != nil {
		return nil, wrapErr(KindInternal, "load intent", err)
	}
	if in == nil {
		return nil, newErr(KindNotFound, "intent not found")
	}
	return in, nil
}

func (s *Service) List(ctx context.Context, filter store.IntentFilter) ([]*store.Intent, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 200
	}
	out, err := s.st.ListIntents(ctx, filter)
	if err != nil {
		return nil, wrapErr(KindInternal, "list intents", err)
	}
	return out, nil
}
