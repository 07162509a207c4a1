// Package storetest provides an in-memory store.Store used by unit tests
// across the core packages, mirroring the shape of store/postgres without
// needing a live database.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/store"
)

// Store is a minimal in-memory implementation of store.Store.
type Store struct {
	mu        sync.Mutex
	intents   map[uuid.UUID]*store.Intent
	rules     map[uuid.UUID]*store.RecurrenceRule
	blobs     map[string]string
	jobs      map[uuid.UUID]*store.Job
	schedules map[uuid.UUID]*store.Schedule
	events    []store.IntentEvent
	config    map[string]any
}

// New returns a ready, empty in-memory store.
func New() *Store {
	return &Store{
		intents:   make(map[uuid.UUID]*store.Intent),
		rules:     make(map[uuid.UUID]*store.RecurrenceRule),
		blobs:     make(map[string]string),
		jobs:      make(map[uuid.UUID]*store.Job),
		schedules: make(map[uuid.UUID]*store.Schedule),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// ---- intents ----

func (s *Store) CreateIntent(_ context.Context, in *store.Intent) (*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now()
	in.CreatedAt, in.UpdatedAt = now, now
	if in.Status == "" {
		in.Status = store.StatusPending
	}
	s.intents[in.ID] = clone(in)
	return clone(in), nil
}

func (s *Store) FindIntent(_ context.Context, id uuid.UUID) (*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.intents[id]), nil
}

func (s *Store) EditIntent(_ context.Context, id uuid.UUID, patch store.IntentPatch) (*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[id]
	if !ok {
		return nil, nil
	}
	if patch.Content != nil {
		i.Content = *patch.Content
	}
	if patch.ScheduledAt != nil {
		i.ScheduledAt = *patch.ScheduledAt
	}
	if patch.MediaURL != nil {
		i.MediaURL = *patch.MediaURL
	}
	if patch.MediaKind != nil {
		i.MediaKind = *patch.MediaKind
	}
	i.UpdatedAt = time.Now()
	return clone(i), nil
}

func (s *Store) UpdateIntentStatus(_ context.Context, id uuid.UUID, newStatus store.Status, fields store.IntentStatusFields, fromAny bool) (*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[id]
	if !ok {
		return nil, nil
	}
	if !fromAny && i.Status.Terminal() {
		return nil, nil
	}
	i.Status = newStatus
	if fields.ProviderMessageID != nil {
		i.ProviderMessageID = *fields.ProviderMessageID
	}
	if fields.SentAt != nil {
		i.SentAt = fields.SentAt
	}
	if fields.DeliveredAt != nil {
		i.DeliveredAt = fields.DeliveredAt
	}
	if fields.FailedAt != nil {
		i.FailedAt = fields.FailedAt
	}
	if fields.FailureReason != nil {
		i.FailureReason = *fields.FailureReason
	}
	if fields.ScheduledAt != nil {
		i.ScheduledAt = *fields.ScheduledAt
	}
	i.Attempts += fields.AttemptsDelta
	i.UpdatedAt = time.Now()
	return clone(i), nil
}

func (s *Store) RetryIntent(_ context.Context, id uuid.UUID, scheduledAt time.Time) (*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[id]
	if !ok || i.Status != store.StatusFailed {
		return nil, nil
	}
	i.Status = store.StatusPending
	i.Attempts = 0
	i.FailedAt = nil
	i.FailureReason = ""
	i.ScheduledAt = scheduledAt
	i.UpdatedAt = time.Now()
	return clone(i), nil
}

func (s *Store) ListIntents(_ context.Context, filter store.IntentFilter) ([]*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Intent
	for _, i := range s.intents {
		if filter.Status != nil && i.Status != *filter.Status {
			continue
		}
		if filter.ContactRef != nil && i.ContactRef != *filter.ContactRef {
			continue
		}
		if filter.Phone != nil {
			matches := i.ContactRef == *filter.Phone
			if filter.PhoneMode == store.PhoneModeExclude {
				matches = !matches
			}
			if !matches {
				continue
			}
		}
		out = append(out, clone(i))
	}
	return out, nil
}

func (s *Store) ListByProviderMessageID(_ context.Context, providerMessageID string) ([]*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Intent
	for _, i := range s.intents {
		if i.ProviderMessageID == providerMessageID {
			out = append(out, clone(i))
		}
	}
	return out, nil
}

func (s *Store) CountTerminalSuccessIn(_ context.Context, windowStart, windowEnd time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, i := range s.intents {
		if (i.Status == store.StatusSent || i.Status == store.StatusDelivered) &&
			i.SentAt != nil && !i.SentAt.Before(windowStart) && i.SentAt.Before(windowEnd) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time, statuses []store.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[store.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	n := 0
	for id, i := range s.intents {
		if want[i.Status] && i.SentAt != nil && i.SentAt.Before(cutoff) {
			delete(s.intents, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordIntentEvent(_ context.Context, intentID uuid.UUID, kind store.IntentEventKind, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, store.IntentEvent{
		ID: int64(len(s.events) + 1), IntentID: intentID, Kind: kind, Reason: reason, At: at,
	})
	return nil
}

// ---- recurrence rules ----

func (s *Store) CreateRule(_ context.Context, r *store.RecurrenceRule) (*store.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.rules[r.ID] = clone(r)
	return clone(r), nil
}

func (s *Store) FindRule(_ context.Context, id uuid.UUID) (*store.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.rules[id]), nil
}

func (s *Store) FindBirthdayRuleByContact(_ context.Context, contactRef string) (*store.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.ContactRef == contactRef && r.Kind == store.RuleBirthday {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (s *Store) EditRule(_ context.Context, id uuid.UUID, patch store.RulePatch) (*store.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	if patch.Content != nil {
		r.Content = *patch.Content
	}
	if patch.MediaURL != nil {
		r.MediaURL = *patch.MediaURL
	}
	if patch.MediaKind != nil {
		r.MediaKind = *patch.MediaKind
	}
	if patch.CronExpression != nil {
		r.CronExpression = *patch.CronExpression
	}
	if patch.EveryNDays != nil {
		r.EveryNDays = *patch.EveryNDays
	}
	if patch.DayOfMonth != nil {
		r.DayOfMonth = *patch.DayOfMonth
	}
	if patch.EndDate != nil {
		r.EndDate = patch.EndDate
	}
	if patch.MaxOccurrences != nil {
		r.MaxOccurrences = patch.MaxOccurrences
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	r.UpdatedAt = time.Now()
	return clone(r), nil
}

func (s *Store) DisableRule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[id]; ok {
		r.Enabled = false
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) ListRules(_ context.Context, enabledOnly bool) ([]*store.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.RecurrenceRule
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, clone(r))
	}
	return out, nil
}

func (s *Store) FireRule(_ context.Context, ruleID uuid.UUID, scheduledAt time.Time) (*store.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, nil
	}
	id := uuid.New()
	now := time.Now()
	intent := &store.Intent{
		ID:               id,
		RecipientKind:    store.RecipientContact,
		ContactRef:       r.ContactRef,
		Content:          r.Content,
		MediaURL:         r.MediaURL,
		MediaKind:        r.MediaKind,
		ScheduledAt:      scheduledAt,
		Status:           store.StatusPending,
		RecurrenceRuleID: &ruleID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.intents[id] = clone(intent)

	r.OccurrenceCount++
	r.LastFiredAt = &scheduledAt
	if r.MaxOccurrences != nil && r.OccurrenceCount >= *r.MaxOccurrences {
		r.Enabled = false
	}
	r.UpdatedAt = now

	return clone(intent), nil
}

// ---- credential vault ----

func (s *Store) GetCredentialBlob(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[key]
	return v, ok, nil
}

func (s *Store) SetCredentialBlob(_ context.Context, key, ciphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = ciphertext
	return nil
}

func (s *Store) DeleteCredentialBlobs(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.blobs, k)
	}
	return nil
}

// ---- job runtime persistence ----

func (s *Store) EnqueueJob(_ context.Context, j *store.Job) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.State == "" {
		j.State = store.JobPending
	}
	s.jobs[j.ID] = clone(j)
	return clone(j), nil
}

func (s *Store) FindJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.jobs[id]), nil
}

func (s *Store) ListByState(_ context.Context, state store.JobState) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (s *Store) ClaimRunnable(_ context.Context, now time.Time, limit int) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, j := range s.jobs {
		if len(out) >= limit {
			break
		}
		if j.State == store.JobPending && !j.RunAt.After(now) {
			j.State = store.JobRunning
			j.UpdatedAt = now
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (s *Store) CompleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.State = store.JobDone
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, errMsg string, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.UpdatedAt = time.Now()
	if nextRunAt != nil {
		j.State = store.JobPending
		j.RunAt = *nextRunAt
	} else {
		j.State = store.JobFailed
	}
	return nil
}

func (s *Store) CancelJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.State == store.JobPending {
		j.State = store.JobCancelled
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) CancelJobsByPayloadRef(_ context.Context, kind store.JobKind, ref string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Kind == kind && j.State == store.JobPending && contains(j.Payload, ref) {
			j.State = store.JobCancelled
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (s *Store) RescheduleJob(_ context.Context, id uuid.UUID, runAt time.Time) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	j.RunAt = runAt
	j.State = store.JobPending
	j.UpdatedAt = time.Now()
	return clone(j), nil
}

func (s *Store) DeleteDoneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State == store.JobDone && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteFailedOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State == store.JobFailed && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertSchedule(_ context.Context, sc *store.Schedule) (*store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	now := time.Now()
	sc.UpdatedAt = now
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	s.schedules[sc.ID] = clone(sc)
	return clone(sc), nil
}

func (s *Store) RemoveSchedule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *Store) ListSchedules(_ context.Context, enabledOnly bool) ([]*store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Schedule
	for _, sc := range s.schedules {
		if enabledOnly && !sc.Enabled {
			continue
		}
		out = append(out, clone(sc))
	}
	return out, nil
}

// ---- lifecycle ----

func (s *Store) Ping(_ context.Context) error { return nil }
func (s *Store) Close() error                 { return nil }
