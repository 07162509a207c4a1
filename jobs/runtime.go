// Package jobs implements the delayed-job queue and recurring scheduler
// described in spec §4.6: a single-consumer (concurrency=1) dequeue loop
// with a minimum inter-dequeue gap, persisted to the State Store so
// in-flight and pending work survives a process restart, plus a
// robfig/cron-backed recurring emitter for cron-pattern schedules and a
// hand-rolled ticker for every-N-days schedules (cron has no native
// every-N-days primitive).
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/stickyrelay/wa-scheduler/store"
)

// debugLog gates verbose dequeue/fire logging, mirroring the teacher's
// overseer.debugLog env-gated verbosity switch.
var debugLog = os.Getenv("WA_DEBUG") == "1"

// maxAttempts bounds total tries per job (the original fire plus
// retries) before a job is marked terminally failed.
const maxAttempts = 3

// retryBackoff holds the delay applied after the Nth failure (1-indexed)
// before the next retry; index len(retryBackoff)-1 is never reached at
// maxAttempts=3 but is kept so raising maxAttempts needs no code change.
var retryBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// evictDoneAfter/evictFailedAfter match spec §4.6's retention window.
const (
	evictDoneAfter   = 24 * time.Hour
	evictFailedAfter = 7 * 24 * time.Hour
)

// Handler processes a single job of a given kind. A non-nil error is
// treated as transient and retried per the backoff schedule above; the
// handler itself is responsible for any terminal, kind-specific
// bookkeeping (e.g. the Dispatcher marking an Intent failed) once it
// observes job.Attempt has reached the final try.
type Handler func(ctx context.Context, job *store.Job) error

// ScheduleTemplate is what UpsertSchedule installs: the job kind/payload
// to enqueue on every firing.
type ScheduleTemplate struct {
	JobKind store.JobKind
	Payload string
}

// Runtime is the delayed-job queue plus recurring scheduler.
type Runtime struct {
	st  store.Store
	sem *semaphore.Weighted

	minGap time.Duration

	mu       sync.Mutex
	handlers map[store.JobKind]Handler

	cronMu  sync.Mutex
	crons   map[uuid.UUID]*cron.Cron
	tickers map[uuid.UUID]chan struct{}

	now func() time.Time
}

// New constructs a Runtime. minGap is the minimum spacing between
// dequeues (floored at 2s by the caller per spec §4.6/§5).
func New(st store.Store, minGap time.Duration) *Runtime {
	return &Runtime{
		st:       st,
		sem:      semaphore.NewWeighted(1),
		minGap:   minGap,
		handlers: make(map[store.JobKind]Handler),
		crons:    make(map[uuid.UUID]*cron.Cron),
		tickers:  make(map[uuid.UUID]chan struct{}),
		now:      time.Now,
	}
}

// RegisterHandler wires the processor for a job kind. Must be called
// before Start.
func (r *Runtime) RegisterHandler(kind store.JobKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Start recovers any jobs orphaned by a prior crash (left "running" with
// no consumer), re-installs persisted recurring schedules, and launches
// the dequeue loop. It returns once startup recovery completes; the
// dequeue loop and eviction sweep continue in the background until ctx
// is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.recoverStuck(ctx); err != nil {
		return fmt.Errorf("jobs: recover stuck: %w", err)
	}
	if err := r.reinstallSchedules(ctx); err != nil {
		return fmt.Errorf("jobs: reinstall schedules: %w", err)
	}
	go r.dequeueLoop(ctx)
	go r.evictionLoop(ctx)
	return nil
}

// Stop tears down all recurring cron/ticker entries. The dequeue and
// eviction loops exit on their own once ctx (passed to Start) is done.
func (r *Runtime) Stop() {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	for _, c := range r.crons {
		c.Stop()
	}
	for _, done := range r.tickers {
		close(done)
	}
	r.crons = make(map[uuid.UUID]*cron.Cron)
	r.tickers = make(map[uuid.UUID]chan struct{})
}

func (r *Runtime) recoverStuck(ctx context.Context) error {
	stuck, err := r.st.ListByState(ctx, store.JobRunning)
	if err != nil {
		return err
	}
	for _, j := range stuck {
		if _, err := r.st.RescheduleJob(ctx, j.ID, r.now()); err != nil {
			return err
		}
	}
	return nil
}

// ---- delayed jobs ----

// AddDelayed registers a job that becomes runnable delayMS from now.
// jobID is client-chosen and deduplicates against an existing pending
// job with the same id (the enqueue is an upsert).
func (r *Runtime) AddDelayed(ctx context.Context, kind store.JobKind, payload string, delayMS int64, jobID uuid.UUID) (*store.Job, error) {
	if delayMS < 0 {
		delayMS = 0
	}
	return r.st.EnqueueJob(ctx, &store.Job{
		ID:      jobID,
		Kind:    kind,
		Payload: payload,
		RunAt:   r.now().Add(time.Duration(delayMS) * time.Millisecond),
		State:   store.JobPending,
	})
}

// Cancel removes a pending job. No-op if the job is already
// running/complete/absent.
func (r *Runtime) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return r.st.CancelJob(ctx, jobID)
}

// Reschedule is Cancel followed by AddDelayed with the same job id and
// kind/payload, at a new delay from now.
func (r *Runtime) Reschedule(ctx context.Context, jobID uuid.UUID, newDelayMS int64) (*store.Job, error) {
	existing, err := r.st.FindJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("jobs: reschedule: job %s not found", jobID)
	}
	if newDelayMS < 0 {
		newDelayMS = 0
	}
	return r.st.RescheduleJob(ctx, jobID, r.now().Add(time.Duration(newDelayMS)*time.Millisecond))
}

// ---- recurring schedules ----

// UpsertSchedule installs or replaces a recurring emitter. Exactly one of
// cronExpr/everyNDays must be set (ScheduleCron vs ScheduleEveryN).
func (r *Runtime) UpsertSchedule(ctx context.Context, id uuid.UUID, spec store.Schedule, tmpl ScheduleTemplate) error {
	spec.ID = id
	spec.Enabled = true
	if _, err := r.st.UpsertSchedule(ctx, &spec); err != nil {
		return err
	}
	return r.installSchedule(spec, tmpl)
}

// RemoveSchedule tears down the live cron/ticker entry and deletes the
// persisted schedule row.
func (r *Runtime) RemoveSchedule(ctx context.Context, id uuid.UUID) error {
	r.cronMu.Lock()
	if c, ok := r.crons[id]; ok {
		c.Stop()
		delete(r.crons, id)
	}
	if done, ok := r.tickers[id]; ok {
		close(done)
		delete(r.tickers, id)
	}
	r.cronMu.Unlock()
	return r.st.RemoveSchedule(ctx, id)
}

func (r *Runtime) reinstallSchedules(ctx context.Context) error {
	schedules, err := r.st.ListSchedules(ctx, true)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		payload := ""
		if sc.RefID != nil {
			payload = EncodeRulePayload(*sc.RefID)
		}
		tmpl := ScheduleTemplate{JobKind: sc.Kind, Payload: payload}
		if err := r.installSchedule(*sc, tmpl); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) installSchedule(spec store.Schedule, tmpl ScheduleTemplate) error {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()

	if c, ok := r.crons[spec.ID]; ok {
		c.Stop()
		delete(r.crons, spec.ID)
	}
	if done, ok := r.tickers[spec.ID]; ok {
		close(done)
		delete(r.tickers, spec.ID)
	}

	fire := func() {
		_, err := r.st.EnqueueJob(context.Background(), &store.Job{
			ID:         uuid.New(),
			Kind:       tmpl.JobKind,
			Payload:    tmpl.Payload,
			RunAt:      r.now(),
			State:      store.JobPending,
			ScheduleID: &spec.ID,
		})
		if err != nil {
			log.Printf("jobs: schedule %s: enqueue: %v", spec.ID, err)
		}
	}

	switch spec.ScheduleKind {
	case store.ScheduleCron:
		c := cron.New(cron.WithSeconds())
		if _, err := c.AddFunc(spec.CronExpr, fire); err != nil {
			return fmt.Errorf("jobs: bad cron expression %q: %w", spec.CronExpr, err)
		}
		c.Start()
		r.crons[spec.ID] = c
	case store.ScheduleEveryN:
		if spec.EveryNDays <= 0 {
			return fmt.Errorf("jobs: every_n schedule requires EveryNDays > 0")
		}
		done := make(chan struct{})
		r.tickers[spec.ID] = done
		go func() {
			t := time.NewTicker(time.Duration(spec.EveryNDays) * 24 * time.Hour)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					fire()
				}
			}
		}()
	default:
		return fmt.Errorf("jobs: unknown schedule kind %q", spec.ScheduleKind)
	}
	return nil
}

// ---- dequeue loop ----

func (r *Runtime) dequeueLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled
		}
		claimed, err := r.st.ClaimRunnable(ctx, r.now(), 1)
		if err != nil {
			r.sem.Release(1)
			log.Printf("jobs: claim: %v", err)
			time.Sleep(r.minGap)
			continue
		}
		if len(claimed) == 0 {
			r.sem.Release(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.minGap):
			}
			continue
		}

		job := claimed[0]
		r.runOne(ctx, job)
		r.sem.Release(1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.minGap):
		}
	}
}

func (r *Runtime) runOne(ctx context.Context, job *store.Job) {
	r.mu.Lock()
	h, ok := r.handlers[job.Kind]
	r.mu.Unlock()
	if !ok {
		log.Printf("jobs: no handler for kind %q, dropping job %s", job.Kind, job.ID)
		_ = r.st.FailJob(ctx, job.ID, "no handler registered", nil)
		return
	}

	if debugLog {
		log.Printf("jobs: running %s (kind=%s attempt=%d)", job.ID, job.Kind, job.Attempt)
	}

	err := h(ctx, job)
	if err == nil {
		if err := r.st.CompleteJob(ctx, job.ID); err != nil {
			log.Printf("jobs: complete %s: %v", job.ID, err)
		}
		return
	}

	nextAttempt := job.Attempt + 1
	if nextAttempt >= maxAttempts {
		if err := r.st.FailJob(ctx, job.ID, err.Error(), nil); err != nil {
			log.Printf("jobs: fail %s: %v", job.ID, err)
		}
		return
	}

	delay := retryBackoff[job.Attempt]
	nextRunAt := r.now().Add(delay)
	if err := r.st.FailJob(ctx, job.ID, err.Error(), &nextRunAt); err != nil {
		log.Printf("jobs: schedule retry %s: %v", job.ID, err)
	}
}

func (r *Runtime) evictionLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := r.now()
			if n, err := r.st.DeleteDoneOlderThan(ctx, now.Add(-evictDoneAfter)); err != nil {
				log.Printf("jobs: evict done: %v", err)
			} else if n > 0 && debugLog {
				log.Printf("jobs: evicted %d done jobs", n)
			}
			if n, err := r.st.DeleteFailedOlderThan(ctx, now.Add(-evictFailedAfter)); err != nil {
				log.Printf("jobs: evict failed: %v", err)
			} else if n > 0 && debugLog {
				log.Printf("jobs: evicted %d failed jobs", n)
			}
		}
	}
}

// ---- payload helpers ----

// IntentPayload is the typed sum-over-kinds payload for dispatch jobs,
// per the Design Notes' re-architecture of dynamic any-typed payloads:
// job payloads carry only ids.
type IntentPayload struct {
	IntentID uuid.UUID `json:"intent_id"`
}

// RulePayload is the payload for rule_fire jobs.
type RulePayload struct {
	RuleID uuid.UUID `json:"rule_id"`
}

func EncodeIntentPayload(id uuid.UUID) string {
	b, _ := json.Marshal(IntentPayload{IntentID: id})
	return string(b)
}

func DecodeIntentPayload(payload string) (uuid.UUID, error) {
	var p IntentPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return uuid.Nil, err
	}
	return p.IntentID, nil
}

func EncodeRulePayload(id uuid.UUID) string {
	b, _ := json.Marshal(RulePayload{RuleID: id})
	return string(b)
}

func DecodeRulePayload(payload string) (uuid.UUID, error) {
	var p RulePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return uuid.Nil, err
	}
	return p.RuleID, nil
}
