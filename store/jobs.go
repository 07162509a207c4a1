package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobState is a queued job's lifecycle state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// JobKind identifies what a job does when it fires.
type JobKind string

const (
	// JobKindDispatch fires a single Intent at its scheduled time.
	JobKindDispatch JobKind = "dispatch"
	// JobKindRuleFire fires a RecurrenceRule occurrence.
	JobKindRuleFire JobKind = "rule_fire"
	// JobKindRetentionSweep runs the retention sweeper.
	JobKindRetentionSweep JobKind = "retention_sweep"
)

// Job is a single delayed unit of work persisted so the runtime survives
// process restarts without losing or duplicating scheduled work.
type Job struct {
	ID          uuid.UUID
	Kind        JobKind
	Payload     string // opaque JSON, interpreted by the job's handler
	RunAt       time.Time
	State       JobState
	Attempt     int
	LastError   string
	ScheduleID  *uuid.UUID // set iff this job was produced by a recurring Schedule
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScheduleKind mirrors RuleKind for the subset of cadences the cron-backed
// job runtime itself drives (as opposed to one-shot dispatch jobs).
type ScheduleKind string

const (
	ScheduleCron   ScheduleKind = "cron"    // robfig/cron expression
	ScheduleEveryN ScheduleKind = "every_n" // custom every-N-days ticker
)

// Schedule is a recurring job registration: "run this kind of job on this
// cadence" independent of any single Job row. The Job Runtime re-derives
// its in-memory cron/ticker entries from the set of enabled schedules on
// startup.
type Schedule struct {
	ID           uuid.UUID
	Kind         JobKind
	ScheduleKind ScheduleKind
	CronExpr     string // set iff ScheduleKind == ScheduleCron
	EveryNDays   int    // set iff ScheduleKind == ScheduleEveryN
	RefID        *uuid.UUID // e.g. the RecurrenceRule this schedule drives
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobStore is the persistence surface the Job Runtime needs. It is
// embedded into Store rather than standing alone so a single Postgres
// connection pool and transaction boundary serves both intents and jobs.
type JobStore interface {
	EnqueueJob(ctx context.Context, j *Job) (*Job, error)
	FindJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListByState(ctx context.Context, state JobState) ([]*Job, error)
	// ClaimRunnable atomically selects up to limit pending jobs whose
	// RunAt has passed and marks them running, returning the claimed
	// rows. Used on startup recovery and by the single-worker consumer.
	ClaimRunnable(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, nextRunAt *time.Time) error
	CancelJob(ctx context.Context, id uuid.UUID) error
	CancelJobsByPayloadRef(ctx context.Context, kind JobKind, ref string) (int, error)
	RescheduleJob(ctx context.Context, id uuid.UUID, runAt time.Time) (*Job, error)
	DeleteDoneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	UpsertSchedule(ctx context.Context, s *Schedule) (*Schedule, error)
	RemoveSchedule(ctx context.Context, id uuid.UUID) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
}
