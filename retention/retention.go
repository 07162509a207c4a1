// Package retention runs the daily terminal-intent cleanup sweep: a
// recurring Job Runtime entry, grounded on the teacher's hourly
// "delete expired sessions" goroutine in main.go, adapted to a cron
// cadence and a configurable cutoff rather than a fixed ticker.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/config"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/store"
)

// scheduleID is fixed since exactly one sweeper runs per process.
var scheduleID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// terminalStatuses is what a completed Intent can settle into; only
// these are eligible for deletion. Cancelled is deliberately excluded:
// pending and cancelled intents are never swept.
var terminalStatuses = []store.Status{
	store.StatusDelivered,
	store.StatusSent,
	store.StatusFailed,
}

// Sweeper deletes terminal Intents older than the configured retention
// window, once a day at 03:00 local.
type Sweeper struct {
	st  store.Store
	cfg *config.Global
	now func() time.Time
}

// New constructs a Sweeper. Register its Handler against
// store.JobKindRetentionSweep and call Install to arm the daily cron
// entry.
func New(st store.Store, cfg *config.Global) *Sweeper {
	return &Sweeper{st: st, cfg: cfg, now: time.Now}
}

// Install registers the daily 03:00 cron schedule with the Job Runtime.
// RetentionDays == 0 disables sweeping: any existing schedule is torn
// down instead.
func (s *Sweeper) Install(ctx context.Context, jr *jobs.Runtime) error {
	if s.cfg.Get().RetentionDays <= 0 {
		return jr.RemoveSchedule(ctx, scheduleID)
	}
	return jr.UpsertSchedule(ctx, scheduleID, store.Schedule{
		Kind:         store.JobKindRetentionSweep,
		ScheduleKind: store.ScheduleCron,
		CronExpr:     "0 0 3 * * *",
	}, jobs.ScheduleTemplate{JobKind: store.JobKindRetentionSweep})
}

// Handler is the jobs.Handler wired for store.JobKindRetentionSweep.
func (s *Sweeper) Handler(ctx context.Context, _ *store.Job) error {
	days := s.cfg.Get().RetentionDays
	if days <= 0 {
		return nil
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.st.DeleteTerminalOlderThan(ctx, cutoff, terminalStatuses)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("retention: deleted %d terminal intents older than %s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}
