// Package ratelimit enforces the daily send cap. sentToday is always
// recomputed from the State Store — there is no in-memory counter to
// contend on — so the limiter is safe to call from any goroutine without
// its own locking.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/store"
)

// istOffset is the fixed Asia/Kolkata offset, UTC+05:30, with no DST
// adjustment (per the glossary's IST entry).
const istOffset = 5*time.Hour + 30*time.Minute

// CanSend describes whether a send is currently permitted.
type CanSend struct {
	Allowed   bool
	SentToday int
	DailyCap  int
	Remaining int
}

// Status extends CanSend with the reset time and a warning flag.
type Status struct {
	SentToday int
	DailyCap  int
	Remaining int
	ResetAt   time.Time
	Warning   bool
}

// dayWindow computes [todayStartIST, todayStartIST+24h) as UTC instants,
// by shifting now to IST, truncating to a day boundary, then shifting
// back — matching spec §4.3's derivation exactly.
func dayWindow(now time.Time) (start, end time.Time) {
	shifted := now.UTC().Add(istOffset)
	dayStartShifted := shifted.Truncate(24 * time.Hour)
	start = dayStartShifted.Add(-istOffset)
	end = start.Add(24 * time.Hour)
	return start, end
}

// Limiter reads sentToday from the store on every call and broadcasts
// threshold crossings on the event bus.
type Limiter struct {
	st       store.Store
	bus      *events.Bus
	dailyCap int
	warnPct  int
	now      func() time.Time
}

// New constructs a Limiter. dailyCap must be positive; the core never
// permits disabling the cap.
func New(st store.Store, bus *events.Bus, dailyCap, warnPct int) *Limiter {
	return &Limiter{st: st, bus: bus, dailyCap: dailyCap, warnPct: warnPct, now: time.Now}
}

// CanSend reports whether another send is permitted right now.
func (l *Limiter) CanSend(ctx context.Context) (CanSend, error) {
	start, end := dayWindow(l.now())
	sentToday, err := l.st.CountTerminalSuccessIn(ctx, start, end)
	if err != nil {
		return CanSend{}, fmt.Errorf("ratelimit: count sent today: %w", err)
	}
	remaining := l.dailyCap - sentToday
	if remaining < 0 {
		remaining = 0
	}
	return CanSend{
		Allowed:   sentToday < l.dailyCap,
		SentToday: sentToday,
		DailyCap:  l.dailyCap,
		Remaining: remaining,
	}, nil
}

// Status returns the full rate-limit snapshot including the next IST
// midnight reset instant.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	start, end := dayWindow(l.now())
	sentToday, err := l.st.CountTerminalSuccessIn(ctx, start, end)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: count sent today: %w", err)
	}
	remaining := l.dailyCap - sentToday
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		SentToday: sentToday,
		DailyCap:  l.dailyCap,
		Remaining: remaining,
		ResetAt:   end,
		Warning:   sentToday >= l.warnThreshold(),
	}, nil
}

func (l *Limiter) warnThreshold() int {
	return (l.dailyCap * l.warnPct) / 100
}

// CheckAndWarn is called after every dispatch attempt. Per the Design
// Notes' resolved open question (b), it refires RateLimitWarning on every
// send once the threshold is crossed rather than only on the first
// crossing — de-duplication was judged unsafe to assume without product
// sign-off.
func (l *Limiter) CheckAndWarn(ctx context.Context) error {
	status, err := l.Status(ctx)
	if err != nil {
		return err
	}
	if status.SentToday >= status.DailyCap {
		l.bus.Publish(events.Event{
			Timestamp: l.now(),
			Source:    events.SourceRateLimiter,
			Kind:      events.KindRateLimitReached,
			Data: map[string]any{
				"sent_today": status.SentToday,
				"daily_cap":  status.DailyCap,
			},
		})
		return nil
	}
	if status.SentToday >= l.warnThreshold() {
		l.bus.Publish(events.Event{
			Timestamp: l.now(),
			Source:    events.SourceRateLimiter,
			Kind:      events.KindRateLimitWarning,
			Data: map[string]any{
				"sent_today": status.SentToday,
				"daily_cap":  status.DailyCap,
				"remaining":  status.Remaining,
			},
		})
	}
	return nil
}
