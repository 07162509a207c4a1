package jobs

import (
	"fmt"
	"time"
)

// CronExpr builds the 6-field (seconds-resolution) robfig/cron expression
// for a recurring rule, per spec §4.6's cron semantics table. dayOfWeek is
// 0-6 (Sunday=0); dayOfMonth/month are 1-based. For a monthly cadence a
// dayOfMonth above 28 requests "last day of month" behavior, resolved by
// ResolveMonthlyDay at fire time rather than encoded in the cron string
// itself (robfig/cron has no native L support).
func CronExpr(kind Cadence, hour, min, dayOfWeek, dayOfMonth, month int) string {
	switch kind {
	case CadenceDaily:
		return fmt.Sprintf("0 %d %d * * *", min, hour)
	case CadenceWeekly:
		return fmt.Sprintf("0 %d %d * * %d", min, hour, dayOfWeek)
	case CadenceMonthly:
		day := "*"
		if dayOfMonth > 0 && dayOfMonth <= 28 {
			day = fmt.Sprintf("%d", dayOfMonth)
		}
		// dayOfMonth > 28 is resolved at fire time via ResolveMonthlyDay;
		// the cron entry fires daily in the runtime and the handler
		// no-ops on days that don't match the resolved target.
		return fmt.Sprintf("0 %d %d %s * *", min, hour, day)
	case CadenceYearly, CadenceBirthday:
		return fmt.Sprintf("0 %d %d %d %d *", min, hour, dayOfMonth, month)
	default:
		return ""
	}
}

// Cadence mirrors store.RuleKind for the subset the cron builder handles;
// kept distinct so jobs doesn't need to import store for a handful of
// string constants.
type Cadence string

const (
	CadenceDaily    Cadence = "daily"
	CadenceWeekly   Cadence = "weekly"
	CadenceMonthly  Cadence = "monthly"
	CadenceYearly   Cadence = "yearly"
	CadenceBirthday Cadence = "birthday"
	CadenceCustom   Cadence = "custom"
)

// ResolveMonthlyDay returns the day of month a "day|L if day>28" monthly
// rule should fire on for the given year/month, treating any requested
// day greater than 28 as "L" (last day of the month).
func ResolveMonthlyDay(year int, month int, requestedDay int) int {
	if requestedDay <= 28 {
		return requestedDay
	}
	return lastDayOfMonth(year, month)
}

func lastDayOfMonth(year, month int) int {
	// day 0 of the next month is the last day of this one.
	firstOfNext := time.Date(year, time.Month(month+1), 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}
