package scheduling

import (
	"context"
	"testing"

	"github.com/stickyrelay/wa-scheduler/store"
)

func TestCreateRuleDailyInstallsCronSchedule(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	rule, err := s.CreateRule(ctx, RuleRequest{
		ContactRef: "contact-1",
		Kind:       store.RuleDaily,
		Content:    "good morning",
		Hour:       9,
		Minute:     0,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if rule.CronExpression == "" {
		t.Fatal("expected a cron expression for a daily rule")
	}

	schedules, err := st.ListSchedules(ctx, true)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	found := false
	for _, sc := range schedules {
		if sc.ID == rule.ID {
			found = true
			if sc.ScheduleKind != store.ScheduleCron {
				t.Fatalf("expected cron schedule, got %s", sc.ScheduleKind)
			}
		}
	}
	if !found {
		t.Fatal("expected a schedule row for the created rule")
	}
}

func TestCreateRuleCustomRequiresEveryNDays(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.CreateRule(context.Background(), RuleRequest{
		ContactRef: "contact-1",
		Kind:       store.RuleCustom,
		Content:    "ping",
	})
	if err == nil {
		t.Fatal("expected validation error for missing everyNDays")
	}
}

func TestUpdateRuleDisablingRemovesSchedule(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	rule, err := s.CreateRule(ctx, RuleRequest{
		ContactRef: "contact-1",
		Kind:       store.RuleWeekly,
		Content:    "weekly check-in",
		Hour:       10,
		DayOfWeek:  1,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	disabled := false
	updated, err := s.UpdateRule(ctx, rule.ID, store.RulePatch{Enabled: &disabled})
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected rule to be disabled")
	}

	schedules, err := st.ListSchedules(ctx, true)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	for _, sc := range schedules {
		if sc.ID == rule.ID {
			t.Fatal("expected schedule to be removed after disabling the rule")
		}
	}
}

func TestDisableRuleIsSoftDelete(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	rule, err := s.CreateRule(ctx, RuleRequest{
		ContactRef: "contact-1",
		Kind:       store.RuleMonthly,
		Content:    "monthly reminder",
		Hour:       8,
		DayOfMonth: 1,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	if err := s.DisableRule(ctx, rule.ID); err != nil {
		t.Fatalf("DisableRule: %v", err)
	}

	got, err := s.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected rule to remain present but disabled")
	}
}

func TestSyncBirthdayReminderCreatesThenUpdatesThenDisables(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.SyncBirthdayReminder(ctx, "contact-1", "07-15", true, "Priya"); err != nil {
		t.Fatalf("SyncBirthdayReminder create: %v", err)
	}
	created, err := s.st.FindBirthdayRuleByContact(ctx, "contact-1")
	if err != nil {
		t.Fatalf("FindBirthdayRuleByContact: %v", err)
	}
	if created == nil {
		t.Fatal("expected a birthday rule to be created")
	}
	if created.Kind != store.RuleBirthday {
		t.Fatalf("expected birthday kind, got %s", created.Kind)
	}

	if err := s.SyncBirthdayReminder(ctx, "contact-1", "08-20", true, "Priya"); err != nil {
		t.Fatalf("SyncBirthdayReminder update: %v", err)
	}
	updated, err := s.st.FindBirthdayRuleByContact(ctx, "contact-1")
	if err != nil {
		t.Fatalf("FindBirthdayRuleByContact: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatal("expected the existing birthday rule to be reused, not duplicated")
	}

	if err := s.SyncBirthdayReminder(ctx, "contact-1", "", false, "Priya"); err != nil {
		t.Fatalf("SyncBirthdayReminder disable: %v", err)
	}
	disabled, err := s.st.FindBirthdayRuleByContact(ctx, "contact-1")
	if err != nil {
		t.Fatalf("FindBirthdayRuleByContact: %v", err)
	}
	if disabled == nil || disabled.Enabled {
		t.Fatal("expected the birthday rule to remain but be disabled")
	}
}

func TestSyncBirthdayReminderNoopWhenNeverSet(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.SyncBirthdayReminder(context.Background(), "contact-2", "", false, ""); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}
