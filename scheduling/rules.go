package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/store"
)

// RuleRequest is the input to CreateRule. Hour/Minute/DayOfWeek/
// DayOfMonth/Month follow spec §4.6's cron semantics table; EveryNDays
// is used only when Kind == store.RuleCustom.
type RuleRequest struct {
	ContactRef string
	Kind       store.RuleKind
	Content    string
	MediaURL   string
	MediaKind  store.MediaKind

	Hour       int
	Minute     int
	DayOfWeek  int // 0-6, weekly only
	DayOfMonth int // 1-31, monthly/yearly/birthday (>28 resolved as "last day" for monthly only)
	Month      int // 1-12, yearly/birthday only
	EveryNDays int // custom only

	EndDate        *time.Time
	MaxOccurrences *int
}

// CreateRule validates req, computes its cron expression (or
// every-N-days interval), persists the rule, and registers the
// recurring schedule with the Job Runtime.
func (s *Service) CreateRule(ctx context.Context, req RuleRequest) (*store.RecurrenceRule, error) {
	if strings.TrimSpace(req.ContactRef) == "" {
		return nil, newErr(KindValidation, "contactRef is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, newErr(KindValidation, "content is required")
	}

	rule := &store.RecurrenceRule{
		ContactRef:     req.ContactRef,
		Kind:           req.Kind,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		MediaKind:      req.MediaKind,
		EndDate:        req.EndDate,
		MaxOccurrences: req.MaxOccurrences,
		Enabled:        true,
	}
	if req.Kind == store.RuleCustom {
		if req.EveryNDays <= 0 {
			return nil, newErr(KindValidation, "everyNDays must be positive for a custom rule")
		}
		rule.EveryNDays = req.EveryNDays
	} else {
		rule.CronExpression = jobs.CronExpr(jobs.Cadence(req.Kind), req.Hour, req.Minute, req.DayOfWeek, req.DayOfMonth, req.Month)
		if rule.CronExpression == "" {
			return nil, newErr(KindValidation, fmt.Sprintf("unsupported rule kind %q", req.Kind))
		}
		if req.Kind == store.RuleMonthly {
			rule.DayOfMonth = req.DayOfMonth
		}
	}

	created, err := s.st.CreateRule(ctx, rule)
	if err != nil {
		return nil, wrapErr(KindInternal, "create rule", err)
	}

	if err := s.installRuleSchedule(ctx, created); err != nil {
		return nil, wrapErr(KindInternal, "register rule schedule", err)
	}
	return created, nil
}

// UpdateRule patches a rule and re-registers (or removes) its schedule.
func (s *Service) UpdateRule(ctx context.Context, id uuid.UUID, patch store.RulePatch) (*store.RecurrenceRule, error) {
	updated, err := s.st.EditRule(ctx, id, patch)
	if err != nil {
		return nil, wrapErr(KindInternal, "edit rule", err)
	}
	if updated == nil {
		return nil, newErr(KindNotFound, "rule not found")
	}

	if !updated.Enabled {
		if err := s.jr.RemoveSchedule(ctx, id); err != nil {
			return nil, wrapErr(KindInternal, "remove rule schedule", err)
		}
		return updated, nil
	}
	if err := s.installRuleSchedule(ctx, updated); err != nil {
		return nil, wrapErr(KindInternal, "reregister rule schedule", err)
	}
	return updated, nil
}

// DisableRule soft-deletes a rule and removes its live schedule entry.
func (s *Service) DisableRule(ctx context.Context, id uuid.UUID) error {
	if err := s.st.DisableRule(ctx, id); err != nil {
		return wrapErr(KindInternal, "disable rule", err)
	}
	if err := s.jr.RemoveSchedule(ctx, id); err != nil {
		return wrapErr(KindInternal, "remove rule schedule", err)
	}
	return nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*store.RecurrenceRule, error) {
	r, err := s.st.FindRule(ctx, id)
	if err != nil {
		return nil, wrapErr(KindInternal, "load rule", err)
	}
	if r == nil {
		return nil, newErr(KindNotFound, "rule not found")
	}
	return r, nil
}

func (s *Service) ListRules(ctx context.Context, enabledOnly bool) ([]*store.RecurrenceRule, error) {
	out, err := s.st.ListRules(ctx, enabledOnly)
	if err != nil {
		return nil, wrapErr(KindInternal, "list rules", err)
	}
	return out, nil
}

// installRuleSchedule registers (or replaces) the Job Runtime schedule
// backing r, using r's own id as the schedule id so UpdateRule/
// DisableRule can address it directly.
func (s *Service) installRuleSchedule(ctx context.Context, r *store.RecurrenceRule) error {
	spec := store.Schedule{
		Kind: store.JobKindRuleFire,
	}
	if r.Kind == store.RuleCustom {
		spec.ScheduleKind = store.ScheduleEveryN
		spec.EveryNDays = r.EveryNDays
	} else {
		spec.ScheduleKind = store.ScheduleCron
		spec.CronExpr = r.CronExpression
	}
	spec.RefID = &r.ID
	return s.jr.UpsertSchedule(ctx, r.ID, spec, jobs.ScheduleTemplate{
		JobKind: store.JobKindRuleFire,
		Payload: jobs.EncodeRulePayload(r.ID),
	})
}

// SyncBirthdayReminder upserts (or disables) the contact's birthday rule
// to match its current birthday/opt-in state, per spec §4.8: a birthday
// rule fires yearly at the configured default send hour using the
// configured birthday template, with "{{name}}" substituted.
func (s *Service) SyncBirthdayReminder(ctx context.Context, contactRef string, birthdayMMDD string, enabled bool, contactName string) error {
	existing, err := s.st.FindBirthdayRuleByContact(ctx, contactRef)
	if err != nil {
		return wrapErr(KindInternal, "find birthday rule", err)
	}

	if birthdayMMDD == "" || !enabled {
		if existing != nil && existing.Enabled {
			return s.DisableRule(ctx, existing.ID)
		}
		return nil
	}

	month, day, err := parseMMDD(birthdayMMDD)
	if err != nil {
		return newErr(KindValidation, err.Error())
	}

	name := contactName
	if name == "" {
		name = "friend"
	}
	content := strings.ReplaceAll(s.cfg.Get().BirthdayTemplate, "{{name}}", name)
	hour := s.cfg.Get().DefaultSendHour

	if existing != nil {
		patch := store.RulePatch{
			Content: &content,
		}
		cron := jobs.CronExpr(jobs.CadenceBirthday, hour, 0, 0, day, month)
		patch.CronExpression = &cron
		enabledTrue := true
		patch.Enabled = &enabledTrue
		_, err := s.UpdateRule(ctx, existing.ID, patch)
		return err
	}

	_, err = s.CreateRule(ctx, RuleRequest{
		ContactRef: contactRef,
		Kind:       store.RuleBirthday,
		Content:    content,
		Hour:       hour,
		DayOfMonth: day,
		Month:      month,
	})
	return err
}

func parseMMDD(mmdd string) (month, day int, err error) {
	parts := strings.Split(mmdd, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("birthday must be in MM-DD form, got %q", mmdd)
	}
	if _, err := fmt.Sscanf(mmdd, "%02d-%02d", &month, &day); err != nil {
		return 0, 0, fmt.Errorf("birthday must be in MM-DD form, got %q", mmdd)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("birthday %q out of range", mmdd)
	}
	return month, day, nil
}
