// Package store defines the persistence abstraction for the scheduler core.
// The State Store is the single source of truth: every other component
// holds intents and recurrence rules by id and re-reads from here on use.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---- intent status ----

// Status is an Intent's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a sticky terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ---- media ----

// MediaKind classifies an Intent's optional media attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// ---- recipient ----

// RecipientKind distinguishes a contact-addressed from a group-addressed Intent.
type RecipientKind string

const (
	RecipientContact RecipientKind = "contact"
	RecipientGroup   RecipientKind = "group"
)

// ---- recurrence kind ----

// RuleKind classifies a RecurrenceRule's cadence.
type RuleKind string

const (
	RuleDaily    RuleKind = "daily"
	RuleWeekly   RuleKind = "weekly"
	RuleMonthly  RuleKind = "monthly"
	RuleYearly   RuleKind = "yearly"
	RuleCustom   RuleKind = "custom"
	RuleBirthday RuleKind = "birthday"
)

// ---- domain types ----

// Intent is a single scheduled or immediate send.
type Intent struct {
	ID                uuid.UUID
	RecipientKind     RecipientKind
	ContactRef        string // set iff RecipientKind == RecipientContact
	GroupRef          string // set iff RecipientKind == RecipientGroup
	Content           string
	MediaURL          string
	MediaKind         MediaKind // "" iff MediaURL == ""
	ScheduledAt       time.Time
	Status            Status
	ProviderMessageID string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	FailureReason     string
	Attempts          int
	RecurrenceRuleID  *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasMedia reports whether the intent carries a media attachment.
func (i *Intent) HasMedia() bool { return i.MediaURL != "" }

// IntentPatch carries partial updates for Edit; nil fields are left unchanged.
type IntentPatch struct {
	Content     *string
	ScheduledAt *time.Time
	MediaURL    *string
	MediaKind   *MediaKind
}

// PhoneMode controls whether a phone filter includes or excludes matches.
type PhoneMode string

const (
	PhoneModeInclude PhoneMode = "include"
	PhoneModeExclude PhoneMode = "exclude"
)

// IntentFilter describes the List query parameters.
type IntentFilter struct {
	Status     *Status
	ContactRef *string
	Phone      *string
	PhoneMode  PhoneMode
	Limit      int
	Offset     int
}

// RecurrenceRule is a template that produces Intents on a schedule.
type RecurrenceRule struct {
	ID              uuid.UUID
	ContactRef      string
	Kind            RuleKind
	Content         string
	MediaURL        string
	MediaKind       MediaKind
	CronExpression  string // set iff Kind uses a cron pattern
	EveryNDays      int    // set iff Kind == RuleCustom
	DayOfMonth      int    // set iff Kind == RuleMonthly; >28 means "last day of month"
	EndDate         *time.Time
	MaxOccurrences  *int
	OccurrenceCount int
	Enabled         bool
	LastFiredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RulePatch carries partial updates for UpdateRule; nil fields are left unchanged.
type RulePatch struct {
	Content        *string
	MediaURL       *string
	MediaKind      *MediaKind
	CronExpression *string
	EveryNDays     *int
	DayOfMonth     *int
	EndDate        *time.Time
	MaxOccurrences *int
	Enabled        *bool
}

// IntentEventKind classifies an audit entry recorded against an intent.
type IntentEventKind string

const (
	IntentEventSent      IntentEventKind = "sent"
	IntentEventDelivered IntentEventKind = "delivered"
	IntentEventFailed    IntentEventKind = "failed"
	IntentEventCancelled IntentEventKind = "cancelled"
	IntentEventRetried   IntentEventKind = "retried"
)

// IntentEvent is an immutable audit record of a status transition.
type IntentEvent struct {
	ID       int64
	IntentID uuid.UUID
	Kind     IntentEventKind
	Reason   string
	At       time.Time
}

// IntentStatusFields carries the fields UpdateIntentStatus may set
// alongside the status transition.
type IntentStatusFields struct {
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	FailureReason     *string
	AttemptsDelta     int // added to the current Attempts value
	ScheduledAt       *time.Time
}

// ---- store interface ----

// Store is the persistence abstraction. All methods are context-aware.
// Writers serialize through a single logical transaction mechanism;
// readers may proceed concurrently. Multi-row mutations are atomic.
type Store interface {
	// ---- intents ----
	CreateIntent(ctx context.Context, in *Intent) (*Intent, error)
	FindIntent(ctx context.Context, id uuid.UUID) (*Intent, error)
	EditIntent(ctx context.Context, id uuid.UUID, patch IntentPatch) (*Intent, error)
	// UpdateIntentStatus atomically transitions id to newStatus, applying
	// fields. If fromAny is false, the row is only updated when its
	// current status is not already terminal (first committer wins);
	// otherwise the call returns (nil, nil) as a no-op.
	UpdateIntentStatus(ctx context.Context, id uuid.UUID, newStatus Status, fields IntentStatusFields, fromAny bool) (*Intent, error)
	// RetryIntent atomically resets a failed Intent back to pending:
	// attempts=0, failedAt/failureReason cleared to their zero values,
	// scheduledAt=scheduledAt. A dedicated op rather than
	// UpdateIntentStatus because the reset needs to clear fields, not
	// merely set them (UpdateIntentStatus's COALESCE semantics only ever
	// add information, never remove it). No-op (nil, nil) if id isn't
	// currently failed.
	RetryIntent(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*Intent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]*Intent, error)
	ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*Intent, error)
	CountTerminalSuccessIn(ctx context.Context, windowStart, windowEnd time.Time) (int, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error)
	RecordIntentEvent(ctx context.Context, intentID uuid.UUID, kind IntentEventKind, reason string, at time.Time) error

	// ---- recurrence rules ----
	CreateRule(ctx context.Context, r *RecurrenceRule) (*RecurrenceRule, error)
	FindRule(ctx context.Context, id uuid.UUID) (*RecurrenceRule, error)
	FindBirthdayRuleByContact(ctx context.Context, contactRef string) (*RecurrenceRule, error)
	EditRule(ctx context.Context, id uuid.UUID, patch RulePatch) (*RecurrenceRule, error)
	DisableRule(ctx context.Context, id uuid.UUID) error
	ListRules(ctx context.Context, enabledOnly bool) ([]*RecurrenceRule, error)
	// FireRule atomically creates a new Intent from the rule's template,
	// increments occurrence_count, sets last_fired_at, and auto-disables
	// the rule when occurrence_count reaches max_occurrences.
	FireRule(ctx context.Context, ruleID uuid.UUID, scheduledAt time.Time) (*Intent, error)

	// ---- credential vault ----
	GetCredentialBlob(ctx context.Context, key string) (string, bool, error)
	SetCredentialBlob(ctx context.Context, key, ciphertext string) error
	DeleteCredentialBlobs(ctx context.Context, keys ...string) error

	// ---- job runtime persistence ----
	JobStore

	// ---- lifecycle ----
	Ping(ctx context.Context) error
	Close() error
}
