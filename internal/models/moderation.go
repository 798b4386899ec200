package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the normalized weight of a policy breach
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below Low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the most severe of the given values, or "" when empty
func MaxSeverity(values ...Severity) Severity {
	var max Severity
	for _, v := range values {
		if v.Rank() > max.Rank() {
			max = v
		}
	}
	return max
}

// ViolationCategory names the detector family a violation came from
type ViolationCategory string

const (
	CategoryRuleBased        ViolationCategory = "rule-based"
	CategoryMLBased          ViolationCategory = "ml-based"
	CategoryContactDetection ViolationCategory = "contact-detection"
)

// ModerationAction is what the transport should do with the offending content
type ModerationAction string

const (
	ActionBlock    ModerationAction = "block"
	ActionModerate ModerationAction = "moderate"
	ActionFlag     ModerationAction = "flag"
)

// Violation types that do not come from a classifier category
const (
	ViolationContactEmail  = "contact_email"
	ViolationContactPhone  = "contact_phone"
	ViolationContactSocial = "contact_social"
	ViolationContactLink   = "contact_link"
	ViolationAPIError      = "moderation_api_error"
)

type Violation struct {
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Confidence float64           `json:"confidence"`
	Category   ViolationCategory `json:"category"`
	Action     ModerationAction  `json:"action"`
}

// IsAdvisory reports whether the violation only records a classifier outage.
// Advisory violations are audited but never count against the sender.
func (v Violation) IsAdvisory() bool {
	return v.Type == ViolationAPIError
}

// Verdict is the unified decision for one message
type Verdict struct {
	Safe          bool        `json:"safe"`
	Violations    []Violation `json:"violations"`
	ProcessedText string      `json:"processed_text"`
	Confidence    float64     `json:"confidence"`
}

// IsUnsafe applies the verdict rule: any High/Critical or blocking violation makes it unsafe.
func IsUnsafe(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity.AtLeast(SeverityHigh) || v.Action == ActionBlock {
			return true
		}
	}
	return false
}

// Quarantined reports whether a safe verdict still asks for masked delivery.
func (v *Verdict) Quarantined() bool {
	if !v.Safe {
		return false
	}
	for _, vi := range v.Violations {
		if vi.Action == ActionModerate {
			return true
		}
	}
	return false
}

// Chargeable returns the violations that count against the sender.
func (v *Verdict) Chargeable() []Violation {
	res := make([]Violation, 0, len(v.Violations))
	for _, vi := range v.Violations {
		if !vi.IsAdvisory() {
			res = append(res, vi)
		}
	}
	return res
}

// Span types produced by the contact redactor
type SpanType string

const (
	SpanEmail        SpanType = "email"
	SpanPhone        SpanType = "phone"
	SpanSocialHandle SpanType = "social_handle"
	SpanLink         SpanType = "link"
)

// RedactionSpan marks a redacted range using byte offsets into the original text
type RedactionSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Type  SpanType `json:"type"`
}

// Safety event types
const (
	EventTypeViolation  = "violation"
	EventTypeWarning    = "warning_issued"
	EventTypeSuspension = "user_suspended"
	// EventTypeClassifierUnavailable audits a message that only carried
	// classifier outage advisories. It is never charged.
	EventTypeClassifierUnavailable = "classifier_unavailable"
)

// ReviewAction is the outcome a human reviewer sets on a safety event
type ReviewAction string

const (
	ReviewDismiss ReviewAction = "dismiss"
	ReviewUphold  ReviewAction = "uphold"
	ReviewSuspend ReviewAction = "suspend"
	ReviewBan     ReviewAction = "ban"
	ReviewLift    ReviewAction = "lift"
)

func (a ReviewAction) Valid() bool {
	switch a {
	case ReviewDismiss, ReviewUphold, ReviewSuspend, ReviewBan, ReviewLift:
		return true
	}
	return false
}

// SafetyEvent is the append-only record of one moderated message with violations
type SafetyEvent struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	UserID              uuid.UUID     `json:"user_id" db:"user_id"`
	PairID              *uuid.UUID    `json:"pair_id,omitempty" db:"pair_id"`
	OccurredAt          time.Time     `json:"occurred_at" db:"occurred_at"`
	EventType           string        `json:"event_type" db:"event_type"`
	Severity            Severity      `json:"severity" db:"severity"`
	Violations          []Violation   `json:"violations" db:"violations"`
	ScoreDelta          int           `json:"score_delta" db:"score_delta"`
	RequiresHumanReview bool          `json:"requires_human_review" db:"requires_human_review"`
	HumanReviewedAt     *time.Time    `json:"human_reviewed_at,omitempty" db:"human_reviewed_at"`
	ReviewAction        *ReviewAction `json:"review_action,omitempty" db:"review_action"`
	ReviewedBy          *uuid.UUID    `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNote          *string       `json:"review_note,omitempty" db:"review_note"`
}

// Charged reports whether the event counts toward escalation history.
func (e *SafetyEvent) Charged() bool {
	return e.EventType != EventTypeClassifierUnavailable
}

// PendingReview reports whether the event still waits in the human review queue.
func (e *SafetyEvent) PendingReview() bool {
	return e.RequiresHumanReview && e.HumanReviewedAt == nil
}

// UserStatus is the persisted sanction state of a user
type UserStatus string

const (
	StatusActive    UserStatus = "active"
	StatusSuspended UserStatus = "suspended"
	StatusBanned    UserStatus = "banned"
)

const MaxSafetyScore = 100

// UserSafetyAggregate is the mutable per-user safety record
type UserSafetyAggregate struct {
	UserID           uuid.UUID  `json:"user_id" db:"user_id"`
	SafetyScore      int        `json:"safety_score" db:"safety_score"`
	WarningCount     int        `json:"warning_count" db:"warning_count"`
	Status           UserStatus `json:"status" db:"status"`
	SuspendedUntil   *time.Time `json:"suspended_until,omitempty" db:"suspended_until"`
	SuspensionReason *string    `json:"suspension_reason,omitempty" db:"suspension_reason"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// NewUserSafetyAggregate returns the registration-time record for a user
func NewUserSafetyAggregate(userID uuid.UUID, now time.Time) *UserSafetyAggregate {
	return &UserSafetyAggregate{
		UserID:      userID,
		SafetyScore: MaxSafetyScore,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ExpireSuspension reverts an elapsed suspension to Active. It reports whether anything changed.
func (a *UserSafetyAggregate) ExpireSuspension(now time.Time) bool {
	if a.Status != StatusSuspended || a.SuspendedUntil == nil {
		return false
	}
	if now.Before(*a.SuspendedUntil) {
		return false
	}
	a.Status = StatusActive
	a.SuspendedUntil = nil
	a.SuspensionReason = nil
	return true
}

// Restricted reports whether the user may not send messages at now.
func (a *UserSafetyAggregate) Restricted(now time.Time) bool {
	switch a.Status {
	case StatusBanned:
		return true
	case StatusSuspended:
		return a.SuspendedUntil == nil || now.Before(*a.SuspendedUntil)
	}
	return false
}

// Clone returns a deep copy so callers can stage changes
func (a *UserSafetyAggregate) Clone() *UserSafetyAggregate {
	c := *a
	if a.SuspendedUntil != nil {
		t := *a.SuspendedUntil
		c.SuspendedUntil = &t
	}
	if a.SuspensionReason != nil {
		r := *a.SuspensionReason
		c.SuspensionReason = &r
	}
	return &c
}

type ModerateMessageRequest struct {
	UserID uuid.UUID  `json:"user_id" binding:"required"`
	PairID *uuid.UUID `json:"pair_id,omitempty"`
	Text   string     `json:"text" binding:"required"`
}

type ReviewEventRequest struct {
	Action          ReviewAction `json:"action" binding:"required"`
	Note            *string      `json:"note,omitempty"`
	SuspendForHours int          `json:"suspend_for_hours,omitempty" binding:"omitempty,min=1,max=8760"`
}

type AdjustScoreRequest struct {
	Delta  int    `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required,max=500"`
}
