// Package model defines the domain types used across the application.
package model

import "time"

// TransportType identifies the chat transport a destination belongs to.
type TransportType string

// Supported transports. The telegram_* types form one transport family
// (delivered through the Bot API), webhook forms the second.
const (
	TransportTelegramChannel TransportType = "telegram_channel"
	TransportTelegramGroup   TransportType = "telegram_group"
	TransportTelegramDM      TransportType = "telegram_dm"
	TransportWebhook         TransportType = "webhook"
)

// KnownTransport reports whether t is one of the supported transport types.
func KnownTransport(t TransportType) bool {
	switch t {
	case TransportTelegramChannel, TransportTelegramGroup, TransportTelegramDM, TransportWebhook:
		return true
	}
	return false
}

// RuleNSFWPolicy is the rule-level policy for NSFW-flagged content.
type RuleNSFWPolicy string

// Rule-level NSFW policies.
const (
	RuleNSFWAllow    RuleNSFWPolicy = "allow"
	RuleNSFWBlock    RuleNSFWPolicy = "block"
	RuleNSFWSeparate RuleNSFWPolicy = "separate_channel"
)

// DestNSFWPolicy is the destination-level NSFW policy. A value other than
// inherit overrides whatever the matching rule says.
type DestNSFWPolicy string

// Destination-level NSFW policies.
const (
	DestNSFWInherit  DestNSFWPolicy = "inherit"
	DestNSFWAllow    DestNSFWPolicy = "allow"
	DestNSFWBlock    DestNSFWPolicy = "block"
	DestNSFWSeparate DestNSFWPolicy = "separate"
)

// TagMatchMode controls how a rule's include tags are matched.
type TagMatchMode string

// Tag match modes.
const (
	MatchAny TagMatchMode = "any"
	MatchAll TagMatchMode = "all"
)

// Status is the lifecycle state of a queue item.
type Status string

// Queue item states.
const (
	StatusWillPush      Status = "will_push"
	StatusFiltered      Status = "filtered"
	StatusPendingReview Status = "pending_review"
	StatusPushed        Status = "pushed"
)

// KnownStatus reports whether s is one of the queue item states.
func KnownStatus(s Status) bool {
	switch s {
	case StatusWillPush, StatusFiltered, StatusPendingReview, StatusPushed:
		return true
	}
	return false
}

// ReasonCode explains why a queue item is not (or no longer) scheduled.
// The set is closed; operators see these values verbatim.
type ReasonCode string

// Reason codes.
const (
	ReasonNone                  ReasonCode = ""
	ReasonNSFWBlocked           ReasonCode = "nsfw_blocked"
	ReasonNSFWSeparateMissing   ReasonCode = "nsfw_separate_unconfigured_blocked"
	ReasonNSFWConditionMismatch ReasonCode = "nsfw_condition_mismatch"
	ReasonPlatformMismatch      ReasonCode = "platform_mismatch"
	ReasonTagsExcluded          ReasonCode = "tags_excluded"
	ReasonTagsNotAllMatched     ReasonCode = "tags_not_all_matched"
	ReasonTagsNotAnyMatched     ReasonCode = "tags_not_any_matched"
	ReasonRateLimited           ReasonCode = "rate_limited"
	ReasonApprovalRequired      ReasonCode = "approval_required"
	ReasonAlreadyPushed         ReasonCode = "already_pushed_dedupe"
	ReasonContentNotEligible    ReasonCode = "content_not_eligible"
	ReasonTargetUnavailable     ReasonCode = "target_unavailable"
	ReasonManualFiltered        ReasonCode = "manual_filtered"
	ReasonManualCanceled        ReasonCode = "manual_canceled"
)

// PushStatus is the outcome of a single delivery attempt.
type PushStatus string

// Delivery attempt outcomes.
const (
	PushSuccess PushStatus = "success"
	PushFailed  PushStatus = "failed"
	PushPending PushStatus = "pending"
)

// ContentItem is a harvested piece of content admitted for distribution
// decisions. It is immutable once admitted; the core never mutates it.
type ContentItem struct {
	ID         string
	Platform   string
	Tags       []string
	NSFW       bool
	AuthorName string
	MediaRefs  []string
	CreatedAt  time.Time
}

// Destination is a configured external chat endpoint ("bot chat").
type Destination struct {
	ID         int64
	Name       string
	Transport  TransportType
	ChatID     string
	NSFWPolicy DestNSFWPolicy
	// NSFWFallbackID points at another destination that receives NSFW
	// content when the effective policy is separate_channel.
	NSFWFallbackID *int64
	// TagFilter is a destination-level allow-list; empty accepts everything.
	TagFilter []string
	Priority  int
	Enabled   bool
	CreatedAt time.Time
}

// DistributionRule maps content characteristics to a set of destinations.
type DistributionRule struct {
	ID          int64
	Name        string
	IncludeTags []string
	ExcludeTags []string
	TagMode     TagMatchMode
	// Platform restricts the rule to one source platform; empty matches all.
	Platform         string
	Priority         int
	NSFWPolicy       RuleNSFWPolicy
	ApprovalRequired bool
	// RateMax/RateWindowSeconds define an optional fixed-window rate limit.
	// RateWindowSeconds == 0 means the rule is unlimited.
	RateMax           int
	RateWindowSeconds int
	Enabled           bool
	CreatedAt         time.Time
}

// RateLimited reports whether the rule carries a rate limit.
func (r *DistributionRule) RateLimited() bool {
	return r.RateWindowSeconds > 0 && r.RateMax > 0
}

// DistributionTarget binds a rule to one destination with per-binding
// delivery overrides. The override payload is opaque to the core.
type DistributionTarget struct {
	ID             int64
	RuleID         int64
	DestinationID  int64
	Enabled        bool
	MergeForward   bool
	UseAuthorName  bool
	RenderOverride string
	Position       int
	CreatedAt      time.Time
}

// QueueItem is one dispatch intent for a (content, rule, destination)
// tuple. The tuple is unique; re-evaluation updates the existing row.
type QueueItem struct {
	ID            int64
	ContentID     string
	RuleID        int64
	DestinationID int64
	Status        Status
	Reason        ReasonCode
	ScheduledAt   *time.Time
	CompletedAt   *time.Time
	// Priority is copied from the rule at creation and drives default
	// ordering; OrderIndex is the explicit position among a destination's
	// will_push items and is mutable by manual reorder.
	Priority   int
	OrderIndex int
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PushRecord is one append-only delivery attempt log entry.
type PushRecord struct {
	ID                int64
	QueueItemID       int64
	DestinationID     int64
	ExternalMessageID string
	Status            PushStatus
	ErrorMessage      string
	CreatedAt         time.Time
}

// RuleStats aggregates queue outcomes for one rule.
type RuleStats struct {
	RuleID      int64
	WillPush    int
	Filtered    int
	Pending     int
	Pushed      int
	RateLimited int
}

// QueueStats is the aggregate view consumed by monitoring.
type QueueStats struct {
	ByStatus map[Status]int
	ByReason map[ReasonCode]int
	ByRule   []RuleStats
}
