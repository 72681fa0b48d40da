// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// QueueDraft is the evaluator's input to UpsertQueueItem.
type QueueDraft struct {
	ContentID     string
	RuleID        int64
	DestinationID int64
	Status        model.Status
	Reason        model.ReasonCode
	Priority      int
	ScheduledAt   *time.Time
}

// Storage is the interface for all persistence operations.
type Storage interface {
	// Destinations.
	CreateDestination(ctx context.Context, d *model.Destination) error
	GetDestination(ctx context.Context, id int64) (*model.Destination, error)
	ListDestinations(ctx context.Context) ([]model.Destination, error)
	UpdateDestination(ctx context.Context, d *model.Destination) error
	DeleteDestination(ctx context.Context, id int64) error

	// Rules, sorted by (priority desc, id asc).
	CreateRule(ctx context.Context, r *model.DistributionRule) error
	GetRule(ctx context.Context, id int64) (*model.DistributionRule, error)
	ListRules(ctx context.Context) ([]model.DistributionRule, error)
	ListEnabledRules(ctx context.Context) ([]model.DistributionRule, error)
	UpdateRule(ctx context.Context, r *model.DistributionRule) error
	DeleteRule(ctx context.Context, id int64) error

	// Targets, ordered by position within a rule.
	CreateTarget(ctx context.Context, t *model.DistributionTarget) error
	GetTarget(ctx context.Context, id int64) (*model.DistributionTarget, error)
	ListTargets(ctx context.Context, ruleID int64) ([]model.DistributionTarget, error)
	ListEnabledTargets(ctx context.Context, ruleID int64) ([]model.DistributionTarget, error)
	UpdateTarget(ctx context.Context, t *model.DistributionTarget) error
	DeleteTarget(ctx context.Context, id int64) error

	// Content items (read-only after admission).
	PutContent(ctx context.Context, c *model.ContentItem) error
	GetContent(ctx context.Context, id string) (*model.ContentItem, error)

	// Queue. UpsertQueueItem is keyed by (content, rule, destination);
	// a row already pushed is left untouched and reported via skipped.
	UpsertQueueItem(ctx context.Context, d QueueDraft) (item *model.QueueItem, skipped bool, err error)
	GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error)
	ListQueueItems(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time) ([]model.QueueItem, error)
	UpdateQueueItem(ctx context.Context, it *model.QueueItem) error
	ReorderQueueItem(ctx context.Context, id int64, newIndex int) error
	NextOrderIndex(ctx context.Context, destinationID int64) (int, error)
	IncrementAttempts(ctx context.Context, id int64) (int, error)

	// Push records (append-only audit log).
	AppendPushRecord(ctx context.Context, r *model.PushRecord) error
	ListPushRecords(ctx context.Context, queueItemID int64) ([]model.PushRecord, error)

	// Fixed-window rate counters.
	RateCount(ctx context.Context, ruleID, windowStart int64) (int, error)
	RateTryConsume(ctx context.Context, ruleID, windowStart int64, max int) (bool, error)
	RateRelease(ctx context.Context, ruleID, windowStart int64) error

	// Aggregates and retention.
	QueueStats(ctx context.Context) (*model.QueueStats, error)
	PruneTerminalItems(ctx context.Context, olderThan time.Time) (int64, error)
	PrunePushRecords(ctx context.Context, olderThan time.Time) (int64, error)
	PruneRateWindows(ctx context.Context, olderThan int64) (int64, error)

	Close() error
}
