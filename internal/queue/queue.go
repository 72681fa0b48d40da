// Package queue implements the manual queue operations and the state
// machine guarding queue item transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/locks"
	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/storage"
)

// ErrInvalidTransition is returned when an operation is not allowed from
// the item's current state.
var ErrInvalidTransition = errors.New("invalid transition")

// DefaultSpacing separates the scheduled times of items rescheduled in one
// batch so a dispatcher pass never sees two items of one destination tied
// at the same instant.
const DefaultSpacing = 2 * time.Second

// ItemDetail is a queue item together with its delivery attempt log.
type ItemDetail struct {
	Item    model.QueueItem
	Records []model.PushRecord
}

// Service exposes the user-facing queue operations. Every mutation takes
// the same per-destination lock as the dispatcher.
type Service struct {
	store   storage.Storage
	locks   *locks.Keyed
	hub     *events.Hub
	log     *slog.Logger
	spacing time.Duration
	now     func() time.Time
}

// New creates a queue Service.
func New(store storage.Storage, lk *locks.Keyed, hub *events.Hub, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		locks:   lk,
		hub:     hub,
		log:     log,
		spacing: DefaultSpacing,
		now:     time.Now,
	}
}

// SetSpacing overrides the reschedule spacing.
func (s *Service) SetSpacing(d time.Duration) { s.spacing = d }

// SetNow overrides the clock (useful for testing).
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// DestKey is the lock key guarding one destination's pending set.
func DestKey(destinationID int64) string {
	return "dest:" + strconv.FormatInt(destinationID, 10)
}

// Approve moves a pending_review item onto the schedule.
func (s *Service) Approve(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.mutate(ctx, id, func(it *model.QueueItem) error {
		if it.Status != model.StatusPendingReview {
			return fmt.Errorf("approve item %d in state %s: %w", id, it.Status, ErrInvalidTransition)
		}
		return s.toWillPush(ctx, it)
	})
}

// Reject discards a pending_review item.
func (s *Service) Reject(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.mutate(ctx, id, func(it *model.QueueItem) error {
		if it.Status != model.StatusPendingReview {
			return fmt.Errorf("reject item %d in state %s: %w", id, it.Status, ErrInvalidTransition)
		}
		s.toFiltered(it, model.ReasonManualFiltered)
		return nil
	})
}

// Filter removes any non-terminal item from the schedule.
func (s *Service) Filter(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.mutate(ctx, id, func(it *model.QueueItem) error {
		if it.Status == model.StatusPushed {
			return fmt.Errorf("filter item %d already pushed: %w", id, ErrInvalidTransition)
		}
		s.toFiltered(it, model.ReasonManualFiltered)
		return nil
	})
}

// Cancel is Filter with the cancellation reason code.
func (s *Service) Cancel(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.mutate(ctx, id, func(it *model.QueueItem) error {
		if it.Status == model.StatusPushed {
			return fmt.Errorf("cancel item %d already pushed: %w", id, ErrInvalidTransition)
		}
		s.toFiltered(it, model.ReasonManualCanceled)
		return nil
	})
}

// Restore puts a filtered item back on the schedule at the order tail.
func (s *Service) Restore(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.mutate(ctx, id, func(it *model.QueueItem) error {
		if it.Status != model.StatusFiltered {
			return fmt.Errorf("restore item %d in state %s: %w", id, it.Status, ErrInvalidTransition)
		}
		return s.toWillPush(ctx, it)
	})
}

// Repush schedules a fresh delivery attempt for an already pushed item.
// Prior push records are kept.
func (s *Service) Repush(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.mutate(ctx, id, func(it *model.QueueItem) error {
		if it.Status != model.StatusPushed {
			return fmt.Errorf("repush item %d in state %s: %w", id, it.Status, ErrInvalidTransition)
		}
		it.CompletedAt = nil
		return s.toWillPush(ctx, it)
	})
}

func (s *Service) toWillPush(ctx context.Context, it *model.QueueItem) error {
	idx, err := s.store.NextOrderIndex(ctx, it.DestinationID)
	if err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	it.Status = model.StatusWillPush
	it.Reason = model.ReasonNone
	it.ScheduledAt = &now
	it.OrderIndex = idx
	it.Attempts = 0
	return nil
}

func (s *Service) toFiltered(it *model.QueueItem, reason model.ReasonCode) {
	it.Status = model.StatusFiltered
	it.Reason = reason
	it.ScheduledAt = nil
	it.OrderIndex = 0
}

// mutate loads the item, applies fn under the destination lock, and
// persists the result.
func (s *Service) mutate(ctx context.Context, id int64, fn func(*model.QueueItem) error) (*model.QueueItem, error) {
	it, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}

	unlock := s.locks.Lock(DestKey(it.DestinationID))
	defer unlock()

	// Re-read under the lock; the dispatcher may have advanced the item.
	it, err = s.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	if err := fn(it); err != nil {
		return nil, err
	}
	if err := s.store.UpdateQueueItem(ctx, it); err != nil {
		return nil, fmt.Errorf("update item %d: %w", id, err)
	}
	if s.hub != nil {
		s.hub.Publish(events.Event{Type: events.TypeUpdated, Item: *it})
	}
	return it, nil
}

// Reorder moves a will_push item to newIndex within its destination's
// pending set.
func (s *Service) Reorder(ctx context.Context, id int64, newIndex int) error {
	it, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return fmt.Errorf("get item %d: %w", id, err)
	}

	unlock := s.locks.Lock(DestKey(it.DestinationID))
	defer unlock()

	if err := s.store.ReorderQueueItem(ctx, id, newIndex); err != nil {
		return fmt.Errorf("reorder item %d: %w", id, err)
	}
	if s.hub != nil {
		if moved, err := s.store.GetQueueItem(ctx, id); err == nil {
			s.hub.Publish(events.Event{Type: events.TypeUpdated, Item: *moved})
		}
	}
	return nil
}

// Reschedule recomputes scheduled times for the given will_push items to a
// new base time, preserving their relative order. Within one destination
// each subsequent item is spaced out so no two share an instant.
func (s *Service) Reschedule(ctx context.Context, ids []int64, base time.Time) error {
	items := make([]model.QueueItem, 0, len(ids))
	for _, id := range ids {
		it, err := s.store.GetQueueItem(ctx, id)
		if err != nil {
			return fmt.Errorf("get item %d: %w", id, err)
		}
		if it.Status != model.StatusWillPush {
			return fmt.Errorf("reschedule item %d in state %s: %w", id, it.Status, ErrInvalidTransition)
		}
		items = append(items, *it)
	}

	byDest := make(map[int64][]model.QueueItem)
	for _, it := range items {
		byDest[it.DestinationID] = append(byDest[it.DestinationID], it)
	}

	// Lock destinations in a stable order to avoid lock cycles with
	// concurrent batch operations.
	destIDs := make([]int64, 0, len(byDest))
	for id := range byDest {
		destIDs = append(destIDs, id)
	}
	sort.Slice(destIDs, func(i, j int) bool { return destIDs[i] < destIDs[j] })
	for _, destID := range destIDs {
		unlock := s.locks.Lock(DestKey(destID))
		defer unlock()
	}

	base = base.UTC().Truncate(time.Millisecond)
	for _, destID := range destIDs {
		group := byDest[destID]
		sort.Slice(group, func(i, j int) bool { return group[i].OrderIndex < group[j].OrderIndex })
		for k := range group {
			it := group[k]
			at := base.Add(time.Duration(k) * s.spacing)
			it.ScheduledAt = &at
			if err := s.store.UpdateQueueItem(ctx, &it); err != nil {
				return fmt.Errorf("update item %d: %w", it.ID, err)
			}
			if s.hub != nil {
				s.hub.Publish(events.Event{Type: events.TypeUpdated, Item: it})
			}
		}
	}
	return nil
}

// PushNow reschedules the given items to the current time.
func (s *Service) PushNow(ctx context.Context, ids []int64) error {
	return s.Reschedule(ctx, ids, s.now())
}

// List returns queue items filtered by status with pagination.
func (s *Service) List(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueItem, error) {
	return s.store.ListQueueItems(ctx, status, limit, offset)
}

// Get returns one item with its push records.
func (s *Service) Get(ctx context.Context, id int64) (*ItemDetail, error) {
	it, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	records, err := s.store.ListPushRecords(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list records for item %d: %w", id, err)
	}
	return &ItemDetail{Item: *it, Records: records}, nil
}

// Stats returns aggregate queue counts.
func (s *Service) Stats(ctx context.Context) (*model.QueueStats, error) {
	return s.store.QueueStats(ctx)
}
