// Package dispatcher drains due will_push items to their destinations and
// records delivery outcomes.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/locks"
	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/queue"
	"github.com/ienone/VaultStream-sub000/internal/ratelimit"
	"github.com/ienone/VaultStream-sub000/internal/storage"
	"github.com/ienone/VaultStream-sub000/internal/transport"
)

// Renderer builds the outgoing payload for one queue item. Rendering is
// external to the core; this is only the shape it needs.
type Renderer interface {
	Render(ctx context.Context, content model.ContentItem, rule model.DistributionRule) ([]byte, error)
}

// Config tunes the dispatch loop.
type Config struct {
	// Tick is the pause between queue scans.
	Tick time.Duration
	// SendTimeout bounds one transport call.
	SendTimeout time.Duration
	// MaxAttempts filters an item as target_unavailable after this many
	// consecutive delivery failures.
	MaxAttempts int
	// RatePerSec paces outgoing sends across all destinations; zero
	// disables pacing.
	RatePerSec int
}

// Dispatcher is the background process draining the push queue. Items of
// one destination are delivered strictly in order; destinations proceed
// in parallel.
type Dispatcher struct {
	store    storage.Storage
	limiter  *ratelimit.Limiter
	locks    *locks.Keyed
	registry *transport.Registry
	renderer Renderer
	hub      *events.Hub
	log      *slog.Logger
	cfg      Config
	pace     *rate.Limiter
	now      func() time.Time
}

// New creates a Dispatcher.
func New(store storage.Storage, limiter *ratelimit.Limiter, lk *locks.Keyed, registry *transport.Registry, renderer Renderer, hub *events.Hub, log *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	d := &Dispatcher{
		store:    store,
		limiter:  limiter,
		locks:    lk,
		registry: registry,
		renderer: renderer,
		hub:      hub,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
	if cfg.RatePerSec > 0 {
		d.pace = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return d
}

// SetNow overrides the clock (useful for testing).
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// Run starts the dispatch loop, blocking until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Tick(ctx)

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one full dispatch pass over all due items.
func (d *Dispatcher) Tick(ctx context.Context) {
	due, err := d.store.DueQueueItems(ctx, d.now())
	if err != nil {
		d.log.Error("list due items", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	// DueQueueItems orders by (destination, order index); split into
	// per-destination runs that each keep that order.
	var groups [][]model.QueueItem
	for _, it := range due {
		if n := len(groups); n > 0 && groups[n-1][0].DestinationID == it.DestinationID {
			groups[n-1] = append(groups[n-1], it)
			continue
		}
		groups = append(groups, []model.QueueItem{it})
	}

	var pushed, failed atomic.Int64
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(items []model.QueueItem) {
			defer wg.Done()
			p, f := d.processDestination(ctx, items)
			pushed.Add(int64(p))
			failed.Add(int64(f))
		}(group)
	}
	wg.Wait()

	d.log.Info("dispatch tick", "due", len(due), "pushed", pushed.Load(), "failed", failed.Load())
}

// processDestination delivers one destination's due items sequentially
// under the destination lock shared with the manual queue operations.
func (d *Dispatcher) processDestination(ctx context.Context, items []model.QueueItem) (pushed, failed int) {
	destID := items[0].DestinationID
	unlock := d.locks.Lock(queue.DestKey(destID))
	defer unlock()

	dest, err := d.store.GetDestination(ctx, destID)
	if errors.Is(err, storage.ErrNotFound) {
		for _, it := range items {
			d.markFiltered(ctx, it.ID, model.ReasonTargetUnavailable)
		}
		return 0, len(items)
	}
	if err != nil {
		d.log.Error("get destination", "destination_id", destID, "error", err)
		return 0, 0
	}
	if !dest.Enabled {
		// Leave the items scheduled; they become due again once the
		// destination is re-enabled.
		return 0, 0
	}

	for _, it := range items {
		if ctx.Err() != nil {
			return pushed, failed
		}
		switch d.dispatchOne(ctx, *dest, it.ID) {
		case resultPushed:
			pushed++
		case resultFailed:
			failed++
		}
	}
	return pushed, failed
}

type result int

const (
	resultSkipped result = iota
	resultPushed
	resultFailed
)

func (d *Dispatcher) dispatchOne(ctx context.Context, dest model.Destination, itemID int64) result {
	// Re-read under the lock; a manual operation may have moved the item
	// since the due scan.
	it, err := d.store.GetQueueItem(ctx, itemID)
	if err != nil {
		d.log.Error("get queue item", "item_id", itemID, "error", err)
		return resultSkipped
	}
	now := d.now()
	if it.Status != model.StatusWillPush || it.ScheduledAt == nil || it.ScheduledAt.After(now) {
		return resultSkipped
	}

	rule, err := d.store.GetRule(ctx, it.RuleID)
	if errors.Is(err, storage.ErrNotFound) {
		d.markFiltered(ctx, it.ID, model.ReasonContentNotEligible)
		return resultSkipped
	}
	if err != nil {
		d.log.Error("get rule", "item_id", it.ID, "rule_id", it.RuleID, "error", err)
		return resultSkipped
	}

	consumed := false
	if rule.RateLimited() {
		ok, err := d.limiter.TryConsume(ctx, *rule)
		if err != nil {
			d.log.Error("rate consume", "item_id", it.ID, "rule_id", rule.ID, "error", err)
			return resultSkipped
		}
		if !ok {
			d.markFiltered(ctx, it.ID, model.ReasonRateLimited)
			return resultSkipped
		}
		consumed = true
	}
	release := func() {
		if consumed {
			if err := d.limiter.Release(ctx, *rule); err != nil {
				d.log.Error("rate release", "rule_id", rule.ID, "error", err)
			}
		}
	}

	content, err := d.store.GetContent(ctx, it.ContentID)
	if errors.Is(err, storage.ErrNotFound) {
		release()
		d.markFiltered(ctx, it.ID, model.ReasonContentNotEligible)
		return resultSkipped
	}
	if err != nil {
		release()
		d.log.Error("get content", "item_id", it.ID, "content_id", it.ContentID, "error", err)
		return resultSkipped
	}

	tr, err := d.registry.For(dest.Transport)
	if err != nil {
		release()
		return d.recordFailure(ctx, it, dest, err)
	}
	payload, err := d.renderer.Render(ctx, *content, *rule)
	if err != nil {
		release()
		return d.recordFailure(ctx, it, dest, err)
	}

	if d.pace != nil {
		if err := d.pace.Wait(ctx); err != nil {
			release()
			return resultSkipped
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	msgID, err := tr.Send(sendCtx, dest, payload)
	cancel()
	if err != nil {
		// A timeout counts as a failed attempt like any other error.
		release()
		return d.recordFailure(ctx, it, dest, err)
	}

	// Record first, then flip status. A crash in between leaves a
	// success record on a will_push item; the next pass re-reads state
	// rather than losing the audit entry.
	if err := d.store.AppendPushRecord(ctx, &model.PushRecord{
		QueueItemID:       it.ID,
		DestinationID:     dest.ID,
		ExternalMessageID: msgID,
		Status:            model.PushSuccess,
	}); err != nil {
		d.log.Error("append push record", "item_id", it.ID, "error", err)
	}

	completed := now.UTC().Truncate(time.Millisecond)
	it.Status = model.StatusPushed
	it.Reason = model.ReasonNone
	it.CompletedAt = &completed
	it.OrderIndex = 0
	if err := d.store.UpdateQueueItem(ctx, it); err != nil {
		d.log.Error("mark pushed", "item_id", it.ID, "error", err)
		return resultFailed
	}
	if d.hub != nil {
		d.hub.Publish(events.Event{Type: events.TypeDispatched, Item: *it})
	}
	return resultPushed
}

// recordFailure appends a failed push record, bumps the attempt counter,
// and retires the item once the attempt budget is spent.
func (d *Dispatcher) recordFailure(ctx context.Context, it *model.QueueItem, dest model.Destination, cause error) result {
	if err := d.store.AppendPushRecord(ctx, &model.PushRecord{
		QueueItemID:   it.ID,
		DestinationID: dest.ID,
		Status:        model.PushFailed,
		ErrorMessage:  cause.Error(),
	}); err != nil {
		d.log.Error("append push record", "item_id", it.ID, "error", err)
	}

	attempts, err := d.store.IncrementAttempts(ctx, it.ID)
	if err != nil {
		d.log.Error("increment attempts", "item_id", it.ID, "error", err)
		return resultFailed
	}
	d.log.Warn("delivery failed", "item_id", it.ID, "destination_id", dest.ID, "attempt", attempts, "error", cause)

	if attempts >= d.cfg.MaxAttempts {
		d.markFiltered(ctx, it.ID, model.ReasonTargetUnavailable)
		return resultFailed
	}
	if d.hub != nil {
		if cur, err := d.store.GetQueueItem(ctx, it.ID); err == nil {
			d.hub.Publish(events.Event{Type: events.TypeFailed, Item: *cur})
		}
	}
	return resultFailed
}

func (d *Dispatcher) markFiltered(ctx context.Context, itemID int64, reason model.ReasonCode) {
	it, err := d.store.GetQueueItem(ctx, itemID)
	if err != nil {
		d.log.Error("get queue item", "item_id", itemID, "error", err)
		return
	}
	it.Status = model.StatusFiltered
	it.Reason = reason
	it.ScheduledAt = nil
	it.OrderIndex = 0
	if err := d.store.UpdateQueueItem(ctx, it); err != nil {
		d.log.Error("mark filtered", "item_id", itemID, "error", err)
		return
	}
	if d.hub != nil {
		d.hub.Publish(events.Event{Type: events.TypeFailed, Item: *it})
	}
}
