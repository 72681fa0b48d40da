// Package evaluator decides, for one content item, which queue drafts to
// produce across all enabled distribution rules.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/locks"
	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/ratelimit"
	"github.com/ienone/VaultStream-sub000/internal/rules"
	"github.com/ienone/VaultStream-sub000/internal/storage"
)

// Outcome reports one (rule, destination) decision of an evaluation pass.
// Outcomes for rules that did not match carry Queued=false and the
// non-match reason, so callers can show why a rule skipped the item.
type Outcome struct {
	RuleID        int64            `json:"rule_id"`
	RuleName      string           `json:"rule_name"`
	DestinationID int64            `json:"destination_id,omitempty"`
	ItemID        int64            `json:"item_id,omitempty"`
	Status        model.Status     `json:"status,omitempty"`
	Reason        model.ReasonCode `json:"reason,omitempty"`
	Queued        bool             `json:"queued"`
}

// Evaluator runs content items through the rule set and upserts the
// resulting queue drafts.
type Evaluator struct {
	store   storage.Storage
	limiter *ratelimit.Limiter
	locks   *locks.Keyed
	hub     *events.Hub
	log     *slog.Logger
	now     func() time.Time
}

// New creates an Evaluator.
func New(store storage.Storage, limiter *ratelimit.Limiter, lk *locks.Keyed, hub *events.Hub, log *slog.Logger) *Evaluator {
	return &Evaluator{
		store:   store,
		limiter: limiter,
		locks:   lk,
		hub:     hub,
		log:     log,
		now:     time.Now,
	}
}

// SetNow overrides the clock (useful for testing).
func (e *Evaluator) SetNow(now func() time.Time) { e.now = now }

// Evaluate runs one content item through all enabled rules in priority
// order and upserts a queue draft per (rule, resolved destination).
// Evaluations of the same content are serialized; a misconfigured rule
// degrades to the safest disposition instead of failing the pass.
func (e *Evaluator) Evaluate(ctx context.Context, content model.ContentItem) ([]Outcome, error) {
	unlock := e.locks.Lock("content:" + content.ID)
	defer unlock()

	ruleSet, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var outcomes []Outcome
	for _, rule := range ruleSet {
		res := rules.Match(content, rule)
		if !res.Matched {
			outcomes = append(outcomes, Outcome{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Reason:   res.Reason,
			})
			continue
		}
		outcomes = append(outcomes, e.evaluateRule(ctx, content, rule)...)
	}
	return outcomes, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, content model.ContentItem, rule model.DistributionRule) []Outcome {
	targets, err := e.store.ListEnabledTargets(ctx, rule.ID)
	if err != nil {
		e.log.Error("list targets", "rule_id", rule.ID, "error", err)
		return nil
	}

	var outcomes []Outcome
	for _, target := range targets {
		o, ok := e.evaluateTarget(ctx, content, rule, target)
		if ok {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes
}

// evaluateTarget resolves one target's effective destination and produces
// its queue draft. The bool result is false when the target yields no
// draft at all (disabled or missing destination).
func (e *Evaluator) evaluateTarget(ctx context.Context, content model.ContentItem, rule model.DistributionRule, target model.DistributionTarget) (Outcome, bool) {
	dest, err := e.store.GetDestination(ctx, target.DestinationID)
	if err != nil {
		e.log.Warn("destination unavailable", "rule_id", rule.ID, "destination_id", target.DestinationID, "error", err)
		return Outcome{}, false
	}
	if !dest.Enabled {
		return Outcome{}, false
	}

	resolved := dest
	draft := storage.QueueDraft{
		ContentID:     content.ID,
		RuleID:        rule.ID,
		DestinationID: dest.ID,
		Priority:      rule.Priority,
	}

	if content.NSFW {
		switch rules.EffectiveNSFWPolicy(rule, *dest) {
		case model.RuleNSFWBlock:
			draft.Status = model.StatusFiltered
			draft.Reason = model.ReasonNSFWBlocked
			return e.persist(ctx, rule, draft), true
		case model.RuleNSFWSeparate:
			fallback := e.resolveFallback(ctx, dest)
			if fallback == nil {
				// A separate_channel rule without a usable fallback must
				// never leak NSFW content to the nominal destination.
				draft.Status = model.StatusFiltered
				draft.Reason = model.ReasonNSFWSeparateMissing
				return e.persist(ctx, rule, draft), true
			}
			resolved = fallback
			draft.DestinationID = fallback.ID
		}
	}

	if !rules.PassesTagFilter(content, *resolved) {
		draft.Status = model.StatusFiltered
		draft.Reason = model.ReasonTagsNotAnyMatched
		return e.persist(ctx, rule, draft), true
	}

	allowed, err := e.limiter.Allows(ctx, rule)
	if err != nil {
		e.log.Error("rate limit check", "rule_id", rule.ID, "error", err)
		allowed = false
	}
	if !allowed {
		draft.Status = model.StatusFiltered
		draft.Reason = model.ReasonRateLimited
		return e.persist(ctx, rule, draft), true
	}

	if rule.ApprovalRequired {
		draft.Status = model.StatusPendingReview
		draft.Reason = model.ReasonApprovalRequired
		return e.persist(ctx, rule, draft), true
	}

	now := e.now().UTC().Truncate(time.Millisecond)
	draft.Status = model.StatusWillPush
	draft.ScheduledAt = &now
	return e.persist(ctx, rule, draft), true
}

func (e *Evaluator) resolveFallback(ctx context.Context, dest *model.Destination) *model.Destination {
	if dest.NSFWFallbackID == nil {
		return nil
	}
	fb, err := e.store.GetDestination(ctx, *dest.NSFWFallbackID)
	if err != nil || !fb.Enabled {
		return nil
	}
	return fb
}

func (e *Evaluator) persist(ctx context.Context, rule model.DistributionRule, draft storage.QueueDraft) Outcome {
	o := Outcome{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		DestinationID: draft.DestinationID,
	}
	item, skipped, err := e.store.UpsertQueueItem(ctx, draft)
	if err != nil {
		e.log.Error("upsert queue item", "rule_id", rule.ID, "content_id", draft.ContentID, "error", err)
		o.Reason = model.ReasonContentNotEligible
		return o
	}
	o.ItemID = item.ID
	if skipped {
		o.Status = item.Status
		o.Reason = model.ReasonAlreadyPushed
		return o
	}
	o.Status = item.Status
	o.Reason = item.Reason
	o.Queued = true
	if e.hub != nil {
		e.hub.Publish(events.Event{Type: events.TypeQueued, Item: *item})
	}
	return o
}
