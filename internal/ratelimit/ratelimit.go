// Package ratelimit implements the per-rule fixed-window dispatch limiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

// Store is the counter persistence the limiter needs.
type Store interface {
	RateCount(ctx context.Context, ruleID, windowStart int64) (int, error)
	RateTryConsume(ctx context.Context, ruleID, windowStart int64, max int) (bool, error)
	RateRelease(ctx context.Context, ruleID, windowStart int64) error
}

// Limiter tracks a running count of dispatches per rule within the rule's
// configured window. Slots are reserved at dispatch time, not at
// evaluation, so items that fail delivery do not burn capacity.
type Limiter struct {
	store Store
	now   func() time.Time
}

// New creates a Limiter on top of the given counter store.
func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// SetNow overrides the clock (useful for testing).
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

func (l *Limiter) windowStart(windowSeconds int) int64 {
	sec := l.now().Unix()
	w := int64(windowSeconds)
	return sec / w * w
}

// Allows reports whether the rule still has capacity in the current
// window without reserving a slot. Rules without a limit always pass.
func (l *Limiter) Allows(ctx context.Context, rule model.DistributionRule) (bool, error) {
	if !rule.RateLimited() {
		return true, nil
	}
	count, err := l.store.RateCount(ctx, rule.ID, l.windowStart(rule.RateWindowSeconds))
	if err != nil {
		return false, fmt.Errorf("rate count rule %d: %w", rule.ID, err)
	}
	return count < rule.RateMax, nil
}

// TryConsume reserves one dispatch slot in the current window. It returns
// false once the window's capacity is exhausted.
func (l *Limiter) TryConsume(ctx context.Context, rule model.DistributionRule) (bool, error) {
	if !rule.RateLimited() {
		return true, nil
	}
	ok, err := l.store.RateTryConsume(ctx, rule.ID, l.windowStart(rule.RateWindowSeconds), rule.RateMax)
	if err != nil {
		return false, fmt.Errorf("rate consume rule %d: %w", rule.ID, err)
	}
	return ok, nil
}

// Release returns a reserved slot after a failed delivery.
func (l *Limiter) Release(ctx context.Context, rule model.DistributionRule) error {
	if !rule.RateLimited() {
		return nil
	}
	if err := l.store.RateRelease(ctx, rule.ID, l.windowStart(rule.RateWindowSeconds)); err != nil {
		return fmt.Errorf("rate release rule %d: %w", rule.ID, err)
	}
	return nil
}
