// Package rules implements the content-to-rule matching engine.
package rules

import (
	"github.com/ienone/VaultStream-sub000/internal/model"
)

// MatchResult explains one rule's decision for one content item.
type MatchResult struct {
	Matched bool
	Reason  model.ReasonCode
}

// Match checks whether a content item satisfies a rule's match conditions.
// Conditions are tested in order: platform filter, include tags per the
// rule's tag mode, then exclude tags. Any exclude-tag overlap disqualifies
// the rule regardless of mode. An empty include set matches everything.
func Match(content model.ContentItem, rule model.DistributionRule) MatchResult {
	if rule.Platform != "" && rule.Platform != content.Platform {
		return MatchResult{Reason: model.ReasonPlatformMismatch}
	}

	if len(rule.IncludeTags) > 0 {
		switch rule.TagMode {
		case model.MatchAll:
			if !subset(rule.IncludeTags, content.Tags) {
				return MatchResult{Reason: model.ReasonTagsNotAllMatched}
			}
		default:
			if !intersects(rule.IncludeTags, content.Tags) {
				return MatchResult{Reason: model.ReasonTagsNotAnyMatched}
			}
		}
	}

	if intersects(rule.ExcludeTags, content.Tags) {
		return MatchResult{Reason: model.ReasonTagsExcluded}
	}

	return MatchResult{Matched: true}
}

// EffectiveNSFWPolicy resolves the policy applied to NSFW content for one
// (rule, destination) pair. The destination is the more specific setting:
// anything other than inherit overrides the rule.
func EffectiveNSFWPolicy(rule model.DistributionRule, dest model.Destination) model.RuleNSFWPolicy {
	switch dest.NSFWPolicy {
	case model.DestNSFWAllow:
		return model.RuleNSFWAllow
	case model.DestNSFWBlock:
		return model.RuleNSFWBlock
	case model.DestNSFWSeparate:
		return model.RuleNSFWSeparate
	default:
		return rule.NSFWPolicy
	}
}

// PassesTagFilter checks the destination-level allow-list. An empty filter
// accepts everything; otherwise at least one content tag must be listed.
func PassesTagFilter(content model.ContentItem, dest model.Destination) bool {
	if len(dest.TagFilter) == 0 {
		return true
	}
	return intersects(dest.TagFilter, content.Tags)
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func subset(needles, haystack []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, v := range haystack {
		set[v] = struct{}{}
	}
	for _, v := range needles {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
