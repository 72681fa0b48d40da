package api

import (
	"fmt"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

type destinationDTO struct {
	ID             int64    `json:"id,omitempty"`
	Name           string   `json:"name"`
	Transport      string   `json:"transport"`
	ChatID         string   `json:"chat_id"`
	NSFWPolicy     string   `json:"nsfw_policy"`
	NSFWFallbackID *int64   `json:"nsfw_fallback_id,omitempty"`
	TagFilter      []string `json:"tag_filter,omitempty"`
	Priority       int      `json:"priority"`
	Enabled        bool     `json:"enabled"`
}

func (d *destinationDTO) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.ChatID == "" {
		return fmt.Errorf("chat_id is required")
	}
	if !model.KnownTransport(model.TransportType(d.Transport)) {
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	switch model.DestNSFWPolicy(d.NSFWPolicy) {
	case model.DestNSFWInherit, model.DestNSFWAllow, model.DestNSFWBlock, model.DestNSFWSeparate:
	case "":
		d.NSFWPolicy = string(model.DestNSFWInherit)
	default:
		return fmt.Errorf("unknown nsfw_policy %q", d.NSFWPolicy)
	}
	return nil
}

func (d *destinationDTO) toModel() *model.Destination {
	return &model.Destination{
		ID:             d.ID,
		Name:           d.Name,
		Transport:      model.TransportType(d.Transport),
		ChatID:         d.ChatID,
		NSFWPolicy:     model.DestNSFWPolicy(d.NSFWPolicy),
		NSFWFallbackID: d.NSFWFallbackID,
		TagFilter:      d.TagFilter,
		Priority:       d.Priority,
		Enabled:        d.Enabled,
	}
}

func destinationFromModel(m model.Destination) destinationDTO {
	return destinationDTO{
		ID:             m.ID,
		Name:           m.Name,
		Transport:      string(m.Transport),
		ChatID:         m.ChatID,
		NSFWPolicy:     string(m.NSFWPolicy),
		NSFWFallbackID: m.NSFWFallbackID,
		TagFilter:      m.TagFilter,
		Priority:       m.Priority,
		Enabled:        m.Enabled,
	}
}

type ruleDTO struct {
	ID                int64    `json:"id,omitempty"`
	Name              string   `json:"name"`
	IncludeTags       []string `json:"include_tags,omitempty"`
	ExcludeTags       []string `json:"exclude_tags,omitempty"`
	TagMode           string   `json:"tag_mode"`
	Platform          string   `json:"platform,omitempty"`
	Priority          int      `json:"priority"`
	NSFWPolicy        string   `json:"nsfw_policy"`
	ApprovalRequired  bool     `json:"approval_required"`
	RateMax           int      `json:"rate_max,omitempty"`
	RateWindowSeconds int      `json:"rate_window_seconds,omitempty"`
	Enabled           bool     `json:"enabled"`
}

func (d *ruleDTO) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch model.TagMatchMode(d.TagMode) {
	case model.MatchAny, model.MatchAll:
	case "":
		d.TagMode = string(model.MatchAny)
	default:
		return fmt.Errorf("unknown tag_mode %q", d.TagMode)
	}
	switch model.RuleNSFWPolicy(d.NSFWPolicy) {
	case model.RuleNSFWAllow, model.RuleNSFWBlock, model.RuleNSFWSeparate:
	case "":
		d.NSFWPolicy = string(model.RuleNSFWBlock)
	default:
		return fmt.Errorf("unknown nsfw_policy %q", d.NSFWPolicy)
	}
	if d.RateMax < 0 || d.RateWindowSeconds < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	if (d.RateMax > 0) != (d.RateWindowSeconds > 0) {
		return fmt.Errorf("rate_max and rate_window_seconds must be set together")
	}
	return nil
}

func (d *ruleDTO) toModel() *model.DistributionRule {
	return &model.DistributionRule{
		ID:                d.ID,
		Name:              d.Name,
		IncludeTags:       d.IncludeTags,
		ExcludeTags:       d.ExcludeTags,
		TagMode:           model.TagMatchMode(d.TagMode),
		Platform:          d.Platform,
		Priority:          d.Priority,
		NSFWPolicy:        model.RuleNSFWPolicy(d.NSFWPolicy),
		ApprovalRequired:  d.ApprovalRequired,
		RateMax:           d.RateMax,
		RateWindowSeconds: d.RateWindowSeconds,
		Enabled:           d.Enabled,
	}
}

func ruleFromModel(m model.DistributionRule) ruleDTO {
	return ruleDTO{
		ID:                m.ID,
		Name:              m.Name,
		IncludeTags:       m.IncludeTags,
		ExcludeTags:       m.ExcludeTags,
		TagMode:           string(m.TagMode),
		Platform:          m.Platform,
		Priority:          m.Priority,
		NSFWPolicy:        string(m.NSFWPolicy),
		ApprovalRequired:  m.ApprovalRequired,
		RateMax:           m.RateMax,
		RateWindowSeconds: m.RateWindowSeconds,
		Enabled:           m.Enabled,
	}
}

type targetDTO struct {
	ID             int64  `json:"id,omitempty"`
	RuleID         int64  `json:"rule_id,omitempty"`
	DestinationID  int64  `json:"destination_id"`
	Enabled        bool   `json:"enabled"`
	MergeForward   bool   `json:"merge_forward"`
	UseAuthorName  bool   `json:"use_author_name"`
	RenderOverride string `json:"render_override,omitempty"`
	Position       int    `json:"position"`
}

func (d *targetDTO) validate() error {
	if d.DestinationID <= 0 {
		return fmt.Errorf("destination_id is required")
	}
	return nil
}

func targetFromModel(m model.DistributionTarget) targetDTO {
	return targetDTO{
		ID:             m.ID,
		RuleID:         m.RuleID,
		DestinationID:  m.DestinationID,
		Enabled:        m.Enabled,
		MergeForward:   m.MergeForward,
		UseAuthorName:  m.UseAuthorName,
		RenderOverride: m.RenderOverride,
		Position:       m.Position,
	}
}

type contentDTO struct {
	ID         string   `json:"id"`
	Platform   string   `json:"platform"`
	Tags       []string `json:"tags,omitempty"`
	NSFW       bool     `json:"nsfw"`
	AuthorName string   `json:"author_name,omitempty"`
	MediaRefs  []string `json:"media_refs,omitempty"`
}

func (d *contentDTO) validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	return nil
}

func (d *contentDTO) toModel() model.ContentItem {
	return model.ContentItem{
		ID:         d.ID,
		Platform:   d.Platform,
		Tags:       d.Tags,
		NSFW:       d.NSFW,
		AuthorName: d.AuthorName,
		MediaRefs:  d.MediaRefs,
	}
}

type queueItemDTO struct {
	ID            int64      `json:"id"`
	ContentID     string     `json:"content_id"`
	RuleID        int64      `json:"rule_id"`
	DestinationID int64      `json:"destination_id"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Priority      int        `json:"priority"`
	OrderIndex    int        `json:"order_index"`
	Attempts      int        `json:"attempts"`
}

func queueItemFromModel(m model.QueueItem) queueItemDTO {
	return queueItemDTO{
		ID:            m.ID,
		ContentID:     m.ContentID,
		RuleID:        m.RuleID,
		DestinationID: m.DestinationID,
		Status:        string(m.Status),
		Reason:        string(m.Reason),
		ScheduledAt:   m.ScheduledAt,
		CompletedAt:   m.CompletedAt,
		Priority:      m.Priority,
		OrderIndex:    m.OrderIndex,
		Attempts:      m.Attempts,
	}
}

type pushRecordDTO struct {
	ID                int64     `json:"id"`
	DestinationID     int64     `json:"destination_id"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	Status            string    `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type reorderRequest struct {
	NewIndex int `json:"new_index"`
}

type rescheduleRequest struct {
	IDs      []int64   `json:"ids"`
	BaseTime time.Time `json:"base_time"`
}

type batchRequest struct {
	IDs []int64 `json:"ids"`
}
