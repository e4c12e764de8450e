package models

import (
	"time"
)

// Content item lifecycle states persisted in Postgres. Transitions only move forward.
const (
	StatusDraft      = "draft"
	StatusScheduled  = "scheduled"
	StatusPublishing = "publishing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// Publish target states.
const (
	TargetPending   = "pending"
	TargetPublished = "published"
	TargetFailed    = "failed"
)

// ContentItem is a piece of content to publish to one or more connected accounts.
type ContentItem struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Body          string     `json:"body"`
	ContentType   string     `json:"content_type"`
	MediaRefs     []string   `json:"media_refs"`
	Hashtags      []string   `json:"hashtags"`
	Link          string     `json:"link,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	Status        string     `json:"status"`
	FailedTargets int        `json:"failed_targets"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Terminal reports whether the item can no longer change status.
func (c ContentItem) Terminal() bool {
	return c.Status == StatusPublished || c.Status == StatusFailed
}

// PublishTarget is one (content item, connected account) pairing.
type PublishTarget struct {
	ID            string     `json:"id"`
	ContentItemID string     `json:"content_item_id"`
	AccountID     string     `json:"account_id"`
	Status        string     `json:"status"`
	ExternalURL   *string    `json:"external_url,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	ContentItemID string    `json:"content_item_id"`
	Event         string    `json:"event"`
	Detail        string    `json:"detail"`
	Recorded      time.Time `json:"recorded_at"`
}
