// Package content is the CRUD surface for content items. Every write that changes when an item
// should publish goes through the scheduler.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"content-publisher/internal/models"
	"content-publisher/internal/store"
)

var (
	// ErrImmutable rejects edits to items that started publishing.
	ErrImmutable = errors.New("content item can no longer be modified")
	// ErrUnknownAccount means a requested account does not exist or belongs to someone else.
	ErrUnknownAccount = errors.New("unknown connected account")
	// ErrScheduleInPast rejects a reschedule to an instant that already passed.
	ErrScheduleInPast = errors.New("scheduled time is in the past")
	// ErrInvalid wraps input validation failures.
	ErrInvalid = errors.New("invalid content item")
)

// Store is the persistence the service needs.
type Store interface {
	CreateContent(ctx context.Context, item models.ContentItem, accountIDs []string) (models.ContentItem, []models.PublishTarget, error)
	GetContent(ctx context.Context, id string) (models.ContentItem, error)
	UpdateContent(ctx context.Context, item models.ContentItem) error
	DeleteContent(ctx context.Context, ownerID, id string) error
	ListTargets(ctx context.Context, contentItemID string) ([]models.PublishTarget, error)
	GetAccount(ctx context.Context, id string) (models.ConnectedAccount, error)
}

// Scheduler is the deferred-work surface.
type Scheduler interface {
	EnqueueNow(ctx context.Context, contentItemID string) error
	EnqueueAt(ctx context.Context, contentItemID string, at time.Time) (bool, error)
	Reschedule(ctx context.Context, contentItemID string, at time.Time) (bool, error)
	Cancel(ctx context.Context, contentItemID string) error
}

// CreateInput is a new content item request.
type CreateInput struct {
	Body        string     `json:"body"`
	ContentType string     `json:"content_type"`
	MediaRefs   []string   `json:"media_refs"`
	Hashtags    []string   `json:"hashtags"`
	Link        string     `json:"link"`
	AccountIDs  []string   `json:"account_ids"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	PublishNow  bool       `json:"publish_now"`
}

// UpdateInput is a partial edit; nil fields are left unchanged.
type UpdateInput struct {
	Body        *string    `json:"body"`
	ContentType *string    `json:"content_type"`
	MediaRefs   *[]string  `json:"media_refs"`
	Hashtags    *[]string  `json:"hashtags"`
	Link        *string    `json:"link"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	PublishNow  bool       `json:"publish_now"`
}

// Detail is an item with its targets.
type Detail struct {
	models.ContentItem
	Targets []models.PublishTarget `json:"targets"`
}

// Service implements content CRUD.
type Service struct {
	store     Store
	scheduler Scheduler
	log       zerolog.Logger
	now       func() time.Time
}

// NewService builds the service.
func NewService(st Store, sched Scheduler, log zerolog.Logger) *Service {
	return &Service{store: st, scheduler: sched, log: log.With().Str("component", "content").Logger(), now: time.Now}
}

// Create stores the item with one pending target per account and schedules it. A scheduled
// instant that already passed leaves the item as a draft with no work enqueued.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (Detail, error) {
	accountIDs, err := s.validateCreate(ctx, ownerID, in)
	if err != nil {
		return Detail{}, err
	}

	item := models.ContentItem{
		OwnerID:     ownerID,
		Body:        in.Body,
		ContentType: defaultString(in.ContentType, "post"),
		MediaRefs:   in.MediaRefs,
		Hashtags:    in.Hashtags,
		Link:        in.Link,
		ScheduledAt: in.ScheduledAt,
		Status:      models.StatusDraft,
	}
	future := in.ScheduledAt != nil && in.ScheduledAt.After(s.now())
	if in.PublishNow || future {
		item.Status = models.StatusScheduled
	}

	item, targets, err := s.store.CreateContent(ctx, item, accountIDs)
	if err != nil {
		return Detail{}, err
	}

	switch {
	case in.PublishNow:
		err = s.scheduler.EnqueueNow(ctx, item.ID)
	case future:
		var enqueued bool
		enqueued, err = s.scheduler.EnqueueAt(ctx, item.ID, *in.ScheduledAt)
		if err == nil && !enqueued {
			item.Status = models.StatusDraft
			err = s.store.UpdateContent(ctx, item)
		}
	}
	if err != nil {
		// Without its work unit the item would sit in scheduled forever.
		if delErr := s.store.DeleteContent(ctx, ownerID, item.ID); delErr != nil {
			s.log.Error().Err(delErr).Str("content_id", item.ID).Msg("remove unscheduled content item")
		}
		return Detail{}, fmt.Errorf("schedule content item: %w", err)
	}

	s.log.Info().Str("content_id", item.ID).Str("status", item.Status).Int("targets", len(targets)).Msg("content item created")
	return Detail{ContentItem: item, Targets: targets}, nil
}

func (s *Service) validateCreate(ctx context.Context, ownerID string, in CreateInput) ([]string, error) {
	if strings.TrimSpace(in.Body) == "" && len(in.MediaRefs) == 0 {
		return nil, fmt.Errorf("%w: body or media is required", ErrInvalid)
	}
	if in.PublishNow && in.ScheduledAt != nil {
		return nil, fmt.Errorf("%w: publish_now and scheduled_at are exclusive", ErrInvalid)
	}
	seen := make(map[string]bool, len(in.AccountIDs))
	ids := make([]string, 0, len(in.AccountIDs))
	for _, id := range in.AccountIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		acc, err := s.store.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && acc.UserID != ownerID) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one account is required", ErrInvalid)
	}
	return ids, nil
}

// Get returns an item owned by ownerID with its targets.
func (s *Service) Get(ctx context.Context, ownerID, id string) (Detail, error) {
	item, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Detail{}, err
	}
	targets, err := s.store.ListTargets(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{ContentItem: item, Targets: targets}, nil
}

// Update edits a draft or scheduled item and reschedules it when asked to.
func (s *Service) Update(ctx context.Context, ownerID, id string, in UpdateInput) (Detail, error) {
	item, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Detail{}, err
	}
	if item.Status != models.StatusDraft && item.Status != models.StatusScheduled {
		return Detail{}, fmt.Errorf("%s is %s: %w", id, item.Status, ErrImmutable)
	}
	if in.PublishNow && in.ScheduledAt != nil {
		return Detail{}, fmt.Errorf("%w: publish_now and scheduled_at are exclusive", ErrInvalid)
	}
	if in.ScheduledAt != nil && !in.ScheduledAt.After(s.now()) {
		return Detail{}, ErrScheduleInPast
	}

	applyUpdate(&item, in)
	if in.PublishNow || in.ScheduledAt != nil {
		item.Status = models.StatusScheduled
	}
	if strings.TrimSpace(item.Body) == "" && len(item.MediaRefs) == 0 {
		return Detail{}, fmt.Errorf("%w: body or media is required", ErrInvalid)
	}
	if err := s.store.UpdateContent(ctx, item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Detail{}, fmt.Errorf("%s: %w", id, ErrImmutable)
		}
		return Detail{}, err
	}

	switch {
	case in.PublishNow:
		err = s.scheduler.EnqueueNow(ctx, id)
	case in.ScheduledAt != nil:
		_, err = s.scheduler.Reschedule(ctx, id, *in.ScheduledAt)
	}
	if err != nil {
		return Detail{}, fmt.Errorf("reschedule content item: %w", err)
	}
	return s.Get(ctx, ownerID, id)
}

func applyUpdate(item *models.ContentItem, in UpdateInput) {
	if in.Body != nil {
		item.Body = *in.Body
	}
	if in.ContentType != nil {
		item.ContentType = defaultString(*in.ContentType, "post")
	}
	if in.MediaRefs != nil {
		item.MediaRefs = *in.MediaRefs
	}
	if in.Hashtags != nil {
		item.Hashtags = *in.Hashtags
	}
	if in.Link != nil {
		item.Link = *in.Link
	}
	if in.ScheduledAt != nil {
		item.ScheduledAt = in.ScheduledAt
	}
}

// Delete cancels any outstanding work for the item, then deletes it and its targets. A publish
// already running is not interrupted.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.scheduler.Cancel(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteContent(ctx, ownerID, id); err != nil {
		return err
	}
	s.log.Info().Str("content_id", id).Msg("content item deleted")
	return nil
}

func (s *Service) owned(ctx context.Context, ownerID, id string) (models.ContentItem, error) {
	item, err := s.store.GetContent(ctx, id)
	if err != nil {
		return models.ContentItem{}, err
	}
	if item.OwnerID != ownerID {
		return models.ContentItem{}, fmt.Errorf("content item %s: %w", id, store.ErrNotFound)
	}
	return item, nil
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
