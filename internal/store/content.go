package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-publisher/internal/models"
)

const contentColumns = `id, owner_id, body, content_type, media_refs, hashtags, link, scheduled_at,
	published_at, status, failed_targets, created_at, updated_at`

func scanContent(row pgx.Row) (models.ContentItem, error) {
	var c models.ContentItem
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Body, &c.ContentType, &c.MediaRefs, &c.Hashtags, &c.Link,
		&c.ScheduledAt, &c.PublishedAt, &c.Status, &c.FailedTargets, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.ContentItem{}, err
	}
	return c, nil
}

// CreateContent inserts the item and one pending target per account id in a single transaction.
func (s *Store) CreateContent(ctx context.Context, item models.ContentItem, accountIDs []string) (models.ContentItem, []models.PublishTarget, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ContentItem{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.MediaRefs == nil {
		item.MediaRefs = []string{}
	}
	if item.Hashtags == nil {
		item.Hashtags = []string{}
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	_, err = tx.Exec(ctx, `
		INSERT INTO content_items (id, owner_id, body, content_type, media_refs, hashtags, link,
			scheduled_at, status, failed_targets, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
	`, item.ID, item.OwnerID, item.Body, item.ContentType, item.MediaRefs, item.Hashtags, item.Link,
		item.ScheduledAt, item.Status, now)
	if err != nil {
		return models.ContentItem{}, nil, fmt.Errorf("insert content item: %w", err)
	}

	targets := make([]models.PublishTarget, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		t := models.PublishTarget{
			ID:            uuid.New().String(),
			ContentItemID: item.ID,
			AccountID:     accountID,
			Status:        models.TargetPending,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO publish_targets (id, content_item_id, account_id, status) VALUES ($1, $2, $3, $4)
		`, t.ID, t.ContentItemID, t.AccountID, t.Status); err != nil {
			return models.ContentItem{}, nil, fmt.Errorf("insert publish target: %w", err)
		}
		targets = append(targets, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ContentItem{}, nil, fmt.Errorf("commit: %w", err)
	}
	return item, targets, nil
}

// GetContent fetches a content item by id.
func (s *Store) GetContent(ctx context.Context, id string) (models.ContentItem, error) {
	c, err := scanContent(s.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = $1`, id))
	if err != nil {
		return models.ContentItem{}, notFound(err, "content item")
	}
	return c, nil
}

// UpdateContent writes the editable fields and status of an item that has not started publishing.
func (s *Store) UpdateContent(ctx context.Context, item models.ContentItem) error {
	if item.MediaRefs == nil {
		item.MediaRefs = []string{}
	}
	if item.Hashtags == nil {
		item.Hashtags = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET body = $2, content_type = $3, media_refs = $4, hashtags = $5, link = $6, scheduled_at = $7,
			status = $8, updated_at = NOW()
		WHERE id = $1 AND status IN ($9, $10)
	`, item.ID, item.Body, item.ContentType, item.MediaRefs, item.Hashtags, item.Link, item.ScheduledAt,
		item.Status, models.StatusDraft, models.StatusScheduled)
	if err != nil {
		return fmt.Errorf("update content item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("editable content item %s: %w", item.ID, ErrNotFound)
	}
	return nil
}

// DeleteContent removes an item owned by ownerID; its targets cascade.
func (s *Store) DeleteContent(ctx context.Context, ownerID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM content_items WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete content item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content item %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkPublishing moves a non-terminal item to publishing.
func (s *Store) MarkPublishing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_items SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, id, models.StatusPublishing, models.StatusPublished, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark publishing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("publishable content item %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishContent writes the aggregate outcome of a publish run.
func (s *Store) FinishContent(ctx context.Context, id, status string, publishedAt *time.Time, failedTargets int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET status = $2, published_at = $3, failed_targets = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, status, publishedAt, failedTargets, models.StatusPublishing)
	if err != nil {
		return fmt.Errorf("finish content item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("publishing content item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTargets returns the targets of an item.
func (s *Store) ListTargets(ctx context.Context, contentItemID string) ([]models.PublishTarget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content_item_id, account_id, status, external_url, error_message, published_at
		FROM publish_targets WHERE content_item_id = $1 ORDER BY id
	`, contentItemID)
	if err != nil {
		return nil, fmt.Errorf("query publish targets: %w", err)
	}
	defer rows.Close()

	var out []models.PublishTarget
	for rows.Next() {
		var t models.PublishTarget
		var url, msg pgtype.Text
		if err := rows.Scan(&t.ID, &t.ContentItemID, &t.AccountID, &t.Status, &url, &msg, &t.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan publish target: %w", err)
		}
		t.ExternalURL = textPtr(url)
		t.ErrorMessage = textPtr(msg)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTarget records one target's outcome. Only pending targets change.
func (s *Store) UpdateTarget(ctx context.Context, t models.PublishTarget) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE publish_targets
		SET status = $2, external_url = $3, error_message = $4, published_at = $5
		WHERE id = $1 AND status = $6
	`, t.ID, t.Status, t.ExternalURL, t.ErrorMessage, t.PublishedAt, models.TargetPending)
	if err != nil {
		return fmt.Errorf("update publish target: %w", err)
	}
	return nil
}
