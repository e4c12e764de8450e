// Package orchestrator executes publish work units: it fans one content item out to its targets,
// records each target's outcome independently and writes the item's aggregate status once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"content-publisher/internal/lease"
	"content-publisher/internal/media"
	"content-publisher/internal/models"
	"content-publisher/internal/platform"
	"content-publisher/internal/scheduler"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

var (
	// ErrLeaseHeld means another worker is publishing the same item.
	ErrLeaseHeld = errors.New("publish lease held by another worker")
	// ErrNoTargetSucceeded means every target failed and at least one may succeed on retry.
	ErrNoTargetSucceeded = errors.New("no target succeeded")
)

// ContentStore is the persistence the orchestrator needs.
type ContentStore interface {
	GetContent(ctx context.Context, id string) (models.ContentItem, error)
	MarkPublishing(ctx context.Context, id string) error
	ListTargets(ctx context.Context, contentItemID string) ([]models.PublishTarget, error)
	UpdateTarget(ctx context.Context, t models.PublishTarget) error
	FinishContent(ctx context.Context, id, status string, publishedAt *time.Time, failedTargets int) error
	AppendAudit(ctx context.Context, contentItemID, event, detail string) error
}

// Accounts reads connected accounts.
type Accounts interface {
	GetAccount(ctx context.Context, id string) (models.ConnectedAccount, error)
}

// Refresher renews an expired credential.
type Refresher interface {
	Refresh(ctx context.Context, accountID string) (bool, error)
}

// MediaResolver turns media references into fetchable URLs.
type MediaResolver interface {
	Resolve(ctx context.Context, refs []string) ([]string, error)
}

// Locker hands out per-item leases.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lease.Lease, bool, error)
}

// Options tunes the fan-out.
type Options struct {
	PublishTimeout     time.Duration
	PublishConcurrency int
	LeaseTTL           time.Duration
}

// Orchestrator is the publish work unit handler.
type Orchestrator struct {
	store     ContentStore
	accounts  Accounts
	refresher Refresher
	media     MediaResolver
	platforms *platform.Registry
	locker    Locker
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

// New builds an orchestrator.
func New(st ContentStore, accounts Accounts, refresher Refresher, resolver MediaResolver, platforms *platform.Registry, locker Locker, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 30 * time.Second
	}
	if opts.PublishConcurrency <= 0 {
		opts.PublishConcurrency = 4
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	return &Orchestrator{
		store:     st,
		accounts:  accounts,
		refresher: refresher,
		media:     resolver,
		platforms: platforms,
		locker:    locker,
		opts:      opts,
		log:       log.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
	}
}

type outcome struct {
	target   models.PublishTarget
	platform string
	result   platform.Result
}

// Handle runs one delivery of a publish unit. A nil return acknowledges the unit.
func (o *Orchestrator) Handle(ctx context.Context, d models.Delivery) error {
	log := o.log.With().Str("content_id", d.ContentItemID).Int("attempt", d.Attempt).Logger()

	l, ok, err := o.locker.Acquire(ctx, scheduler.UnitID(d.ContentItemID), o.opts.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseHeld
	}
	defer func() {
		if err := l.Release(context.Background()); err != nil {
			log.Warn().Err(err).Msg("release publish lease")
		}
	}()

	item, err := o.store.GetContent(ctx, d.ContentItemID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("content item vanished; dropping work unit")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load content item: %w", err)
	}
	if item.Terminal() {
		log.Info().Str("status", item.Status).Msg("content item already final")
		return nil
	}
	if err := o.store.MarkPublishing(ctx, item.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("content item no longer publishable")
			return nil
		}
		return err
	}

	targets, err := o.store.ListTargets(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	var pending []models.PublishTarget
	for _, t := range targets {
		if t.Status == models.TargetPending {
			pending = append(pending, t)
		}
	}

	post, mediaFailure := o.buildPost(ctx, item)
	outcomes := make([]outcome, len(pending))
	var g errgroup.Group
	g.SetLimit(o.opts.PublishConcurrency)
	for i, t := range pending {
		i, t := i, t
		g.Go(func() error {
			outcomes[i] = o.publishTarget(ctx, item, t, post, mediaFailure)
			return nil
		})
	}
	_ = g.Wait()

	return o.settle(ctx, log, item, d, targets, outcomes)
}

func (o *Orchestrator) buildPost(ctx context.Context, item models.ContentItem) (platform.Post, *platform.Result) {
	post := platform.Post{
		Body:        FormatBody(item.Body, item.Hashtags),
		ContentType: item.ContentType,
		Link:        item.Link,
	}
	if len(item.MediaRefs) == 0 {
		return post, nil
	}
	urls, err := o.media.Resolve(ctx, item.MediaRefs)
	if err != nil {
		res := platform.Failed(fmt.Sprintf("media could not be resolved: %v", err), !errors.Is(err, media.ErrUnsupportedRef))
		return post, &res
	}
	post.MediaURLs = urls
	return post, nil
}

// publishTarget never panics and never returns an error: every problem becomes a failed result.
func (o *Orchestrator) publishTarget(ctx context.Context, item models.ContentItem, t models.PublishTarget, post platform.Post, mediaFailure *platform.Result) (out outcome) {
	out.target = t
	defer func() {
		if r := recover(); r != nil {
			out.result = platform.Failed(fmt.Sprintf("publisher panicked: %v", r), false)
		}
	}()
	if mediaFailure != nil {
		out.result = *mediaFailure
		return out
	}

	tctx, cancel := context.WithTimeout(ctx, o.opts.PublishTimeout)
	defer cancel()

	acc, err := o.accounts.GetAccount(tctx, t.AccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		out.result = platform.Failed("connected account no longer exists", false)
		return out
	case err != nil:
		out.result = platform.Failed(fmt.Sprintf("load connected account: %v", err), true)
		return out
	case acc.UserID != item.OwnerID:
		out.result = platform.Failed("connected account belongs to another user", false)
		return out
	}
	out.platform = acc.Platform

	if acc.Expired(o.now()) {
		ok, err := o.refresher.Refresh(tctx, acc.ID)
		if err != nil || !ok {
			out.result = platform.Failed("credential expired and could not be refreshed; reconnect required", false)
			return out
		}
		if acc, err = o.accounts.GetAccount(tctx, t.AccountID); err != nil {
			out.result = platform.Failed(fmt.Sprintf("reload connected account: %v", err), true)
			return out
		}
	}

	out.result = o.platforms.Lookup(acc.Platform).Publish(tctx, platform.Credential{
		AccessToken: acc.AccessToken,
		ExternalID:  acc.ExternalID,
	}, post)
	if !out.result.Success && out.result.ErrorMessage == "" {
		out.result.ErrorMessage = acc.Platform + " publish failed"
	}
	return out
}

// settle records target outcomes and the item's aggregate status. With no success so far, a
// retryable failure keeps its target pending for the next attempt unless this is the last one.
func (o *Orchestrator) settle(ctx context.Context, log zerolog.Logger, item models.ContentItem, d models.Delivery, targets []models.PublishTarget, outcomes []outcome) error {
	now := o.now().UTC()
	published := 0
	for _, t := range targets {
		if t.Status == models.TargetPublished {
			published++
		}
	}
	retryable := false
	for _, oc := range outcomes {
		if oc.result.Success {
			published++
		} else if oc.result.Retryable {
			retryable = true
		}
	}
	retryLater := published == 0 && retryable && !d.Final()

	failed := 0
	for _, t := range targets {
		if t.Status == models.TargetFailed {
			failed++
		}
	}
	for _, oc := range outcomes {
		t := oc.target
		label := "success"
		switch {
		case oc.result.Success:
			url := oc.result.ExternalURL
			t.Status, t.ExternalURL, t.ErrorMessage, t.PublishedAt = models.TargetPublished, &url, nil, &now
		case retryLater && oc.result.Retryable:
			msg := oc.result.ErrorMessage
			t.ErrorMessage = &msg
			label = "retry"
		default:
			msg := oc.result.ErrorMessage
			t.Status, t.ErrorMessage = models.TargetFailed, &msg
			failed++
			label = "failure"
		}
		telemetry.TargetOutcomes.WithLabelValues(platformLabel(oc.platform), label).Inc()

		ev := log.Info()
		if !oc.result.Success {
			ev = log.Warn().Str("error", oc.result.ErrorMessage).Bool("retryable", oc.result.Retryable)
		}
		ev.Str("target_id", t.ID).Str("platform", oc.platform).Str("outcome", label).Msg("target attempted")

		if err := o.store.UpdateTarget(ctx, t); err != nil {
			log.Error().Err(err).Str("target_id", t.ID).Msg("record target outcome")
		}
	}

	if retryLater {
		o.audit(ctx, log, item.ID, "retry_pending", fmt.Sprintf("attempt %d of %d: no target succeeded", d.Attempt, d.MaxAttempts))
		return ErrNoTargetSucceeded
	}

	status, publishedAt := models.StatusFailed, (*time.Time)(nil)
	if published > 0 {
		status, publishedAt = models.StatusPublished, &now
	}
	if err := o.store.FinishContent(ctx, item.ID, status, publishedAt, failed); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("content item changed during publish; outcome not recorded")
			return nil
		}
		return fmt.Errorf("finish content item: %w", err)
	}
	o.audit(ctx, log, item.ID, status, fmt.Sprintf("%d of %d targets published", published, len(targets)))
	log.Info().Str("status", status).Int("published", published).Int("failed", failed).Msg("content item settled")
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, log zerolog.Logger, id, event, detail string) {
	if err := o.store.AppendAudit(ctx, id, event, detail); err != nil {
		log.Error().Err(err).Str("event", event).Msg("append audit")
	}
}

func platformLabel(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
