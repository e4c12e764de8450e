// Package scheduler turns "publish content item X at time T" into exactly one outstanding
// deferred work unit per content item.
//
// Unit identity is derived from the content item id, never generated, so enqueueing or
// rescheduling the same item any number of times leaves at most one unit outstanding.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"content-publisher/internal/models"
	"content-publisher/internal/telemetry"
)

const unitPrefix = "publish:"

// Queue is the deferred-work queue the scheduler drives. Enqueue calls with an existing unit
// id must replace that unit.
type Queue interface {
	EnqueueNow(ctx context.Context, unitID string, payload []byte) error
	EnqueueAt(ctx context.Context, unitID string, payload []byte, runAt time.Time) error
	Remove(ctx context.Context, unitID string) error
}

// Scheduler enqueues, reschedules and cancels publish work for content items.
type Scheduler struct {
	queue Queue
	log   zerolog.Logger
	now   func() time.Time
}

// New builds a scheduler over q.
func New(q Queue, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue: q,
		log:   log.With().Str("component", "scheduler").Logger(),
		now:   time.Now,
	}
}

// UnitID is the deterministic work unit identity for a content item.
func UnitID(contentItemID string) string {
	return unitPrefix + contentItemID
}

// ContentItemID recovers the content item id from a unit id.
func ContentItemID(unitID string) (string, bool) {
	if !strings.HasPrefix(unitID, unitPrefix) || len(unitID) == len(unitPrefix) {
		return "", false
	}
	return strings.TrimPrefix(unitID, unitPrefix), true
}

func payload(contentItemID string) ([]byte, error) {
	b, err := json.Marshal(models.WorkPayload{ContentItemID: contentItemID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// EnqueueNow dispatches publish work with no delay, ahead of delayed work.
func (s *Scheduler) EnqueueNow(ctx context.Context, contentItemID string) error {
	body, err := payload(contentItemID)
	if err != nil {
		return err
	}
	if err := s.queue.EnqueueNow(ctx, UnitID(contentItemID), body); err != nil {
		return fmt.Errorf("enqueue now %s: %w", contentItemID, err)
	}
	telemetry.EnqueueCounter.WithLabelValues("now").Inc()
	s.log.Info().Str("content_id", contentItemID).Msg("publish enqueued for immediate dispatch")
	return nil
}

// EnqueueAt schedules publish work for at. When at is not in the future nothing is enqueued and
// false is returned; whether that is an error is the caller's call.
func (s *Scheduler) EnqueueAt(ctx context.Context, contentItemID string, at time.Time) (bool, error) {
	delay := at.Sub(s.now())
	if delay <= 0 {
		s.log.Debug().Str("content_id", contentItemID).Time("at", at).Msg("publish instant already passed, not enqueued")
		return false, nil
	}
	body, err := payload(contentItemID)
	if err != nil {
		return false, err
	}
	if err := s.queue.EnqueueAt(ctx, UnitID(contentItemID), body, at); err != nil {
		return false, fmt.Errorf("enqueue at %s: %w", contentItemID, err)
	}
	telemetry.EnqueueCounter.WithLabelValues("delayed").Inc()
	s.log.Info().Str("content_id", contentItemID).Dur("delay", delay).Msg("publish scheduled")
	return true, nil
}

// Reschedule removes any outstanding unit for the item and enqueues it for at.
func (s *Scheduler) Reschedule(ctx context.Context, contentItemID string, at time.Time) (bool, error) {
	if err := s.Cancel(ctx, contentItemID); err != nil {
		return false, err
	}
	return s.EnqueueAt(ctx, contentItemID, at)
}

// Cancel removes any outstanding unit for the item; it is a no-op if none exists.
// A publish loop already running for the item is not interrupted.
func (s *Scheduler) Cancel(ctx context.Context, contentItemID string) error {
	if err := s.queue.Remove(ctx, UnitID(contentItemID)); err != nil {
		return fmt.Errorf("cancel %s: %w", contentItemID, err)
	}
	return nil
}
