package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
	"content-publisher/internal/queue"
	"content-publisher/internal/scheduler"
	"content-publisher/internal/telemetry"
)

// Queue is the subset of the Redis queue the processor drives.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (*queue.Delivered, error)
	ExtendLease(ctx context.Context, unitID string, extension time.Duration) error
	Ack(ctx context.Context, d *queue.Delivered) error
	Retry(ctx context.Context, d *queue.Delivered, attempts int, runAt time.Time) error
	DeadLetter(ctx context.Context, d *queue.Delivered) error
}

// Auditor records lifecycle events per content item.
type Auditor interface {
	AppendAudit(ctx context.Context, contentItemID, event, detail string) error
}

// Handler executes one delivery. A nil error acknowledges the unit.
type Handler func(ctx context.Context, d models.Delivery) error

type deferredError struct{ err error }

func (e *deferredError) Error() string { return "deferred: " + e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Defer marks err as "try again later without spending an attempt".
func Defer(err error) error {
	return &deferredError{err: err}
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	audit    Auditor
	handler  Handler
	log      zerolog.Logger
	workerID string
	now      func() time.Time
}

// NewProcessor wires a processor. workerID only labels log lines.
func NewProcessor(cfg config.Config, q Queue, audit Auditor, handler Handler, log zerolog.Logger, workerID string) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		audit:    audit,
		handler:  handler,
		log:      log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts WorkerConcurrency loops and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return p.loop(gctx) })
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("worker iteration")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunOnce promotes due units, reclaims expired leases and processes at most one delivery.
// It reports whether a delivery was processed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		return false, fmt.Errorf("promote scheduled: %w", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		return false, fmt.Errorf("requeue expired: %w", err)
	} else if len(reclaimed) > 0 {
		p.log.Warn().Strs("units", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	d, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if d == nil {
		return false, nil
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.process(ctx, d)
	return true, nil
}

func (p *Processor) process(ctx context.Context, d *queue.Delivered) {
	log := p.log.With().Str("unit_id", d.ID).Logger()

	delivery, ok := p.decode(d)
	if !ok {
		log.Error().Str("payload", string(d.Payload)).Msg("undecodable work unit; dead-lettering")
		p.settle(log, "dead letter", p.queue.DeadLetter(ctx, d))
		telemetry.WorkerDeadLetter.Inc()
		return
	}
	log = log.With().Str("content_id", delivery.ContentItemID).Int("attempt", delivery.Attempt).Logger()

	hbCtx, stop := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, d.ID)
	err := p.handler(ctx, delivery)
	stop()

	if err == nil {
		p.settle(log, "ack", p.queue.Ack(ctx, d))
		telemetry.WorkerSuccess.Inc()
		return
	}

	var deferred *deferredError
	if errors.As(err, &deferred) {
		runAt := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, 1))
		log.Info().Err(err).Time("run_at", runAt).Msg("delivery deferred")
		p.settle(log, "defer", p.queue.Retry(ctx, d, d.Attempts, runAt))
		return
	}

	if delivery.Final() {
		log.Error().Err(err).Msg("retries exhausted; dead-lettering")
		p.settle(log, "dead letter", p.queue.DeadLetter(ctx, d))
		p.appendAudit(ctx, log, delivery.ContentItemID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		return
	}

	nextRun := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, delivery.Attempt))
	log.Warn().Err(err).Time("next_run", nextRun).Msg("delivery failed; retry scheduled")
	p.settle(log, "retry", p.queue.Retry(ctx, d, delivery.Attempt, nextRun))
	p.appendAudit(ctx, log, delivery.ContentItemID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), delivery.Attempt))
	telemetry.WorkerFailures.Inc()
}

func (p *Processor) decode(d *queue.Delivered) (models.Delivery, bool) {
	var payload models.WorkPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil || payload.ContentItemID == "" {
		id, ok := scheduler.ContentItemID(d.ID)
		if !ok {
			return models.Delivery{}, false
		}
		payload.ContentItemID = id
	}
	return models.Delivery{
		UnitID:        d.ID,
		ContentItemID: payload.ContentItemID,
		Generation:    d.Generation,
		Attempt:       d.Attempts + 1,
		MaxAttempts:   p.cfg.MaxAttempts,
	}, true
}

// heartbeat keeps the visibility lease alive while the handler runs.
func (p *Processor) heartbeat(ctx context.Context, unitID string) {
	ttl := p.cfg.VisibilityTimeout
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, unitID, ttl); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("unit_id", unitID).Msg("extend lease")
			}
		}
	}
}

// settle logs queue bookkeeping failures. ErrStale means the unit was removed or replaced while
// it ran, which is expected after a delete or reschedule.
func (p *Processor) settle(log zerolog.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrStale):
		log.Info().Str("op", op).Msg("unit replaced while running; result discarded")
	default:
		log.Error().Err(err).Str("op", op).Msg("queue bookkeeping failed")
	}
}

func (p *Processor) appendAudit(ctx context.Context, log zerolog.Logger, id, event, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.AppendAudit(ctx, id, event, detail); err != nil {
		log.Error().Err(err).Str("event", event).Msg("append audit")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
