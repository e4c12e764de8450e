package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// StartRefreshSweep runs RefreshExpiring(window) on the cron spec until ctx is cancelled. Runs
// never overlap; a sweep still going when the next tick fires makes that tick a no-op.
func (b *Broker) StartRefreshSweep(ctx context.Context, spec string, window time.Duration, timeout time.Duration) (*cron.Cron, error) {
	if _, err := sweepParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("refresh sweep spec %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(sweepParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { b.sweepOnce(ctx, window, timeout) }); err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	b.log.Info().Str("spec", spec).Dur("window", window).Msg("refresh sweep scheduled")
	return c, nil
}

func (b *Broker) sweepOnce(ctx context.Context, window, timeout time.Duration) {
	if ctx.Err() != nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	refreshed, failed, err := b.RefreshExpiring(ctx, window)
	if err != nil {
		b.log.Error().Err(err).Msg("refresh sweep")
		return
	}
	if refreshed+failed > 0 {
		b.log.Info().Int("refreshed", refreshed).Int("failed", failed).Msg("refresh sweep finished")
	}
}
