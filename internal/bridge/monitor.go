package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/gaspardpetit/nfrx-bridge/internal/metrics"
	"github.com/gaspardpetit/nfrx-bridge/internal/reconnect"
)

var errIdle = errors.New("no traffic within inactivity threshold")

func (c *Client) runMonitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.opts.ProbePeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick(ctx, c.now())
		}
	}
}

// tick runs one health check. Wall-clock time is used throughout: the
// monotonic clock does not advance while the host is suspended.
func (c *Client) tick(ctx context.Context, now time.Time) {
	now = now.Round(0)
	c.mu.Lock()
	prev := c.lastTick
	c.lastTick = now
	state := c.state
	idle := now.Sub(c.lastActivity.Round(0))
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.lastTick.Equal(now) {
			c.lastTick = c.now().Round(0)
		}
		c.mu.Unlock()
	}()

	if state != StateHealthy && state != StateDegraded {
		return
	}

	if !prev.IsZero() {
		if gap := now.Sub(prev); gap > c.opts.ProbePeriod+c.opts.SuspendSlack {
			metrics.RecordSuspendGap()
			c.log.Warn().Dur("gap", gap).Msg("resume detected, revalidating worker")
			c.touch(now)
			if err := reconnect.Sleep(ctx, c.opts.StabilizeDelay); err != nil {
				return
			}
			c.checkHealth(ctx, "resume")
			return
		}
	}

	if idle <= c.opts.InactivityThreshold {
		return
	}
	c.transitionIf(StateHealthy, StateDegraded, errIdle)
	c.checkHealth(ctx, "idle")
}

func (c *Client) checkHealth(ctx context.Context, reason string) {
	err := c.probe(ctx)
	if err == nil {
		c.log.Debug().Str("reason", reason).Msg("probe ok")
		c.transitionIf(StateDegraded, StateHealthy, nil)
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.log.Warn().Err(err).Str("reason", reason).Msg("probe failed")
	if rerr := c.recover(ctx, err); rerr != nil && ctx.Err() == nil {
		c.log.Error().Err(rerr).Msg("recovery failed")
	}
}
