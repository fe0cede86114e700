package bridge

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/gaspardpetit/nfrx-bridge/internal/metrics"
	"github.com/gaspardpetit/nfrx-bridge/internal/reconnect"
)

const recoveryKey = "recover"

var errManualRestart = errors.New("manual restart requested")

// recover runs, or joins, the single in-flight recovery and waits for its
// outcome. The recovery itself is bound to the client's lifetime, not to ctx.
func (c *Client) recover(ctx context.Context, cause error) error {
	ch := c.flight.DoChan(recoveryKey, func() (any, error) {
		return nil, c.runRecovery(cause)
	})
	return c.await(ctx, ch)
}

// ManualRestart clears the attempt counter and restarts the worker, leaving
// Failed if it was terminal. If a recovery is already running it is joined.
func (c *Client) ManualRestart(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ch := c.flight.DoChan(recoveryKey, func() (any, error) {
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.transition(StateUninitialized, errManualRestart)
		c.corr.failAll(fmt.Errorf("%w: %v", ErrTransport, errManualRestart))
		return nil, c.reconnectLoop(c.ctx)
	})
	return c.await(ctx, ch)
}

func (c *Client) await(ctx context.Context, ch <-chan singleflight.Result) error {
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) runRecovery(cause error) error {
	if c.State() == StateFailed {
		return ErrReconnectExhausted
	}
	c.transition(StateReconnecting, cause)
	if n := c.corr.failAll(fmt.Errorf("%w: connection reset (%v)", ErrTransport, cause)); n > 0 {
		c.log.Info().Int("pending", n).Msg("failed pending calls before reconnect")
	}
	return c.reconnectLoop(c.ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		attempts := c.attempts
		c.mu.Unlock()
		if attempts >= c.opts.MaxAttempts {
			return c.exhaust()
		}

		err := c.attemptRestart(ctx)
		if err == nil {
			metrics.RecordReconnectAttempt("success")
			c.transition(StateHealthy, nil)
			return nil
		}
		if ctx.Err() != nil {
			return ErrClosed
		}

		c.mu.Lock()
		c.attempts++
		attempts = c.attempts
		c.mu.Unlock()
		metrics.RecordReconnectAttempt("failure")
		c.log.Warn().Err(err).Int("attempt", attempts).Int("max", c.opts.MaxAttempts).Msg("reconnect attempt failed")
		c.transition(StateReconnecting, err)
		if attempts >= c.opts.MaxAttempts {
			return c.exhaust()
		}
		if err := reconnect.Sleep(ctx, c.opts.Backoff.Delay(attempts-1)); err != nil {
			return ErrClosed
		}
	}
}

// attemptRestart restarts the worker, lets it settle, resubscribes and probes.
func (c *Client) attemptRestart(ctx context.Context) error {
	c.detach()
	if err := c.tr.Restart(ctx); err != nil {
		c.attach()
		return fmt.Errorf("restart worker: %w", err)
	}
	if err := reconnect.Sleep(ctx, c.opts.SettleDelay); err != nil {
		return err
	}
	c.attach()
	if err := c.probe(ctx); err != nil {
		return fmt.Errorf("probe after restart: %w", err)
	}
	return nil
}

func (c *Client) exhaust() error {
	metrics.RecordReconnectAttempt("exhausted")
	c.transition(StateFailed, ErrReconnectExhausted)
	c.corr.failAll(ErrReconnectExhausted)
	return ErrReconnectExhausted
}
