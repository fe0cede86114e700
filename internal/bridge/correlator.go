package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/metrics"
	"github.com/gaspardpetit/nfrx-bridge/internal/wire"
)

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id       int64
	method   string
	issuedAt time.Time
	timeout  time.Duration
	done     chan outcome
	timer    *time.Timer
}

// correlator matches responses to outstanding requests. Every entry is
// settled exactly once: by a response, its timeout, cancellation, a send
// failure or failAll.
type correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall

	send func(ctx context.Context, payload []byte) error
	log  zerolog.Logger
}

func newCorrelator(send func(context.Context, []byte) error, log zerolog.Logger) *correlator {
	return &correlator{pending: make(map[int64]*pendingCall), send: send, log: log}
}

// call sends one request and waits for its outcome.
func (c *correlator) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCanceled, method, err)
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	payload, err := wire.Encode(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{id: id, method: method, issuedAt: time.Now(), timeout: timeout, done: make(chan outcome, 1)}
	c.mu.Lock()
	c.pending[id] = p
	n := len(c.pending)
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, outcome{err: &TimeoutError{Method: method, ID: id, Timeout: timeout}})
	})
	c.mu.Unlock()
	metrics.SetPending(n)

	// The send is bounded by the call's timeout and never holds up settlement.
	sctx, cancelSend := context.WithTimeout(ctx, timeout)
	sent := make(chan error, 1)
	go func() {
		defer cancelSend()
		sent <- c.send(sctx, payload)
	}()

	var o outcome
	for settled := false; !settled; {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				c.settle(id, outcome{err: c.sendError(ctx, method, id, timeout, err)})
			}
		case o = <-p.done:
			settled = true
		case <-ctx.Done():
			if !c.settle(id, outcome{err: fmt.Errorf("%w: %s (id %d): %w", ErrCanceled, method, id, ctx.Err())}) {
				c.log.Debug().Int64("id", id).Str("method", method).Msg("cancellation lost race with settlement")
			}
			o = <-p.done
			settled = true
		}
	}
	metrics.RecordCall(method, outcomeLabel(o.err), time.Since(p.issuedAt))
	return o.result, o.err
}

func (c *correlator) sendError(ctx context.Context, method string, id int64, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return fmt.Errorf("%w: %s: %w", ErrCanceled, method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Method: method, ID: id, Timeout: timeout}
	}
	return transportError(fmt.Errorf("send %s: %w", method, err))
}

// settle removes id from the table and delivers o. It reports false when the
// entry was already settled.
func (c *correlator) settle(id int64, o outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.SetPending(n)
	p.done <- o
	return true
}

// resolve settles the request a response frame refers to.
func (c *correlator) resolve(f wire.Frame) bool {
	if f.Error != nil {
		return c.settle(f.ID, outcome{err: f.Error})
	}
	return c.settle(f.ID, outcome{result: f.Result})
}

// failAll settles every outstanding request with err.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		calls = append(calls, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	metrics.SetPending(0)
	for _, p := range calls {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: fmt.Errorf("%s (id %d): %w", p.method, p.id, err)}
	}
	return len(calls)
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func outcomeLabel(err error) string {
	var werr *wire.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &werr):
		return "worker_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	case IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}
