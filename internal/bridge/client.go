// Package bridge is the client side of a line-based JSON-RPC channel to an
// out-of-process worker. It correlates requests with responses, routes
// notifications, watches the channel's health and reconnects when it fails.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/gaspardpetit/nfrx-bridge/internal/logx"
	"github.com/gaspardpetit/nfrx-bridge/internal/metrics"
	"github.com/gaspardpetit/nfrx-bridge/internal/wire"
)

// Client multiplexes calls over a single Transport.
type Client struct {
	tr     Transport
	opts   Options
	log    zerolog.Logger
	corr   *correlator
	router *Router
	flight singleflight.Group
	lsn    listeners
	now    func() time.Time

	decodeLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// transitionMu serializes state changes and listener delivery.
	transitionMu sync.Mutex

	mu           sync.Mutex
	state        State
	attempts     int
	lastActivity time.Time
	lastTick     time.Time
	detachFn     func()
	started      bool
	closed       bool
	monitorDone  chan struct{}
}

// Info is a point-in-time view of a Client.
type Info struct {
	State        State     `json:"-"`
	StateName    string    `json:"state"`
	Attempts     int       `json:"attempts"`
	Pending      int       `json:"pending"`
	LastActivity time.Time `json:"last_activity"`
	Transport    Status    `json:"transport"`
}

// New returns a Client over t. Call Initialize before issuing calls.
func New(t Transport, opts Options) *Client {
	opts = opts.withDefaults()
	lg := logx.Log
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	lg = lg.With().Str("component", "bridge").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		tr:            t,
		opts:          opts,
		log:           lg,
		router:        NewRouter(lg),
		now:           time.Now,
		decodeLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.corr = newCorrelator(t.Send, lg)
	return c
}

// Initialize attaches to the transport, starts the health monitor and
// confirms the worker answers a probe. If it does not, the reconnection
// loop runs before Initialize returns. Calling it again on a started client
// returns nil when healthy, retries the handshake when not yet connected,
// and reports ErrReconnectExhausted once Failed; ManualRestart leaves Failed.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		state := c.state
		c.mu.Unlock()
		switch state {
		case StateHealthy, StateDegraded:
			return nil
		case StateFailed:
			return fmt.Errorf("%w: call ManualRestart to reconnect", ErrReconnectExhausted)
		case StateReconnecting:
			return c.recover(ctx, errInitialize)
		}
		return c.establish(ctx)
	}
	c.started = true
	c.monitorDone = make(chan struct{})
	c.lastActivity = c.now()
	c.mu.Unlock()

	c.attach()
	go c.runMonitor(c.ctx, c.monitorDone)
	return c.establish(ctx)
}

var errInitialize = errors.New("initialize requested")

// establish starts the worker if needed and probes it, falling back to the
// reconnection loop on a transport-class failure.
func (c *Client) establish(ctx context.Context) error {
	if c.tr.Status() != StatusRunning {
		if err := c.tr.Restart(ctx); err != nil {
			c.log.Warn().Err(err).Msg("worker start failed")
			return c.recover(ctx, transportError(err))
		}
	}
	if err := c.probe(ctx); err != nil {
		if !IsTransport(err) && !errors.Is(err, ErrTimeout) {
			return err
		}
		c.log.Warn().Err(err).Msg("initial probe failed")
		return c.recover(ctx, err)
	}
	c.transition(StateHealthy, nil)
	return nil
}

// Shutdown stops the monitor, detaches from the transport and fails every
// pending call with ErrClosed. The transport itself is left to its owner.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.monitorDone
	c.mu.Unlock()

	c.cancel()
	c.detach()
	if n := c.corr.failAll(ErrClosed); n > 0 {
		c.log.Info().Int("pending", n).Msg("failed pending calls on shutdown")
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type callOptions struct {
	timeout time.Duration
	retries *int
}

// CallOption adjusts a single Call.
type CallOption func(*callOptions)

// WithTimeout overrides the method's timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetries overrides the retry budget; zero disables retries.
func WithRetries(n int) CallOption {
	return func(o *callOptions) {
		if n < 0 {
			n = 0
		}
		o.retries = &n
	}
}

// Call sends method with params and returns the raw result. Transport-class
// failures trigger reconnection and are retried; worker errors are returned
// as *wire.Error without retry.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	timeout := co.timeout
	if timeout <= 0 {
		timeout = c.opts.Timeouts.For(method)
	}
	maxRetries := c.opts.MaxRetries
	if co.retries != nil {
		maxRetries = *co.retries
	}

	var lastErr error
	recovered := false
	for try := 0; ; try++ {
		res, err := c.corr.call(ctx, method, params, timeout)
		if err == nil {
			return res, nil
		}
		if !c.retryable(err) {
			return nil, err
		}
		lastErr = err
		if try >= maxRetries {
			break
		}
		c.log.Warn().Err(err).Str("method", method).Int("retry", try+1).Msg("transport failure, reconnecting before retry")
		if rerr := c.recover(ctx, err); rerr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrCanceled, method, ctx.Err())
			}
			return nil, fmt.Errorf("%s: %w (last error: %v)", method, rerr, err)
		}
		recovered = true
	}
	// Skip healing when a recovery just passed its probe.
	if !recovered && IsTransport(lastErr) {
		c.heal(lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %d tries: %w", ErrRetriesExhausted, method, maxRetries+1, lastErr)
}

// CallInto is Call followed by decoding the result into T. A null result
// leaves T at its zero value.
func CallInto[T any](ctx context.Context, c *Client, method string, params any, opts ...CallOption) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

func (c *Client) retryable(err error) bool {
	if IsTransport(err) {
		return true
	}
	return c.opts.RetryTimeouts && errors.Is(err, ErrTimeout) && !errors.Is(err, ErrCanceled)
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.started:
		return ErrNotInitialized
	}
	return nil
}

// SubscribeNotification registers fn for notifications named method.
func (c *Client) SubscribeNotification(method string, fn NotificationHandler) (unsubscribe func()) {
	return c.router.Subscribe(method, fn)
}

// SubscribeMatching registers fn for notifications whose method satisfies match.
func (c *Client) SubscribeMatching(match func(method string) bool, fn NotificationHandler) (unsubscribe func()) {
	return c.router.SubscribeMatching(match, fn)
}

// OnConnectionStateChange registers fn for every state transition. fn runs
// synchronously with the transition and must not call ManualRestart inline.
func (c *Client) OnConnectionStateChange(fn func(StateChange)) (unsubscribe func()) {
	return c.lsn.add(fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsHealthy reports whether the connection is Healthy or Degraded.
func (c *Client) IsHealthy() bool {
	s := c.State()
	return s == StateHealthy || s == StateDegraded
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	return c.corr.len()
}

// Info returns a snapshot of the client's state.
func (c *Client) Info() Info {
	c.mu.Lock()
	info := Info{State: c.state, StateName: c.state.String(), Attempts: c.attempts, LastActivity: c.lastActivity}
	c.mu.Unlock()
	info.Pending = c.corr.len()
	info.Transport = c.tr.Status()
	return info
}

func (c *Client) attach() {
	unsub := c.tr.Subscribe(Handlers{
		OnLine:       c.handleLine,
		OnDiagnostic: c.handleDiagnostic,
		OnDown:       c.handleDown,
	})
	c.mu.Lock()
	old := c.detachFn
	c.detachFn = unsub
	c.mu.Unlock()
	if old != nil {
		old()
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	fn := c.detachFn
	c.detachFn = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleLine(line []byte) {
	f, err := wire.Decode(line)
	if err != nil {
		metrics.RecordDecodeFailure()
		if c.decodeLimiter.Allow() {
			c.log.Warn().Err(err).Int("bytes", len(line)).Msg("discarding inbound line")
		}
		return
	}
	switch f.Kind {
	case wire.KindResponse:
		if !c.corr.resolve(f) {
			c.log.Debug().Int64("id", f.ID).Msg("response for unknown request")
			return
		}
		c.noteExchange()
	case wire.KindNotification:
		n := c.router.Dispatch(f.Method, f.Params)
		metrics.RecordNotification(f.Method, n > 0)
	}
}

func (c *Client) handleDiagnostic(text string) {
	c.log.Debug().Str("source", "worker").Msg(text)
	if c.opts.Diagnostics != nil {
		c.opts.Diagnostics(text)
	}
}

func (c *Client) handleDown(err error) {
	if err == nil {
		err = errors.New("worker channel down")
	}
	c.log.Warn().Err(err).Msg("transport reported channel down")
	if !c.IsHealthy() {
		return
	}
	c.heal(transportError(err))
}

// heal starts recovery in the background.
func (c *Client) heal(cause error) {
	go func() {
		if err := c.recover(c.ctx, cause); err != nil && c.ctx.Err() == nil {
			c.log.Error().Err(err).Msg("background recovery failed")
		}
	}()
}

// noteExchange records a completed exchange with the worker.
func (c *Client) noteExchange() {
	c.mu.Lock()
	c.lastActivity = c.now()
	degraded := c.state == StateDegraded
	c.mu.Unlock()
	if degraded {
		// Off the reader goroutine: listeners may block.
		go c.transitionIf(StateDegraded, StateHealthy, nil)
	}
}

func (c *Client) touch(t time.Time) {
	c.mu.Lock()
	c.lastActivity = t
	c.mu.Unlock()
}

func (c *Client) probe(ctx context.Context) error {
	_, err := c.corr.call(ctx, c.opts.ProbeMethod, c.opts.ProbeParams, c.opts.ProbeTimeout)
	var werr *wire.Error
	if errors.As(err, &werr) {
		// The worker answered; the channel is alive.
		return nil
	}
	return err
}

func (c *Client) transition(to State, reason error) bool {
	return c.transitionIf(-1, to, reason)
}

// transitionIf moves to `to` when the current state is from, or from is -1.
func (c *Client) transitionIf(from, to State, reason error) bool {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.mu.Lock()
	cur := c.state
	if cur == to || (from >= 0 && cur != from) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	if to == StateHealthy {
		c.attempts = 0
	}
	ch := StateChange{From: cur, To: to, Attempts: c.attempts, Reason: reason, At: c.now()}
	c.mu.Unlock()

	metrics.SetConnectionState(int(to))
	ev := c.log.Info()
	if to == StateReconnecting || to == StateFailed {
		ev = c.log.Warn()
	}
	ev.Str("from", cur.String()).Str("to", to.String()).Int("attempts", ch.Attempts).AnErr("reason", reason).Msg("connection state changed")

	for _, l := range c.lsn.snapshot() {
		c.deliver(l, ch)
	}
	return true
}

func (c *Client) deliver(l listener, ch StateChange) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Str("panic", fmt.Sprint(rec)).Msg("state listener panicked")
		}
	}()
	l.fn(ch)
}
