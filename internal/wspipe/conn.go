// Package wspipe carries worker frames over a websocket. Each text message
// holds one or more newline separated frames.
package wspipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/logx"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("worker socket disconnected")

// Options configures a Conn.
type Options struct {
	URL string
	// Token is sent as an Authorization bearer header when set.
	Token       string
	DialTimeout time.Duration
	// ReadLimit bounds one inbound message. Default 64MiB.
	ReadLimit int64
	Logger    *zerolog.Logger
}

type session struct {
	ws *websocket.Conn
	// ctx bounds writes; it ends with the session, not with any one call.
	ctx      context.Context
	cancel   context.CancelFunc
	writeSem chan struct{}
}

// Conn implements bridge.Transport over a websocket.
type Conn struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	cur     *session
	status  bridge.Status
	subs    map[uint64]bridge.Handlers
	nextSub uint64
}

var _ bridge.Transport = (*Conn)(nil)

// New returns an unconnected Conn. Restart dials.
func New(opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 20
	}
	lg := logx.Log
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Conn{
		opts:   opts,
		log:    lg.With().Str("component", "wspipe").Str("url", opts.URL).Logger(),
		status: bridge.StatusStopped,
		subs:   make(map[uint64]bridge.Handlers),
	}
}

// Restart closes any open connection and dials a new one.
func (c *Conn) Restart(ctx context.Context) error {
	c.closeCurrent(websocket.StatusNormalClosure, "restart")

	var dialOpts *websocket.DialOptions
	if c.opts.Token != "" {
		hdr := make(http.Header)
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
		dialOpts = &websocket.DialOptions{HTTPHeader: hdr}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.opts.URL, dialOpts)
	if err != nil {
		c.mu.Lock()
		c.status = bridge.StatusError
		c.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %w", bridge.ErrTransport, c.opts.URL, err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	s := &session{ws: ws, ctx: readCtx, cancel: readCancel, writeSem: make(chan struct{}, 1)}
	c.mu.Lock()
	c.cur = s
	c.mu.Unlock()
	c.log.Info().Msg("connected to worker")
	go c.read(readCtx, s)
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.closeCurrent(websocket.StatusNormalClosure, "closing")
	return nil
}

// Status reports whether a connection is open.
func (c *Conn) Status() bridge.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return bridge.StatusRunning
	}
	return c.status
}

// Subscribe registers handlers for inbound frames and disconnects.
func (c *Conn) Subscribe(h bridge.Handlers) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Send writes payload as one text message. ctx only bounds the wait: a write
// that has started runs to completion under the session so that a canceled
// call cannot tear down the shared connection.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrNotConnected
	}
	done := make(chan error, 1)
	go func() {
		defer func() { <-s.writeSem }()
		done <- s.ws.Write(s.ctx, websocket.MessageText, payload)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: write: %w", bridge.ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) read(ctx context.Context, s *session) {
	for {
		_, msg, err := s.ws.Read(ctx)
		if err != nil {
			c.lost(s, err)
			return
		}
		hs, live := c.handlers(s)
		if !live {
			return
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			for _, h := range hs {
				if h.OnLine != nil {
					h.OnLine(line)
				}
			}
		}
	}
}

func (c *Conn) handlers(s *session) ([]bridge.Handlers, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != s {
		return nil, false
	}
	hs := make([]bridge.Handlers, 0, len(c.subs))
	for _, h := range c.subs {
		hs = append(hs, h)
	}
	return hs, true
}

func (c *Conn) lost(s *session, err error) {
	hs, live := c.handlers(s)
	if !live {
		return
	}
	c.mu.Lock()
	c.cur = nil
	c.status = bridge.StatusError
	c.mu.Unlock()
	s.cancel()
	_ = s.ws.CloseNow()

	status := websocket.CloseStatus(err)
	c.log.Warn().Err(err).Int("close_status", int(status)).Msg("worker socket disconnected")
	down := fmt.Errorf("%w: %w", ErrNotConnected, err)
	for _, h := range hs {
		if h.OnDown != nil {
			h.OnDown(down)
		}
	}
}

func (c *Conn) closeCurrent(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	s := c.cur
	c.cur = nil
	c.status = bridge.StatusStopped
	c.mu.Unlock()
	if s == nil {
		return
	}
	_ = s.ws.Close(code, reason)
	s.cancel()
}
