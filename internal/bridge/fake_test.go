package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/reconnect"
)

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeWorker is an in-memory Transport. By default it answers every request
// with {"method": <method>, "id": <id>}.
type fakeWorker struct {
	mu       sync.Mutex
	subs     map[int]Handlers
	nextSub  int
	sent     []request
	restarts int

	// respond returns the reply line for a request; ok=false sends nothing.
	respond func(req request) (line string, ok bool)
	// stall runs first in Send and may block, like a pipe the worker stopped draining.
	stall func(ctx context.Context, req request) error
	// sendErr fails Send for a request when it returns non-nil.
	sendErr func(req request) error
	// restartErr fails Restart when it returns non-nil.
	restartErr func(n int) error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{subs: make(map[int]Handlers), respond: echo}
}

func echo(req request) (string, bool) {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"method":%q,"id":%d}}`, req.ID, req.Method, req.ID), true
}

func (f *fakeWorker) Send(ctx context.Context, payload []byte) error {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	stall, sendErr, respond := f.stall, f.sendErr, f.respond
	f.mu.Unlock()
	if stall != nil {
		if err := stall(ctx, req); err != nil {
			return err
		}
	}
	if sendErr != nil {
		if err := sendErr(req); err != nil {
			return err
		}
	}
	if respond != nil {
		if line, ok := respond(req); ok {
			go f.emit(line)
		}
	}
	return nil
}

func (f *fakeWorker) Subscribe(h Handlers) func() {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeWorker) Restart(ctx context.Context) error {
	f.mu.Lock()
	f.restarts++
	n, fn := f.restarts, f.restartErr
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil
}

func (f *fakeWorker) Status() Status { return StatusRunning }

func (f *fakeWorker) emit(line string) {
	f.mu.Lock()
	hs := make([]Handlers, 0, len(f.subs))
	for _, h := range f.subs {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		if h.OnLine != nil {
			h.OnLine([]byte(line))
		}
	}
}

func (f *fakeWorker) set(fn func(f *fakeWorker)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeWorker) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *fakeWorker) sentCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.sent {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeWorker) lastID(method string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Method == method {
			return f.sent[i].ID
		}
	}
	return 0
}

func testOptions() Options {
	nop := zerolog.Nop()
	return Options{
		Logger:         &nop,
		ProbeTimeout:   500 * time.Millisecond,
		ProbePeriod:    time.Hour,
		StabilizeDelay: time.Millisecond,
		SettleDelay:    time.Millisecond,
		Backoff:        reconnect.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}
}

func newTestClient(t *testing.T, f *fakeWorker, mutate func(*Options)) *Client {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	c := New(f, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	return c
}

// stateLog records transitions delivered to a listener.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(ch StateChange) {
	l.mu.Lock()
	l.states = append(l.states, ch.To)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
