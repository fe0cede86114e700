package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/reconnect"
)

// TestHelperProcess is not a real test. It is the worker spawned by the
// tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "worker ready session="+os.Getenv("BRIDGE_SESSION_ID"))
	if os.Getenv("HELPER_DEAF") == "1" {
		// Never reads stdin, so the pipe fills up.
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stderr, "bad request:", err)
			continue
		}
		switch req.Method {
		case "exit":
			os.Exit(3)
		case "notify":
			fmt.Println(`{"jsonrpc":"2.0","method":"query.progress","params":{"rows":1}}`)
		case "env":
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":%q}`+"\n", req.ID, os.Getenv("BRIDGE_SESSION_ID"))
			continue
		}
		fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"method":%q,"pid":%d}}`+"\n", req.ID, req.Method, os.Getpid())
	}
	os.Exit(0)
}

func helperCandidate() Candidate {
	return Candidate{Name: "helper", Path: os.Args[0], Args: []string{"-test.run=TestHelperProcess", "--"}}
}

func newHelper(t *testing.T, extra ...Candidate) *Process {
	t.Helper()
	nop := zerolog.Nop()
	p := New(Options{
		Candidates:  append(extra, helperCandidate()),
		Env:         []string{"GO_WANT_HELPER_PROCESS=1", "BRIDGE_SESSION_ID=abc123"},
		Logger:      &nop,
		StopTimeout: time.Second,
	})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type collector struct {
	mu    sync.Mutex
	lines []string
	diags []string
	downs []error
	ch    chan string
}

func newCollector() *collector { return &collector{ch: make(chan string, 16)} }

func (c *collector) handlers() bridge.Handlers {
	return bridge.Handlers{
		OnLine: func(line []byte) {
			c.mu.Lock()
			c.lines = append(c.lines, string(line))
			c.mu.Unlock()
			c.ch <- string(line)
		},
		OnDiagnostic: func(text string) {
			c.mu.Lock()
			c.diags = append(c.diags, text)
			c.mu.Unlock()
		},
		OnDown: func(err error) {
			c.mu.Lock()
			c.downs = append(c.downs, err)
			c.mu.Unlock()
		},
	}
}

func (c *collector) next(t *testing.T) string {
	t.Helper()
	select {
	case l := <-c.ch:
		return l
	case <-time.After(5 * time.Second):
		t.Fatalf("no line from worker")
		return ""
	}
}

func (c *collector) downCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.downs)
}

func (c *collector) hasDiag(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.diags {
		if strings.Contains(d, sub) {
			return true
		}
	}
	return false
}

func TestProcessRoundTrip(t *testing.T) {
	missing := Candidate{Name: "missing", Path: "/nonexistent/bridge"}
	p := newHelper(t, missing)
	col := newCollector()
	p.Subscribe(col.handlers())
	if p.Status() != bridge.StatusStopped {
		t.Fatalf("status before start = %s", p.Status())
	}
	if err := p.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("send before start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Status() != bridge.StatusRunning {
		t.Fatalf("status = %s", p.Status())
	}
	if err := p.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if line := col.next(t); !strings.Contains(line, `"method":"ping"`) {
		t.Fatalf("line = %s", line)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !col.hasDiag("session=abc123") {
		if time.Now().After(deadline) {
			t.Fatalf("stderr diagnostic not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.PID <= 0 || st.Launcher != "helper" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestProcessRejectsEmbeddedNewline(t *testing.T) {
	p := newHelper(t)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Send(context.Background(), []byte("{}\n{}")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProcessExitReportsDown(t *testing.T) {
	p := newHelper(t)
	col := newCollector()
	p.Subscribe(col.handlers())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"exit"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for col.downCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("down not reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.Status() != bridge.StatusError {
		t.Fatalf("status = %s", p.Status())
	}
	col.mu.Lock()
	down := col.downs[0]
	col.mu.Unlock()
	if !bridge.IsTransport(down) {
		t.Fatalf("down error %v is not transport class", down)
	}
}

func TestRestartReplacesProcess(t *testing.T) {
	p := newHelper(t)
	col := newCollector()
	p.Subscribe(col.handlers())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if err := p.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if first.PID == second.PID {
		t.Fatalf("pid unchanged after restart")
	}
	if col.downCount() != 0 {
		t.Fatalf("intentional restart reported as down")
	}
}

func TestNoCandidates(t *testing.T) {
	nop := zerolog.Nop()
	p := New(Options{Candidates: []Candidate{{Name: "missing", Path: "/nonexistent/bridge"}}, Logger: &nop})
	err := p.Start(context.Background())
	if !errors.Is(err, ErrNoCandidate) || !bridge.IsTransport(err) {
		t.Fatalf("err = %v", err)
	}
	if p.Status() != bridge.StatusError {
		t.Fatalf("status = %s", p.Status())
	}
}

func TestClientOverProcess(t *testing.T) {
	p := newHelper(t)
	nop := zerolog.Nop()
	c := bridge.New(p, bridge.Options{
		Logger:      &nop,
		SettleDelay: 10 * time.Millisecond,
		Backoff:     reconnect.Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Shutdown(context.Background())

	got, err := bridge.CallInto[string](ctx, c, "env", nil)
	if err != nil || got != "abc123" {
		t.Fatalf("env = %q, %v", got, err)
	}

	progress := make(chan json.RawMessage, 1)
	c.SubscribeNotification("query.progress", func(_ string, params json.RawMessage) { progress <- params })
	if _, err := c.Call(ctx, "notify", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case params := <-progress:
		if string(params) != `{"rows":1}` {
			t.Fatalf("params = %s", params)
		}
	case <-ctx.Done():
		t.Fatalf("notification not routed")
	}

	before, _ := p.Stats(ctx)
	// The worker dies mid-call; the client restarts it and retries.
	if _, err := c.Call(ctx, "exit", nil, bridge.WithTimeout(time.Second)); err == nil {
		t.Fatalf("exit call unexpectedly succeeded")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		after, err := p.Stats(ctx)
		if err == nil && after.PID != before.PID && c.IsHealthy() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker not restarted: state=%s", c.State())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := c.Call(ctx, "ping", nil); err != nil {
		t.Fatalf("ping after restart: %v", err)
	}
}

func newDeafHelper(t *testing.T) *Process {
	t.Helper()
	nop := zerolog.Nop()
	p := New(Options{
		Candidates:  []Candidate{helperCandidate()},
		Env:         []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_DEAF=1"},
		Logger:      &nop,
		StopTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSendGivesUpWhenWorkerStopsReading(t *testing.T) {
	p := newDeafHelper(t)
	col := newCollector()
	p.Subscribe(col.handlers())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	big := bytes.Repeat([]byte("x"), 1<<20)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Send(ctx, big)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send: %v", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("send returned after %s", d)
	}

	// The frame was cut short, so the worker is killed and reported down.
	deadline := time.Now().Add(5 * time.Second)
	for col.downCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("down not reported after a partial frame")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	if err := p.Send(ctx2, []byte(`{}`)); err == nil {
		t.Fatalf("send to a killed worker succeeded")
	}
}

func TestClientCallBoundedWhenWorkerStopsReading(t *testing.T) {
	p := newDeafHelper(t)
	nop := zerolog.Nop()
	c := bridge.New(p, bridge.Options{
		Logger:       &nop,
		ProbeTimeout: 100 * time.Millisecond,
		MaxAttempts:  1,
		SettleDelay:  10 * time.Millisecond,
		Backoff:      reconnect.Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
	})
	defer c.Shutdown(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The probe is never answered; the handshake ends in Failed.
	_ = c.Initialize(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "query.run", strings.Repeat("x", 1<<20), bridge.WithTimeout(200*time.Millisecond), bridge.WithRetries(0))
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("call to a deaf worker succeeded")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("call still unsettled after 3s (state=%s pending=%d)", c.State(), c.Pending())
	}
}
