package wspipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
)

// worker answers every request on a websocket and counts connections.
type worker struct {
	conns atomic.Int32
	token string
	// stall delays the first read so the client's writes back up.
	stall time.Duration
}

func (w *worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w.token != "" && r.Header.Get("Authorization") != "Bearer "+w.token {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(rw, r, nil)
	if err != nil {
		return
	}
	c.SetReadLimit(128 << 20)
	n := w.conns.Add(1)
	ctx := r.Context()
	if w.stall > 0 {
		time.Sleep(w.stall)
	}
	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		if req.Method == "hangup" {
			_ = c.Close(websocket.StatusGoingAway, "bye")
			return
		}
		out := fmt.Sprintf(`{"jsonrpc":"2.0","method":"log","params":"conn %d"}`+"\n"+`{"jsonrpc":"2.0","id":%d,"result":%d}`, n, req.ID, n)
		if err := c.Write(ctx, websocket.MessageText, []byte(out)); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnRoundTripAndReconnect(t *testing.T) {
	w := &worker{token: "k"}
	srv := httptest.NewServer(w)
	defer srv.Close()

	nop := zerolog.Nop()
	conn := New(Options{URL: wsURL(srv), Token: "k", Logger: &nop})
	defer conn.Close()
	if conn.Status() != bridge.StatusStopped {
		t.Fatalf("status = %s", conn.Status())
	}

	c := bridge.New(conn, bridge.Options{Logger: &nop, SettleDelay: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Shutdown(context.Background())

	logs := make(chan string, 16)
	c.SubscribeNotification("log", func(_ string, p json.RawMessage) {
		var s string
		_ = json.Unmarshal(p, &s)
		logs <- s
	})

	n, err := bridge.CallInto[int](ctx, c, "query.run", nil)
	if err != nil || n != 1 {
		t.Fatalf("call = %d, %v", n, err)
	}
	select {
	case s := <-logs:
		if s != "conn 1" {
			t.Fatalf("log = %q", s)
		}
	case <-ctx.Done():
		t.Fatalf("notification not delivered")
	}

	// The worker drops the socket; the next call reconnects and retries.
	_, _ = c.Call(ctx, "hangup", nil, bridge.WithTimeout(200*time.Millisecond), bridge.WithRetries(0))
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err = bridge.CallInto[int](ctx, c, "query.run", nil)
		if err == nil && n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reconnect: n=%d err=%v", n, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if w.conns.Load() < 2 {
		t.Fatalf("connections = %d", w.conns.Load())
	}
}

func TestDialFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(&worker{token: "secret"})
	defer srv.Close()
	nop := zerolog.Nop()
	conn := New(Options{URL: wsURL(srv), Logger: &nop, DialTimeout: time.Second})
	err := conn.Restart(context.Background())
	if err == nil || !bridge.IsTransport(err) {
		t.Fatalf("err = %v", err)
	}
	if conn.Status() != bridge.StatusError {
		t.Fatalf("status = %s", conn.Status())
	}
	if err := conn.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send: %v", err)
	}
}

func TestCanceledSendKeepsConnection(t *testing.T) {
	w := &worker{stall: 500 * time.Millisecond}
	srv := httptest.NewServer(w)
	defer srv.Close()

	nop := zerolog.Nop()
	conn := New(Options{URL: wsURL(srv), Logger: &nop})
	defer conn.Close()
	lines := make(chan string, 16)
	var downs atomic.Int32
	conn.Subscribe(bridge.Handlers{
		OnLine: func(line []byte) { lines <- string(line) },
		OnDown: func(error) { downs.Add(1) },
	})
	if err := conn.Restart(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Larger than the socket buffers, so the write is still running when the
	// caller gives up.
	big := make([]byte, 32<<20)
	for i := range big {
		big[i] = 'x'
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := conn.Send(ctx, big); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := conn.Send(ctx2, []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)); err != nil {
		t.Fatalf("send after canceled write: %v", err)
	}
	for {
		select {
		case l := <-lines:
			if strings.Contains(l, `"id":7`) {
				if downs.Load() != 0 || conn.Status() != bridge.StatusRunning {
					t.Fatalf("connection dropped: downs=%d status=%s", downs.Load(), conn.Status())
				}
				return
			}
		case <-ctx2.Done():
			t.Fatalf("no reply after canceled write (downs=%d)", downs.Load())
		}
	}
}
