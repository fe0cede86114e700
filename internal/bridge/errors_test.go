package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/gaspardpetit/nfrx-bridge/internal/wire"
)

func TestIsTransport(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("read stdout: %w", io.ErrUnexpectedEOF), true},
		{syscall.EPIPE, true},
		{fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{exec.ErrNotFound, true},
		{errors.New("write |1: broken pipe"), true},
		{errors.New("worker not running"), true},
		{transportError(errors.New("anything")), true},
		{&wire.Error{Code: -32000, Message: "broken pipe in query"}, false},
		{&TimeoutError{Method: "ping", ID: 1, Timeout: time.Second}, false},
		{fmt.Errorf("%w: x", ErrCanceled), false},
		{context.DeadlineExceeded, false},
		{ErrReconnectExhausted, false},
		{ErrClosed, false},
		{errors.New("syntax error near SELECT"), false},
	}
	for _, tt := range tests {
		if got := IsTransport(tt.err); got != tt.want {
			t.Errorf("IsTransport(%v) = %v want %v", tt.err, got, tt.want)
		}
	}
}

func TestTimeoutErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("call: %w", &TimeoutError{Method: "query.run", ID: 9, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("timeout error does not match ErrTimeout")
	}
}

func TestStateNames(t *testing.T) {
	for s := StateUninitialized; s <= StateFailed; s++ {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseState("bogus"); ok {
		t.Fatalf("bogus state parsed")
	}
}

func TestTimeoutRules(t *testing.T) {
	tm := DefaultTimeouts()
	tests := map[string]time.Duration{
		"ping":            5 * time.Second,
		"worker.ping":     5 * time.Second,
		"schema.tables":   180 * time.Second,
		"schema.a.b":      180 * time.Second,
		"metadata.get":    180 * time.Second,
		"query.run":       300 * time.Second,
		"results.stream":  300 * time.Second,
		"connection.open": DefaultCallTimeout,
	}
	for method, want := range tests {
		if got := tm.For(method); got != want {
			t.Errorf("For(%q) = %s want %s", method, got, want)
		}
	}
	if _, err := NewTimeouts(0, TimeoutRule{Pattern: "[", Timeout: time.Second}); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
	if _, err := NewTimeouts(0, TimeoutRule{Pattern: "x"}); err == nil {
		t.Fatalf("expected non-positive timeout error")
	}
}
