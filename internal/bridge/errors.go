package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gaspardpetit/nfrx-bridge/internal/wire"
)

var (
	// ErrTransport marks failures of the channel itself.
	ErrTransport = errors.New("transport failure")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("request timed out")
	// ErrCanceled is returned when the caller's context ends before a response.
	ErrCanceled = errors.New("request canceled")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("client closed")
	// ErrNotInitialized is returned by Call before Initialize.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrReconnectExhausted is terminal until ManualRestart.
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	// ErrRetriesExhausted wraps the last transport error of a call that ran out of retries.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// TimeoutError reports a call that received no response in time.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response after %s", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// transportError wraps err so that errors.Is(err, ErrTransport) holds.
func transportError(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

var transportSentinels = []error{
	ErrTransport,
	io.EOF,
	io.ErrUnexpectedEOF,
	io.ErrClosedPipe,
	os.ErrClosed,
	net.ErrClosed,
	syscall.EPIPE,
	syscall.ECONNRESET,
	exec.ErrNotFound,
}

var transportHints = []string{
	"broken pipe",
	"closed pipe",
	"file already closed",
	"disconnected",
	"not running",
	"connection reset",
	"connection refused",
}

// IsTransport reports whether err is attributable to the channel rather than
// to the worker's application logic.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var werr *wire.Error
	if errors.As(err, &werr) {
		return false
	}
	for _, terminal := range []error{ErrReconnectExhausted, ErrClosed, ErrCanceled, ErrTimeout, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	for _, target := range transportSentinels {
		if errors.Is(err, target) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transportHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
