package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/wire"
)

type caller interface {
	Call(ctx context.Context, method string, params any, opts ...bridge.CallOption) (json.RawMessage, error)
}

// request is one stdin line.
type request struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

// reply is one stdout line: a call outcome or a notification.
type reply struct {
	ID           json.RawMessage `json:"id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *replyError     `json:"error,omitempty"`
	Notification string          `json:"notification,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
}

type replyError struct {
	Kind    string          `json:"kind"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// host relays stdin requests to the client and writes outcomes to stdout.
// Calls run concurrently, so replies may arrive out of order.
type host struct {
	client caller
	mu     sync.Mutex
	out    *json.Encoder
	wg     sync.WaitGroup
	seq    atomic.Int64
}

func newHost(c caller, w io.Writer) *host {
	return &host{client: c, out: json.NewEncoder(w)}
}

// serve reads requests until r is exhausted and waits for in-flight calls.
func (h *host) serve(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		n := h.seq.Add(1)
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			h.write(reply{ID: seqID(n), Error: &replyError{Kind: "request", Message: err.Error()}})
			continue
		}
		id := req.ID
		if len(id) == 0 {
			id = seqID(n)
		}
		if req.Method == "" {
			h.write(reply{ID: id, Error: &replyError{Kind: "request", Message: "missing method"}})
			continue
		}
		var opts []bridge.CallOption
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil || d <= 0 {
				h.write(reply{ID: id, Error: &replyError{Kind: "request", Message: "invalid timeout " + strconv.Quote(req.Timeout)}})
				continue
			}
			opts = append(opts, bridge.WithTimeout(d))
		}
		var params any
		if len(req.Params) > 0 {
			params = req.Params
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			res, err := h.client.Call(ctx, req.Method, params, opts...)
			if err != nil {
				h.write(reply{ID: id, Error: describe(err)})
				return
			}
			if len(res) == 0 {
				res = json.RawMessage("null")
			}
			h.write(reply{ID: id, Result: res})
		}()
	}
	h.wg.Wait()
	return sc.Err()
}

// notification prints a worker notification.
func (h *host) notification(method string, params json.RawMessage) {
	h.write(reply{Notification: method, Params: params})
}

func (h *host) write(r reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.out.Encode(r)
}

func seqID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

func describe(err error) *replyError {
	e := &replyError{Kind: "error", Message: err.Error()}
	var we *wire.Error
	switch {
	case errors.As(err, &we):
		e.Kind, e.Code, e.Message, e.Data = "worker", we.Code, we.Message, we.Data
	case errors.Is(err, bridge.ErrTimeout):
		e.Kind = "timeout"
	case errors.Is(err, bridge.ErrCanceled):
		e.Kind = "canceled"
	case errors.Is(err, bridge.ErrReconnectExhausted):
		e.Kind = "exhausted"
	case errors.Is(err, bridge.ErrRetriesExhausted), bridge.IsTransport(err):
		e.Kind = "transport"
	}
	return e
}
