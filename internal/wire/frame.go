// Package wire encodes outbound requests and decodes inbound frames exchanged
// with the worker. Frames are newline-delimited JSON-RPC 2.0 objects.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Kind enumerates the inbound frame kinds a client can receive.
type Kind int

const (
	KindResponse Kind = iota + 1
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Frame is a decoded inbound message. Responses carry ID and exactly one of
// Result or Error; notifications carry Method and Params.
type Frame struct {
	Kind   Kind
	ID     int64
	Result json.RawMessage
	Error  *Error
	Method string
	Params json.RawMessage
}

// Error is an application-level error reported by the worker.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed frame")

// DecodeError describes inbound data that is neither a response nor a notification.
type DecodeError struct {
	Reason string
	Line   []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// envelope keeps every field raw so presence can be told apart from zero values.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Encode serializes a request frame without the trailing newline.
func Encode(id int64, method string, params any) ([]byte, error) {
	if method == "" {
		return nil, errors.New("encode: empty method")
	}
	req := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Method:  method,
		Params:  params,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return b, nil
}

// Decode parses one inbound line. Any error it returns is a *DecodeError.
func Decode(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Frame{}, &DecodeError{Reason: "empty line"}
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Frame{}, &DecodeError{Reason: err.Error(), Line: line}
	}

	hasID := present(env.ID)
	hasResult := env.Result != nil
	hasError := present(env.Error)

	switch {
	case hasID && env.Method == nil && (hasResult || hasError):
		id, err := parseID(env.ID)
		if err != nil {
			return Frame{}, &DecodeError{Reason: err.Error(), Line: line}
		}
		f := Frame{Kind: KindResponse, ID: id}
		if hasError {
			var werr Error
			if err := json.Unmarshal(env.Error, &werr); err != nil {
				return Frame{}, &DecodeError{Reason: "error member: " + err.Error(), Line: line}
			}
			f.Error = &werr
			return f, nil
		}
		f.Result = env.Result
		return f, nil
	case !hasID && env.Method != nil && *env.Method != "":
		return Frame{Kind: KindNotification, Method: *env.Method, Params: env.Params}, nil
	case hasID && env.Method != nil:
		return Frame{}, &DecodeError{Reason: "unexpected request from worker", Line: line}
	default:
		return Frame{}, &DecodeError{Reason: "neither response nor notification", Line: line}
	}
}

func present(raw json.RawMessage) bool {
	return raw != nil && !bytes.Equal(raw, []byte("null"))
}

// parseID accepts numeric ids and numeric strings; the client only ever issues integers.
func parseID(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id, nil
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unsupported id %s", raw)
}
