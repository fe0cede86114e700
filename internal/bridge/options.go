package bridge

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/reconnect"
)

// Options tunes a Client. Zero values take the defaults listed per field.
type Options struct {
	// Logger defaults to logx.Log at construction time.
	Logger *zerolog.Logger

	// ProbeMethod is the lightweight health request. Default "ping".
	ProbeMethod string
	ProbeParams any
	// ProbeTimeout bounds each probe. Default 5s.
	ProbeTimeout time.Duration

	// ProbePeriod is the health monitor tick. Default 30s.
	ProbePeriod time.Duration
	// InactivityThreshold is the idle time after which a probe is sent. Default 60s.
	InactivityThreshold time.Duration
	// SuspendSlack is added to ProbePeriod to detect a suspend/resume gap. Default 60s.
	SuspendSlack time.Duration
	// StabilizeDelay is waited after a resume before probing. Default 2s.
	StabilizeDelay time.Duration

	// MaxAttempts bounds consecutive reconnection attempts. Default 3.
	MaxAttempts int
	// Backoff between failed attempts. Default 1s doubling to 5s.
	Backoff reconnect.Backoff
	// SettleDelay is waited after a restart before resubscribing. Default 500ms.
	SettleDelay time.Duration

	// MaxRetries is the number of retries after a transport failure. Default 2;
	// negative disables retries.
	MaxRetries int
	// RetryTimeouts also retries calls that timed out.
	RetryTimeouts bool

	// Timeouts resolves per-method call timeouts. Default DefaultTimeouts().
	Timeouts *Timeouts

	// Diagnostics, when set, receives worker diagnostic text in addition to the log.
	Diagnostics func(text string)
}

func (o Options) withDefaults() Options {
	if o.ProbeMethod == "" {
		o.ProbeMethod = "ping"
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.ProbePeriod <= 0 {
		o.ProbePeriod = 30 * time.Second
	}
	if o.InactivityThreshold <= 0 {
		o.InactivityThreshold = 60 * time.Second
	}
	if o.SuspendSlack <= 0 {
		o.SuspendSlack = 60 * time.Second
	}
	if o.StabilizeDelay <= 0 {
		o.StabilizeDelay = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = reconnect.Default
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	} else if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Timeouts == nil {
		o.Timeouts = DefaultTimeouts()
	}
	return o
}
