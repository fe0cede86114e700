package bridge

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
)

// DefaultCallTimeout applies to methods that match no rule.
const DefaultCallTimeout = 30 * time.Second

// TimeoutRule assigns a timeout to every method matching Pattern.
// Patterns use '.' and '/' as separators: "*" stays within a segment, "**" crosses them.
type TimeoutRule struct {
	Pattern string        `yaml:"pattern" toml:"pattern"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

type compiledRule struct {
	pattern string
	g       glob.Glob
	timeout time.Duration
}

// Timeouts resolves a per-method timeout. The first matching rule wins.
type Timeouts struct {
	def   time.Duration
	rules []compiledRule
}

// DefaultTimeoutRules covers health checks, introspection and long running queries.
var DefaultTimeoutRules = []TimeoutRule{
	{Pattern: "ping", Timeout: 5 * time.Second},
	{Pattern: "*.ping", Timeout: 5 * time.Second},
	{Pattern: "schema.**", Timeout: 180 * time.Second},
	{Pattern: "metadata.**", Timeout: 180 * time.Second},
	{Pattern: "query.**", Timeout: 300 * time.Second},
	{Pattern: "*.stream", Timeout: 300 * time.Second},
}

// NewTimeouts compiles rules. A non-positive def means DefaultCallTimeout.
func NewTimeouts(def time.Duration, rules ...TimeoutRule) (*Timeouts, error) {
	if def <= 0 {
		def = DefaultCallTimeout
	}
	t := &Timeouts{def: def}
	for _, r := range rules {
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("timeout rule %q: timeout must be positive", r.Pattern)
		}
		g, err := glob.Compile(r.Pattern, '.', '/')
		if err != nil {
			return nil, fmt.Errorf("timeout rule %q: %w", r.Pattern, err)
		}
		t.rules = append(t.rules, compiledRule{pattern: r.Pattern, g: g, timeout: r.Timeout})
	}
	return t, nil
}

// DefaultTimeouts returns DefaultCallTimeout with DefaultTimeoutRules.
func DefaultTimeouts() *Timeouts {
	t, err := NewTimeouts(DefaultCallTimeout, DefaultTimeoutRules...)
	if err != nil {
		panic(err)
	}
	return t
}

// For returns the timeout for method.
func (t *Timeouts) For(method string) time.Duration {
	if t == nil {
		return DefaultCallTimeout
	}
	for _, r := range t.rules {
		if r.g.Match(method) {
			return r.timeout
		}
	}
	return t.def
}
