package bridge

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// NotificationHandler receives one notification's method and raw params.
type NotificationHandler func(method string, params json.RawMessage)

type subscription struct {
	id    uint64
	match func(method string) bool
	fn    NotificationHandler
}

// Router fans out notifications to subscribers. Delivery is synchronous and
// in arrival order; a panicking handler is logged and does not affect others.
type Router struct {
	mu       sync.RWMutex
	next     uint64
	byMethod map[string][]subscription
	matchers []subscription
	log      zerolog.Logger
}

// NewRouter returns an empty router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{byMethod: make(map[string][]subscription), log: log}
}

// Subscribe registers fn for notifications whose method equals method.
func (r *Router) Subscribe(method string, fn NotificationHandler) (unsubscribe func()) {
	r.mu.Lock()
	r.next++
	id := r.next
	r.byMethod[method] = append(r.byMethod[method], subscription{id: id, fn: fn})
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := remove(r.byMethod[method], id)
			if len(subs) == 0 {
				delete(r.byMethod, method)
				return
			}
			r.byMethod[method] = subs
		})
	}
}

// SubscribeMatching registers fn for every notification whose method satisfies match.
func (r *Router) SubscribeMatching(match func(method string) bool, fn NotificationHandler) (unsubscribe func()) {
	r.mu.Lock()
	r.next++
	id := r.next
	r.matchers = append(r.matchers, subscription{id: id, match: match, fn: fn})
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.matchers = remove(r.matchers, id)
			r.mu.Unlock()
		})
	}
}

// Dispatch delivers a notification and returns how many handlers received it.
func (r *Router) Dispatch(method string, params json.RawMessage) int {
	r.mu.RLock()
	targets := append([]subscription(nil), r.byMethod[method]...)
	for _, s := range r.matchers {
		if s.match(method) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range targets {
		r.invoke(s, method, params)
	}
	return len(targets)
}

func (r *Router) invoke(s subscription, method string, params json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("method", method).Str("panic", fmt.Sprint(rec)).Msg("notification handler panicked")
		}
	}()
	s.fn(method, params)
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
