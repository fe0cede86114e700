package bridge

import (
	"sync"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateHealthy
	StateDegraded
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateUninitialized; st <= StateFailed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StateUninitialized, false
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	From     State
	To       State
	Attempts int
	Reason   error
	At       time.Time
}

type listener struct {
	id uint64
	fn func(StateChange)
}

type listeners struct {
	mu   sync.Mutex
	next uint64
	list []listener
}

func (l *listeners) add(fn func(StateChange)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.list = append(l.list, listener{id: id, fn: fn})
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.list {
				if e.id == id {
					l.list = append(l.list[:i:i], l.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners) snapshot() []listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]listener(nil), l.list...)
}
