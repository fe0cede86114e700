// Package statestore persists the bridge's connection state so that other
// processes can observe it.
package statestore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
)

// Snapshot is the last recorded connection state of one client.
type Snapshot struct {
	Client    string    `json:"client"`
	State     string    `json:"state"`
	Previous  string    `json:"previous,omitempty"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Store defines how snapshots are persisted. Implementations may keep them in
// memory or in an external service such as Redis.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

// memoryStore implements Store using an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "uninitialized".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(Snapshot{State: bridge.StateUninitialized.String()})
	return ms
}

func (m *memoryStore) Load(context.Context) (Snapshot, error) {
	if s, ok := m.v.Load().(Snapshot); ok {
		return s, nil
	}
	return Snapshot{State: "unknown"}, nil
}

func (m *memoryStore) Save(_ context.Context, s Snapshot) error {
	m.v.Store(s)
	return nil
}

// Recorder returns a state listener that saves every transition to s.
func Recorder(s Store, client string, log zerolog.Logger) func(bridge.StateChange) {
	return func(ch bridge.StateChange) {
		snap := Snapshot{
			Client:    client,
			State:     ch.To.String(),
			Previous:  ch.From.String(),
			Attempts:  ch.Attempts,
			ChangedAt: ch.At.UTC(),
		}
		if ch.Reason != nil {
			snap.Reason = ch.Reason.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Save(ctx, snap); err != nil {
			log.Warn().Err(err).Str("state", snap.State).Msg("failed to record connection state")
		}
	}
}
