package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S].
//
// States are stored in serialized form, so callers never share memory with
// a persisted record. Designed for:
//   - Testing and development
//   - Single-process deployments where restarts may discard state
//
// MemStore is thread-safe and supports concurrent access.
type MemStore[S any] struct {
	mu      sync.RWMutex
	records map[string]envelope
	closed  bool
	now     func() time.Time
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[graph.ProcessState]()
//	engine, err := graph.New(st)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		records: make(map[string]envelope),
		now:     time.Now,
	}
}

// Load implements Store.
func (m *MemStore[S]) Load(_ context.Context, processID string) (Record[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record[S]{}, ErrClosed
	}

	env, ok := m.records[processID]
	if !ok {
		return Record[S]{ProcessID: processID}, nil
	}
	return decodeState[S](processID, env.Version, env.SchemaVersion, env.State, env.UpdatedAt)
}

// Save implements Store.
func (m *MemStore[S]) Save(_ context.Context, processID string, state S, expected int64) (int64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	current := m.records[processID].Version
	if current != expected {
		return 0, conflict(processID, expected)
	}

	next := expected + 1
	m.records[processID] = envelope{
		Version:       next,
		SchemaVersion: SchemaVersion,
		State:         data,
		UpdatedAt:     m.now().UTC(),
	}
	return next, nil
}

// Len returns the number of stored processes.
func (m *MemStore[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Store. Double-close is a no-op.
func (m *MemStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
