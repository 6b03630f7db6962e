// Package store provides persistence for workflow process state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the layout version written with every record.
// Records written by a newer layout are rejected on load.
const SchemaVersion = 1

var (
	// ErrConflict indicates that a save was rejected because the stored
	// version no longer matches the version the caller loaded.
	ErrConflict = errors.New("version conflict")

	// ErrUnavailable indicates a transport or disk failure in the backend.
	ErrUnavailable = errors.New("store unavailable")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = fmt.Errorf("%w: store is closed", ErrUnavailable)

	// ErrIncompatibleSchema indicates a record written by a newer layout.
	ErrIncompatibleSchema = errors.New("incompatible record schema")
)

// Record is the persisted envelope around a process state.
//
// Version is 0 for a process that has never been saved. Each successful
// Save increments it by one.
type Record[S any] struct {
	ProcessID     string    `json:"process_id"`
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	State         S         `json:"state"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Exists reports whether the record was loaded from the backend.
func (r Record[S]) Exists() bool {
	return r.Version > 0
}

// Store persists one state record per process id.
//
// Implementations must be safe for concurrent use across process ids and
// must make Save atomic: a subsequent Load observes either the previous
// record or the new one, never a mix.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type Store[S any] interface {
	// Load returns the record for processID. A missing record is not an
	// error: Load returns a zero Record with Version 0.
	Load(ctx context.Context, processID string) (Record[S], error)

	// Save replaces the record for processID if its current version equals
	// expected (0 means the record must not exist yet). It returns the new
	// version, ErrConflict on mismatch, or an error wrapping ErrUnavailable.
	Save(ctx context.Context, processID string, state S, expected int64) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// conflict builds the error returned when an optimistic save loses a race.
func conflict(processID string, expected int64) error {
	return fmt.Errorf("%w: process %s is no longer at version %d", ErrConflict, processID, expected)
}

// unavailable wraps a backend failure so callers can match ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrUnavailable, op, err)
}

// envelope is the serialized form shared by the key-value backends.
type envelope struct {
	Version       int64           `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	State         json.RawMessage `json:"state"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func checkSchema(processID string, version int) error {
	if version > SchemaVersion {
		return fmt.Errorf("%w: process %s has schema %d, this build reads up to %d",
			ErrIncompatibleSchema, processID, version, SchemaVersion)
	}
	return nil
}

func decodeState[S any](processID string, version int64, schema int, data []byte, updated time.Time) (Record[S], error) {
	if err := checkSchema(processID, schema); err != nil {
		return Record[S]{}, err
	}
	var state S
	if err := json.Unmarshal(data, &state); err != nil {
		return Record[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return Record[S]{
		ProcessID:     processID,
		Version:       version,
		SchemaVersion: schema,
		State:         state,
		UpdatedAt:     updated,
	}, nil
}
