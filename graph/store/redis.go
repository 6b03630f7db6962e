package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Store[S].
//
// Each process is one string key holding a JSON envelope. Saves run inside
// WATCH/MULTI, so a concurrent writer touching the same key aborts the
// transaction and the save reports ErrConflict.
type RedisStore[S any] struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisSettings)

type redisSettings struct {
	prefix string
	ttl    time.Duration
}

// WithRedisPrefix sets the key prefix for process records.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *redisSettings) {
		s.prefix = prefix
	}
}

// WithRedisTTL sets an expiration on process records. Zero keeps them forever.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *redisSettings) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore[S any](client *backend.Client, opts ...RedisOption) *RedisStore[S] {
	settings := redisSettings{prefix: "minutes:process:"}
	for _, opt := range opts {
		opt(&settings)
	}
	return &RedisStore[S]{
		client: client,
		prefix: settings.prefix,
		ttl:    settings.ttl,
		now:    time.Now,
	}
}

func (s *RedisStore[S]) key(processID string) string {
	return s.prefix + processID
}

// Load implements Store.
func (s *RedisStore[S]) Load(ctx context.Context, processID string) (Record[S], error) {
	raw, err := s.client.Get(ctx, s.key(processID)).Bytes()
	if errors.Is(err, backend.Nil) {
		return Record[S]{ProcessID: processID}, nil
	}
	if err != nil {
		return Record[S]{}, unavailable("load state", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record[S]{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return decodeState[S](processID, env.Version, env.SchemaVersion, env.State, env.UpdatedAt)
}

// Save implements Store.
func (s *RedisStore[S]) Save(ctx context.Context, processID string, state S, expected int64) (int64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal state: %w", err)
	}

	key := s.key(processID)
	next := expected + 1

	txf := func(tx *backend.Tx) error {
		current, err := s.currentVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return conflict(processID, expected)
		}

		payload, err := json.Marshal(envelope{
			Version:       next,
			SchemaVersion: SchemaVersion,
			State:         data,
			UpdatedAt:     s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrConflict):
		return 0, err
	case errors.Is(err, backend.TxFailedErr):
		return 0, conflict(processID, expected)
	default:
		return 0, unavailable("save state", err)
	}
}

func (s *RedisStore[S]) currentVersion(ctx context.Context, tx *backend.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, backend.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return env.Version, nil
}

// Ping checks the Redis connection.
func (s *RedisStore[S]) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore[S]) Close() error {
	return s.client.Close()
}
