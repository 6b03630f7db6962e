package graph

import (
	"errors"
	"time"

	"github.com/dshills/minutegraph/graph/emit"
)

// DefaultMaxSteps bounds the steps of one invocation. The longest legal
// pass, read_input through critique, takes three.
const DefaultMaxSteps = 16

// DefaultLockTTL is how long a distributed process lock is held before it
// expires on its own.
const DefaultLockTTL = 2 * time.Minute

// Option configures an Engine.
//
//	engine, err := graph.New(st,
//	    graph.WithMaxSteps(8),
//	    graph.WithStepTimeout(2*time.Minute),
//	    graph.WithEmitter(emit.NewSlogEmitter(logger)),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	maxSteps    int
	stepTimeout time.Duration
	emitter     emit.Emitter
	metrics     *PrometheusMetrics
	locker      Locker
	lockTTL     time.Duration
	now         func() time.Time
}

func defaultConfig() engineConfig {
	return engineConfig{
		maxSteps: DefaultMaxSteps,
		emitter:  emit.NewNullEmitter(),
		lockTTL:  DefaultLockTTL,
		now:      time.Now,
	}
}

// WithMaxSteps limits the steps executed by a single invocation.
// Exceeding it fails the invocation with code MAX_STEPS_EXCEEDED.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return errors.New("max steps must be positive")
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithStepTimeout bounds each step's collaborator calls. Zero disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("step timeout cannot be negative")
		}
		cfg.stepTimeout = d
		return nil
	}
}

// WithEmitter sets the event receiver. Defaults to a NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return errors.New("emitter cannot be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLocker serializes invocations of a process across engine replicas.
// The in-process lock is always taken first.
func WithLocker(l Locker) Option {
	return func(cfg *engineConfig) error {
		cfg.locker = l
		return nil
	}
}

// WithLockTTL sets the distributed lock expiry. It should exceed the
// longest expected invocation.
func WithLockTTL(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return errors.New("lock TTL must be positive")
		}
		cfg.lockTTL = d
		return nil
	}
}

// WithClock replaces time.Now for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}
