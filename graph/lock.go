package graph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker coordinates access to a process across engine replicas.
// store.RedisLocker implements it.
type Locker interface {
	// Lock blocks until key is held, ctx ends or acquisition fails. The
	// returned func releases the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// lockEntry is a per-process semaphore with a reference count, so idle
// entries can be dropped from the table. Holding the lock means owning the
// single slot of sem.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *keyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// withLock runs fn while holding the process lock. Waiting for the lock
// ends early when ctx does.
func (e *Engine) withLock(ctx context.Context, processID string, fn func(context.Context) error) error {
	entry := e.locks.acquire(processID)
	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		e.locks.release(processID)
		return &Error{
			Kind:      KindConcurrentModification,
			ProcessID: processID,
			Message:   "process is locked by another invocation",
			Cause:     ctx.Err(),
		}
	}
	defer func() {
		<-entry.sem
		e.locks.release(processID)
	}()

	if e.cfg.locker != nil {
		unlock, err := e.cfg.locker.Lock(ctx, processID, e.cfg.lockTTL)
		if err != nil {
			lockErr := &Error{
				Kind:      KindStorageUnavailable,
				ProcessID: processID,
				Message:   "lock service unavailable",
				Cause:     fmt.Errorf("failed to acquire distributed lock: %w", err),
			}
			if ctx.Err() != nil {
				lockErr.Kind = KindConcurrentModification
				lockErr.Message = "process is locked by another invocation"
			}
			return lockErr
		}
		defer func() {
			// The invocation ctx may be done; release on a fresh one.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				e.cfg.emitter.Emit(lockReleaseFailed(processID, err))
			}
		}()
	}

	return fn(ctx)
}
