package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/minutegraph/graph/store"
	"github.com/dshills/minutegraph/minutes"
)

func sampleDoc(title string) *minutes.Document {
	return &minutes.Document{
		Title:     title,
		Date:      "12/03/2025",
		Attendees: []minutes.Attendee{{Name: "Alice", Position: "Chair", Role: "mover"}},
		Summary:   "Alice moved to adjourn.",
		KeyPoints: []string{"Motion to adjourn"},
	}
}

func strPtr(s string) *string { return &s }

// fakeWriter records calls and returns canned documents.
type fakeWriter struct {
	mu        sync.Mutex
	draftErr  error
	reviseErr error
	drafts    int
	revisions int
	critiques []string
	delay     time.Duration

	active    int32
	maxActive int32
}

func (w *fakeWriter) enter(ctx context.Context) error {
	n := atomic.AddInt32(&w.active, 1)
	defer atomic.AddInt32(&w.active, -1)
	for {
		peak := atomic.LoadInt32(&w.maxActive)
		if n <= peak || atomic.CompareAndSwapInt32(&w.maxActive, peak, n) {
			break
		}
	}
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *fakeWriter) Draft(ctx context.Context, transcript string, _ int) (*minutes.Document, error) {
	if err := w.enter(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drafts++
	if w.draftErr != nil {
		return nil, w.draftErr
	}
	return sampleDoc("Draft"), nil
}

func (w *fakeWriter) Revise(ctx context.Context, _, critique string, prior *minutes.Document) (*minutes.Document, error) {
	if err := w.enter(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.revisions++
	w.critiques = append(w.critiques, critique)
	if w.reviseErr != nil {
		return nil, w.reviseErr
	}
	doc := prior.Clone()
	doc.Title = prior.Title + " (revised)"
	return doc, nil
}

// fakeCritic returns the same critique every time.
type fakeCritic struct {
	reply string
	err   error
	calls int32
}

func (c *fakeCritic) Critique(context.Context, string, *minutes.Document) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.reply, c.err
}

// faultyStore fails the n-th Save. With conflict set, it first lets a
// competing writer save so the real store reports the conflict.
type faultyStore struct {
	*store.MemStore[ProcessState]

	mu       sync.Mutex
	saves    int
	failAt   int
	conflict bool
	err      error
}

func (f *faultyStore) Save(ctx context.Context, id string, s ProcessState, expected int64) (int64, error) {
	f.mu.Lock()
	f.saves++
	fail := f.failAt > 0 && f.saves == f.failAt
	f.mu.Unlock()

	if fail {
		if f.conflict {
			if _, err := f.MemStore.Save(ctx, id, ProcessState{Transcript: "competing"}, expected); err != nil {
				return 0, err
			}
		} else {
			return 0, f.err
		}
	}
	return f.MemStore.Save(ctx, id, s, expected)
}

type fixture struct {
	engine *Engine
	store  *store.MemStore[ProcessState]
	writer *fakeWriter
	critic *fakeCritic
}

func newFixture(t *testing.T, st store.Store[ProcessState], opts ...Option) *fixture {
	t.Helper()

	mem := store.NewMemStore[ProcessState]()
	if st == nil {
		st = mem
	}
	if fs, ok := st.(*faultyStore); ok {
		mem = fs.MemStore
	}

	e, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f := &fixture{engine: e, store: mem, writer: &fakeWriter{}, critic: &fakeCritic{reply: "Name who seconded."}}
	if err := NewSteps(f.writer, f.critic, nil, 100).Register(e); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return f
}

func (f *fixture) load(t *testing.T, id string) store.Record[ProcessState] {
	t.Helper()
	rec, err := f.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return rec
}

func stepsEqual(got []StepID, want ...StepID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
