package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/minutegraph/agents"
	"github.com/dshills/minutegraph/graph/emit"
	"github.com/dshills/minutegraph/graph/model"
	"github.com/dshills/minutegraph/graph/store"
	"github.com/dshills/minutegraph/minutes"
	"github.com/dshills/minutegraph/render"
)

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil store")
	}

	st := store.NewMemStore[ProcessState]()
	_, err := New(st, WithMaxSteps(0))
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "INVALID_OPTION" {
		t.Errorf("expected INVALID_OPTION, got %v", err)
	}

	e, err := New(st)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.cfg.maxSteps != DefaultMaxSteps || e.cfg.lockTTL != DefaultLockTTL {
		t.Errorf("unexpected defaults %+v", e.cfg)
	}
}

func TestAdd(t *testing.T) {
	e, _ := New(store.NewMemStore[ProcessState]())
	noop := NodeFunc(func(_ context.Context, s ProcessState) NodeResult { return NodeResult{State: s} })

	if err := e.Add("publish", noop); err == nil {
		t.Error("expected error for unknown step")
	}
	if err := e.Add(StepDraft, nil); err == nil {
		t.Error("expected error for nil node")
	}
	if err := e.Add(StepDraft, noop); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	var engErr *EngineError
	if err := e.Add(StepDraft, noop); !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_NODE" {
		t.Errorf("expected DUPLICATE_NODE, got %v", err)
	}
}

func TestInvoke_MissingNode(t *testing.T) {
	e, _ := New(store.NewMemStore[ProcessState]())
	_, err := e.Invoke(context.Background(), Request{ProcessID: "p", Transcript: strPtr("t")})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "NODE_NOT_FOUND" {
		t.Errorf("expected NODE_NOT_FOUND, got %v", err)
	}
}

func TestInvoke_GenerateSuspendsAfterCritique(t *testing.T) {
	at := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, nil, WithClock(func() time.Time { return at }))

	res, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("  Alice moved.  ")})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if !res.Suspended {
		t.Error("expected the invocation to suspend awaiting approval")
	}
	if !stepsEqual(res.Steps, StepReadInput, StepDraft, StepCritique) {
		t.Errorf("unexpected steps %v", res.Steps)
	}
	if res.Version != 2 {
		t.Errorf("expected read_input saved with the draft, then critique, version 2, got %d", res.Version)
	}
	if res.State.Transcript != "Alice moved." {
		t.Errorf("expected trimmed transcript, got %q", res.State.Transcript)
	}
	if res.State.Critique != "Name who seconded." || res.State.Approved {
		t.Errorf("unexpected review state %+v", res.State)
	}
	if res.State.LastStep != StepCritique || res.State.EntryStep != StepReadInput || res.State.Rounds != 1 {
		t.Errorf("unexpected bookkeeping %+v", res.State)
	}

	if len(res.State.History) != 2 {
		t.Fatalf("expected writer and critic messages, got %d", len(res.State.History))
	}
	for i, m := range res.State.History {
		if m.ID == "" || !m.At.Equal(at) {
			t.Errorf("message %d not stamped: %+v", i, m)
		}
	}
	if res.State.History[0].Step != StepDraft || res.State.History[1].Role != RoleCritic {
		t.Errorf("unexpected history %+v", res.State.History)
	}

	rec := f.load(t, "m-1")
	if rec.Version != res.Version || rec.State.Critique != res.State.Critique {
		t.Errorf("returned state differs from persisted record")
	}
}

func TestInvoke_AliceBobScenario(t *testing.T) {
	const transcript = "Alice moved to adjourn. Bob seconded."
	draft := `{"minutes": {
		"title": "Board meeting",
		"date": "12/03/2025",
		"attendees": [
			{"name": "Alice", "position": "Member", "role": "mover"},
			{"name": "Bob", "position": "Member", "role": "seconder"}
		],
		"summary": "Alice moved to adjourn and Bob seconded.",
		"takeaways": ["Motion to adjourn carried"],
		"conclusions": ["The meeting was adjourned"],
		"next_meeting": [],
		"tasks": [],
		"message_to_critique": ""
	}}`

	writerModel := model.NewMockChatModel(draft)
	criticModel := model.NewMockChatModel("None")
	cfg := agents.Config{Language: "English"}

	e, err := New(store.NewMemStore[ProcessState]())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	steps := NewSteps(agents.NewWriter(writerModel, cfg), agents.NewCritic(criticModel, cfg), render.NewMarkdown(render.English), 100)
	if err := steps.Register(e); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	res, err := e.Invoke(ctx, Request{ProcessID: "board", Transcript: strPtr(transcript)})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if res.State.Draft == nil || len(res.State.Draft.Tasks) != 0 {
		t.Fatalf("expected a draft with no tasks, got %+v", res.State.Draft)
	}
	if minutes.HasIssues(res.State.Critique) {
		t.Fatalf("expected no issues, got %q", res.State.Critique)
	}
	if !res.Suspended || res.State.Approved {
		t.Fatal("expected to await approval")
	}

	res, err = e.Invoke(ctx, Request{ProcessID: "board", EntryStep: StepRecordApproval})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if res.Suspended || !stepsEqual(res.Steps, StepRecordApproval, StepRenderOutput) {
		t.Errorf("unexpected approval pass: suspended=%v steps=%v", res.Suspended, res.Steps)
	}
	if !res.State.Approved {
		t.Error("expected approved")
	}

	out := res.State.RenderedOutput
	for _, want := range []string{"Alice", "Bob", render.English.None} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered output missing %q:\n%s", want, out)
		}
	}
	if writerModel.CallCount() != 1 || criticModel.CallCount() != 1 {
		t.Errorf("approval must not call the models again: writer=%d critic=%d", writerModel.CallCount(), criticModel.CallCount())
	}
}

func TestInvoke_ResumeRevision(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	res, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Critique: strPtr("Add the vote count"), EntryStep: StepRevise})
	if err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	if !stepsEqual(res.Steps, StepRevise, StepCritique) || !res.Suspended {
		t.Errorf("unexpected revision pass: steps=%v suspended=%v", res.Steps, res.Suspended)
	}
	if f.writer.drafts != 1 || f.writer.revisions != 1 {
		t.Errorf("expected one draft and one revision, got %d and %d", f.writer.drafts, f.writer.revisions)
	}
	if got := f.writer.critiques; len(got) != 1 || got[0] != "Add the vote count" {
		t.Errorf("revision should see the caller's critique, got %v", got)
	}
	if res.State.Draft.Title != "Draft (revised)" {
		t.Errorf("revision should start from the persisted draft, got %q", res.State.Draft.Title)
	}
	if res.State.Rounds != 2 {
		t.Errorf("expected two critique rounds, got %d", res.State.Rounds)
	}
}

func TestInvoke_EntryDraftWithCritiqueRevises(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.engine.Invoke(context.Background(), Request{
		ProcessID:  "m-1",
		Transcript: strPtr("t"),
		Draft:      sampleDoc("Supplied"),
		Critique:   strPtr("Name the mover"),
		EntryStep:  StepDraft,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Steps[0] != StepRevise || res.State.EntryStep != StepRevise {
		t.Errorf("expected entry to resolve to revise, got %v", res.Steps)
	}
	if f.writer.drafts != 0 {
		t.Error("supplied draft must not be redrafted")
	}
	if res.State.Draft.Title != "Supplied (revised)" {
		t.Errorf("unexpected title %q", res.State.Draft.Title)
	}
}

func TestInvoke_EntryDraftWithoutIssuesDrafts(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.engine.Invoke(context.Background(), Request{
		ProcessID:  "m-1",
		Transcript: strPtr("t"),
		Critique:   strPtr("None"),
		EntryStep:  StepDraft,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !stepsEqual(res.Steps, StepDraft, StepCritique) {
		t.Errorf("unexpected steps %v", res.Steps)
	}
}

func TestInvoke_DraftFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.writer.draftErr = fmt.Errorf("model output: %w", minutes.ErrUnparsable)

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t"), EntryStep: StepDraft})
	if !IsKind(err, KindDraftingFailed) {
		t.Fatalf("expected DraftingFailed, got %v", err)
	}
	var wfErr *Error
	if errors.As(err, &wfErr) {
		if wfErr.ProcessID != "m-1" || wfErr.Step != StepDraft || !wfErr.Retryable() {
			t.Errorf("unexpected error details %+v", wfErr)
		}
	}
	if f.store.Len() != 0 {
		t.Error("a failed first step must not persist anything")
	}
}

func TestInvoke_DefaultEntryDraftFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.writer.draftErr = errors.New("model unavailable")

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("  t  ")})
	if !IsKind(err, KindDraftingFailed) {
		t.Fatalf("expected DraftingFailed, got %v", err)
	}
	if rec := f.load(t, "m-1"); rec.Version != 0 || f.store.Len() != 0 {
		t.Errorf("read_input must not be saved when the draft fails, got version %d", rec.Version)
	}
}

func TestInvoke_FailedRegenerateKeepsApprovedMinutes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", EntryStep: StepRecordApproval}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	before := f.load(t, "m-1")
	if !before.State.Approved || before.State.RenderedOutput == "" {
		t.Fatalf("expected approved and rendered minutes, got %+v", before.State)
	}

	f.writer.draftErr = errors.New("model unavailable")
	_, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("new transcript")})
	if !IsKind(err, KindDraftingFailed) {
		t.Fatalf("expected DraftingFailed, got %v", err)
	}

	after := f.load(t, "m-1")
	if after.Version != before.Version || !reflect.DeepEqual(after.State, before.State) {
		t.Errorf("failed regenerate changed the record:\nbefore v%d %+v\n after v%d %+v",
			before.Version, before.State, after.Version, after.State)
	}
}

func TestInvoke_FailureKeepsEarlierSteps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	before := f.load(t, "m-1")

	f.critic.err = errors.New("critic offline")
	_, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("second transcript")})
	if !IsKind(err, KindCritiqueFailed) {
		t.Fatalf("expected CritiqueFailed, got %v", err)
	}

	after := f.load(t, "m-1")
	if after.Version != before.Version+1 {
		t.Errorf("read_input and draft should be persisted in one save, version %d -> %d", before.Version, after.Version)
	}
	if after.State.LastStep != StepDraft || after.State.Critique != "" {
		t.Errorf("critique failure must leave the drafted state, got %+v", after.State)
	}
}

func TestInvoke_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty id", Request{Transcript: strPtr("t")}},
		{"whitespace id", Request{ProcessID: "a b", Transcript: strPtr("t")}},
		{"unknown entry", Request{ProcessID: "p", Transcript: strPtr("t"), EntryStep: "publish"}},
		{"missing transcript", Request{ProcessID: "p"}},
		{"blank transcript", Request{ProcessID: "p", Transcript: strPtr("   ")}},
		{"critique without draft", Request{ProcessID: "p", EntryStep: StepCritique}},
		{"revise without issues", Request{ProcessID: "p", Draft: sampleDoc("x"), Critique: strPtr("None"), EntryStep: StepRevise}},
		{"empty supplied draft", Request{ProcessID: "p", Draft: &minutes.Document{}, EntryStep: StepRecordApproval}},
		{"approval without draft", Request{ProcessID: "p", EntryStep: StepRecordApproval}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Invoke(context.Background(), tt.req)
			if !IsKind(err, KindInvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
			var wfErr *Error
			if errors.As(err, &wfErr) && wfErr.Retryable() {
				t.Error("InvalidInput must not be retryable")
			}
		})
	}

	if f.store.Len() != 0 {
		t.Error("invalid requests must not persist anything")
	}
	if f.writer.drafts != 0 || f.writer.revisions != 0 {
		t.Error("invalid requests must not reach collaborators")
	}
}

func TestInvoke_ApprovalWithSuppliedDraft(t *testing.T) {
	f := newFixture(t, nil)
	doc := sampleDoc("Supplied")

	res, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Draft: doc, EntryStep: StepRecordApproval})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if !strings.Contains(res.State.RenderedOutput, "# Supplied") {
		t.Errorf("expected the supplied draft to be rendered, got %q", res.State.RenderedOutput)
	}

	doc.Title = "mutated"
	if rec := f.load(t, "m-1"); rec.State.Draft.Title != "Supplied" {
		t.Error("engine must not retain the caller's document")
	}
}

func TestInvoke_ApprovalOfIncompleteDraft(t *testing.T) {
	f := newFixture(t, nil)
	doc := sampleDoc("x")
	doc.Summary = ""

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Draft: doc, EntryStep: StepRecordApproval})
	if !IsKind(err, KindRenderFailed) {
		t.Fatalf("expected RenderFailed, got %v", err)
	}

	rec := f.load(t, "m-1")
	if !rec.State.Approved || rec.State.RenderedOutput != "" {
		t.Errorf("approval persists but no partial output may be stored, got %+v", rec.State)
	}
}

func TestInvoke_ApprovalOfUnknownProcess(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "typo-id", EntryStep: StepRecordApproval})
	if !IsKind(err, KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	var wfErr *Error
	if !errors.As(err, &wfErr) || wfErr.ProcessID != "typo-id" || wfErr.Step != StepRecordApproval {
		t.Errorf("unexpected error details %+v", wfErr)
	}
	if res, err := f.engine.Get(context.Background(), "typo-id"); err != nil || res.Version != 0 {
		t.Errorf("approving an unknown process must not create it, got %+v, %v", res, err)
	}
}

func TestInvoke_RenderEntryRequiresApproval(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	_, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", EntryStep: StepRenderOutput})
	if !IsKind(err, KindRenderFailed) {
		t.Fatalf("expected RenderFailed, got %v", err)
	}
	if rec := f.load(t, "m-1"); rec.State.RenderedOutput != "" {
		t.Error("unapproved minutes must not be rendered")
	}
}

func TestInvoke_NewTranscriptStartsNewRound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", EntryStep: StepRecordApproval}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	res, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("second meeting")})
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	if res.State.Approved || res.State.RenderedOutput != "" {
		t.Errorf("new round must clear approval, got %+v", res.State)
	}
	if len(res.State.History) <= 2 {
		t.Error("history must be kept across rounds")
	}
}

func TestInvoke_SaveConflict(t *testing.T) {
	st := &faultyStore{MemStore: store.NewMemStore[ProcessState](), failAt: 1, conflict: true}
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	f := newFixture(t, st, WithMetrics(metrics))

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")})
	if !IsKind(err, KindConcurrentModification) {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict cause, got %v", err)
	}

	if rec := f.load(t, "m-1"); rec.State.Transcript != "competing" {
		t.Errorf("the competing write must win, got %+v", rec.State)
	}
	if got := testutil.ToFloat64(metrics.conflicts.WithLabelValues(string(StepDraft))); got != 1 {
		t.Errorf("expected one conflict recorded, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.invocations.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Errorf("expected one failed invocation, got %v", got)
	}
}

func TestInvoke_SaveUnavailable(t *testing.T) {
	st := &faultyStore{
		MemStore: store.NewMemStore[ProcessState](),
		failAt:   1,
		err:      fmt.Errorf("%w: connection refused", store.ErrUnavailable),
	}
	f := newFixture(t, st)

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")})
	if !IsKind(err, KindStorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
	var wfErr *Error
	if !errors.As(err, &wfErr) || wfErr.Step != StepDraft || !wfErr.Retryable() {
		t.Errorf("unexpected error details %+v", wfErr)
	}

	if rec := f.load(t, "m-1"); rec.Version != 0 {
		t.Errorf("nothing should be persisted, got version %d", rec.Version)
	}
}

func TestInvoke_ClosedStore(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.store.Close()

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")})
	if !IsKind(err, KindStorageUnavailable) {
		t.Errorf("expected StorageUnavailable, got %v", err)
	}
	if _, err := f.engine.Get(context.Background(), "m-1"); !IsKind(err, KindStorageUnavailable) {
		t.Errorf("expected StorageUnavailable from Get, got %v", err)
	}
}

func TestInvoke_SameProcessSerializes(t *testing.T) {
	f := newFixture(t, nil)
	f.writer.delay = 5 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "shared", Transcript: strPtr(fmt.Sprintf("meeting %d", i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("invocation failed: %v", err)
		}
	}
	if f.writer.maxActive != 1 {
		t.Errorf("expected one drafting call at a time, saw %d", f.writer.maxActive)
	}
	if rec := f.load(t, "shared"); rec.Version != 2*n {
		t.Errorf("expected version %d, got %d", 2*n, rec.Version)
	}
	if size := f.engine.locks.size(); size != 0 {
		t.Errorf("expected idle lock entries to be released, %d remain", size)
	}
}

func TestInvoke_DifferentProcessesRunConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	f.writer.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m-%d", i)
			if _, err := f.engine.Invoke(context.Background(), Request{ProcessID: id, Transcript: strPtr("t")}); err != nil {
				t.Errorf("invoke %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if f.store.Len() != 4 {
		t.Errorf("expected 4 processes, got %d", f.store.Len())
	}
	if f.writer.maxActive < 2 {
		t.Errorf("expected drafting to overlap across processes, max active %d", f.writer.maxActive)
	}
}

func TestInvoke_StepTimeout(t *testing.T) {
	f := newFixture(t, nil, WithStepTimeout(10*time.Millisecond))
	f.writer.delay = time.Second

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t"), EntryStep: StepDraft})
	if !IsKind(err, KindDraftingFailed) {
		t.Fatalf("expected DraftingFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline cause, got %v", err)
	}
}

func TestInvoke_Cancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if f.store.Len() != 0 {
		t.Error("cancelled invocation must not persist")
	}
}

func TestInvoke_MaxSteps(t *testing.T) {
	f := newFixture(t, nil, WithMaxSteps(2))

	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "MAX_STEPS_EXCEEDED" {
		t.Fatalf("expected MAX_STEPS_EXCEEDED, got %v", err)
	}
}

func TestInvoke_Events(t *testing.T) {
	events := emit.NewBufferedEmitter()
	f := newFixture(t, nil, WithEmitter(events))

	if _, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	history := events.History("m-1")
	var msgs []string
	for _, ev := range history {
		msgs = append(msgs, ev.Msg)
	}
	want := []string{
		emit.MsgInvocationStarted,
		emit.MsgStepCompleted,
		emit.MsgStepCompleted,
		emit.MsgStepCompleted,
		emit.MsgInvocationSuspended,
	}
	if strings.Join(msgs, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected events %v", msgs)
	}

	critique := events.HistoryWithFilter("m-1", emit.HistoryFilter{StepID: string(StepCritique)})
	if len(critique) != 1 || critique[0].Step != 3 || critique[0].Meta["version"] != int64(2) {
		t.Errorf("unexpected critique event %+v", critique)
	}

	f.critic.err = errors.New("offline")
	_, _ = f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", EntryStep: StepCritique})
	failed := events.HistoryWithFilter("m-1", emit.HistoryFilter{Msg: emit.MsgStepFailed})
	if len(failed) != 1 || failed[0].Meta["kind"] != string(KindCritiqueFailed) || failed[0].Err() == "" {
		t.Errorf("unexpected failure events %+v", failed)
	}
}

func TestInvoke_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	f := newFixture(t, nil, WithMetrics(metrics))
	ctx := context.Background()

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", EntryStep: StepRecordApproval}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	f.writer.draftErr = errors.New("boom")
	_, _ = f.engine.Invoke(ctx, Request{ProcessID: "m-2", Transcript: strPtr("t")})

	if got := testutil.ToFloat64(metrics.invocations.WithLabelValues(OutcomeSuspended)); got != 1 {
		t.Errorf("suspended = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.invocations.WithLabelValues(OutcomeCompleted)); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.stepFailures.WithLabelValues(string(StepDraft), string(KindDraftingFailed))); got != 1 {
		t.Errorf("draft failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.inflight); got != 0 {
		t.Errorf("inflight = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(metrics.stepLatency); n == 0 {
		t.Error("expected step latency observations")
	}

	metrics.Disable()
	_, _ = f.engine.Invoke(ctx, Request{ProcessID: "m-3", Transcript: strPtr("t")})
	if got := testutil.ToFloat64(metrics.invocations.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Errorf("disabled metrics must not record, failed = %v", got)
	}
}

type fakeLocker struct {
	mu      sync.Mutex
	err     error
	keys    []string
	ttl     time.Duration
	unlocks int
}

func (l *fakeLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	l.ttl = ttl
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.unlocks++
		return nil
	}, nil
}

func TestInvoke_DistributedLocker(t *testing.T) {
	locker := &fakeLocker{}
	f := newFixture(t, nil, WithLocker(locker), WithLockTTL(time.Minute))

	if _, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(locker.keys) != 1 || locker.keys[0] != "m-1" || locker.ttl != time.Minute {
		t.Errorf("unexpected lock calls %v ttl %v", locker.keys, locker.ttl)
	}
	if locker.unlocks != 1 {
		t.Errorf("expected lock release, got %d", locker.unlocks)
	}

	locker.err = errors.New("redis: connection refused")
	_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")})
	if !IsKind(err, KindStorageUnavailable) {
		t.Errorf("expected StorageUnavailable when the lock service fails, got %v", err)
	}
}

func TestInvoke_CancelWhileWaitingForLock(t *testing.T) {
	f := newFixture(t, nil)
	f.writer.delay = 500 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Invoke(context.Background(), Request{ProcessID: "m-1", Transcript: strPtr("t")})
		done <- err
	}()
	for atomic.LoadInt32(&f.writer.active) == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	began := time.Now()
	_, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")})
	if waited := time.Since(began); waited > 250*time.Millisecond {
		t.Errorf("cancelled waiter blocked for %v", waited)
	}
	if !IsKind(err, KindConcurrentModification) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected ConcurrentModification caused by the deadline, got %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("lock holder failed: %v", err)
	}
	if size := f.engine.locks.size(); size != 0 {
		t.Errorf("expected idle lock entries to be released, %d remain", size)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.Get(ctx, "unknown")
	if err != nil || res.Version != 0 {
		t.Fatalf("expected empty result for unknown process, got %+v, %v", res, err)
	}

	if _, err := f.engine.Invoke(ctx, Request{ProcessID: "m-1", Transcript: strPtr("t")}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	res, err = f.engine.Get(ctx, "m-1")
	if err != nil || res.Version != 2 || res.State.Draft == nil {
		t.Errorf("unexpected Get result %+v, %v", res, err)
	}

	if _, err := f.engine.Get(ctx, ""); !IsKind(err, KindInvalidInput) {
		t.Errorf("expected InvalidInput for empty id, got %v", err)
	}
}
