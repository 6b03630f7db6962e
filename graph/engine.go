package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dshills/minutegraph/graph/emit"
	"github.com/dshills/minutegraph/graph/store"
	"github.com/dshills/minutegraph/minutes"
)

// maxProcessIDLen bounds process ids, which end up in storage keys.
const maxProcessIDLen = 200

// Engine runs minutes processes step by step, persisting the state after
// every successful step so a later invocation can resume where an earlier
// one stopped. read_input is saved together with the draft it feeds.
//
// An invocation makes one linear pass: from read_input, draft or revise it
// runs through critique and suspends, awaiting a human decision; entered at
// record_approval it approves and renders. Invocations for the same process
// are serialized; different processes run concurrently.
//
//	st := store.NewMemStore[graph.ProcessState]()
//	engine, _ := graph.New(st, graph.WithMaxSteps(8))
//	_ = graph.NewSteps(writer, critic, nil, 100).Register(engine)
//
//	transcript := "Alice moved to adjourn. Bob seconded."
//	res, err := engine.Invoke(ctx, graph.Request{ProcessID: "m-1", Transcript: &transcript})
//	// res.Suspended == true, res.State.Critique holds the review
//
//	res, err = engine.Invoke(ctx, graph.Request{ProcessID: "m-1", EntryStep: graph.StepRecordApproval})
//	// res.State.RenderedOutput holds the final minutes
type Engine struct {
	mu    sync.RWMutex
	nodes map[StepID]Node

	store store.Store[ProcessState]
	cfg   engineConfig
	locks *keyedMutex
}

// Request starts or resumes a process. Nil fields keep the stored values.
type Request struct {
	ProcessID string

	Transcript *string
	Draft      *minutes.Document
	Critique   *string

	// EntryStep defaults to read_input.
	EntryStep StepID
}

// Result describes the persisted outcome of an invocation.
type Result struct {
	ProcessID string
	State     ProcessState
	Version   int64

	// Suspended is true when the invocation stopped awaiting approval.
	Suspended bool

	// Steps lists the steps executed, in order.
	Steps []StepID
}

// New creates an Engine on st. Register steps with Add or Steps.Register.
func New(st store.Store[ProcessState], opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, &EngineError{Message: err.Error(), Code: "INVALID_OPTION"}
		}
	}

	return &Engine{
		nodes: make(map[StepID]Node),
		store: st,
		cfg:   cfg,
		locks: newKeyedMutex(),
	}, nil
}

// Add registers the node that implements a step.
func (e *Engine) Add(id StepID, node Node) error {
	if !id.Valid() {
		return &EngineError{Message: "unknown step: " + string(id), Code: "UNKNOWN_STEP"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[id]; exists {
		return &EngineError{Message: "duplicate step: " + string(id), Code: "DUPLICATE_NODE"}
	}
	e.nodes[id] = node
	return nil
}

func (e *Engine) node(id StepID) (Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n, ok := e.nodes[id]
	if !ok {
		return nil, &EngineError{Message: "no node registered for step: " + string(id), Code: "NODE_NOT_FOUND"}
	}
	return n, nil
}

// Invoke runs one pass of the process named by req.ProcessID.
//
// Failures are *Error values. A failing step persists nothing; steps that
// completed earlier in the same invocation stay persisted.
func (e *Engine) Invoke(ctx context.Context, req Request) (Result, error) {
	start, err := resolveEntry(req)
	if err != nil {
		return Result{}, err
	}

	e.cfg.metrics.AddInflight(1)
	defer e.cfg.metrics.AddInflight(-1)

	var res Result
	err = e.withLock(ctx, req.ProcessID, func(ctx context.Context) error {
		var runErr error
		res, runErr = e.run(ctx, req, start)
		return runErr
	})

	switch {
	case err != nil:
		e.cfg.metrics.IncrementInvocations(OutcomeFailed)
		return Result{}, err
	case res.Suspended:
		e.cfg.metrics.IncrementInvocations(OutcomeSuspended)
	default:
		e.cfg.metrics.IncrementInvocations(OutcomeCompleted)
	}
	return res, nil
}

// Get returns the stored state of a process. A process that was never
// saved has Version 0.
func (e *Engine) Get(ctx context.Context, processID string) (Result, error) {
	if err := validateProcessID(processID); err != nil {
		return Result{}, err
	}
	rec, err := e.store.Load(ctx, processID)
	if err != nil {
		return Result{}, storageError(processID, "", err)
	}
	return Result{ProcessID: processID, State: rec.State, Version: rec.Version}, nil
}

func validateProcessID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return invalidInput("process id is required")
	case len(id) > maxProcessIDLen:
		return invalidInput("process id exceeds %d bytes", maxProcessIDLen)
	case strings.ContainsAny(id, " \t\r\n"):
		return invalidInput("process id cannot contain whitespace")
	}
	return nil
}

// resolveEntry picks the first step. Entering at draft with a critique
// that has issues means revising, not redrafting.
func resolveEntry(req Request) (StepID, error) {
	if err := validateProcessID(req.ProcessID); err != nil {
		return "", err
	}

	start := req.EntryStep
	if start == "" {
		start = StepReadInput
	}
	if !start.Valid() {
		e := invalidInput("unknown entry step %q", start)
		e.ProcessID = req.ProcessID
		return "", e
	}
	if req.Draft != nil && req.Draft.IsZero() {
		e := invalidInput("supplied draft is empty")
		e.ProcessID = req.ProcessID
		return "", e
	}

	if start == StepDraft && req.Critique != nil && minutes.HasIssues(*req.Critique) {
		start = StepRevise
	}
	return start, nil
}

// merge applies caller-supplied fields over the stored state.
func merge(state ProcessState, req Request, start StepID) ProcessState {
	if req.Transcript != nil {
		state.Transcript = *req.Transcript
	}
	if req.Draft != nil {
		state.Draft = req.Draft.Clone()
		state.Approved = false
		state.RenderedOutput = ""
	}
	if req.Critique != nil {
		state.Critique = *req.Critique
	}
	state.EntryStep = start
	return state
}

func (e *Engine) run(ctx context.Context, req Request, start StepID) (Result, error) {
	processID := req.ProcessID

	rec, err := e.store.Load(ctx, processID)
	if err != nil {
		return Result{}, storageError(processID, "", err)
	}

	current := merge(rec.State, req, start)
	if err := Preconditions(start, current); err != nil {
		return Result{}, withProcess(err, processID, start)
	}

	e.emit(emit.Event{
		ProcessID: processID,
		Msg:       emit.MsgInvocationStarted,
		Meta:      map[string]interface{}{"entry_step": string(start), "version": rec.Version},
	})

	version := rec.Version
	history := len(rec.State.History)
	res := Result{ProcessID: processID}
	step := start

	for n := 1; ; n++ {
		if n > e.cfg.maxSteps {
			return Result{}, &EngineError{Message: "invocation exceeded max steps", Code: "MAX_STEPS_EXCEEDED"}
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		node, err := e.node(step)
		if err != nil {
			return Result{}, err
		}

		next, latency, err := e.execute(ctx, node, step, current, history)
		if err != nil {
			err = withProcess(err, processID, step)
			e.stepFailed(processID, n, step, latency, err)
			return Result{}, err
		}

		// read_input only normalizes the transcript; its result is saved
		// together with the draft that follows, so a failed draft leaves
		// the record untouched.
		if step != StepReadInput {
			saveStart := e.cfg.now()
			newVersion, err := e.store.Save(ctx, processID, next, version)
			latency += e.cfg.now().Sub(saveStart)
			if err != nil {
				serr := storageError(processID, step, err)
				if serr.Kind == KindConcurrentModification {
					e.cfg.metrics.IncrementConflicts(step)
				}
				e.stepFailed(processID, n, step, latency, serr)
				return Result{}, serr
			}
			version, history = newVersion, len(next.History)
		}

		current = next
		res.Steps = append(res.Steps, step)

		e.cfg.metrics.RecordStepLatency(step, latency, "success")
		e.emit(emit.Event{
			ProcessID: processID,
			Step:      n,
			StepID:    string(step),
			Msg:       emit.MsgStepCompleted,
			Meta:      map[string]interface{}{"version": version, "latency_ms": latency.Milliseconds()},
		})

		to, terminal := Route(step, current)
		if terminal {
			e.emit(emit.Event{ProcessID: processID, Msg: emit.MsgInvocationCompleted, Meta: map[string]interface{}{"version": version}})
			break
		}
		if suspends(start, to) {
			res.Suspended = true
			e.emit(emit.Event{
				ProcessID: processID,
				Msg:       emit.MsgInvocationSuspended,
				Meta:      map[string]interface{}{"version": version, "awaiting": string(to)},
			})
			break
		}
		step = to
	}

	res.State = current
	res.Version = version
	return res, nil
}

// execute runs one step on a private copy of the state and returns the
// next state with the step's messages appended.
func (e *Engine) execute(ctx context.Context, node Node, step StepID, current ProcessState, history int) (ProcessState, time.Duration, error) {
	input, err := current.Clone()
	if err != nil {
		return ProcessState{}, 0, &EngineError{Message: err.Error(), Code: "STATE_COPY_FAILED"}
	}

	began := e.cfg.now()
	result := runWithTimeout(ctx, node, step, input, e.cfg.stepTimeout)
	latency := e.cfg.now().Sub(began)

	if result.Err != nil {
		var typed *Error
		if !errors.As(result.Err, &typed) {
			return ProcessState{}, latency, &Error{Kind: failureKind(step), Step: step, Cause: result.Err}
		}
		return ProcessState{}, latency, result.Err
	}

	next := result.State
	if len(next.History) < history {
		return ProcessState{}, latency, &EngineError{Message: "step " + string(step) + " truncated history", Code: "INVARIANT_VIOLATION"}
	}
	at := e.cfg.now().UTC()
	for _, m := range result.Messages {
		next.History = append(next.History, newMessage(step, m, at))
	}
	next.LastStep = step

	if err := next.Check(); err != nil {
		return ProcessState{}, latency, &EngineError{Message: "step " + string(step) + ": " + err.Error(), Code: "INVARIANT_VIOLATION"}
	}
	return next, latency, nil
}

func (e *Engine) stepFailed(processID string, n int, step StepID, latency time.Duration, err error) {
	kind := KindOf(err)
	e.cfg.metrics.RecordStepLatency(step, latency, "error")
	e.cfg.metrics.IncrementStepFailures(step, kind)
	e.emit(emit.Event{
		ProcessID: processID,
		Step:      n,
		StepID:    string(step),
		Msg:       emit.MsgStepFailed,
		Meta: map[string]interface{}{
			"kind":       string(kind),
			"error":      err.Error(),
			"latency_ms": latency.Milliseconds(),
		},
	})
}

func (e *Engine) emit(ev emit.Event) {
	e.cfg.emitter.Emit(ev)
}

func lockReleaseFailed(processID string, err error) emit.Event {
	return emit.Event{
		ProcessID: processID,
		Msg:       emit.MsgLockReleaseFailed,
		Meta:      map[string]interface{}{"error": err.Error()},
	}
}

// withProcess stamps the process and step onto a typed error.
func withProcess(err error, processID string, step StepID) error {
	var e *Error
	if errors.As(err, &e) {
		if e.ProcessID == "" {
			e.ProcessID = processID
		}
		if e.Step == "" {
			e.Step = step
		}
	}
	return err
}

// storageError classifies a store failure.
func storageError(processID string, step StepID, err error) *Error {
	if errors.Is(err, store.ErrConflict) {
		return &Error{
			Kind:      KindConcurrentModification,
			ProcessID: processID,
			Step:      step,
			Message:   "process was modified by another invocation",
			Cause:     err,
		}
	}
	return &Error{
		Kind:      KindStorageUnavailable,
		ProcessID: processID,
		Step:      step,
		Message:   "state store unavailable",
		Cause:     err,
	}
}
