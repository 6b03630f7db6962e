package graph

import (
	"context"
	"fmt"
)

// StepID names a workflow step.
type StepID string

// Workflow steps.
const (
	StepReadInput      StepID = "read_input"
	StepDraft          StepID = "draft"
	StepCritique       StepID = "critique"
	StepRevise         StepID = "revise"
	StepRecordApproval StepID = "record_approval"
	StepRenderOutput   StepID = "render_output"
)

// AllSteps lists every step in pipeline order.
var AllSteps = []StepID{
	StepReadInput,
	StepDraft,
	StepCritique,
	StepRevise,
	StepRecordApproval,
	StepRenderOutput,
}

// Valid reports whether id names a known step.
func (id StepID) Valid() bool {
	for _, s := range AllSteps {
		if s == id {
			return true
		}
	}
	return false
}

// ParseStepID converts s to a StepID. The empty string is accepted and
// means "use the default entry step".
func ParseStepID(s string) (StepID, error) {
	id := StepID(s)
	if s == "" || id.Valid() {
		return id, nil
	}
	return "", fmt.Errorf("unknown step %q", s)
}

// Node is a processing unit of the workflow.
//
// Run receives a private copy of the state and returns the complete next
// state. A step either fully succeeds or returns Err; on error the engine
// discards State and persists nothing for the step.
type Node interface {
	Run(ctx context.Context, state ProcessState) NodeResult
}

// NodeResult is the outcome of one step.
type NodeResult struct {
	// State is the full next state.
	State ProcessState

	// Messages are appended to the process history by the engine, which
	// assigns ids, step and timestamps.
	Messages []Message

	// Err aborts the invocation. Use *Error to control the failure kind.
	Err error
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc func(ctx context.Context, state ProcessState) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state ProcessState) NodeResult {
	return f(ctx, state)
}

// failureKind is the error kind reported when a step fails with an error
// that carries no kind of its own.
func failureKind(id StepID) Kind {
	switch id {
	case StepDraft:
		return KindDraftingFailed
	case StepCritique:
		return KindCritiqueFailed
	case StepRevise:
		return KindRevisionFailed
	case StepRenderOutput:
		return KindRenderFailed
	default:
		return KindInvalidInput
	}
}
