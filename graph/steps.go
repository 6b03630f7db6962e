package graph

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dshills/minutegraph/minutes"
	"github.com/dshills/minutegraph/render"
)

// Writer drafts and revises minutes. Implemented by agents.Writer.
type Writer interface {
	Draft(ctx context.Context, transcript string, targetLength int) (*minutes.Document, error)
	Revise(ctx context.Context, transcript, critique string, prior *minutes.Document) (*minutes.Document, error)
}

// Critic reviews minutes. Implemented by agents.Critic.
type Critic interface {
	Critique(ctx context.Context, transcript string, doc *minutes.Document) (string, error)
}

// Steps builds the six workflow nodes around their collaborators.
type Steps struct {
	writer       Writer
	critic       Critic
	renderer     render.Renderer
	targetLength int
}

// NewSteps creates the workflow steps. A nil renderer renders English
// Markdown; a non-positive targetLength lets the writer choose.
func NewSteps(w Writer, c Critic, r render.Renderer, targetLength int) *Steps {
	if r == nil {
		r = render.NewMarkdown(render.English)
	}
	return &Steps{writer: w, critic: c, renderer: r, targetLength: targetLength}
}

// Register adds every step to the engine.
func (s *Steps) Register(e *Engine) error {
	nodes := map[StepID]Node{
		StepReadInput:      NodeFunc(s.readInput),
		StepDraft:          NodeFunc(s.draft),
		StepCritique:       NodeFunc(s.critique),
		StepRevise:         NodeFunc(s.revise),
		StepRecordApproval: NodeFunc(s.recordApproval),
		StepRenderOutput:   NodeFunc(s.renderOutput),
	}
	for _, id := range AllSteps {
		if err := e.Add(id, nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Preconditions reports why step cannot run on state, or nil. Failures of
// render_output's gate are reported by the step itself as RenderFailed.
func Preconditions(step StepID, state ProcessState) error {
	switch step {
	case StepReadInput, StepDraft:
		if strings.TrimSpace(state.Transcript) == "" {
			return invalidInput("transcript is required")
		}
	case StepCritique:
		if state.Draft == nil {
			return invalidInput("a draft is required before critique")
		}
	case StepRevise:
		if state.Draft == nil {
			return invalidInput("a draft is required before revision")
		}
		if !minutes.HasIssues(state.Critique) {
			return invalidInput("a critique with issues is required before revision")
		}
	case StepRecordApproval:
		if state.Draft == nil {
			return invalidInput("a draft is required before approval")
		}
	}
	return nil
}

func stepFailed(step StepID, err error) NodeResult {
	return NodeResult{Err: &Error{Kind: failureKind(step), Step: step, Cause: err}}
}

func preconditionFailed(step StepID, err error) NodeResult {
	if e, ok := err.(*Error); ok {
		e.Step = step
	}
	return NodeResult{Err: err}
}

func (s *Steps) readInput(_ context.Context, state ProcessState) NodeResult {
	if err := Preconditions(StepReadInput, state); err != nil {
		return preconditionFailed(StepReadInput, err)
	}
	state.Transcript = strings.TrimSpace(state.Transcript)
	return NodeResult{State: state}
}

func (s *Steps) draft(ctx context.Context, state ProcessState) NodeResult {
	if err := Preconditions(StepDraft, state); err != nil {
		return preconditionFailed(StepDraft, err)
	}

	doc, err := s.writer.Draft(ctx, state.Transcript, s.targetLength)
	if err != nil {
		return stepFailed(StepDraft, err)
	}

	state.Draft = doc
	state.Critique = ""
	state.Approved = false
	state.RenderedOutput = ""
	return NodeResult{
		State:    state,
		Messages: []Message{{Role: RoleWriter, Content: documentJSON(doc)}},
	}
}

func (s *Steps) critique(ctx context.Context, state ProcessState) NodeResult {
	if err := Preconditions(StepCritique, state); err != nil {
		return preconditionFailed(StepCritique, err)
	}

	critique, err := s.critic.Critique(ctx, state.Transcript, state.Draft)
	if err != nil {
		return stepFailed(StepCritique, err)
	}
	if strings.TrimSpace(critique) == "" {
		critique = minutes.NoIssues
	}

	state.Critique = critique
	state.Rounds++
	return NodeResult{
		State:    state,
		Messages: []Message{{Role: RoleCritic, Content: critique}},
	}
}

func (s *Steps) revise(ctx context.Context, state ProcessState) NodeResult {
	if err := Preconditions(StepRevise, state); err != nil {
		return preconditionFailed(StepRevise, err)
	}

	doc, err := s.writer.Revise(ctx, state.Transcript, state.Critique, state.Draft)
	if err != nil {
		return stepFailed(StepRevise, err)
	}

	state.Draft = doc
	state.Critique = ""
	state.Approved = false
	state.RenderedOutput = ""
	return NodeResult{
		State:    state,
		Messages: []Message{{Role: RoleWriter, Content: documentJSON(doc)}},
	}
}

func (s *Steps) recordApproval(_ context.Context, state ProcessState) NodeResult {
	if err := Preconditions(StepRecordApproval, state); err != nil {
		return preconditionFailed(StepRecordApproval, err)
	}
	state.Approved = true
	return NodeResult{
		State:    state,
		Messages: []Message{{Role: RoleReviewer, Content: "approved"}},
	}
}

func (s *Steps) renderOutput(_ context.Context, state ProcessState) NodeResult {
	if !state.Approved {
		return NodeResult{Err: &Error{Kind: KindRenderFailed, Step: StepRenderOutput, Message: "minutes have not been approved"}}
	}
	if state.Draft == nil {
		return NodeResult{Err: &Error{Kind: KindRenderFailed, Step: StepRenderOutput, Message: "no draft to render"}}
	}

	out, err := s.renderer.Render(state.Draft)
	if err != nil {
		return stepFailed(StepRenderOutput, err)
	}

	state.RenderedOutput = out
	return NodeResult{
		State:    state,
		Messages: []Message{{Role: RoleRenderer, Content: out}},
	}
}

func documentJSON(doc *minutes.Document) string {
	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(data)
}
