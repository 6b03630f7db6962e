package graph

// transitions lists the successors each step may hand control to.
var transitions = map[StepID][]StepID{
	StepReadInput:      {StepDraft},
	StepDraft:          {StepCritique},
	StepRevise:         {StepCritique},
	StepCritique:       {StepRecordApproval},
	StepRecordApproval: {StepRenderOutput, StepCritique},
	StepRenderOutput:   nil,
}

// Transitions returns a copy of the transition table. A step with no
// successors is terminal.
func Transitions() map[StepID][]StepID {
	out := make(map[StepID][]StepID, len(transitions))
	for from, to := range transitions {
		out[from] = append([]StepID(nil), to...)
	}
	return out
}

// Allowed reports whether the table permits moving from one step to another.
func Allowed(from, to StepID) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Route returns the step that follows from given the state it produced.
// terminal is true when the workflow ends after from.
//
// critique always routes to record_approval; the engine treats that edge
// as a suspension point and never follows it within one invocation.
func Route(from StepID, state ProcessState) (next StepID, terminal bool) {
	switch from {
	case StepReadInput:
		return StepDraft, false
	case StepDraft, StepRevise:
		return StepCritique, false
	case StepCritique:
		return StepRecordApproval, false
	case StepRecordApproval:
		if state.Approved {
			return StepRenderOutput, false
		}
		return StepCritique, false
	default:
		return "", true
	}
}

// suspends reports whether the engine stops before running to, given the
// invocation entered at entry.
func suspends(entry, to StepID) bool {
	return to == StepRecordApproval && entry != StepRecordApproval
}
