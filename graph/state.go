// Package graph provides the workflow engine that drives meeting minutes
// through drafting, critique, revision, approval and rendering.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/minutegraph/minutes"
)

// History roles.
const (
	RoleWriter   = "writer"
	RoleCritic   = "critic"
	RoleReviewer = "reviewer"
	RoleRenderer = "renderer"
)

// Message is one entry of a process's append-only history.
type Message struct {
	ID      string    `json:"id"`
	Step    StepID    `json:"step"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// newMessage stamps a step's message with an id, step and time.
func newMessage(step StepID, m Message, at time.Time) Message {
	m.ID = uuid.NewString()
	m.Step = step
	m.At = at
	return m
}

// ProcessState is the persisted state of one minutes process.
type ProcessState struct {
	Transcript     string            `json:"transcript"`
	Draft          *minutes.Document `json:"draft,omitempty"`
	Critique       string            `json:"critique,omitempty"`
	Approved       bool              `json:"approved"`
	RenderedOutput string            `json:"renderedOutput,omitempty"`
	EntryStep      StepID            `json:"entryStep,omitempty"`
	History        []Message         `json:"history,omitempty"`

	// LastStep is the most recently completed step.
	LastStep StepID `json:"lastStep,omitempty"`

	// Rounds counts completed critiques.
	Rounds int `json:"rounds"`
}

// Clone returns a deep copy of the state.
func (s ProcessState) Clone() (ProcessState, error) {
	return deepCopy(s)
}

// Check reports whether the state violates an invariant.
func (s ProcessState) Check() error {
	if s.RenderedOutput != "" && !s.Approved {
		return errors.New("rendered output present on unapproved process")
	}
	if s.RenderedOutput != "" && s.Draft == nil {
		return errors.New("rendered output present without a draft")
	}
	return nil
}

// deepCopy creates a deep copy of state S using a JSON round trip.
// Unexported fields are not copied.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
