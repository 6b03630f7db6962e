package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Responses are returned in order; the last one repeats once the script is
// exhausted. Errs, when set at an index, makes that call fail instead. Err
// fails every call.
type MockChatModel struct {
	Responses []ChatOut
	Errs      []error
	Err       error

	// Calls records every conversation the mock received.
	Calls [][]Message

	mu        sync.Mutex
	callIndex int
}

// NewMockChatModel returns a mock replying with the given texts in order.
func NewMockChatModel(texts ...string) *MockChatModel {
	m := &MockChatModel{}
	for _, text := range texts {
		m.Responses = append(m.Responses, ChatOut{Text: text})
	}
	return m
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, append([]Message(nil), messages...))
	idx := m.callIndex
	m.callIndex++

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return ChatOut{}, m.Errs[idx]
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of Chat calls received.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent conversation, or nil.
func (m *MockChatModel) LastCall() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1]
}

// Reset clears recorded calls and rewinds the script.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
