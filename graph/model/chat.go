// Package model defines the language-model abstraction used by the drafting
// and critique collaborators.
package model

import "context"

// ChatModel sends a conversation to a language model and returns its reply.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is a single conversation turn.
type Message struct {
	Role    string
	Content string
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a model reply.
type ChatOut struct {
	Text string

	// Token accounting as reported by the provider, zero when unknown.
	TokensIn  int
	TokensOut int
}

// Options are the request settings shared by every provider adapter.
type Options struct {
	// Temperature controls sampling. Nil uses the provider default.
	Temperature *float64

	// MaxTokens caps the reply length. Zero uses the adapter default.
	MaxTokens int

	// JSON asks the provider for a JSON object reply where supported.
	JSON bool
}

// SplitSystem separates system messages from the rest of the conversation.
// Several system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			rest = append(rest, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}
	return system, rest
}
