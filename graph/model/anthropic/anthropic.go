// Package anthropic adapts Anthropic's Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/minutegraph/graph/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "claude-sonnet-4-5"

const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are lifted into the request's system parameter, since the
// Messages API does not accept them inline.
type ChatModel struct {
	modelName string
	opts      model.Options
	client    messageClient
}

// messageClient is the part of the SDK the adapter uses.
type messageClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// NewChatModel creates an Anthropic ChatModel. An empty modelName uses DefaultModel.
func NewChatModel(apiKey, modelName string, opts model.Options) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		modelName: modelName,
		opts:      opts,
		client:    &client.Messages,
	}, nil
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := model.SplitSystem(messages)
	if len(conversation) == 0 {
		return model.ChatOut{}, errors.New("at least one non-system message is required")
	}

	maxTokens := int64(defaultMaxTokens)
	if m.opts.MaxTokens > 0 {
		maxTokens = int64(m.opts.MaxTokens)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		MaxTokens: maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if m.opts.Temperature != nil {
		params.Temperature = sdk.Float(*m.opts.Temperature)
	}

	message, err := m.client.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, apiError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return model.ChatOut{
		Text:      text.String(),
		TokensIn:  int(message.Usage.InputTokens),
		TokensOut: int(message.Usage.OutputTokens),
	}, nil
}

func apiError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &model.StatusError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}

func convertMessages(messages []model.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
	}
	return out
}
