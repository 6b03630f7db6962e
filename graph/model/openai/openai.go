// Package openai adapts OpenAI chat completions to model.ChatModel.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/minutegraph/graph/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Example usage:
//
//	m, err := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o", model.Options{JSON: true})
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "Hello"}})
type ChatModel struct {
	modelName string
	opts      model.Options
	client    completionClient
}

// completionClient is the part of the SDK the adapter uses, so tests can
// substitute it.
type completionClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// NewChatModel creates an OpenAI ChatModel. An empty modelName uses DefaultModel.
func NewChatModel(apiKey, modelName string, opts model.Options) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		modelName: modelName,
		opts:      opts,
		client:    &client.Chat.Completions,
	}, nil
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if m.opts.Temperature != nil {
		params.Temperature = sdk.Float(*m.opts.Temperature)
	}
	if m.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(m.opts.MaxTokens))
	}
	if m.opts.JSON {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: sdk.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := m.client.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, apiError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("no response from OpenAI API")
	}

	return model.ChatOut{
		Text:      completion.Choices[0].Message.Content,
		TokensIn:  int(completion.Usage.PromptTokens),
		TokensOut: int(completion.Usage.CompletionTokens),
	}, nil
}

// apiError reports an unsuccessful API response as a model.StatusError.
func apiError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &model.StatusError{Provider: "openai", StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}

func convertMessages(messages []model.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, sdk.AssistantMessage(msg.Content))
		default:
			out = append(out, sdk.UserMessage(msg.Content))
		}
	}
	return out
}
