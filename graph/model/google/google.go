// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dshills/minutegraph/graph/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-1.5-flash"

// ChatModel implements model.ChatModel for Google's Gemini API.
type ChatModel struct {
	modelName string
	opts      model.Options
	client    *genai.Client
	generate  generateFunc
}

// generateFunc performs one request; swapped out in tests.
type generateFunc func(ctx context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error)

// NewChatModel creates a Gemini ChatModel. Call Close when done.
func NewChatModel(ctx context.Context, apiKey, modelName string, opts model.Options) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("Google API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	m := &ChatModel{
		modelName: modelName,
		opts:      opts,
		client:    client,
	}
	m.generate = m.sdkGenerate
	return m, nil
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := model.SplitSystem(messages)
	parts := make([]genai.Part, 0, len(conversation))
	for _, msg := range conversation {
		parts = append(parts, genai.Text(msg.Content))
	}
	if len(parts) == 0 {
		return model.ChatOut{}, errors.New("at least one non-system message is required")
	}

	resp, err := m.generate(ctx, system, parts)
	if err != nil {
		return model.ChatOut{}, apiError(err)
	}
	return convertResponse(resp)
}

func (m *ChatModel) sdkGenerate(ctx context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	gm := m.client.GenerativeModel(m.modelName)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if m.opts.Temperature != nil {
		gm.SetTemperature(float32(*m.opts.Temperature))
	}
	if m.opts.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(m.opts.MaxTokens))
	}
	if m.opts.JSON {
		gm.ResponseMIMEType = "application/json"
	}
	return gm.GenerateContent(ctx, parts...)
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// apiError reports an unsuccessful API response as a model.StatusError.
// REST failures carry an HTTP code; gRPC failures are mapped to one.
func apiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &model.StatusError{Provider: "google", StatusCode: apiErr.Code, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		if code := httpStatus(st.Code()); code != 0 {
			return &model.StatusError{Provider: "google", StatusCode: code, Err: err}
		}
	}
	return err
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Internal:
		return http.StatusInternalServerError
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return 0
	}
}

// BlockedError reports a response withheld by Gemini's safety filters.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "content blocked by safety filter: " + e.Reason
}

func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return model.ChatOut{}, &BlockedError{Reason: resp.PromptFeedback.BlockReason.String()}
		}
		return model.ChatOut{}, errors.New("no candidates in Gemini response")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return model.ChatOut{}, &BlockedError{Reason: candidate.FinishReason.String()}
	}

	var out model.ChatOut
	if candidate.Content != nil {
		var texts []string
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				texts = append(texts, string(text))
			}
		}
		out.Text = strings.Join(texts, "\n")
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
