package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
)

const (
	openAIDefaultAPIURL  = "https://api.openai.com/v1"
	openAIDefaultTimeout = 60
)

func init() {
	llm.RegisterProvider(llm.ProviderInfo{
		Type:        llm.ProviderOpenAI,
		Name:        "OpenAI",
		Description: "OpenAI API or any endpoint with the standard /chat/completions layout",
		RequiresKey: true,
	}, NewOpenAIProvider)
}

// OpenAIProvider implements the Provider interface using the OpenAI SDK.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider from config.
func NewOpenAIProvider(cfg config.LLMConfig) (llm.Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api_key is required")
	}

	apiURL := strings.TrimSpace(cfg.BaseURL)
	if apiURL == "" {
		apiURL = openAIDefaultAPIURL
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = openAIDefaultTimeout
	}

	httpClient := &http.Client{Timeout: time.Duration(timeout) * time.Second}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(apiURL),
		option.WithHTTPClient(httpClient),
	}

	return &OpenAIProvider{client: openai.NewClient(opts...)}, nil
}

// Complete sends a non-streaming chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, &llm.UpstreamError{Message: err.Error()}
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return llm.ChatResponse{}, &llm.UpstreamError{Message: "response contains no message content"}
	}

	return llm.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}, nil
}

// Stream sends a streaming chat completion request.
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, &llm.UpstreamError{Message: err.Error()}
	}

	return &openAIStream{stream: stream}, nil
}

func buildOpenAIParams(req llm.ChatRequest) (openai.ChatCompletionNewParams, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("messages are required")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		param, err := toOpenAIMessageParam(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, param)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}

	return params, nil
}

func toOpenAIMessageParam(msg llm.Message) (openai.ChatCompletionMessageParamUnion, error) {
	role := strings.ToLower(strings.TrimSpace(msg.Role))
	switch role {
	case "system":
		return openai.SystemMessage(msg.Text), nil
	case "assistant":
		return openai.AssistantMessage(msg.Text), nil
	case "user":
		if len(msg.Images) == 0 {
			return openai.UserMessage(msg.Text), nil
		}
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, 1+len(msg.Images))
		parts = append(parts, openai.ChatCompletionContentPartUnionParam{
			OfText: &openai.ChatCompletionContentPartTextParam{Text: msg.Text},
		})
		for _, img := range msg.Images {
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
						URL: img.DataURL(),
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: parts,
				},
			},
		}, nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role: %s", msg.Role)
	}
}

type openAIStream struct {
	stream       *ssestream.Stream[openai.ChatCompletionChunk]
	finishReason string
}

func (s *openAIStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if reason := chunk.Choices[0].FinishReason; reason != "" {
			s.finishReason = reason
		}
		if chunk.Choices[0].Delta.Content != "" {
			return true
		}
	}
	return false
}

func (s *openAIStream) Delta() string {
	chunk := s.stream.Current()
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func (s *openAIStream) FinishReason() string {
	return s.finishReason
}

func (s *openAIStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return &llm.TransportError{Cause: err}
	}
	return nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// Ensure interface compliance
var _ llm.Provider = (*OpenAIProvider)(nil)
