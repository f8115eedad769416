package providers

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"

	"google.golang.org/genai"
)

const googleDefaultTimeout = 60

func init() {
	llm.RegisterProvider(llm.ProviderInfo{
		Type:        llm.ProviderGoogle,
		Name:        "Google",
		Description: "Google AI (Gemini) API access",
		RequiresKey: true,
	}, NewGoogleProvider)
}

var newGoogleClient = func(ctx context.Context, cfg *genai.ClientConfig) (*genai.Client, error) {
	return genai.NewClient(ctx, cfg)
}

// GoogleProvider implements the Provider interface using the Google AI SDK.
type GoogleProvider struct {
	models  googleModelsClient
	timeout time.Duration
}

type googleModelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// NewGoogleProvider creates a new Google provider from config.
func NewGoogleProvider(cfg config.LLMConfig) (llm.Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("google api_key is required")
	}

	timeoutSeconds := cfg.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = googleDefaultTimeout
	}

	client, err := newGoogleClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}

	return &GoogleProvider{
		models:  client.Models,
		timeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// Complete sends a non-streaming chat completion request.
func (p *GoogleProvider) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	model, contents, cfg, err := buildGoogleRequest(req)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	resp, err := p.models.GenerateContent(callCtx, model, contents, cfg)
	if err != nil {
		return llm.ChatResponse{}, &llm.UpstreamError{Message: err.Error()}
	}

	content := extractVisibleText(resp)
	if content == "" {
		return llm.ChatResponse{}, &llm.UpstreamError{Message: "response contains no message content"}
	}

	return llm.ChatResponse{
		Content: content,
		Model:   model,
	}, nil
}

// Stream sends a streaming chat completion request.
func (p *GoogleProvider) Stream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	model, contents, cfg, err := buildGoogleRequest(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := p.withTimeout(ctx)
	stream := p.models.GenerateContentStream(callCtx, model, contents, cfg)
	return newGoogleStream(stream, cancel), nil
}

func buildGoogleRequest(req llm.ChatRequest) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return "", nil, nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return "", nil, nil, fmt.Errorf("messages are required")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	systemParts := make([]string, 0, 2)

	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			if text := strings.TrimSpace(msg.Text); text != "" {
				systemParts = append(systemParts, text)
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Text}},
			})
		default:
			parts := make([]*genai.Part, 0, 1+len(msg.Images))
			parts = append(parts, &genai.Part{Text: msg.Text})
			for _, img := range msg.Images {
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: img.MIMEType,
						Data:     img.Data,
					},
				})
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: parts,
			})
		}
	}
	if len(contents) == 0 {
		return "", nil, nil, fmt.Errorf("at least one user or assistant message is required")
	}

	var systemInstruction *genai.Content
	if len(systemParts) > 0 {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}

	return model, contents, cfg, nil
}

func (p *GoogleProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline || p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

type googleStreamEvent struct {
	delta  string
	reason string
	err    error
	done   bool
}

type googleStream struct {
	events       chan googleStreamEvent
	current      string
	output       string
	finishReason string
	err          error
	done         bool
	cancel       context.CancelFunc
}

func newGoogleStream(stream iter.Seq2[*genai.GenerateContentResponse, error], cancel context.CancelFunc) *googleStream {
	s := &googleStream{
		events: make(chan googleStreamEvent, 32),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		var reason string
		for resp, err := range stream {
			if err != nil {
				s.events <- googleStreamEvent{err: err}
				return
			}
			if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
				reason = string(resp.Candidates[0].FinishReason)
			}
			fullText := extractVisibleText(resp)
			if fullText == "" {
				continue
			}

			// The SDK reports cumulative text on some backends; diff it down
			// to the new fragment.
			delta := fullText
			if strings.HasPrefix(fullText, s.output) {
				delta = fullText[len(s.output):]
				s.output = fullText
			} else {
				s.output += delta
			}

			if delta != "" {
				s.events <- googleStreamEvent{delta: delta}
			}
		}
		s.events <- googleStreamEvent{done: true, reason: reason}
	}()
	return s
}

func (s *googleStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for ev := range s.events {
		if ev.err != nil {
			s.err = &llm.TransportError{Cause: ev.err}
			s.done = true
			return false
		}
		if ev.done {
			s.finishReason = ev.reason
			s.done = true
			return false
		}
		if ev.delta == "" {
			continue
		}
		s.current = ev.delta
		return true
	}

	s.done = true
	return false
}

func (s *googleStream) Delta() string {
	return s.current
}

func (s *googleStream) FinishReason() string {
	return s.finishReason
}

func (s *googleStream) Err() error {
	return s.err
}

func (s *googleStream) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.done {
		return nil
	}
	// Drain remaining events so the producer goroutine can finish.
	for range s.events {
	}
	s.done = true
	return nil
}

func extractVisibleText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// Ensure interface compliance
var _ llm.Provider = (*GoogleProvider)(nil)
