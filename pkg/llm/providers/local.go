package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"
)

const (
	localDefaultBaseURL  = "http://localhost:1234"
	localDefaultChatPath = "/v1/chat/completions"
	localDefaultTimeout  = 60
)

func init() {
	llm.RegisterProvider(llm.ProviderInfo{
		Type:        llm.ProviderLocal,
		Name:        "Local",
		Description: "OpenAI-compatible local inference server (LM Studio, llama.cpp, vLLM, ...)",
		RequiresKey: false,
	}, NewLocalProvider)
}

// LocalProvider talks to an OpenAI-compatible chat completion endpoint at an
// arbitrary {base_url}{chat_path}. Unlike hosted providers it cannot assume
// the standard URL layout, so it speaks the wire protocol directly.
type LocalProvider struct {
	endpointURL string
	apiKey      string
	httpClient  *http.Client
}

// NewLocalProvider creates a new local provider from config.
func NewLocalProvider(cfg config.LLMConfig) (llm.Provider, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = localDefaultBaseURL
	}
	chatPath := strings.TrimSpace(cfg.ChatPath)
	if chatPath == "" {
		chatPath = localDefaultChatPath
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = localDefaultTimeout
	}

	return &LocalProvider{
		endpointURL: strings.TrimRight(baseURL, "/") + chatPath,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}, nil
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// chatMessage carries either a plain string or a content-part array.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

// chatResponse is the non-streaming response body.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// streamEvent is one SSE data payload of a streaming response.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a non-streaming chat completion request.
func (p *LocalProvider) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.ChatResponse{}, classifyTransport(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return llm.ChatResponse{}, &llm.UpstreamError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response body: %v", err)}
	}

	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return llm.ChatResponse{}, &llm.UpstreamError{StatusCode: resp.StatusCode, Message: "response contains no message content"}
	}

	return llm.ChatResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
	}, nil
}

// Stream sends a streaming chat completion request.
func (p *LocalProvider) Stream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return &localStream{
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
	}, nil
}

func (p *LocalProvider) post(ctx context.Context, req llm.ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(p.buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &llm.UpstreamError{StatusCode: resp.StatusCode, Message: string(preview)}
	}

	return resp, nil
}

func (p *LocalProvider) buildRequest(req llm.ChatRequest, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if len(msg.Images) == 0 {
			messages = append(messages, chatMessage{Role: msg.Role, Content: msg.Text})
			continue
		}
		parts := make([]contentPart, 0, 1+len(msg.Images))
		parts = append(parts, contentPart{Type: "text", Text: msg.Text})
		for _, img := range msg.Images {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURLPart{URL: img.DataURL()},
			})
		}
		messages = append(messages, chatMessage{Role: msg.Role, Content: parts})
	}

	out := chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

// classifyTransport maps low-level HTTP errors onto the client error taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.TimeoutError{Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &llm.TimeoutError{Cause: err}
	}
	return &llm.TransportError{Cause: err}
}

// localStream consumes an SSE body line by line. Partial lines are buffered
// by the reader across network reads; only complete lines are parsed.
type localStream struct {
	reader       *bufio.Reader
	body         io.ReadCloser
	current      string
	finishReason string
	parsed       int
	discarded    int
	err          error
	done         bool
}

func (s *localStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.finish()
			} else {
				s.err = classifyTransport(err)
			}
			return false
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.finish()
			return false
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			s.discarded++
			continue
		}
		s.parsed++

		if len(event.Choices) == 0 {
			continue
		}
		if reason := event.Choices[0].FinishReason; reason != nil && *reason != "" {
			s.finishReason = *reason
		}
		if content := event.Choices[0].Delta.Content; content != "" {
			s.current = content
			return true
		}
	}
}

// finish terminates the sequence, surfacing StreamParseError when every
// event line was discarded.
func (s *localStream) finish() {
	s.done = true
	if s.parsed == 0 && s.discarded > 0 {
		s.err = &llm.StreamParseError{Lines: s.discarded}
	}
}

func (s *localStream) Delta() string {
	return s.current
}

func (s *localStream) FinishReason() string {
	return s.finishReason
}

func (s *localStream) Err() error {
	return s.err
}

func (s *localStream) Close() error {
	return s.body.Close()
}

// Ensure interface compliance
var _ llm.Provider = (*LocalProvider)(nil)
