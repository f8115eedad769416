package llm

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Message represents a single chat message for LLM requests.
// Images are only populated on user messages and only consulted by
// vision-capable request builders.
type Message struct {
	Role   string
	Text   string
	Images []ImageRef
}

// ImageRef holds raw image bytes plus MIME type for vision content blocks.
type ImageRef struct {
	MIMEType string
	Data     []byte
}

// DataURL encodes the image as a data URL per the OpenAI image_url convention.
func (r ImageRef) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", r.MIMEType, base64.StdEncoding.EncodeToString(r.Data))
}

// ChatRequest defines the input to an LLM chat completion.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// ChatResponse is a normalized non-streaming response from an LLM.
type ChatResponse struct {
	Content string
	Model   string
}

// ChatStream exposes a streaming response as a lazy sequence of deltas.
// The sequence is finite and non-restartable; Next returning false with a
// nil Err means the stream terminated normally.
type ChatStream interface {
	Next() bool
	Delta() string
	FinishReason() string
	Err() error
	Close() error
}

// Provider defines the inference client interface used by the bridge.
type Provider interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest) (ChatStream, error)
}
