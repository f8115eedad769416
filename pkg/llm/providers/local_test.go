package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"
)

func newTestProvider(t *testing.T, serverURL string) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(config.LLMConfig{
		BaseURL:        serverURL,
		ChatPath:       "/v1/chat/completions",
		TimeoutSeconds: 5,
	})
	if err != nil {
		t.Fatalf("NewLocalProvider() error: %v", err)
	}
	return p.(*LocalProvider)
}

func TestLocalProvider_Complete(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"local-model","choices":[{"message":{"role":"assistant","content":"こんにちは！"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)

	resp, err := provider.Complete(context.Background(), llm.ChatRequest{
		Model: "local-model",
		Messages: []llm.Message{
			{Role: "system", Text: "you are helpful"},
			{Role: "user", Text: "こんにちは"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if resp.Content != "こんにちは！" {
		t.Errorf("Expected content 'こんにちは！', got %q", resp.Content)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("Expected path '/v1/chat/completions', got %q", gotPath)
	}
	if stream, ok := gotPayload["stream"].(bool); ok && stream {
		t.Error("Expected stream:false for Complete()")
	}

	messages, ok := gotPayload["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %v", gotPayload["messages"])
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("Expected first message role 'system', got %v", first["role"])
	}
}

func TestLocalProvider_CompleteCustomChatPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	p, err := NewLocalProvider(config.LLMConfig{
		BaseURL:  server.URL + "/",
		ChatPath: "/api/v0/chat",
	})
	if err != nil {
		t.Fatalf("NewLocalProvider() error: %v", err)
	}

	if _, err := p.Complete(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if gotPath != "/api/v0/chat" {
		t.Errorf("Expected custom chat path '/api/v0/chat', got %q", gotPath)
	}
}

func TestLocalProvider_CompleteUpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"non-2xx status", http.StatusInternalServerError, `{"error":"model not loaded"}`, http.StatusInternalServerError},
		{"malformed json", http.StatusOK, `{"choices": [`, http.StatusOK},
		{"empty choices", http.StatusOK, `{"choices":[]}`, http.StatusOK},
		{"missing content", http.StatusOK, `{"choices":[{"message":{"role":"assistant"}}]}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			provider := newTestProvider(t, server.URL)
			_, err := provider.Complete(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})

			var upstreamErr *llm.UpstreamError
			if !errors.As(err, &upstreamErr) {
				t.Fatalf("Expected UpstreamError, got %v", err)
			}
			if upstreamErr.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, upstreamErr.StatusCode)
			}
		})
	}
}

func TestLocalProvider_CompleteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	provider := &LocalProvider{
		endpointURL: server.URL + "/v1/chat/completions",
		httpClient:  &http.Client{Timeout: 50 * time.Millisecond},
	}

	_, err := provider.Complete(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})

	var timeoutErr *llm.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
}

// collectStream drains a stream and returns the concatenated deltas.
func collectStream(t *testing.T, stream llm.ChatStream) string {
	t.Helper()
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		sb.WriteString(stream.Delta())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	return sb.String()
}

func sseHandler(chunks []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			panic("response writer does not support flushing")
		}
		for _, chunk := range chunks {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
	}
}

func TestLocalProvider_Stream(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"content":"こん"}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"content":"にちは"}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"content":"！"},"finish_reason":"stop"}]}` + "\n\n",
		"data: [DONE]\n\n",
	}

	server := httptest.NewServer(sseHandler(lines))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	stream, err := provider.Stream(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "こんにちは"}}})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	got := collectStream(t, stream)
	if got != "こんにちは！" {
		t.Errorf("Expected 'こんにちは！', got %q", got)
	}
	if reason := stream.FinishReason(); reason != "stop" {
		t.Errorf("Expected finish reason 'stop', got %q", reason)
	}
}

func TestLocalProvider_StreamChunkBoundaryIndependence(t *testing.T) {
	// The same event stream delivered with network reads that split lines at
	// arbitrary byte offsets must yield the same concatenation.
	full := `data: {"choices":[{"delta":{"content":"Hello"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":", "}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"world"}}]}` + "\n\n" +
		"data: [DONE]\n\n"

	splits := []int{1, 3, 7, 17, len(full)}
	for _, size := range splits {
		var chunks []string
		for i := 0; i < len(full); i += size {
			end := i + size
			if end > len(full) {
				end = len(full)
			}
			chunks = append(chunks, full[i:end])
		}

		server := httptest.NewServer(sseHandler(chunks))
		provider := newTestProvider(t, server.URL)

		stream, err := provider.Stream(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})
		if err != nil {
			t.Fatalf("Stream() error at chunk size %d: %v", size, err)
		}
		got := collectStream(t, stream)
		server.Close()

		if got != "Hello, world" {
			t.Errorf("Chunk size %d: expected 'Hello, world', got %q", size, got)
		}
	}
}

func TestLocalProvider_StreamSkipsMalformedLines(t *testing.T) {
	lines := []string{
		"data: {not json}\n\n",
		`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n\n",
		": keep-alive comment\n\n",
		"event: ping\n\n",
		"data: [DONE]\n\n",
	}

	server := httptest.NewServer(sseHandler(lines))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	stream, err := provider.Stream(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	got := collectStream(t, stream)
	if got != "ok" {
		t.Errorf("Expected 'ok', got %q", got)
	}
}

func TestLocalProvider_StreamAllMalformed(t *testing.T) {
	lines := []string{
		"data: {not json}\n\n",
		"data: also not json\n\n",
		"data: [DONE]\n\n",
	}

	server := httptest.NewServer(sseHandler(lines))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	stream, err := provider.Stream(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	defer stream.Close()

	for stream.Next() {
	}

	var parseErr *llm.StreamParseError
	if !errors.As(stream.Err(), &parseErr) {
		t.Fatalf("Expected StreamParseError, got %v", stream.Err())
	}
	if parseErr.Lines != 2 {
		t.Errorf("Expected 2 discarded lines, got %d", parseErr.Lines)
	}
}

func TestLocalProvider_StreamNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "overloaded")
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	_, err := provider.Stream(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})

	var upstreamErr *llm.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if upstreamErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", upstreamErr.StatusCode)
	}
}

func TestLocalProvider_StreamTransportFailureMidStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		flusher.Flush()

		// Kill the connection without sending [DONE].
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("response writer does not support hijacking")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	stream, err := provider.Stream(context.Background(), llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Text: "hi"}}})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	defer stream.Close()

	var got strings.Builder
	for stream.Next() {
		got.WriteString(stream.Delta())
	}

	if got.String() != "partial" {
		t.Errorf("Expected 'partial' before failure, got %q", got.String())
	}

	var transportErr *llm.TransportError
	if !errors.As(stream.Err(), &transportErr) {
		t.Fatalf("Expected TransportError, got %v", stream.Err())
	}
}

func TestLocalProvider_BuildRequestVisionContent(t *testing.T) {
	provider := newTestProvider(t, "http://localhost:1234")

	req := llm.ChatRequest{
		Model: "vlm",
		Messages: []llm.Message{
			{Role: "system", Text: "sys"},
			{Role: "user", Text: "what is this?", Images: []llm.ImageRef{{MIMEType: "image/png", Data: []byte{0x89, 0x50}}}},
		},
	}

	body := provider.buildRequest(req, true)
	if !body.Stream {
		t.Error("Expected stream:true")
	}

	if got, ok := body.Messages[0].Content.(string); !ok || got != "sys" {
		t.Errorf("Expected plain string system content, got %v", body.Messages[0].Content)
	}

	parts, ok := body.Messages[1].Content.([]contentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("Expected 2 content parts, got %v", body.Messages[1].Content)
	}
	if parts[0].Type != "text" || parts[0].Text != "what is this?" {
		t.Errorf("Expected leading text part, got %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil {
		t.Fatalf("Expected image_url part, got %+v", parts[1])
	}
	if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("Expected data URL with image/png prefix, got %q", parts[1].ImageURL.URL)
	}
}

func TestLocalStream_PartialLineBuffering(t *testing.T) {
	// Direct check that a line delivered in two reads is only parsed once
	// complete.
	pr, pw := io.Pipe()
	stream := &localStream{reader: bufio.NewReader(pr), body: pr}

	go func() {
		io.WriteString(pw, `data: {"choices":[{"delta":{"con`)
		time.Sleep(10 * time.Millisecond)
		io.WriteString(pw, `tent":"joined"}}]}`+"\n")
		io.WriteString(pw, "data: [DONE]\n")
		pw.Close()
	}()

	if !stream.Next() {
		t.Fatalf("Expected one delta, got none (err: %v)", stream.Err())
	}
	if stream.Delta() != "joined" {
		t.Errorf("Expected 'joined', got %q", stream.Delta())
	}
	if stream.Next() {
		t.Error("Expected stream to terminate after [DONE]")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Expected clean termination, got %v", err)
	}
}
