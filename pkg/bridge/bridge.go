package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"
)

// Flush cadence while streaming: edit the reply once this many new runes
// have accumulated, or once this much time has passed since the last edit,
// whichever comes first. Teams rate-limits message updates, so the values
// trade typing-effect smoothness against API chatter.
const (
	DefaultFlushRunes    = 48
	DefaultFlushInterval = 700 * time.Millisecond
)

// User-facing notices, matching the tone of the rest of the bot's replies.
const (
	emptyTextNotice     = "メッセージ内容が空のようです。何か質問やメッセージを送ってください。"
	failureNotice       = "LLM から応答を取得できませんでした。時間をおいて再度お試しください。"
	emptyResponseNotice = "LLM の応答内容が空でした。"
	truncationNotice    = "\n\n（応答の生成中にエラーが発生したため、ここまでの内容で打ち切られました。）"
	visionDisclaimer    = "\n\n※ 画像が添付されていましたが、現在のモデルは画像入力に対応していないため、テキストのみに基づいて回答しています。"
)

// Bridge converts inbound platform events into LLM requests and drives the
// progressive edit loop for the reply message.
type Bridge struct {
	provider llm.Provider
	fetcher  AttachmentFetcher
	cfg      config.LLMConfig

	FlushRunes    int
	FlushInterval time.Duration
}

// New creates a Bridge. fetcher may be nil when vision is disabled.
func New(provider llm.Provider, fetcher AttachmentFetcher, cfg config.LLMConfig) *Bridge {
	return &Bridge{
		provider:      provider,
		fetcher:       fetcher,
		cfg:           cfg,
		FlushRunes:    DefaultFlushRunes,
		FlushInterval: DefaultFlushInterval,
	}
}

// HandleInbound processes one inbound event end to end. Failures never
// propagate to the caller; they degrade into user-visible notices.
func (b *Bridge) HandleInbound(ctx context.Context, ev Event, replier Replier) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		b.sendNotice(ctx, replier, emptyTextNotice)
		return
	}

	req, attachmentIgnored := b.buildRequest(ctx, text, ev)

	slog.Info("bridge_stream_start",
		"model", req.Model,
		"conversation", ev.Conversation,
		"attachments", len(ev.Attachments),
		"vision", b.cfg.SupportsVision,
		"stream", b.cfg.Stream,
	)

	if !b.cfg.Stream {
		b.handleBlocking(ctx, req, attachmentIgnored, replier)
		return
	}

	stream, err := b.provider.Stream(ctx, req)
	if err != nil {
		slog.Error("bridge_stream_create_error", "error", err)
		b.sendNotice(ctx, replier, failureNotice)
		return
	}
	defer stream.Close()

	var buf strings.Builder
	var handle string
	var flushed string
	pendingRunes := 0
	lastFlush := time.Now()

	for stream.Next() {
		delta := stream.Delta()
		buf.WriteString(delta)
		pendingRunes += utf8.RuneCountInString(delta)

		if handle == "" {
			// First delta creates the reply message; everything after is an
			// edit of the same handle.
			handle = b.send(ctx, replier, buf.String())
			flushed = buf.String()
			pendingRunes = 0
			lastFlush = time.Now()
			continue
		}

		if pendingRunes < b.FlushRunes && time.Since(lastFlush) < b.FlushInterval {
			continue
		}

		flushed = buf.String()
		b.edit(ctx, replier, handle, flushed)
		pendingRunes = 0
		lastFlush = time.Now()
	}

	if err := stream.Err(); err != nil {
		slog.Error("bridge_stream_error", "error", err, "partial_runes", utf8.RuneCountInString(buf.String()))
		if buf.Len() == 0 {
			b.sendNotice(ctx, replier, failureNotice)
			return
		}
		b.finalize(ctx, replier, handle, buf.String()+truncationNotice)
		return
	}

	final := buf.String()
	if final == "" {
		b.sendNotice(ctx, replier, emptyResponseNotice)
		return
	}
	if attachmentIgnored {
		final += visionDisclaimer
	}

	// Skip the closing flush when the last edit already carried the full
	// text; Teams counts no-op updates against the rate limit too.
	if handle == "" || final != flushed {
		b.finalize(ctx, replier, handle, final)
	}

	slog.Info("bridge_stream_done",
		"conversation", ev.Conversation,
		"finish_reason", stream.FinishReason(),
		"reply_runes", utf8.RuneCountInString(final),
	)
}

// handleBlocking is the non-streaming path: one completion, one send.
func (b *Bridge) handleBlocking(ctx context.Context, req llm.ChatRequest, attachmentIgnored bool, replier Replier) {
	resp, err := b.provider.Complete(ctx, req)
	if err != nil {
		slog.Error("bridge_complete_error", "error", err)
		b.sendNotice(ctx, replier, failureNotice)
		return
	}

	final := resp.Content
	if attachmentIgnored {
		final += visionDisclaimer
	}
	b.send(ctx, replier, final)
}

// buildRequest assembles the [system, user] message pair. With vision
// enabled and image attachments present the user message carries image
// blocks; otherwise attachments are dropped and flagged for the disclaimer.
func (b *Bridge) buildRequest(ctx context.Context, text string, ev Event) (llm.ChatRequest, bool) {
	hasImage := false
	for _, att := range ev.Attachments {
		if att.IsImage() {
			hasImage = true
			break
		}
	}

	userMsg := llm.Message{Role: "user", Text: text}
	attachmentIgnored := false

	switch {
	case hasImage && b.cfg.SupportsVision:
		userMsg.Images = b.fetchImages(ctx, ev)
		if len(userMsg.Images) == 0 {
			attachmentIgnored = true
		}
	case hasImage:
		attachmentIgnored = true
	}

	messages := make([]llm.Message, 0, 2)
	if prompt := strings.TrimSpace(b.cfg.SystemPrompt); prompt != "" {
		messages = append(messages, llm.Message{Role: "system", Text: prompt})
	}
	messages = append(messages, userMsg)

	req := llm.ChatRequest{
		Model:    b.cfg.Model,
		Messages: messages,
	}
	if b.cfg.Temperature > 0 {
		temperature := b.cfg.Temperature
		req.Temperature = &temperature
	}
	if b.cfg.MaxTokens > 0 {
		maxTokens := b.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return req, attachmentIgnored
}

// fetchImages resolves image attachments, skipping any that fail to load.
func (b *Bridge) fetchImages(ctx context.Context, ev Event) []llm.ImageRef {
	if b.fetcher == nil {
		return nil
	}
	var images []llm.ImageRef
	for _, att := range ev.Attachments {
		if !att.IsImage() {
			continue
		}
		img, err := b.fetcher.FetchImage(ctx, att.ContentURL)
		if err != nil {
			slog.Warn("bridge_attachment_fetch_error", "error", err, "content_type", att.ContentType)
			continue
		}
		if img.MIMEType == "" {
			img.MIMEType = att.ContentType
		}
		images = append(images, img)
	}
	return images
}

// finalize issues the closing flush. A missing handle means no flush ever
// succeeded, so the final content goes out as a fresh send.
func (b *Bridge) finalize(ctx context.Context, replier Replier, handle, text string) {
	if handle == "" {
		b.send(ctx, replier, text)
		return
	}
	b.edit(ctx, replier, handle, text)
}

func (b *Bridge) send(ctx context.Context, replier Replier, text string) string {
	handle, err := replier.Send(ctx, text)
	if err != nil {
		slog.Error("bridge_reply_send_error", "error", err)
		return ""
	}
	return handle
}

func (b *Bridge) edit(ctx context.Context, replier Replier, handle, text string) {
	if err := replier.Edit(ctx, handle, text); err != nil {
		slog.Error("bridge_reply_edit_error", "error", err, "handle", handle)
	}
}

func (b *Bridge) sendNotice(ctx context.Context, replier Replier, notice string) {
	if _, err := replier.Send(ctx, notice); err != nil {
		slog.Error("bridge_notice_send_error", "error", err)
	}
}
