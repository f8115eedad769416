package bridge

import (
	"context"
	"strings"

	"github.com/coffin399/TeamsLLMbot/pkg/llm"
)

// Event is one normalized inbound message from the messaging platform.
type Event struct {
	Text         string
	Sender       string
	Conversation string
	Attachments  []Attachment
}

// Attachment is a reference to platform-hosted content. The bytes are only
// fetched when a vision-capable model will actually receive them.
type Attachment struct {
	ContentType string
	ContentURL  string
}

// IsImage reports whether the attachment carries image content.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// Replier posts and edits the single outbound reply for one event. The
// handle returned by Send identifies the message for later Edit calls.
type Replier interface {
	Send(ctx context.Context, text string) (string, error)
	Edit(ctx context.Context, handle string, text string) error
}

// AttachmentFetcher resolves an attachment reference to raw image bytes.
type AttachmentFetcher interface {
	FetchImage(ctx context.Context, url string) (llm.ImageRef, error)
}
