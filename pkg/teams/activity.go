package teams

import (
	"regexp"
	"strings"
)

// ActivityTypeMessage is the only inbound activity type the bot answers;
// everything else (conversationUpdate, typing, ...) is acknowledged and
// dropped.
const ActivityTypeMessage = "message"

// Activity is the subset of the Bot Framework activity schema the bot
// reads and writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from,omitempty"`
	Recipient    ChannelAccount      `json:"recipient,omitempty"`
	Conversation ConversationAccount `json:"conversation,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Text         string              `json:"text,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	Entities     []Entity            `json:"entities,omitempty"`
}

type ChannelAccount struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type ConversationAccount struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
}

type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Entity carries channel metadata; the bot only cares about @-mentions.
type Entity struct {
	Type      string          `json:"type,omitempty"`
	Text      string          `json:"text,omitempty"`
	Mentioned *ChannelAccount `json:"mentioned,omitempty"`
}

var mentionTag = regexp.MustCompile(`<at>[^<]*</at>`)

// IsGroup reports whether the activity arrived in a group conversation
// (team channel or group chat) rather than a one-on-one chat.
func (a *Activity) IsGroup() bool {
	if a.Conversation.IsGroup {
		return true
	}
	switch a.Conversation.ConversationType {
	case "groupChat", "channel":
		return true
	}
	return false
}

// MentionsRecipient reports whether the bot itself is @-mentioned. In group
// conversations the bot stays silent unless this holds.
func (a *Activity) MentionsRecipient() bool {
	for _, e := range a.Entities {
		if e.Type != "mention" || e.Mentioned == nil {
			continue
		}
		if e.Mentioned.ID == a.Recipient.ID {
			return true
		}
	}
	return false
}

// StrippedText returns the activity text with mention tags removed, so the
// prompt sent to the model does not carry "<at>Bot</at>" noise.
func (a *Activity) StrippedText() string {
	return strings.TrimSpace(mentionTag.ReplaceAllString(a.Text, ""))
}

// NewReply builds an outbound message activity routed back at the sender,
// echoing the conversation and swapping from/recipient.
func (a *Activity) NewReply(text string) Activity {
	return Activity{
		Type:         ActivityTypeMessage,
		ServiceURL:   a.ServiceURL,
		ChannelID:    a.ChannelID,
		From:         a.Recipient,
		Recipient:    a.From,
		Conversation: a.Conversation,
		ReplyToID:    a.ID,
		Text:         text,
	}
}
