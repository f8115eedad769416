package teams

import "testing"

func TestIsGroup(t *testing.T) {
	tests := []struct {
		name     string
		activity Activity
		want     bool
	}{
		{"personal chat", Activity{Conversation: ConversationAccount{ConversationType: "personal"}}, false},
		{"group flag", Activity{Conversation: ConversationAccount{IsGroup: true}}, true},
		{"group chat type", Activity{Conversation: ConversationAccount{ConversationType: "groupChat"}}, true},
		{"channel type", Activity{Conversation: ConversationAccount{ConversationType: "channel"}}, true},
		{"empty", Activity{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.activity.IsGroup(); got != tt.want {
				t.Errorf("Expected IsGroup=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestMentionsRecipient(t *testing.T) {
	activity := Activity{
		Recipient: ChannelAccount{ID: "bot-1"},
		Entities: []Entity{
			{Type: "clientInfo"},
			{Type: "mention", Mentioned: &ChannelAccount{ID: "user-2"}},
		},
	}
	if activity.MentionsRecipient() {
		t.Error("Expected no recipient mention")
	}

	activity.Entities = append(activity.Entities, Entity{
		Type:      "mention",
		Text:      "<at>Bot</at>",
		Mentioned: &ChannelAccount{ID: "bot-1"},
	})
	if !activity.MentionsRecipient() {
		t.Error("Expected recipient mention to be detected")
	}
}

func TestStrippedText(t *testing.T) {
	activity := Activity{Text: "<at>Bot</at> こんにちは"}
	if got := activity.StrippedText(); got != "こんにちは" {
		t.Errorf("Expected 'こんにちは', got %q", got)
	}

	activity = Activity{Text: "no mentions here"}
	if got := activity.StrippedText(); got != "no mentions here" {
		t.Errorf("Expected text unchanged, got %q", got)
	}
}

func TestNewReply(t *testing.T) {
	inbound := Activity{
		Type:         ActivityTypeMessage,
		ID:           "in-7",
		ServiceURL:   "https://smba.example.com",
		ChannelID:    "msteams",
		From:         ChannelAccount{ID: "user-1"},
		Recipient:    ChannelAccount{ID: "bot-1"},
		Conversation: ConversationAccount{ID: "conv-3"},
	}

	reply := inbound.NewReply("hello back")

	if reply.Type != ActivityTypeMessage {
		t.Errorf("Expected message type, got %q", reply.Type)
	}
	if reply.From.ID != "bot-1" || reply.Recipient.ID != "user-1" {
		t.Errorf("Expected from/recipient swapped, got from=%s recipient=%s", reply.From.ID, reply.Recipient.ID)
	}
	if reply.Conversation.ID != "conv-3" {
		t.Errorf("Expected conversation echoed, got %q", reply.Conversation.ID)
	}
	if reply.ReplyToID != "in-7" {
		t.Errorf("Expected replyToId 'in-7', got %q", reply.ReplyToID)
	}
	if reply.Text != "hello back" {
		t.Errorf("Expected reply text, got %q", reply.Text)
	}
}
