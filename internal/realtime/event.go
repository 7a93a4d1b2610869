package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Kind is the closed set of push events a conversation channel carries.
type Kind string

const (
	NewMessage         Kind = wire.EventNewMessage
	MessageUpdated     Kind = wire.EventMessageUpdated
	MessageDeleted     Kind = wire.EventMessageDeleted
	ConversationViewed Kind = wire.EventConversationViewed
	MentionsViewed     Kind = wire.EventMentionsViewed
)

// Kinds lists every event a channel subscription listens for.
var Kinds = []Kind{NewMessage, MessageUpdated, MessageDeleted, ConversationViewed, MentionsViewed}

const channelPrefix = "conversation-"

// ChannelName returns the push channel of a conversation.
func ChannelName(conversationID string) string {
	return channelPrefix + conversationID
}

// ParseChannel returns the conversation id of a channel name.
func ParseChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, channelPrefix)
	return id, ok && id != ""
}

// Event is one decoded push event. Which fields are set depends on Kind.
type Event struct {
	Kind           Kind
	ConversationID string

	// Message is set for NewMessage and MessageUpdated.
	Message *chat.Message

	// MessageID and SenderID are set for MessageDeleted.
	MessageID string
	SenderID  string

	// UserID and ViewedAt are set for ConversationViewed and MentionsViewed.
	UserID   string
	ViewedAt time.Time
}

// Decode parses the payload of a named event received on the channel of
// conversationID.
func Decode(conversationID, name string, payload []byte) (Event, error) {
	ev := Event{Kind: Kind(name), ConversationID: conversationID}
	switch ev.Kind {
	case NewMessage, MessageUpdated:
		var p wire.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.Message.ID == "" {
			return Event{}, fmt.Errorf("decode %s: message without id", name)
		}
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = conversationID
		}
		if p.Message.ConversationID != conversationID {
			return Event{}, fmt.Errorf("decode %s: message of conversation %s on channel of %s", name, p.Message.ConversationID, conversationID)
		}
		ev.Message = &p.Message
		ev.MessageID = p.Message.ID
		ev.SenderID = p.Message.SenderID
	case MessageDeleted:
		var p wire.DeletedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.MessageID == "" {
			return Event{}, fmt.Errorf("decode %s: missing messageId", name)
		}
		if p.ConversationID != "" && p.ConversationID != conversationID {
			return Event{}, fmt.Errorf("decode %s: conversation %s on channel of %s", name, p.ConversationID, conversationID)
		}
		ev.MessageID = p.MessageID
		ev.SenderID = p.SenderID
	case ConversationViewed, MentionsViewed:
		var p wire.ViewedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.UserID == "" {
			return Event{}, fmt.Errorf("decode %s: missing userId", name)
		}
		ev.UserID = p.UserID
		ev.ViewedAt = p.ViewedAt
	default:
		return Event{}, fmt.Errorf("unknown event %q", name)
	}
	return ev, nil
}

// Fingerprint identifies the state change an event carries. Two deliveries
// with the same fingerprint apply the same change.
func (e Event) Fingerprint() string {
	switch e.Kind {
	case NewMessage, MessageUpdated:
		var rev int64
		if e.Message.EditedAt != nil {
			rev = e.Message.EditedAt.UnixNano()
		}
		deleted := e.Message.DeletedAt != nil
		return fmt.Sprintf("%s|%s|%s|%d|%t", e.Kind, e.ConversationID, e.MessageID, rev, deleted)
	case MessageDeleted:
		return fmt.Sprintf("%s|%s|%s", e.Kind, e.ConversationID, e.MessageID)
	default:
		return fmt.Sprintf("%s|%s|%s|%d", e.Kind, e.ConversationID, e.UserID, e.ViewedAt.UnixNano())
	}
}
