package wire

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type ListConversationsResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
}

type GetMessagesRequest struct {
	ConversationID string       `json:"conversationId"`
	Cursor         *chat.Cursor `json:"cursor,omitempty"`
	PageSize       int          `json:"pageSize"`
}

type SendMessageRequest struct {
	ConversationID   string            `json:"conversationId"`
	Content          string            `json:"content"`
	MentionedUserIDs []string          `json:"mentionedUserIds,omitempty"`
	Attachments      []chat.Attachment `json:"attachments,omitempty"`
}

type UpdateMessageRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type MessageRef struct {
	MessageID string `json:"messageId"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type MessageResponse struct {
	Message chat.Message `json:"message"`
}

type CreateConversationRequest struct {
	Kind      chat.Kind `json:"kind"`
	MemberIDs []string  `json:"memberIds"`
	Name      string    `json:"name,omitempty"`
}

type ConversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
}

// Push stream operations sent by the client.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// ClientFrame is sent by the client on the push stream.
type ClientFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// ServerFrame is one event delivered on a channel. Event "error" reports a
// rejected client frame with the reason in Error.
type ServerFrame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Push event names.
const (
	EventNewMessage         = "new-message"
	EventMessageUpdated     = "message-updated"
	EventMessageDeleted     = "message-deleted"
	EventConversationViewed = "conversation-viewed"
	EventMentionsViewed     = "mentions-viewed"
	// EventReady is the first frame of every stream.
	EventReady = "ready"
	EventError = "error"
)

// MessagePayload is the body of new-message and message-updated.
type MessagePayload struct {
	Message chat.Message `json:"message"`
}

// DeletedPayload is the body of message-deleted.
type DeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// ViewedPayload is the body of conversation-viewed and mentions-viewed.
type ViewedPayload struct {
	UserID   string    `json:"userId"`
	ViewedAt time.Time `json:"viewedAt"`
}
