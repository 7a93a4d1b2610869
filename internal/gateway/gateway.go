// Package gateway defines the request/response interface to the remote store
// and its gRPC implementation.
package gateway

import (
	"context"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Gateway performs request/response calls against the remote store.
// Implementations return the error taxonomy of package chat.
type Gateway interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	// GetMessages returns one page older than cursor, or the newest page when
	// cursor is nil. Pages are ascending by (CreatedAt, ID).
	GetMessages(ctx context.Context, conversationID string, cursor *chat.Cursor, pageSize int) (chat.Page, error)
	SendMessage(ctx context.Context, conversationID, content string, mentionedUserIDs []string, attachments []chat.Attachment) (chat.Message, error)
	UpdateMessage(ctx context.Context, messageID, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkConversationViewed(ctx context.Context, conversationID string) error
	MarkMentionsViewed(ctx context.Context, conversationID string) error
	CreateConversation(ctx context.Context, kind chat.Kind, memberIDs []string, name string) (chat.Conversation, error)
}
