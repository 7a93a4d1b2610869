package gateway

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a Gateway backed by chatd's chatsync.v1.Gateway service.
type Client struct {
	conn   grpc.ClientConnInterface
	userID string
}

// New returns a client issuing calls on conn as userID.
func New(conn grpc.ClientConnInterface, userID string) *Client {
	return &Client{conn: conn, userID: userID}
}

// Dial opens a plaintext connection to address. The caller closes it.
func Dial(address string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial chatd: %w", err)
	}
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, call wire.Call) error {
	in, err := wire.Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(wire.WithUser(ctx, c.userID), wire.FullMethod(wire.GatewayService, method), in, out); err != nil {
		return wire.FromStatus(err, call)
	}
	if resp == nil {
		return nil
	}
	return wire.Decode(out, resp)
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var resp wire.ListConversationsResponse
	err := c.invoke(ctx, wire.MethodListConversations, wire.Empty{}, &resp,
		wire.Call{Op: "list conversations", Retryable: true})
	return resp.Conversations, err
}

func (c *Client) GetMessages(ctx context.Context, conversationID string, cursor *chat.Cursor, pageSize int) (chat.Page, error) {
	var page chat.Page
	err := c.invoke(ctx, wire.MethodGetMessages,
		wire.GetMessagesRequest{ConversationID: conversationID, Cursor: cursor, PageSize: pageSize}, &page,
		wire.Call{Op: "get messages", ConversationID: conversationID, Retryable: true})
	return page, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string, mentionedUserIDs []string, attachments []chat.Attachment) (chat.Message, error) {
	var resp wire.MessageResponse
	err := c.invoke(ctx, wire.MethodSendMessage,
		wire.SendMessageRequest{ConversationID: conversationID, Content: content, MentionedUserIDs: mentionedUserIDs, Attachments: attachments}, &resp,
		wire.Call{Op: "send message", ConversationID: conversationID})
	return resp.Message, err
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (chat.Message, error) {
	var resp wire.MessageResponse
	err := c.invoke(ctx, wire.MethodUpdateMessage,
		wire.UpdateMessageRequest{MessageID: messageID, Content: content}, &resp,
		wire.Call{Op: "update message", MessageID: messageID})
	return resp.Message, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.invoke(ctx, wire.MethodDeleteMessage, wire.MessageRef{MessageID: messageID}, nil,
		wire.Call{Op: "delete message", MessageID: messageID})
}

func (c *Client) MarkConversationViewed(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, wire.MethodMarkConversationViewed, wire.ConversationRef{ConversationID: conversationID}, nil,
		wire.Call{Op: "mark conversation viewed", ConversationID: conversationID})
}

func (c *Client) MarkMentionsViewed(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, wire.MethodMarkMentionsViewed, wire.ConversationRef{ConversationID: conversationID}, nil,
		wire.Call{Op: "mark mentions viewed", ConversationID: conversationID})
}

func (c *Client) CreateConversation(ctx context.Context, kind chat.Kind, memberIDs []string, name string) (chat.Conversation, error) {
	var resp wire.ConversationResponse
	err := c.invoke(ctx, wire.MethodCreateConversation,
		wire.CreateConversationRequest{Kind: kind, MemberIDs: memberIDs, Name: name}, &resp,
		wire.Call{Op: "create conversation"})
	return resp.Conversation, err
}
