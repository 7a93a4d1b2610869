// Package api implements chatd's gRPC services on top of the store. Every
// mutation is published on the bus as a push frame for PushService to fan out.
package api

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultPageSize = 50

// GatewayService implements chatsync.v1.Gateway.
type GatewayService struct {
	db      *store.DB
	bus     *bus.Bus
	clock   clock.Clock
	metrics *metrics.Server
	logger  *zap.Logger
}

var _ wire.GatewayServer = (*GatewayService)(nil)

// NewGatewayService creates the request service backed by the store.
func NewGatewayService(db *store.DB, b *bus.Bus, clk clock.Clock, m *metrics.Server, logger *zap.Logger) *GatewayService {
	if clk == nil {
		clk = clock.Real()
	}
	return &GatewayService{db: db, bus: b, clock: clk, metrics: m, logger: logging.OrNop(logger)}
}

// now is millisecond precision, the resolution the store keeps.
func (s *GatewayService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// call decodes the request into in, runs fn as the calling user, encodes the
// result and records the outcome.
func (s *GatewayService) call(ctx context.Context, method string, req *structpb.Struct, in any, fn func(user string) (any, error)) (*structpb.Struct, error) {
	out, err := s.dispatch(ctx, req, in, fn)
	if err != nil {
		err = wire.ToStatus(err)
		if st, _ := grpcstatus.FromError(err); st.Code() == codes.Internal {
			s.logger.Error("request failed", zap.String("method", method), zap.Error(err))
		}
	}
	s.metrics.Request(method, grpcstatus.Code(err).String())
	return out, err
}

func (s *GatewayService) dispatch(ctx context.Context, req *structpb.Struct, in any, fn func(user string) (any, error)) (*structpb.Struct, error) {
	user, ok := wire.UserFromContext(ctx)
	if !ok {
		return nil, grpcstatus.Error(codes.Unauthenticated, "missing "+wire.UserIDKey)
	}
	if in != nil {
		if err := wire.Decode(req, in); err != nil {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
	}
	if err := s.db.EnsureUser(user, s.now()); err != nil {
		return nil, err
	}
	res, err := fn(user)
	if err != nil {
		return nil, err
	}
	return wire.Encode(res)
}

func (s *GatewayService) requireMember(conversationID, user string) error {
	if conversationID == "" {
		return &chat.ValidationError{Field: "conversationId", Reason: "empty"}
	}
	ok, err := s.db.IsMember(conversationID, user)
	if err != nil {
		return err
	}
	if !ok {
		return &chat.UnknownReferenceError{ConversationID: conversationID}
	}
	return nil
}

// publish queues one push frame for the conversation channel.
func (s *GatewayService) publish(conversationID, event string, payload any) {
	frame, err := pushFrame(conversationID, event, payload)
	if err != nil {
		s.logger.Error("encode push frame", zap.String("event", event), zap.Error(err))
		return
	}
	s.bus.Publish(bus.Event{Kind: bus.PushFrame, ConversationID: conversationID, Payload: frame})
}

func (s *GatewayService) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, wire.MethodListConversations, req, nil, func(user string) (any, error) {
		convs, err := s.db.ListConversations(user)
		if err != nil {
			return nil, err
		}
		if convs == nil {
			convs = []chat.Conversation{}
		}
		return wire.ListConversationsResponse{Conversations: convs}, nil
	})
}

func (s *GatewayService) GetMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.GetMessagesRequest
	return s.call(ctx, wire.MethodGetMessages, req, &in, func(user string) (any, error) {
		if err := s.requireMember(in.ConversationID, user); err != nil {
			return nil, err
		}
		size := in.PageSize
		if size <= 0 {
			size = defaultPageSize
		}
		size = min(size, config.MaxPageSize)
		page, err := s.db.GetMessages(in.ConversationID, in.Cursor, size)
		if err != nil {
			return nil, err
		}
		if page.Messages == nil {
			page.Messages = []chat.Message{}
		}
		return page, nil
	})
}

func (s *GatewayService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.SendMessageRequest
	return s.call(ctx, wire.MethodSendMessage, req, &in, func(user string) (any, error) {
		if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
			return nil, &chat.ValidationError{Field: "content", Reason: "empty"}
		}
		if err := s.requireMember(in.ConversationID, user); err != nil {
			return nil, err
		}
		m := chat.Message{
			ID:               uuid.NewString(),
			ConversationID:   in.ConversationID,
			SenderID:         user,
			Content:          in.Content,
			Attachments:      in.Attachments,
			MentionedUserIDs: dedupe(in.MentionedUserIDs),
			CreatedAt:        s.now(),
			Status:           chat.Sent,
		}
		if err := s.db.InsertMessage(m); err != nil {
			return nil, err
		}
		s.logger.Debug("message stored", zap.String("conversation_id", m.ConversationID), zap.String("msg_id", m.ID))
		s.publish(m.ConversationID, wire.EventNewMessage, wire.MessagePayload{Message: m})
		return wire.MessageResponse{Message: m}, nil
	})
}

// messageOf loads a message the user can see.
func (s *GatewayService) messageOf(messageID, user string) (chat.Message, error) {
	if messageID == "" {
		return chat.Message{}, &chat.ValidationError{Field: "messageId", Reason: "empty"}
	}
	m, err := s.db.GetMessage(messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.requireMember(m.ConversationID, user); err != nil {
		return chat.Message{}, &chat.UnknownReferenceError{MessageID: messageID}
	}
	return m, nil
}

func (s *GatewayService) UpdateMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.UpdateMessageRequest
	return s.call(ctx, wire.MethodUpdateMessage, req, &in, func(user string) (any, error) {
		if strings.TrimSpace(in.Content) == "" {
			return nil, &chat.ValidationError{Field: "content", Reason: "empty"}
		}
		if _, err := s.messageOf(in.MessageID, user); err != nil {
			return nil, err
		}
		m, err := s.db.EditMessage(in.MessageID, user, in.Content, s.now())
		if err != nil {
			return nil, err
		}
		s.publish(m.ConversationID, wire.EventMessageUpdated, wire.MessagePayload{Message: m})
		return wire.MessageResponse{Message: m}, nil
	})
}

func (s *GatewayService) DeleteMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.MessageRef
	return s.call(ctx, wire.MethodDeleteMessage, req, &in, func(user string) (any, error) {
		if _, err := s.messageOf(in.MessageID, user); err != nil {
			return nil, err
		}
		m, err := s.db.DeleteMessage(in.MessageID, user, s.now())
		if err != nil {
			return nil, err
		}
		s.publish(m.ConversationID, wire.EventMessageDeleted, wire.DeletedPayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
		})
		return wire.Empty{}, nil
	})
}

func (s *GatewayService) MarkConversationViewed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.ConversationRef
	return s.call(ctx, wire.MethodMarkConversationViewed, req, &in, func(user string) (any, error) {
		if err := s.requireMember(in.ConversationID, user); err != nil {
			return nil, err
		}
		at, err := s.db.MarkViewed(in.ConversationID, user, s.now())
		if err != nil {
			return nil, err
		}
		s.publish(in.ConversationID, wire.EventConversationViewed, wire.ViewedPayload{UserID: user, ViewedAt: at})
		return wire.Empty{}, nil
	})
}

func (s *GatewayService) MarkMentionsViewed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.ConversationRef
	return s.call(ctx, wire.MethodMarkMentionsViewed, req, &in, func(user string) (any, error) {
		if err := s.requireMember(in.ConversationID, user); err != nil {
			return nil, err
		}
		at, err := s.db.MarkMentionsViewed(in.ConversationID, user, s.now())
		if err != nil {
			return nil, err
		}
		s.publish(in.ConversationID, wire.EventMentionsViewed, wire.ViewedPayload{UserID: user, ViewedAt: at})
		return wire.Empty{}, nil
	})
}

func (s *GatewayService) CreateConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in wire.CreateConversationRequest
	return s.call(ctx, wire.MethodCreateConversation, req, &in, func(user string) (any, error) {
		members := dedupe(append([]string{user}, in.MemberIDs...))
		switch in.Kind {
		case chat.DM:
			if len(members) != 2 {
				return nil, &chat.ValidationError{Field: "memberIds", Reason: "a DM has exactly one other member"}
			}
			if in.Name != "" {
				return nil, &chat.ValidationError{Field: "name", Reason: "only group conversations carry a name"}
			}
		case chat.Group:
			if len(members) < 2 {
				return nil, &chat.ValidationError{Field: "memberIds", Reason: "a group needs at least one other member"}
			}
		default:
			return nil, &chat.ValidationError{Field: "kind", Reason: "unknown kind " + string(in.Kind)}
		}

		id, created, err := s.db.CreateConversation(uuid.NewString(), in.Kind, strings.TrimSpace(in.Name), members, s.now())
		if err != nil {
			return nil, err
		}
		c, err := s.db.GetConversation(id, user)
		if err != nil {
			return nil, err
		}
		s.logger.Info("conversation created",
			zap.String("conversation_id", id), zap.String("kind", string(in.Kind)), zap.Bool("reused", !created))
		return wire.ConversationResponse{Conversation: c}, nil
	})
}

// dedupe drops empty and repeated ids, keeping the first occurrence.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// pushFrame builds the frame delivered on the channel of a conversation.
func pushFrame(conversationID, event string, payload any) (wire.ServerFrame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return wire.ServerFrame{}, err
	}
	return wire.ServerFrame{Channel: realtime.ChannelName(conversationID), Event: event, Payload: data}, nil
}
