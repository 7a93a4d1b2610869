package api

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const streamBuffer = 256

// PushService implements chatsync.v1.Push: one bidirectional stream per
// client carrying subscribe frames in and channel events out.
type PushService struct {
	db      *store.DB
	bus     *bus.Bus
	metrics *metrics.Server
	logger  *zap.Logger
}

var _ wire.PushServer = (*PushService)(nil)

// NewPushService creates the push fan-out service.
func NewPushService(db *store.DB, b *bus.Bus, m *metrics.Server, logger *zap.Logger) *PushService {
	return &PushService{db: db, bus: b, metrics: m, logger: logging.OrNop(logger)}
}

type clientFrame struct {
	frame wire.ClientFrame
	err   error
}

// Stream serves one client until it disconnects. Frames are written from
// this goroutine only.
func (s *PushService) Stream(stream wire.PushServerStream) error {
	ctx := stream.Context()
	user, ok := wire.UserFromContext(ctx)
	if !ok {
		return grpcstatus.Error(codes.Unauthenticated, "missing "+wire.UserIDKey)
	}

	events, unsub := s.bus.Subscribe(bus.PushFrame, streamBuffer)
	defer unsub()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	logger := s.logger.With(zap.String("user_id", user))
	logger.Info("push stream opened")
	defer logger.Info("push stream closed")

	if err := s.send(stream, wire.ServerFrame{Event: wire.EventReady}); err != nil {
		return err
	}

	incoming := make(chan clientFrame, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				select {
				case incoming <- clientFrame{err: err}:
				case <-ctx.Done():
				}
				return
			}
			var f wire.ClientFrame
			if err := wire.Decode(msg, &f); err != nil {
				logger.Warn("undecodable client frame", zap.Error(err))
				continue
			}
			select {
			case incoming <- clientFrame{frame: f}:
			case <-ctx.Done():
				return
			}
		}
	}()

	subscribed := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-incoming:
			if in.err != nil {
				// Client half-close or transport failure ends the stream.
				return nil
			}
			if err := s.handleFrame(stream, user, in.frame, subscribed); err != nil {
				return err
			}
		case evt := <-events:
			frame, ok := evt.Payload.(wire.ServerFrame)
			if !ok || !subscribed[frame.Channel] {
				continue
			}
			if err := s.send(stream, frame); err != nil {
				return err
			}
		}
	}
}

func (s *PushService) handleFrame(stream wire.PushServerStream, user string, f wire.ClientFrame, subscribed map[string]bool) error {
	switch f.Op {
	case wire.OpSubscribe:
		conversationID, ok := realtime.ParseChannel(f.Channel)
		if !ok {
			return s.reject(stream, f.Channel, "unknown channel")
		}
		member, err := s.db.IsMember(conversationID, user)
		if err != nil {
			s.logger.Error("membership check", zap.String("conversation_id", conversationID), zap.Error(err))
			return s.reject(stream, f.Channel, "membership check failed")
		}
		if !member {
			return s.reject(stream, f.Channel, "not a member")
		}
		subscribed[f.Channel] = true
		s.logger.Debug("channel subscribed", zap.String("user_id", user), zap.String("channel", f.Channel))
	case wire.OpUnsubscribe:
		delete(subscribed, f.Channel)
	default:
		return s.reject(stream, f.Channel, "unknown op "+f.Op)
	}
	return nil
}

func (s *PushService) reject(stream wire.PushServerStream, channel, reason string) error {
	return s.send(stream, wire.ServerFrame{Channel: channel, Event: wire.EventError, Error: reason})
}

func (s *PushService) send(stream wire.PushServerStream, frame wire.ServerFrame) error {
	msg, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := stream.Send(msg); err != nil {
		return err
	}
	s.metrics.FrameSent(frame.Event)
	return nil
}
