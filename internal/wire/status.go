package wire

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/chat"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
)

// UserIDKey is the metadata key carrying the caller's user id.
const UserIDKey = "x-user-id"

// WithUser attaches the caller identity to an outgoing context.
func WithUser(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, UserIDKey, userID)
}

// UserFromContext returns the caller identity of an incoming call.
func UserFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(UserIDKey)
	if len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}

// ToStatus maps a chat error onto a gRPC status. Unknown errors become Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var (
		ve *chat.ValidationError
		ce *chat.ConflictError
		ue *chat.UnknownReferenceError
	)
	switch {
	case errors.As(err, &ve):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &ce):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &ue):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

// Call describes the client call that failed, for FromStatus.
type Call struct {
	Op             string
	ConversationID string
	MessageID      string
	// Retryable marks read paths.
	Retryable bool
}

// FromStatus maps a gRPC error back into the chat error taxonomy.
func FromStatus(err error, c Call) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return &chat.NetworkError{Op: c.Op, Retryable: c.Retryable, Err: err}
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &chat.ValidationError{Field: c.Op, Reason: st.Message()}
	case codes.FailedPrecondition:
		return &chat.ConflictError{MessageID: c.MessageID}
	case codes.NotFound:
		return &chat.UnknownReferenceError{ConversationID: c.ConversationID, MessageID: c.MessageID}
	default:
		// Unavailable, DeadlineExceeded, Canceled, Internal and the rest are
		// transport or server failures from the caller's point of view.
		return &chat.NetworkError{Op: c.Op, Retryable: c.Retryable, Err: err}
	}
}
