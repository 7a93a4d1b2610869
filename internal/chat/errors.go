package chat

import (
	"errors"
	"fmt"
)

// NetworkError is a failed round trip to the remote store. Read paths are
// retryable; write paths are never retried automatically.
type NetworkError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is an input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a mutation of a message already tombstoned server-side.
type ConflictError struct {
	MessageID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("message %s already deleted", e.MessageID)
}

// UnknownReferenceError reports a reference to a message not present locally.
type UnknownReferenceError struct {
	ConversationID string
	MessageID      string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown message %s in conversation %s", e.MessageID, e.ConversationID)
}

// IsRetryable reports whether err is a network failure on a read path.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Retryable
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnknownReference reports whether err is an UnknownReferenceError.
func IsUnknownReference(err error) bool {
	var ue *UnknownReferenceError
	return errors.As(err, &ue)
}
