// Package outbox applies message mutations optimistically and reconciles
// them with the gateway response and the push echo, whichever comes first.
package outbox

import (
	"context"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// Mutator is the write side of the gateway.
type Mutator interface {
	SendMessage(ctx context.Context, conversationID, content string, mentionedUserIDs []string, attachments []chat.Attachment) (chat.Message, error)
	UpdateMessage(ctx context.Context, messageID, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Coordinator performs send, edit and delete for the current user. Writes
// are never retried automatically.
type Coordinator struct {
	gw      Mutator
	msgs    *messages.Store
	selfID  string
	clock   clock.Clock
	bus     *bus.Bus
	metrics *metrics.Engine
	logger  *zap.Logger

	mu       sync.Mutex
	updating map[string]int
	deleting map[string]int
	// echoed maps temporary ids promoted by a push echo to the server id.
	echoed map[string]string
}

// NewCoordinator creates a coordinator writing as selfID.
func NewCoordinator(gw Mutator, msgs *messages.Store, selfID string, clk clock.Clock, b *bus.Bus, m *metrics.Engine, logger *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		gw:       gw,
		msgs:     msgs,
		selfID:   selfID,
		clock:    clk,
		bus:      b,
		metrics:  m,
		logger:   logging.OrNop(logger),
		updating: make(map[string]int),
		deleting: make(map[string]int),
		echoed:   make(map[string]string),
	}
}

// Send appends a pending message under a fresh temporary id, then sends it.
// On success the entry is replaced by the confirmed message; on failure it
// stays as failed with its content so the user can resend.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string, mentionedUserIDs []string, attachments []chat.Attachment) (chat.Message, error) {
	if conversationID == "" {
		return chat.Message{}, &chat.ValidationError{Field: "conversation", Reason: "empty id"}
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: "empty"}
	}

	pending := chat.Message{
		ID:               chat.NewTempID(),
		ConversationID:   conversationID,
		SenderID:         c.selfID,
		Content:          content,
		Attachments:      attachments,
		MentionedUserIDs: mentionedUserIDs,
		CreatedAt:        c.clock.Now().UTC(),
		Status:           chat.Pending,
	}
	if err := c.msgs.AddPending(pending); err != nil {
		return chat.Message{}, err
	}

	sent, err := c.gw.SendMessage(ctx, conversationID, content, mentionedUserIDs, attachments)
	if err != nil {
		return c.sendFailed(pending, err)
	}

	c.mu.Lock()
	delete(c.echoed, pending.ID)
	c.mu.Unlock()
	if sent.ConversationID == "" {
		sent.ConversationID = conversationID
	}
	res := c.msgs.PromoteTemp(pending.ID, sent)
	c.metrics.SendSettled("sent")
	c.logger.Info("message sent",
		zap.String("client_msg_id", pending.ID),
		zap.String("server_msg_id", sent.ID),
		zap.Stringer("merge", res))
	c.bus.Publish(bus.Event{
		Kind:           bus.MessageSendAck,
		ConversationID: conversationID,
		Payload:        map[string]string{"client_msg_id": pending.ID, "server_msg_id": sent.ID},
	})
	sent.Status = chat.Sent
	return sent, nil
}

func (c *Coordinator) sendFailed(pending chat.Message, err error) (chat.Message, error) {
	c.mu.Lock()
	serverID, confirmed := c.echoed[pending.ID]
	delete(c.echoed, pending.ID)
	c.mu.Unlock()
	if confirmed {
		// The push echo proved the server stored it; only the response was lost.
		c.logger.Warn("send response lost after echo",
			zap.String("client_msg_id", pending.ID), zap.String("server_msg_id", serverID), zap.Error(err))
		if m, ok := c.msgs.Lookup(serverID); ok {
			return m, nil
		}
	}

	failed, ok := c.msgs.MarkFailed(pending.ID)
	if !ok {
		failed = pending
		failed.Status = chat.Failed
	}
	c.metrics.SendSettled("failed")
	c.logger.Error("failed to send message", zap.String("client_msg_id", pending.ID), zap.Error(err))
	c.bus.Publish(bus.Event{
		Kind:           bus.MessageSendFailed,
		ConversationID: pending.ConversationID,
		Payload:        map[string]string{"client_msg_id": pending.ID, "error": err.Error()},
	})
	return failed, err
}

// ObserveEcho promotes the pending entry a push echo of the current user's
// own message confirms, so the later gateway response is a no-op.
func (c *Coordinator) ObserveEcho(m chat.Message) bool {
	if m.SenderID != c.selfID {
		return false
	}
	tempID, ok := c.msgs.PromoteMatching(m)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.echoed[tempID] = m.ID
	c.mu.Unlock()
	c.logger.Debug("pending message confirmed by echo", zap.String("client_msg_id", tempID), zap.String("server_msg_id", m.ID))
	return true
}

// Resend sends the content of a failed entry again under a new temporary
// id. The failed entry is removed.
func (c *Coordinator) Resend(ctx context.Context, failedID string) (chat.Message, error) {
	m, ok := c.msgs.Lookup(failedID)
	if !ok {
		return chat.Message{}, &chat.UnknownReferenceError{MessageID: failedID}
	}
	if m.Status != chat.Failed {
		return chat.Message{}, &chat.ValidationError{Field: "message", Reason: "only failed messages can be resent"}
	}
	c.msgs.RemoveTemp(failedID)
	return c.Send(ctx, m.ConversationID, m.Content, m.MentionedUserIDs, m.Attachments)
}

// confirmed returns the stored message id, rejecting entries the server has
// not confirmed yet.
func (c *Coordinator) confirmed(messageID string) (chat.Message, error) {
	m, ok := c.msgs.Lookup(messageID)
	if !ok {
		return chat.Message{}, &chat.UnknownReferenceError{MessageID: messageID}
	}
	if m.IsTemp() || m.Status != chat.Sent {
		return chat.Message{}, &chat.ValidationError{Field: "message", Reason: "not confirmed by the server"}
	}
	return m, nil
}

func (c *Coordinator) begin(set map[string]int, id string) func() {
	c.mu.Lock()
	set[id]++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if set[id]--; set[id] <= 0 {
			delete(set, id)
		}
		c.mu.Unlock()
	}
}

// Update edits a confirmed message: the new content shows immediately, then
// the gateway response is merged. A response identical to an echo already
// applied is a no-op. Editing a tombstoned message does nothing.
func (c *Coordinator) Update(ctx context.Context, messageID, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: "empty"}
	}
	cur, err := c.confirmed(messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if cur.IsTombstoned() || cur.Content == content {
		return cur, nil
	}

	defer c.begin(c.updating, messageID)()
	if _, err := c.msgs.ApplyLocalEdit(messageID, content, c.clock.Now()); err != nil {
		return chat.Message{}, err
	}

	updated, err := c.gw.UpdateMessage(ctx, messageID, content)
	if err != nil {
		return c.rejected(cur, "update", err)
	}
	if updated.ConversationID == "" {
		updated.ConversationID = cur.ConversationID
	}
	res := c.msgs.Merge(updated)
	c.msgs.Settle(messageID)
	if res == messages.Unchanged {
		c.logger.Debug("edit already applied by echo", zap.String("msg_id", messageID))
	}
	out, _ := c.msgs.Lookup(messageID)
	return out, nil
}

// Delete tombstones a confirmed message locally, then on the server.
// Deleting an already tombstoned message does nothing.
func (c *Coordinator) Delete(ctx context.Context, messageID string) error {
	cur, err := c.confirmed(messageID)
	if err != nil {
		return err
	}
	if cur.IsTombstoned() {
		return nil
	}

	defer c.begin(c.deleting, messageID)()
	if _, err := c.msgs.ApplyLocalDelete(messageID, c.clock.Now()); err != nil {
		return err
	}
	if err := c.gw.DeleteMessage(ctx, messageID); err != nil {
		_, err = c.rejected(cur, "delete", err)
		return err
	}
	c.msgs.Settle(messageID)
	return nil
}

// rejected reconciles a failed edit or delete. A conflict means the server
// already tombstoned the message, which is applied locally and not reported.
// Anything else rolls the optimistic change back.
func (c *Coordinator) rejected(cur chat.Message, op string, err error) (chat.Message, error) {
	if chat.IsConflict(err) {
		c.logger.Info("message already deleted on server", zap.String("msg_id", cur.ID), zap.String("op", op))
		c.msgs.Restore(cur.ID)
		if _, terr := c.msgs.Tombstone(cur.ConversationID, cur.ID, c.clock.Now()); terr != nil {
			c.logger.Warn("tombstone after conflict", zap.String("msg_id", cur.ID), zap.Error(terr))
		}
		out, _ := c.msgs.Lookup(cur.ID)
		return out, nil
	}
	c.msgs.Restore(cur.ID)
	c.logger.Warn("message "+op+" rejected", zap.String("msg_id", cur.ID), zap.Error(err))
	return cur, err
}

// IsUpdating reports whether an edit of messageID is in flight; an empty id
// asks about any message.
func (c *Coordinator) IsUpdating(messageID string) bool {
	return c.inFlight(c.updating, messageID)
}

// IsDeleting reports whether a delete of messageID is in flight; an empty id
// asks about any message.
func (c *Coordinator) IsDeleting(messageID string) bool {
	return c.inFlight(c.deleting, messageID)
}

func (c *Coordinator) inFlight(set map[string]int, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" {
		return len(set) > 0
	}
	return set[id] > 0
}
