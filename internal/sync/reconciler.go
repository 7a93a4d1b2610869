package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/realtime"
	"go.uber.org/zap"
)

// HandleEvent applies one push event. Replays are harmless: every branch
// merges by id and timestamp.
func (e *Engine) HandleEvent(ctx context.Context, ev realtime.Event) error {
	if !e.convs.Has(ev.ConversationID) {
		// A conversation we have not listed yet, e.g. created by someone else.
		return &chat.UnknownReferenceError{ConversationID: ev.ConversationID}
	}
	switch ev.Kind {
	case realtime.NewMessage:
		m := *ev.Message
		if m.SenderID == e.self.UserID && e.outbox.ObserveEcho(m) {
			return nil
		}
		res := e.msgs.Merge(m)
		// The stored entry may already be tombstoned by an earlier delete.
		if stored, ok := e.msgs.Lookup(m.ID); ok {
			m = stored
		}
		if res == messages.Inserted && m.SenderID != e.self.UserID && !m.IsTombstoned() {
			e.countUnread(ev.ConversationID)
		}
		if e.msgs.Loaded(ev.ConversationID) {
			e.syncLastMessage(ev.ConversationID)
			break
		}
		// Outside a loaded log the list still moves.
		if !m.IsTombstoned() {
			e.convs.SetLastMessage(ev.ConversationID, &m, false)
		}
	case realtime.MessageUpdated:
		if _, err := e.msgs.Update(*ev.Message); err != nil {
			return err
		}
	case realtime.MessageDeleted:
		if _, err := e.msgs.Tombstone(ev.ConversationID, ev.MessageID, e.clock.Now()); err != nil {
			return err
		}
		e.mentions.Forget(ev.ConversationID, ev.MessageID)
		if c, ok := e.convs.Get(ev.ConversationID); ok && c.LastMessage != nil && c.LastMessage.ID == ev.MessageID {
			if !e.syncLastMessage(ev.ConversationID) {
				// Only the server knows the message before it.
				return e.RefreshConversations(ctx)
			}
		}
	case realtime.ConversationViewed:
		e.convs.SetMemberViewed(ev.ConversationID, ev.UserID, ev.ViewedAt)
		if ev.UserID == e.self.UserID {
			e.convs.MarkViewed(ev.ConversationID, ev.ViewedAt)
		}
	case realtime.MentionsViewed:
		e.mentions.ApplyViewed(ev.ConversationID, ev.UserID, ev.ViewedAt)
	default:
		return fmt.Errorf("unhandled event %q", ev.Kind)
	}
	return nil
}

func (e *Engine) countUnread(conversationID string) {
	if e.selectedID() == conversationID {
		return
	}
	e.convs.IncrementUnread(conversationID)
}

// Reconcile re-fetches the conversation list once and the most recent page
// of every given conversation whose log is loaded.
func (e *Engine) Reconcile(ctx context.Context, conversationIDs []string) error {
	var errs []error
	if err := e.RefreshConversations(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, id := range conversationIDs {
		if !e.convs.Has(id) || !e.msgs.Loaded(id) {
			continue
		}
		if err := e.msgs.Refresh(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", id, err))
			continue
		}
		e.syncLastMessage(id)
	}
	e.logger.Info("reconciled", zap.Strings("conversation_ids", conversationIDs), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}
