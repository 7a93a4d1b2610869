package messages

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// TombstonePolicy decides how deleted messages are rendered.
type TombstonePolicy string

const (
	// Placeholder keeps deleted messages in place with their content removed.
	Placeholder TombstonePolicy = "placeholder"
	// Hidden leaves deleted messages out entirely.
	Hidden TombstonePolicy = "hidden"
)

// ParsePolicy validates a configured policy name. Empty means Placeholder.
func ParsePolicy(name string) (TombstonePolicy, error) {
	switch TombstonePolicy(name) {
	case "", Placeholder:
		return Placeholder, nil
	case Hidden:
		return Hidden, nil
	default:
		return "", fmt.Errorf("unknown tombstone policy %q", name)
	}
}

// FetchFirstPage loads the most recent page of a conversation. It is a no-op
// while another load of the same conversation is in flight, unless that load
// belongs to a selection that is no longer current: then this fetch takes
// over and the older response is dropped. valid is checked before merging;
// when it reports false the response is discarded.
func (s *Store) FetchFirstPage(ctx context.Context, conversationID string, valid func() bool) error {
	s.mu.Lock()
	t := s.threadFor(conversationID)
	if t.loading && (t.loaded || t.loadValid == nil || t.loadValid()) {
		s.mu.Unlock()
		return nil
	}
	seq := s.beginLoadLocked(t, valid)
	epoch := t.epoch
	s.mu.Unlock()

	page, err := s.fetch.GetMessages(ctx, conversationID, nil, s.pageSize)
	return s.applyPage(conversationID, epoch, seq, page, err, valid, "fetch first page")
}

func (s *Store) beginLoadLocked(t *thread, valid func() bool) int {
	t.loading = true
	t.loadErr = nil
	s.loads++
	t.loadSeq = s.loads
	t.loadValid = valid
	return t.loadSeq
}

// LoadMore fetches the page before the cursor, merges it and moves the cursor
// to the new oldest message. It returns immediately when the first page is
// not loaded, a load is in flight or no older history exists. On failure the
// log is left untouched.
func (s *Store) LoadMore(ctx context.Context, conversationID string, valid func() bool) error {
	s.mu.Lock()
	t := s.threads[conversationID]
	if t == nil || !t.loaded || t.loading || !t.hasMore {
		s.mu.Unlock()
		return nil
	}
	seq := s.beginLoadLocked(t, valid)
	cursor := t.cursor
	epoch := t.epoch
	s.mu.Unlock()

	page, err := s.fetch.GetMessages(ctx, conversationID, &cursor, s.pageSize)
	return s.applyPage(conversationID, epoch, seq, page, err, valid, "load more messages")
}

func (s *Store) applyPage(conversationID string, epoch, seq int, page chat.Page, err error, valid func() bool, op string) error {
	s.mu.Lock()
	t := s.threads[conversationID]
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	if t.loadSeq != seq {
		// A newer load took over; it owns the loading flag.
		s.mu.Unlock()
		s.metrics.PageLoaded("stale")
		s.logger.Debug("discarding superseded page", zap.String("conversation_id", conversationID), zap.String("op", op))
		return nil
	}
	t.loading = false
	t.loadValid = nil
	if (valid != nil && !valid()) || t.epoch != epoch {
		s.mu.Unlock()
		s.metrics.PageLoaded("stale")
		s.logger.Debug("discarding stale page", zap.String("conversation_id", conversationID), zap.String("op", op))
		return nil
	}
	if err != nil {
		err = asLoadError(op, err)
		t.loadErr = err
		s.mu.Unlock()
		s.metrics.PageLoaded("error")
		s.logger.Warn("page fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}

	changed := s.mergePageLocked(t, conversationID, page)
	t.hasMore = page.HasMore
	t.loaded = true
	cursor := t.cursor
	s.mu.Unlock()

	s.metrics.PageLoaded("ok")
	s.notify(conversationID, changed)
	s.bus.Publish(bus.Event{Kind: bus.MessagesPageLoaded, ConversationID: conversationID, Payload: cursor})
	return nil
}

func (s *Store) mergePageLocked(t *thread, conversationID string, page chat.Page) []chat.Message {
	changed := make([]chat.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID || m.ID == "" || m.IsTemp() {
			s.logger.Warn("skipping malformed page message",
				zap.String("conversation_id", conversationID), zap.String("msg_id", m.ID))
			continue
		}
		res, out := s.mergeLocked(t, m, true)
		if res.Changed() {
			changed = append(changed, out)
		}
		if t.cursor.IsZero() || m.OlderThan(t.cursor) {
			t.cursor = chat.CursorOf(m)
		}
	}
	return changed
}

// Refresh re-fetches the most recent page to cover a window in which push
// events may have been lost. When the page does not overlap the loaded log
// and older history exists, the log is reset to that page so the cursor
// never spans a gap. Pending and failed entries survive a reset.
func (s *Store) Refresh(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	t := s.threads[conversationID]
	if t == nil || !t.loaded {
		s.mu.Unlock()
		return s.FetchFirstPage(ctx, conversationID, nil)
	}
	epoch := t.epoch
	s.mu.Unlock()

	page, err := s.fetch.GetMessages(ctx, conversationID, nil, s.pageSize)

	s.mu.Lock()
	t = s.threads[conversationID]
	if t == nil || t.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		err = asLoadError("refresh messages", err)
		t.loadErr = err
		s.mu.Unlock()
		s.metrics.PageLoaded("error")
		return err
	}

	newest := t.newestConfirmed()
	gap := page.HasMore && len(page.Messages) > 0 && newest != nil &&
		chat.Compare(page.Messages[0], *newest) > 0
	if gap {
		kept := t.entries[:0]
		for _, e := range t.entries {
			switch {
			case e.msg.IsTemp():
				kept = append(kept, e)
				continue
			case e.msg.DeletedAt != nil:
				t.bury(e.msg.ID, *e.msg.DeletedAt)
			}
			delete(s.where, e.msg.ID)
		}
		t.entries = kept
		t.cursor = chat.Cursor{}
		t.epoch++
	}
	empty := newest == nil
	changed := s.mergePageLocked(t, conversationID, page)
	if gap || empty {
		t.hasMore = page.HasMore
	}
	t.loadErr = nil
	s.mu.Unlock()

	if gap {
		s.logger.Info("message log reset after gap", zap.String("conversation_id", conversationID))
	}
	s.metrics.PageLoaded("ok")
	s.notify(conversationID, changed)
	return nil
}
