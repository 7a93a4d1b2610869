// Package mention tracks, per conversation, whether a message mentioning the
// current user arrived after the user last viewed their mentions.
package mention

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

// Marker persists the mentions-viewed marker on the server.
type Marker interface {
	MarkMentionsViewed(ctx context.Context, conversationID string) error
}

// Sink receives every change of a conversation's unread-mention flag.
type Sink func(conversationID string, hasUnread bool, viewedAt time.Time)

type state struct {
	viewedAt time.Time
	unread   map[string]time.Time
	// seeded is the server's flag for mentions outside the loaded messages.
	seeded bool
}

func (st *state) has() bool {
	return st.seeded || len(st.unread) > 0
}

// advance moves the viewed marker forward and drops what it covers.
func (st *state) advance(at time.Time) bool {
	if !at.After(st.viewedAt) {
		return false
	}
	st.viewedAt = at
	st.seeded = false
	maps.DeleteFunc(st.unread, func(_ string, created time.Time) bool { return !created.After(at) })
	return true
}

// Tracker is the unread-mention state of the current user. Safe for concurrent use.
type Tracker struct {
	marker Marker
	selfID string
	clock  clock.Clock
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*state
}

// New creates a tracker for selfID. sink may be nil.
func New(marker Marker, selfID string, clk clock.Clock, sink Sink, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		marker: marker,
		selfID: selfID,
		clock:  clk,
		sink:   sink,
		logger: logging.OrNop(logger),
		states: make(map[string]*state),
	}
}

func (t *Tracker) stateFor(conversationID string) *state {
	st, ok := t.states[conversationID]
	if !ok {
		st = &state{unread: make(map[string]time.Time)}
		t.states[conversationID] = st
	}
	return st
}

// change runs fn under the lock and forwards a flag change to the sink.
func (t *Tracker) change(conversationID string, fn func(*state) bool) bool {
	t.mu.Lock()
	st := t.stateFor(conversationID)
	before := st.has()
	touched := fn(st)
	after, viewedAt := st.has(), st.viewedAt
	t.mu.Unlock()
	if touched && t.sink != nil {
		t.sink(conversationID, after, viewedAt)
	}
	return before != after
}

// Seed loads the server's view of a conversation from a listing. A local
// marker newer than the server's is kept.
func (t *Tracker) Seed(c chat.Conversation) {
	t.change(c.ID, func(st *state) bool {
		switch {
		case c.MentionsViewedAt.After(st.viewedAt):
			st.advance(c.MentionsViewedAt)
			st.seeded = c.HasUnreadMention
		case c.MentionsViewedAt.Equal(st.viewedAt):
			st.seeded = c.HasUnreadMention
		default:
			return false
		}
		return true
	})
}

// Observe updates the flag for a merged message. It reports whether the flag changed.
func (t *Tracker) Observe(m chat.Message) bool {
	if !m.Mentions(t.selfID) || m.SenderID == t.selfID || m.IsTemp() {
		return false
	}
	return t.change(m.ConversationID, func(st *state) bool {
		if m.IsTombstoned() {
			if _, ok := st.unread[m.ID]; !ok {
				return false
			}
			delete(st.unread, m.ID)
			return true
		}
		if !m.CreatedAt.After(st.viewedAt) {
			return false
		}
		if _, ok := st.unread[m.ID]; ok {
			return false
		}
		st.unread[m.ID] = m.CreatedAt
		return true
	})
}

// Forget drops a mention whose message went away.
func (t *Tracker) Forget(conversationID, messageID string) bool {
	return t.change(conversationID, func(st *state) bool {
		if _, ok := st.unread[messageID]; !ok {
			return false
		}
		delete(st.unread, messageID)
		return true
	})
}

// MarkAsRead clears the flag with the viewed marker set to now, then tells
// the server. On failure the previous state comes back unless a newer marker
// arrived in the meantime.
func (t *Tracker) MarkAsRead(ctx context.Context, conversationID string) error {
	now := t.clock.Now().UTC()
	var saved state
	t.change(conversationID, func(st *state) bool {
		saved = state{viewedAt: st.viewedAt, seeded: st.seeded, unread: maps.Clone(st.unread)}
		st.viewedAt = now
		st.seeded = false
		clear(st.unread)
		return true
	})

	err := t.marker.MarkMentionsViewed(ctx, conversationID)
	if err == nil {
		return nil
	}
	t.logger.Warn("mark mentions viewed failed", zap.String("conversation_id", conversationID), zap.Error(err))
	t.change(conversationID, func(st *state) bool {
		if !st.viewedAt.Equal(now) {
			return false
		}
		st.viewedAt = saved.viewedAt
		st.seeded = saved.seeded
		// Mentions observed since the optimistic clear are newer than now.
		maps.Copy(st.unread, saved.unread)
		return true
	})
	return err
}

// ApplyViewed merges a mentions-viewed marker from another session of the
// current user; the latest timestamp wins. Markers of other users are ignored.
func (t *Tracker) ApplyViewed(conversationID, userID string, viewedAt time.Time) bool {
	if userID != t.selfID {
		return false
	}
	return t.change(conversationID, func(st *state) bool {
		return st.advance(viewedAt)
	})
}

// HasUnread reports the unread-mention flag of a conversation.
func (t *Tracker) HasUnread(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[conversationID]
	return ok && st.has()
}

// ViewedAt returns the mentions-viewed marker of a conversation.
func (t *Tracker) ViewedAt(conversationID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[conversationID]; ok {
		return st.viewedAt
	}
	return time.Time{}
}

// Drop forgets an evicted conversation.
func (t *Tracker) Drop(conversationID string) {
	t.mu.Lock()
	delete(t.states, conversationID)
	t.mu.Unlock()
}
