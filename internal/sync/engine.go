// Package sync composes the message, conversation, mention and channel
// components into the operations a chat client consumes.
package sync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/conversations"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/mention"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
)

// DefaultPageSize is used when Options.PageSize is zero.
const DefaultPageSize = 50

// Options tunes an Engine.
type Options struct {
	PageSize   int
	Tombstones messages.TombstonePolicy
}

// Engine is the chat facade. Operations block until their round trip
// settles; the loading and in-flight flags can be read concurrently.
type Engine struct {
	gw       gateway.Gateway
	self     session.Identity
	policy   messages.TombstonePolicy
	convs    *conversations.Store
	msgs     *messages.Store
	mentions *mention.Tracker
	outbox   *outbox.Coordinator
	channels *realtime.Manager
	bus      *bus.Bus
	clock    clock.Clock
	logger   *zap.Logger

	// generation is bumped by every selection change.
	generation atomic.Uint64

	mu       stdsync.Mutex
	selected string
	// listed holds the channel references taken for the conversation list.
	listed map[string]bool
	closed bool
}

// NewEngine wires an engine for self on top of gw and transport.
func NewEngine(gw gateway.Gateway, transport push.Transport, self session.Identity, opts Options, b *bus.Bus, m *metrics.Engine, clk clock.Clock, logger *zap.Logger) *Engine {
	logger = logging.OrNop(logger)
	if clk == nil {
		clk = clock.Real()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Tombstones == "" {
		opts.Tombstones = messages.Placeholder
	}

	e := &Engine{
		gw:     gw,
		self:   self,
		policy: opts.Tombstones,
		convs:  conversations.New(b),
		bus:    b,
		clock:  clk,
		logger: logger,
		listed: make(map[string]bool),
	}
	e.msgs = messages.New(gw, opts.PageSize, b, m, logger.Named("messages"))
	e.mentions = mention.New(gw, self.UserID, clk, e.mentionChanged, logger.Named("mention"))
	e.outbox = outbox.NewCoordinator(gw, e.msgs, self.UserID, clk, b, m, logger.Named("outbox"))
	e.msgs.SetObserver(e.messagesChanged)
	e.channels = realtime.NewManager(transport, e, m, logger.Named("realtime"))
	return e
}

func (e *Engine) mentionChanged(conversationID string, hasUnread bool, viewedAt time.Time) {
	if e.convs.SetUnreadMention(conversationID, hasUnread, viewedAt) {
		e.bus.Publish(bus.Event{Kind: bus.MentionChanged, ConversationID: conversationID, Payload: hasUnread})
	}
}

// messagesChanged keeps mention state and lastMessage in step with the logs.
func (e *Engine) messagesChanged(changed []chat.Message) {
	touched := make(map[string]bool)
	for _, m := range changed {
		e.mentions.Observe(m)
		touched[m.ConversationID] = true
	}
	for id := range touched {
		e.syncLastMessage(id)
	}
}

// syncLastMessage derives lastMessage from the log. It is authoritative only
// when the log holds the newest page; otherwise a newer message may replace
// the listed one but nothing can clear it.
func (e *Engine) syncLastMessage(conversationID string) (authoritative bool) {
	latest := e.msgs.Latest(conversationID)
	authoritative = e.msgs.Loaded(conversationID) && (latest != nil || !e.msgs.HasMore(conversationID))
	e.convs.SetLastMessage(conversationID, latest, authoritative)
	return authoritative
}

// Start loads the conversation list and subscribes to its channels.
func (e *Engine) Start(ctx context.Context) error {
	return e.RefreshConversations(ctx)
}

// RefreshConversations replaces the conversation list with the server's.
// Conversations that disappeared are evicted with their logs and channels.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	list, err := e.gw.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	valid := list[:0]
	for _, c := range list {
		if err := c.Validate(); err != nil {
			e.logger.Warn("skipping malformed conversation", zap.String("conversation_id", c.ID), zap.Error(err))
			continue
		}
		valid = append(valid, c)
	}

	evicted := e.convs.Replace(valid)
	for _, c := range valid {
		e.mentions.Seed(c)
		e.convs.SetUnreadMention(c.ID, e.mentions.HasUnread(c.ID), e.mentions.ViewedAt(c.ID))
		if e.msgs.Loaded(c.ID) {
			e.syncLastMessage(c.ID)
		}
	}
	for _, id := range evicted {
		e.forget(id)
	}

	var toSubscribe []string
	e.mu.Lock()
	for _, c := range valid {
		if !e.listed[c.ID] {
			e.listed[c.ID] = true
			toSubscribe = append(toSubscribe, c.ID)
		}
	}
	e.mu.Unlock()
	for _, id := range toSubscribe {
		if err := e.channels.Subscribe(ctx, id); err != nil {
			e.mu.Lock()
			delete(e.listed, id)
			e.mu.Unlock()
			e.logger.Warn("list subscription failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	e.logger.Debug("conversations refreshed", zap.Int("count", len(valid)), zap.Int("evicted", len(evicted)))
	return nil
}

// forget drops every local trace of a conversation removed on the server.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	listed := e.listed[id]
	delete(e.listed, id)
	selected := e.selected == id
	if selected {
		e.selected = ""
		e.generation.Add(1)
	}
	e.mu.Unlock()

	if listed {
		_ = e.channels.Unsubscribe(id)
	}
	if selected {
		_ = e.channels.Unsubscribe(id)
	}
	e.msgs.Evict(id)
	e.mentions.Drop(id)
	e.logger.Info("conversation evicted", zap.String("conversation_id", id))
}

// CreateConversation creates a conversation with self and the given users
// and adds it to the list.
func (e *Engine) CreateConversation(ctx context.Context, kind chat.Kind, memberIDs []string, name string) (chat.Conversation, error) {
	others := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id != "" && id != e.self.UserID && !slices.Contains(others, id) {
			others = append(others, id)
		}
	}
	switch {
	case len(others) == 0:
		return chat.Conversation{}, &chat.ValidationError{Field: "members", Reason: "no recipients"}
	case kind == chat.DM && len(others) != 1:
		return chat.Conversation{}, &chat.ValidationError{Field: "members", Reason: "a DM has exactly one recipient"}
	case kind == chat.DM && name != "":
		return chat.Conversation{}, &chat.ValidationError{Field: "name", Reason: "only group conversations carry a name"}
	case kind != chat.DM && kind != chat.Group:
		return chat.Conversation{}, &chat.ValidationError{Field: "kind", Reason: "unknown kind " + string(kind)}
	}

	c, err := e.gw.CreateConversation(ctx, kind, others, name)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if err := c.Validate(); err != nil {
		return chat.Conversation{}, err
	}
	e.convs.Upsert(c)
	e.mu.Lock()
	subscribe := !e.listed[c.ID]
	e.listed[c.ID] = true
	e.mu.Unlock()
	if subscribe {
		if err := e.channels.Subscribe(ctx, c.ID); err != nil {
			e.logger.Warn("list subscription failed", zap.String("conversation_id", c.ID), zap.Error(err))
		}
	}
	return c, nil
}

// SelectConversation opens a conversation: its channel is held while it is
// selected, the first page is fetched unless already loaded and the
// conversation is marked viewed. Responses that arrive after another
// selection are discarded.
func (e *Engine) SelectConversation(ctx context.Context, id string) error {
	if !e.convs.Has(id) {
		return &chat.UnknownReferenceError{ConversationID: id}
	}
	e.mu.Lock()
	prev := e.selected
	e.selected = id
	gen := e.generation.Load()
	if prev != id {
		gen = e.generation.Add(1)
	}
	e.mu.Unlock()

	if prev != id {
		if prev != "" {
			_ = e.channels.Unsubscribe(prev)
		}
		if err := e.channels.Subscribe(ctx, id); err != nil {
			e.logger.Warn("selection subscription failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	valid := func() bool { return e.generation.Load() == gen }
	if !e.msgs.Loaded(id) {
		if err := e.msgs.FetchFirstPage(ctx, id, valid); err != nil {
			return err
		}
	}
	if valid() {
		if err := e.MarkConversationViewed(ctx, id); err != nil {
			e.logger.Debug("mark viewed on select", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return nil
}

// Deselect closes the selected conversation.
func (e *Engine) Deselect() {
	e.mu.Lock()
	prev := e.selected
	e.selected = ""
	e.generation.Add(1)
	e.mu.Unlock()
	if prev != "" {
		_ = e.channels.Unsubscribe(prev)
	}
}

// Conversations returns the conversation list, most recent activity first.
func (e *Engine) Conversations() []chat.Conversation {
	return e.convs.List()
}

// Conversation returns one conversation.
func (e *Engine) Conversation(id string) (chat.Conversation, bool) {
	return e.convs.Get(id)
}

// Self returns the identity the engine acts as.
func (e *Engine) Self() session.Identity {
	return e.self
}

// SelectedConversation returns the open conversation, if any.
func (e *Engine) SelectedConversation() (chat.Conversation, bool) {
	e.mu.Lock()
	id := e.selected
	e.mu.Unlock()
	if id == "" {
		return chat.Conversation{}, false
	}
	return e.convs.Get(id)
}

func (e *Engine) selectedID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Messages returns the log of the selected conversation as it should be
// rendered.
func (e *Engine) Messages() []chat.Message {
	id := e.selectedID()
	if id == "" {
		return nil
	}
	return e.msgs.Visible(id, e.policy)
}

// MessagesOf returns the rendered log of any conversation.
func (e *Engine) MessagesOf(conversationID string) []chat.Message {
	return e.msgs.Visible(conversationID, e.policy)
}

// IsLoadingMessages reports whether a page of the selected conversation is loading.
func (e *Engine) IsLoadingMessages() bool {
	return e.msgs.IsLoading(e.selectedID())
}

// HasMoreMessages reports whether the selected conversation has older history.
func (e *Engine) HasMoreMessages() bool {
	return e.msgs.HasMore(e.selectedID())
}

// LoadError returns the last page failure of the selected conversation.
func (e *Engine) LoadError() error {
	return e.msgs.LoadError(e.selectedID())
}

// LoadMoreMessages fetches the next older page of the selected conversation.
func (e *Engine) LoadMoreMessages(ctx context.Context) error {
	e.mu.Lock()
	id := e.selected
	gen := e.generation.Load()
	e.mu.Unlock()
	if id == "" {
		return nil
	}
	return e.msgs.LoadMore(ctx, id, func() bool { return e.generation.Load() == gen })
}

// SendMessage sends to the selected conversation, or to conversationID when
// it is not empty.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, mentionedUserIDs []string, attachments []chat.Attachment) (chat.Message, error) {
	if conversationID == "" {
		conversationID = e.selectedID()
	}
	return e.outbox.Send(ctx, conversationID, content, mentionedUserIDs, attachments)
}

// ResendMessage retries a failed send as a new message.
func (e *Engine) ResendMessage(ctx context.Context, failedID string) (chat.Message, error) {
	return e.outbox.Resend(ctx, failedID)
}

// UpdateMessage edits the content of a sent message.
func (e *Engine) UpdateMessage(ctx context.Context, messageID, content string) (chat.Message, error) {
	return e.outbox.Update(ctx, messageID, content)
}

// DeleteMessage deletes a sent message.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	return e.outbox.Delete(ctx, messageID)
}

// IsUpdatingMessage reports an edit in flight; an empty id asks about any message.
func (e *Engine) IsUpdatingMessage(messageID string) bool {
	return e.outbox.IsUpdating(messageID)
}

// IsDeletingMessage reports a delete in flight; an empty id asks about any message.
func (e *Engine) IsDeletingMessage(messageID string) bool {
	return e.outbox.IsDeleting(messageID)
}

// MarkMentionsAsRead clears the unread-mention flag of a conversation.
func (e *Engine) MarkMentionsAsRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		conversationID = e.selectedID()
	}
	if !e.convs.Has(conversationID) {
		return &chat.UnknownReferenceError{ConversationID: conversationID}
	}
	return e.mentions.MarkAsRead(ctx, conversationID)
}

// HasUnreadMention reports the unread-mention flag of a conversation.
func (e *Engine) HasUnreadMention(conversationID string) bool {
	return e.mentions.HasUnread(conversationID)
}

// MarkConversationViewed resets the unread counter locally and on the server.
func (e *Engine) MarkConversationViewed(ctx context.Context, conversationID string) error {
	e.convs.MarkViewed(conversationID, e.clock.Now().UTC())
	if err := e.gw.MarkConversationViewed(ctx, conversationID); err != nil {
		return fmt.Errorf("mark conversation viewed: %w", err)
	}
	return nil
}

// Close releases every channel. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.selected = ""
	clear(e.listed)
	e.generation.Add(1)
	e.mu.Unlock()
	e.channels.Close()
}
