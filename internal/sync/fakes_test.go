package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeServer is an in-memory chat backend. Mutations are pushed
// synchronously to every connected transport, like chatd does.
type fakeServer struct {
	clock *clock.FakeClock

	mu             stdsync.Mutex
	seq            int
	convs          map[string]chat.Conversation
	logs           map[string][]chat.Message
	viewed         map[chat.MemberKey]time.Time
	mentionsViewed map[chat.MemberKey]time.Time
	transports     []*fakeTransport
	muted          bool
	sendErr        error
	// hold blocks GetMessages of a conversation until closed; entered is
	// signalled when a call starts waiting.
	hold    map[string]chan struct{}
	entered chan string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clock:          clock.Fake(base),
		convs:          make(map[string]chat.Conversation),
		logs:           make(map[string][]chat.Message),
		viewed:         make(map[chat.MemberKey]time.Time),
		mentionsViewed: make(map[chat.MemberKey]time.Time),
		hold:           make(map[string]chan struct{}),
		entered:        make(chan string, 4),
	}
}

func (s *fakeServer) addConversation(id string, kind chat.Kind, name string, users ...string) {
	c := chat.Conversation{ID: id, Kind: kind, Name: name}
	for _, u := range users {
		c.Members = append(c.Members, chat.Member{ConversationID: id, UserID: u, Username: u})
	}
	s.mu.Lock()
	s.convs[id] = c
	s.mu.Unlock()
}

func (s *fakeServer) removeConversation(id string) {
	s.mu.Lock()
	delete(s.convs, id)
	delete(s.logs, id)
	s.mu.Unlock()
}

// seed stores a message without pushing it.
func (s *fakeServer) seed(convID, id, sender string, at time.Time) chat.Message {
	m := chat.Message{ID: id, ConversationID: convID, SenderID: sender, Content: "body of " + id, CreatedAt: at, Status: chat.Sent}
	s.mu.Lock()
	s.logs[convID] = append(s.logs[convID], m)
	chat.Sort(s.logs[convID])
	s.mu.Unlock()
	return m
}

func (s *fakeServer) setMuted(v bool) {
	s.mu.Lock()
	s.muted = v
	s.mu.Unlock()
}

func (s *fakeServer) ids(convID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.logs[convID] {
		out = append(out, m.ID)
	}
	return out
}

func (s *fakeServer) connect() *fakeTransport {
	tr := &fakeTransport{handles: make(map[string]*fakeHandle)}
	s.mu.Lock()
	s.transports = append(s.transports, tr)
	s.mu.Unlock()
	return tr
}

func (s *fakeServer) publish(convID, event string, payload any) {
	s.mu.Lock()
	muted := s.muted
	trs := slices.Clone(s.transports)
	s.mu.Unlock()
	if muted {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	for _, tr := range trs {
		tr.fire(realtime.ChannelName(convID), event, data)
	}
}

func (s *fakeServer) findLocked(id string) (string, int) {
	for convID, log := range s.logs {
		if i := slices.IndexFunc(log, func(m chat.Message) bool { return m.ID == id }); i >= 0 {
			return convID, i
		}
	}
	return "", -1
}

// as returns the gateway of one user.
func (s *fakeServer) as(user string) *fakeGateway {
	return &fakeGateway{s: s, user: user}
}

// newSession starts an engine for user on its own transport.
func newSession(t *testing.T, s *fakeServer, user string, opts Options) (*Engine, *fakeTransport) {
	t.Helper()
	tr := s.connect()
	e := NewEngine(s.as(user), tr, session.Identity{UserID: user}, opts, bus.New(), nil, s.clock, zap.NewNop())
	t.Cleanup(e.Close)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, tr
}

type fakeGateway struct {
	s    *fakeServer
	user string
}

func (g *fakeGateway) ListConversations(context.Context) ([]chat.Conversation, error) {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Conversation
	for id, c := range s.convs {
		if !slices.ContainsFunc(c.Members, func(m chat.Member) bool { return m.UserID == g.user }) {
			continue
		}
		c = c.Clone()
		key := chat.MemberKey{ConversationID: id, UserID: g.user}
		c.LastViewedAt = s.viewed[key]
		c.MentionsViewedAt = s.mentionsViewed[key]
		for _, m := range s.logs[id] {
			if m.DeletedAt != nil {
				continue
			}
			lm := m
			c.LastMessage = &lm
			if m.SenderID != g.user && m.CreatedAt.After(c.LastViewedAt) {
				c.UnreadCount++
			}
			if m.Mentions(g.user) && m.CreatedAt.After(c.MentionsViewedAt) {
				c.HasUnreadMention = true
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *fakeGateway) GetMessages(_ context.Context, convID string, cursor *chat.Cursor, pageSize int) (chat.Page, error) {
	s := g.s
	s.mu.Lock()
	hold := s.hold[convID]
	s.mu.Unlock()
	if hold != nil {
		s.entered <- convID
		<-hold
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[convID]; !ok {
		return chat.Page{}, &chat.UnknownReferenceError{ConversationID: convID}
	}
	log := s.logs[convID]
	end := len(log)
	if cursor != nil {
		end = slices.IndexFunc(log, func(m chat.Message) bool { return !m.OlderThan(*cursor) })
		if end < 0 {
			end = len(log)
		}
	}
	start := max(0, end-pageSize)
	page := chat.Page{Messages: slices.Clone(log[start:end]), HasMore: start > 0}
	if len(page.Messages) > 0 {
		c := chat.CursorOf(page.Messages[0])
		page.NextCursor = &c
	}
	return page, nil
}

func (g *fakeGateway) SendMessage(_ context.Context, convID, content string, mentions []string, attachments []chat.Attachment) (chat.Message, error) {
	s := g.s
	s.mu.Lock()
	if err := s.sendErr; err != nil {
		s.mu.Unlock()
		return chat.Message{}, err
	}
	s.seq++
	m := chat.Message{
		ID: fmt.Sprintf("s%03d", s.seq), ConversationID: convID, SenderID: g.user,
		Content: content, MentionedUserIDs: mentions, Attachments: attachments,
		CreatedAt: s.clock.Advance(time.Minute), Status: chat.Sent,
	}
	s.logs[convID] = append(s.logs[convID], m)
	chat.Sort(s.logs[convID])
	s.mu.Unlock()
	s.publish(convID, wire.EventNewMessage, wire.MessagePayload{Message: m})
	return m, nil
}

func (g *fakeGateway) UpdateMessage(_ context.Context, id, content string) (chat.Message, error) {
	s := g.s
	s.mu.Lock()
	convID, i := s.findLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return chat.Message{}, &chat.UnknownReferenceError{MessageID: id}
	}
	m := &s.logs[convID][i]
	if m.DeletedAt != nil {
		s.mu.Unlock()
		return chat.Message{}, &chat.ConflictError{MessageID: id}
	}
	edited := s.clock.Advance(time.Second)
	m.Content = content
	m.EditedAt = &edited
	out := m.Clone()
	s.mu.Unlock()
	s.publish(convID, wire.EventMessageUpdated, wire.MessagePayload{Message: out})
	return out, nil
}

func (g *fakeGateway) DeleteMessage(_ context.Context, id string) error {
	s := g.s
	s.mu.Lock()
	convID, i := s.findLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return &chat.UnknownReferenceError{MessageID: id}
	}
	m := &s.logs[convID][i]
	if m.DeletedAt != nil {
		s.mu.Unlock()
		return &chat.ConflictError{MessageID: id}
	}
	deleted := s.clock.Now()
	m.DeletedAt = &deleted
	sender := m.SenderID
	s.mu.Unlock()
	s.publish(convID, wire.EventMessageDeleted, wire.DeletedPayload{MessageID: id, ConversationID: convID, SenderID: sender})
	return nil
}

func (g *fakeGateway) MarkConversationViewed(_ context.Context, convID string) error {
	at := g.mark(g.s.viewed, convID)
	g.s.publish(convID, wire.EventConversationViewed, wire.ViewedPayload{UserID: g.user, ViewedAt: at})
	return nil
}

func (g *fakeGateway) MarkMentionsViewed(_ context.Context, convID string) error {
	at := g.mark(g.s.mentionsViewed, convID)
	g.s.publish(convID, wire.EventMentionsViewed, wire.ViewedPayload{UserID: g.user, ViewedAt: at})
	return nil
}

func (g *fakeGateway) mark(set map[chat.MemberKey]time.Time, convID string) time.Time {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	at := g.s.clock.Now()
	set[chat.MemberKey{ConversationID: convID, UserID: g.user}] = at
	return at
}

func (g *fakeGateway) CreateConversation(_ context.Context, kind chat.Kind, memberIDs []string, name string) (chat.Conversation, error) {
	g.s.mu.Lock()
	g.s.seq++
	id := fmt.Sprintf("c%03d", g.s.seq)
	g.s.mu.Unlock()
	g.s.addConversation(id, kind, name, append([]string{g.user}, memberIDs...)...)
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return g.s.convs[id].Clone(), nil
}

type fakeHandle struct {
	mu        stdsync.Mutex
	callbacks map[string][]func([]byte)
}

func (h *fakeHandle) On(event string, fn func([]byte)) {
	h.mu.Lock()
	h.callbacks[event] = append(h.callbacks[event], fn)
	h.mu.Unlock()
}

type fakeTransport struct {
	mu         stdsync.Mutex
	handles    map[string]*fakeHandle
	subscribes []string
	reconnect  []func()
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string) (push.Handle, error) {
	h := &fakeHandle{callbacks: make(map[string][]func([]byte))}
	f.mu.Lock()
	f.handles[channel] = h
	f.subscribes = append(f.subscribes, channel)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeTransport) Unsubscribe(channel string) error {
	f.mu.Lock()
	delete(f.handles, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnReconnect(fn func()) {
	f.mu.Lock()
	f.reconnect = append(f.reconnect, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) fire(channel, event string, data []byte) {
	f.mu.Lock()
	h := f.handles[channel]
	f.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	fns := slices.Clone(h.callbacks[event])
	h.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeTransport) subscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.subscribes {
		if ch == channel {
			n++
		}
	}
	return n
}

// drop loses every subscription, as a broken connection does.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.handles = make(map[string]*fakeHandle)
	f.mu.Unlock()
}

func (f *fakeTransport) reconnected() {
	f.mu.Lock()
	fns := slices.Clone(f.reconnect)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
