package conversations

import (
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func conv(id string, lastMinute int, members ...string) chat.Conversation {
	c := chat.Conversation{ID: id, Kind: chat.Group, Name: "room " + id}
	for _, m := range members {
		c.Members = append(c.Members, chat.Member{UserID: m, Username: m})
	}
	if lastMinute >= 0 {
		c.LastMessage = &chat.Message{ID: id + "-last", ConversationID: id, CreatedAt: base.Add(time.Duration(lastMinute) * time.Minute)}
	}
	return c
}

func TestReplaceEvictsMissingConversations(t *testing.T) {
	s := New(bus.New())
	s.Replace([]chat.Conversation{conv("c1", 1, "alice"), conv("c2", 2, "alice", "bob")})

	evicted := s.Replace([]chat.Conversation{conv("c2", 2, "alice", "bob")})
	if !slices.Equal(evicted, []string{"c1"}) {
		t.Errorf("evicted = %v, want [c1]", evicted)
	}
	if s.Has("c1") {
		t.Error("c1 still present")
	}
	if _, ok := s.Member("c1", "alice"); ok {
		t.Error("membership of an evicted conversation survived")
	}
}

func TestListOrdersByActivity(t *testing.T) {
	s := New(bus.New())
	s.Replace([]chat.Conversation{conv("old", 1, "a"), conv("empty", -1, "a"), conv("new", 9, "a")})

	var got []string
	for _, c := range s.List() {
		got = append(got, c.ID)
	}
	if want := []string{"new", "old", "empty"}; !slices.Equal(got, want) {
		t.Errorf("List order = %v, want %v", got, want)
	}
}

func TestMembersAreKeyedRecords(t *testing.T) {
	s := New(bus.New())
	s.Upsert(conv("c1", 0, "alice", "bob", "alice"))

	members := s.Members("c1")
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2 (duplicates collapse)", len(members))
	}
	m, ok := s.Member("c1", "bob")
	if !ok || m.ConversationID != "c1" {
		t.Errorf("Member(c1, bob) = %+v, %v", m, ok)
	}

	c, _ := s.Get("c1")
	if len(c.Members) != 2 || c.Members[0].UserID != "alice" {
		t.Errorf("Get members = %+v", c.Members)
	}
}

func TestSetLastMessage(t *testing.T) {
	s := New(bus.New())
	s.Upsert(conv("c1", 5, "alice"))
	older := &chat.Message{ID: "m0", ConversationID: "c1", CreatedAt: base}
	newer := &chat.Message{ID: "m9", ConversationID: "c1", CreatedAt: base.Add(time.Hour)}

	if s.SetLastMessage("c1", older, false) {
		t.Error("a partial log replaced the last message with an older one")
	}
	if !s.SetLastMessage("c1", newer, false) {
		t.Error("newer message not accepted")
	}
	if !s.SetLastMessage("c1", nil, true) {
		t.Error("authoritative nil not applied")
	}
	if c, _ := s.Get("c1"); c.LastMessage != nil {
		t.Errorf("LastMessage = %+v, want nil", c.LastMessage)
	}
}

func TestUnreadCounters(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conversation.updated", 10)
	defer unsub()
	s := New(b)
	s.Upsert(conv("c1", 0, "alice"))

	s.IncrementUnread("c1")
	s.IncrementUnread("c1")
	if c, _ := s.Get("c1"); c.UnreadCount != 2 {
		t.Fatalf("UnreadCount = %d, want 2", c.UnreadCount)
	}
	if !s.MarkViewed("c1", base) {
		t.Fatal("MarkViewed reported no change")
	}
	if s.MarkViewed("c1", base) {
		t.Error("repeated MarkViewed should be a no-op")
	}
	if c, _ := s.Get("c1"); c.UnreadCount != 0 || !c.LastViewedAt.Equal(base) {
		t.Errorf("after MarkViewed = %+v", c)
	}
	if len(ch) != 3 {
		t.Errorf("published %d updates, want 3", len(ch))
	}
	if s.IncrementUnread("missing") {
		t.Error("IncrementUnread on an unknown conversation reported a change")
	}
}

func TestSetMemberViewedLatestWins(t *testing.T) {
	s := New(bus.New())
	s.Upsert(conv("c1", 0, "alice"))

	s.SetMemberViewed("c1", "alice", base.Add(time.Minute))
	if s.SetMemberViewed("c1", "alice", base) {
		t.Error("an older viewed marker replaced a newer one")
	}
	m, _ := s.Member("c1", "alice")
	if !m.LastViewedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("LastViewedAt = %v", m.LastViewedAt)
	}
}
