// Package conversations holds conversation metadata: kind, name, members,
// last message and unread counters. Memberships are keyed records, never
// back references.
package conversations

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

// Store is the client's view of the conversation list. Safe for concurrent use.
type Store struct {
	bus *bus.Bus

	mu      sync.RWMutex
	convs   map[string]*chat.Conversation
	members map[chat.MemberKey]chat.Member
	// order keeps member listing stable per conversation.
	order map[string][]string
}

// New creates an empty store.
func New(b *bus.Bus) *Store {
	return &Store{
		bus:     b,
		convs:   make(map[string]*chat.Conversation),
		members: make(map[chat.MemberKey]chat.Member),
		order:   make(map[string][]string),
	}
}

func (s *Store) upsertLocked(c chat.Conversation) {
	c = c.Clone()
	for _, id := range s.order[c.ID] {
		delete(s.members, chat.MemberKey{ConversationID: c.ID, UserID: id})
	}
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		m.ConversationID = c.ID
		if _, dup := s.members[m.Key()]; dup {
			continue
		}
		s.members[m.Key()] = m
		ids = append(ids, m.UserID)
	}
	s.order[c.ID] = ids
	c.Members = nil
	s.convs[c.ID] = &c
}

func (s *Store) evictLocked(id string) bool {
	if _, ok := s.convs[id]; !ok {
		return false
	}
	for _, uid := range s.order[id] {
		delete(s.members, chat.MemberKey{ConversationID: id, UserID: uid})
	}
	delete(s.order, id)
	delete(s.convs, id)
	return true
}

// Replace merges a full listing from the server. Conversations missing from
// the listing were removed server-side and are evicted; their ids are returned.
func (s *Store) Replace(list []chat.Conversation) (evicted []string) {
	seen := make(map[string]bool, len(list))
	s.mu.Lock()
	for _, c := range list {
		seen[c.ID] = true
		s.upsertLocked(c)
	}
	for id := range s.convs {
		if !seen[id] {
			s.evictLocked(id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(evicted)
	s.bus.Publish(bus.Event{Kind: bus.ConversationsChanged})
	return evicted
}

// Upsert adds or replaces one conversation.
func (s *Store) Upsert(c chat.Conversation) {
	s.mu.Lock()
	s.upsertLocked(c)
	s.mu.Unlock()
	s.bus.Publish(bus.Event{Kind: bus.ConversationsChanged, ConversationID: c.ID})
}

// Evict removes a conversation and its memberships.
func (s *Store) Evict(id string) bool {
	s.mu.Lock()
	ok := s.evictLocked(id)
	s.mu.Unlock()
	if ok {
		s.bus.Publish(bus.Event{Kind: bus.ConversationsChanged, ConversationID: id})
	}
	return ok
}

func (s *Store) assembleLocked(c *chat.Conversation) chat.Conversation {
	out := c.Clone()
	out.Members = make([]chat.Member, 0, len(s.order[c.ID]))
	for _, uid := range s.order[c.ID] {
		out.Members = append(out.Members, s.members[chat.MemberKey{ConversationID: c.ID, UserID: uid}])
	}
	return out
}

// Get returns one conversation with its members.
func (s *Store) Get(id string) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return s.assembleLocked(c), true
}

// Has reports whether id is known.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[id]
	return ok
}

// List returns every conversation, most recent activity first.
func (s *Store) List() []chat.Conversation {
	s.mu.RLock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, s.assembleLocked(c))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b chat.Conversation) int {
		if c := activity(b).Compare(activity(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func activity(c chat.Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// IDs returns the known conversation ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Member looks up one membership record.
func (s *Store) Member(conversationID, userID string) (chat.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[chat.MemberKey{ConversationID: conversationID, UserID: userID}]
	return m, ok
}

// Members returns the members of a conversation in listing order.
func (s *Store) Members(conversationID string) []chat.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Member, 0, len(s.order[conversationID]))
	for _, uid := range s.order[conversationID] {
		out = append(out, s.members[chat.MemberKey{ConversationID: conversationID, UserID: uid}])
	}
	return out
}

// update applies fn to a conversation and publishes a change when fn reports one.
func (s *Store) update(id string, fn func(*chat.Conversation) bool) bool {
	s.mu.Lock()
	c, ok := s.convs[id]
	changed := ok && fn(c)
	s.mu.Unlock()
	if changed {
		s.bus.Publish(bus.Event{Kind: bus.ConversationUpdated, ConversationID: id})
	}
	return changed
}

// SetLastMessage records the latest non-tombstoned message. When
// authoritative is false the message log is only partially known, so m
// replaces the current value only if it is newer; otherwise m (possibly nil)
// replaces it unconditionally.
func (s *Store) SetLastMessage(id string, m *chat.Message, authoritative bool) bool {
	return s.update(id, func(c *chat.Conversation) bool {
		cur := c.LastMessage
		if !authoritative {
			if m == nil || (cur != nil && cur.ID != m.ID && chat.Compare(*m, *cur) < 0) {
				return false
			}
		}
		if cur == nil && m == nil {
			return false
		}
		if cur != nil && m != nil && cur.Equal(*m) {
			return false
		}
		if m == nil {
			c.LastMessage = nil
			return true
		}
		lm := m.Clone()
		c.LastMessage = &lm
		return true
	})
}

// IncrementUnread counts one more unread message.
func (s *Store) IncrementUnread(id string) bool {
	return s.update(id, func(c *chat.Conversation) bool {
		c.UnreadCount++
		return true
	})
}

// MarkViewed clears the unread counter of the current user.
func (s *Store) MarkViewed(id string, at time.Time) bool {
	return s.update(id, func(c *chat.Conversation) bool {
		if c.UnreadCount == 0 && !at.After(c.LastViewedAt) {
			return false
		}
		c.UnreadCount = 0
		if at.After(c.LastViewedAt) {
			c.LastViewedAt = at
		}
		return true
	})
}

// SetUnreadMention stores the mention flag computed by the mention tracker.
func (s *Store) SetUnreadMention(id string, has bool, viewedAt time.Time) bool {
	return s.update(id, func(c *chat.Conversation) bool {
		if c.HasUnreadMention == has && !viewedAt.After(c.MentionsViewedAt) {
			return false
		}
		c.HasUnreadMention = has
		if viewedAt.After(c.MentionsViewedAt) {
			c.MentionsViewedAt = viewedAt
		}
		return true
	})
}

// SetMemberViewed records when a member last viewed the conversation. The
// latest timestamp wins.
func (s *Store) SetMemberViewed(conversationID, userID string, at time.Time) bool {
	key := chat.MemberKey{ConversationID: conversationID, UserID: userID}
	s.mu.Lock()
	m, ok := s.members[key]
	changed := ok && at.After(m.LastViewedAt)
	if changed {
		m.LastViewedAt = at
		s.members[key] = m
	}
	s.mu.Unlock()
	if changed {
		s.bus.Publish(bus.Event{Kind: bus.ConversationUpdated, ConversationID: conversationID})
	}
	return changed
}
