// Package messages keeps the per-conversation message logs: ordered by
// (CreatedAt, ID), deduplicated by id, tombstone-aware, with a backward
// pagination cursor.
package messages

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// Fetcher is the part of the gateway pages are read from.
type Fetcher interface {
	GetMessages(ctx context.Context, conversationID string, cursor *chat.Cursor, pageSize int) (chat.Page, error)
}

// Result describes what a merge did to the log.
type Result int

const (
	// Ignored means the payload was stale, out of the loaded window or malformed.
	Ignored Result = iota
	// Unchanged means the stored entry already had the same state.
	Unchanged
	Inserted
	Updated
)

// Changed reports whether the log was modified.
func (r Result) Changed() bool {
	return r == Inserted || r == Updated
}

func (r Result) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "ignored"
	}
}

type entry struct {
	msg chat.Message
	// serverRev is the EditedAt of the last server payload, zero if never edited.
	serverRev time.Time
	// prev is the state before an in-flight optimistic mutation.
	prev *chat.Message
}

type thread struct {
	entries []*entry
	cursor  chat.Cursor
	loaded  bool
	hasMore bool
	loading bool
	// loadSeq identifies the load that owns loading; loadValid is its guard.
	loadSeq   int
	loadValid func() bool
	// epoch changes when the log is reset, invalidating in-flight page loads.
	epoch   int
	loadErr error
	// graves holds deletions of messages not in the log, applied when the
	// message shows up late.
	graves map[string]time.Time
}

func (t *thread) bury(id string, at time.Time) {
	if t.graves == nil {
		t.graves = make(map[string]time.Time)
	}
	t.graves[id] = at.UTC()
}

// Store holds the message logs of every conversation the client has seen.
// All methods are safe for concurrent use; the lock is never held across a
// gateway call.
type Store struct {
	fetch    Fetcher
	pageSize int
	bus      *bus.Bus
	metrics  *metrics.Engine
	logger   *zap.Logger

	mu       sync.Mutex
	loads    int
	threads  map[string]*thread
	where    map[string]string
	observer func([]chat.Message)
}

// New creates an empty store loading pages of pageSize through fetch.
func New(fetch Fetcher, pageSize int, b *bus.Bus, m *metrics.Engine, logger *zap.Logger) *Store {
	return &Store{
		fetch:    fetch,
		pageSize: pageSize,
		bus:      b,
		metrics:  m,
		logger:   logging.OrNop(logger),
		threads:  make(map[string]*thread),
		where:    make(map[string]string),
	}
}

// SetObserver registers fn to receive every message whose stored state
// changed. fn runs outside the store lock. Must be called before use.
func (s *Store) SetObserver(fn func([]chat.Message)) {
	s.observer = fn
}

func (s *Store) threadFor(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{}
		s.threads[conversationID] = t
	}
	return t
}

func indexOf(t *thread, id string) int {
	return slices.IndexFunc(t.entries, func(e *entry) bool { return e.msg.ID == id })
}

func (t *thread) insert(e *entry) {
	i, _ := slices.BinarySearchFunc(t.entries, e.msg, func(x *entry, m chat.Message) int {
		return chat.Compare(x.msg, m)
	})
	t.entries = slices.Insert(t.entries, i, e)
}

func (t *thread) remove(i int) *entry {
	e := t.entries[i]
	t.entries = slices.Delete(t.entries, i, i+1)
	return e
}

func (t *thread) newestConfirmed() *chat.Message {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if m := t.entries[i].msg; !m.IsTemp() {
			return &m
		}
	}
	return nil
}

func revision(m chat.Message) time.Time {
	if m.EditedAt == nil {
		return time.Time{}
	}
	return *m.EditedAt
}

// mergeLocked applies a server payload. fromPage skips the window check
// because page results define the window.
func (s *Store) mergeLocked(t *thread, in chat.Message, fromPage bool) (Result, chat.Message) {
	if in.ID == "" || in.IsTemp() {
		return Ignored, in
	}
	in = in.Clone()
	in.Status = chat.Sent

	i := indexOf(t, in.ID)
	if i < 0 {
		if at, ok := t.graves[in.ID]; ok && in.DeletedAt == nil {
			in.DeletedAt = &at
		}
		if !fromPage && t.loaded && t.hasMore && !t.cursor.IsZero() && in.OlderThan(t.cursor) {
			// Pagination will bring it; inserting now would leave a gap above the cursor.
			return Ignored, in
		}
		delete(t.graves, in.ID)
		t.insert(&entry{msg: in, serverRev: revision(in)})
		s.where[in.ID] = in.ConversationID
		return Inserted, in
	}

	e := t.entries[i]
	rev := revision(in)
	stale := rev.Before(e.serverRev) || (e.prev != nil && !rev.After(e.serverRev))
	merged := e.msg.Clone()
	if stale {
		if in.DeletedAt == nil || merged.DeletedAt != nil {
			return Ignored, e.msg
		}
		merged.DeletedAt = in.DeletedAt
		e.prev = nil
	} else {
		optimisticDelete := e.prev != nil && e.msg.DeletedAt != nil && e.prev.DeletedAt == nil
		merged = in
		if merged.DeletedAt == nil && e.msg.DeletedAt != nil {
			merged.DeletedAt = e.msg.DeletedAt
		}
		e.serverRev = rev
		switch {
		case optimisticDelete && in.DeletedAt == nil:
			base := in.Clone()
			e.prev = &base
		default:
			e.prev = nil
		}
	}

	if merged.Equal(e.msg) {
		return Unchanged, e.msg
	}
	if !merged.CreatedAt.Equal(e.msg.CreatedAt) {
		t.remove(i)
		e.msg = merged
		t.insert(e)
	} else {
		e.msg = merged
	}
	return Updated, merged
}

func (s *Store) notify(conversationID string, changed []chat.Message) {
	if len(changed) == 0 {
		return
	}
	if s.observer != nil {
		s.observer(changed)
	}
	s.bus.Publish(bus.Event{Kind: bus.MessageUpserted, ConversationID: conversationID, Payload: changed})
}

// Merge inserts or updates a confirmed message. The newer payload wins,
// except that a tombstone is never cleared and a payload older than the
// stored server revision is ignored.
func (s *Store) Merge(m chat.Message) Result {
	s.mu.Lock()
	res, out := s.mergeLocked(s.threadFor(m.ConversationID), m, false)
	s.mu.Unlock()
	if res.Changed() {
		s.notify(m.ConversationID, []chat.Message{out})
	}
	return res
}

// Update merges an edited message that must already be known. An id that
// should be inside the loaded window but is missing yields an
// UnknownReferenceError; messages outside the window are ignored.
func (s *Store) Update(m chat.Message) (Result, error) {
	s.mu.Lock()
	t := s.threads[m.ConversationID]
	if t == nil || indexOf(t, m.ID) < 0 {
		inWindow := t != nil && t.loaded && !(t.hasMore && m.OlderThan(t.cursor))
		s.mu.Unlock()
		if inWindow {
			return Ignored, &chat.UnknownReferenceError{ConversationID: m.ConversationID, MessageID: m.ID}
		}
		return Ignored, nil
	}
	res, out := s.mergeLocked(t, m, false)
	s.mu.Unlock()
	if res.Changed() {
		s.notify(m.ConversationID, []chat.Message{out})
	}
	return res, nil
}

// Tombstone marks a message deleted as confirmed by the server. Unknown ids
// in a loaded log yield an UnknownReferenceError.
func (s *Store) Tombstone(conversationID, messageID string, at time.Time) (Result, error) {
	s.mu.Lock()
	t := s.threadFor(conversationID)
	i := indexOf(t, messageID)
	if i < 0 {
		// A late new-message for it must not resurrect the content.
		t.bury(messageID, at)
		loaded := t.loaded
		s.mu.Unlock()
		if loaded {
			return Ignored, &chat.UnknownReferenceError{ConversationID: conversationID, MessageID: messageID}
		}
		return Ignored, nil
	}
	e := t.entries[i]
	e.prev = nil
	if e.msg.DeletedAt != nil {
		s.mu.Unlock()
		return Unchanged, nil
	}
	at = at.UTC()
	e.msg.DeletedAt = &at
	out := e.msg.Clone()
	s.mu.Unlock()
	s.notify(conversationID, []chat.Message{out})
	return Updated, nil
}

// AddPending appends a locally created message carrying a temporary id.
func (s *Store) AddPending(m chat.Message) error {
	if !m.IsTemp() {
		return &chat.ValidationError{Field: "id", Reason: "pending messages need a temporary id"}
	}
	m = m.Clone()
	m.Status = chat.Pending
	s.mu.Lock()
	s.threadFor(m.ConversationID).insert(&entry{msg: m})
	s.where[m.ID] = m.ConversationID
	s.mu.Unlock()
	s.notify(m.ConversationID, []chat.Message{m})
	return nil
}

func (s *Store) removeTempLocked(tempID string) (string, bool) {
	conversationID, ok := s.where[tempID]
	if !ok {
		return "", false
	}
	t := s.threads[conversationID]
	if i := indexOf(t, tempID); i >= 0 {
		t.remove(i)
	}
	delete(s.where, tempID)
	return conversationID, true
}

// PromoteTemp replaces the pending entry tempID with its confirmed
// counterpart and re-sorts. When the confirmed message is already present
// (its echo arrived first) the result is Unchanged and no duplicate is made.
func (s *Store) PromoteTemp(tempID string, server chat.Message) Result {
	s.mu.Lock()
	_, removed := s.removeTempLocked(tempID)
	res, out := s.mergeLocked(s.threadFor(server.ConversationID), server, true)
	s.mu.Unlock()
	if res.Changed() {
		s.notify(server.ConversationID, []chat.Message{out})
	} else if removed {
		s.bus.Publish(bus.Event{Kind: bus.MessageUpserted, ConversationID: server.ConversationID})
	}
	return res
}

// PromoteMatching promotes the oldest pending entry that server confirms:
// same conversation, sender, content and mentions. It returns the temporary
// id that was replaced.
func (s *Store) PromoteMatching(server chat.Message) (string, bool) {
	s.mu.Lock()
	t := s.threads[server.ConversationID]
	if t == nil {
		s.mu.Unlock()
		return "", false
	}
	// A replayed echo of a confirmed message must not claim a newer pending
	// send with the same content.
	if _, known := s.where[server.ID]; known {
		s.mu.Unlock()
		return "", false
	}
	i := slices.IndexFunc(t.entries, func(e *entry) bool {
		m := e.msg
		return m.IsTemp() && m.Status == chat.Pending &&
			m.SenderID == server.SenderID &&
			m.Content == server.Content &&
			slices.Equal(m.MentionedUserIDs, server.MentionedUserIDs)
	})
	if i < 0 {
		s.mu.Unlock()
		return "", false
	}
	tempID := t.entries[i].msg.ID
	s.removeTempLocked(tempID)
	_, out := s.mergeLocked(t, server, true)
	s.mu.Unlock()
	s.notify(server.ConversationID, []chat.Message{out})
	return tempID, true
}

// RemoveTemp drops a pending or failed entry.
func (s *Store) RemoveTemp(tempID string) bool {
	if !chat.IsTempID(tempID) {
		return false
	}
	s.mu.Lock()
	conversationID, ok := s.removeTempLocked(tempID)
	s.mu.Unlock()
	if ok {
		s.bus.Publish(bus.Event{Kind: bus.MessageUpserted, ConversationID: conversationID})
	}
	return ok
}

// MarkFailed moves a pending entry to failed, keeping its content.
func (s *Store) MarkFailed(tempID string) (chat.Message, bool) {
	s.mu.Lock()
	e := s.entryLocked(tempID)
	if e == nil || e.msg.Status != chat.Pending {
		s.mu.Unlock()
		return chat.Message{}, false
	}
	e.msg.Status = chat.Failed
	out := e.msg.Clone()
	s.mu.Unlock()
	s.notify(out.ConversationID, []chat.Message{out})
	return out, true
}

func (s *Store) entryLocked(id string) *entry {
	conversationID, ok := s.where[id]
	if !ok {
		return nil
	}
	t := s.threads[conversationID]
	if i := indexOf(t, id); i >= 0 {
		return t.entries[i]
	}
	return nil
}

// mutateLocal applies fn to a confirmed message, remembering the prior state
// for Restore.
func (s *Store) mutateLocal(id string, fn func(*chat.Message)) (chat.Message, error) {
	s.mu.Lock()
	e := s.entryLocked(id)
	if e == nil {
		s.mu.Unlock()
		return chat.Message{}, &chat.UnknownReferenceError{MessageID: id}
	}
	if e.prev == nil {
		p := e.msg.Clone()
		e.prev = &p
	}
	fn(&e.msg)
	out := e.msg.Clone()
	s.mu.Unlock()
	s.notify(out.ConversationID, []chat.Message{out})
	return out, nil
}

// ApplyLocalEdit optimistically replaces the content of a message.
func (s *Store) ApplyLocalEdit(id, content string, at time.Time) (chat.Message, error) {
	at = at.UTC()
	return s.mutateLocal(id, func(m *chat.Message) {
		m.Content = content
		m.EditedAt = &at
	})
}

// ApplyLocalDelete optimistically tombstones a message.
func (s *Store) ApplyLocalDelete(id string, at time.Time) (chat.Message, error) {
	at = at.UTC()
	return s.mutateLocal(id, func(m *chat.Message) {
		m.DeletedAt = &at
	})
}

// Settle forgets the rollback state of an optimistic mutation the server accepted.
func (s *Store) Settle(id string) {
	s.mu.Lock()
	if e := s.entryLocked(id); e != nil {
		e.prev = nil
	}
	s.mu.Unlock()
}

// Restore rolls back an optimistic mutation the server rejected. It is a
// no-op when a server payload already superseded the local change.
func (s *Store) Restore(id string) bool {
	s.mu.Lock()
	e := s.entryLocked(id)
	if e == nil || e.prev == nil {
		s.mu.Unlock()
		return false
	}
	e.msg = *e.prev
	e.prev = nil
	out := e.msg.Clone()
	s.mu.Unlock()
	s.notify(out.ConversationID, []chat.Message{out})
	return true
}

// Lookup returns the message with id from any conversation.
func (s *Store) Lookup(id string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entryLocked(id); e != nil {
		return e.msg.Clone(), true
	}
	return chat.Message{}, false
}

// Contains reports whether id is stored.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.where[id]
	return ok
}

// Messages returns the whole log of a conversation, tombstones included.
func (s *Store) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conversationID]
	if t == nil {
		return nil
	}
	out := make([]chat.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Visible returns the log as it should be rendered under policy.
func (s *Store) Visible(conversationID string, policy TombstonePolicy) []chat.Message {
	all := s.Messages(conversationID)
	out := all[:0]
	for _, m := range all {
		if m.IsTombstoned() {
			if policy == Hidden {
				continue
			}
			m.Content = ""
			m.Attachments = nil
			m.MentionedUserIDs = nil
		}
		out = append(out, m)
	}
	return out
}

// Latest returns the newest confirmed message that is not tombstoned.
func (s *Store) Latest(conversationID string) *chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conversationID]
	if t == nil {
		return nil
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		m := t.entries[i].msg
		if m.IsTemp() || m.IsTombstoned() {
			continue
		}
		out := m.Clone()
		return &out
	}
	return nil
}

// Loaded reports whether the first page of the conversation was fetched.
func (s *Store) Loaded(conversationID string) bool {
	return s.read(conversationID, func(t *thread) bool { return t.loaded })
}

// IsLoading reports whether a page fetch is in flight.
func (s *Store) IsLoading(conversationID string) bool {
	return s.read(conversationID, func(t *thread) bool { return t.loading })
}

// HasMore reports whether older history remains on the server.
func (s *Store) HasMore(conversationID string) bool {
	return s.read(conversationID, func(t *thread) bool { return t.hasMore })
}

func (s *Store) read(conversationID string, fn func(*thread) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conversationID]
	return t != nil && fn(t)
}

// LoadError returns the error of the last failed page fetch, if the
// conversation has not loaded successfully since.
func (s *Store) LoadError(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.threads[conversationID]; t != nil {
		return t.loadErr
	}
	return nil
}

// Cursor returns the position of the oldest loaded message.
func (s *Store) Cursor(conversationID string) chat.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.threads[conversationID]; t != nil {
		return t.cursor
	}
	return chat.Cursor{}
}

// Evict drops the log of a conversation removed on the server.
func (s *Store) Evict(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conversationID]
	if t == nil {
		return
	}
	for _, e := range t.entries {
		delete(s.where, e.msg.ID)
	}
	delete(s.threads, conversationID)
}

func asLoadError(op string, err error) error {
	var (
		ne *chat.NetworkError
		ue *chat.UnknownReferenceError
		ve *chat.ValidationError
	)
	if errors.As(err, &ne) || errors.As(err, &ue) || errors.As(err, &ve) {
		return err
	}
	return &chat.NetworkError{Op: op, Retryable: true, Err: err}
}
