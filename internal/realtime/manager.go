// Package realtime owns the push channel subscriptions of the client:
// reference counting, event decoding, replay suppression and resubscription
// after a reconnect.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/push"
	"go.uber.org/zap"
)

// Handler applies decoded events to local state. HandleEvent must be
// idempotent; an UnknownReferenceError makes the manager call Reconcile for
// the event's conversation instead of failing.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
	// Reconcile re-fetches the most recent state of the given conversations.
	Reconcile(ctx context.Context, conversationIDs []string) error
}

// seenLimit bounds the fingerprints kept for replay suppression.
const seenLimit = 4096

type seenSet struct {
	order []string
	set   map[string]struct{}
}

func (s *seenSet) has(key string) bool {
	_, ok := s.set[key]
	return ok
}

func (s *seenSet) add(key string) {
	if s.has(key) {
		return
	}
	if len(s.order) >= seenLimit {
		delete(s.set, s.order[0])
		s.order = s.order[1:]
	}
	s.order = append(s.order, key)
	s.set[key] = struct{}{}
}

// Manager multiplexes conversation channels over one push transport.
// Several consumers may hold the same channel; the transport subscription
// lives while the reference count is above zero. Events are dispatched one
// at a time.
type Manager struct {
	transport push.Transport
	handler   Handler
	metrics   *metrics.Engine
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu   sync.Mutex
	refs map[string]int
	seen seenSet

	dispatchMu sync.Mutex
}

// NewManager creates a manager dispatching into handler and registers its
// reconnect hook on transport.
func NewManager(transport push.Transport, handler Handler, m *metrics.Engine, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		transport: transport,
		handler:   handler,
		metrics:   m,
		logger:    logging.OrNop(logger),
		ctx:       ctx,
		cancel:    cancel,
		refs:      make(map[string]int),
		seen:      seenSet{set: make(map[string]struct{})},
	}
	transport.OnReconnect(mgr.resubscribe)
	return mgr
}

// Subscribe takes a reference on the channel of conversationID, subscribing
// the transport on the first one.
func (m *Manager) Subscribe(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &chat.ValidationError{Field: "conversation", Reason: "empty id"}
	}
	m.mu.Lock()
	m.refs[conversationID]++
	n := m.refs[conversationID]
	m.mu.Unlock()
	if n > 1 {
		return nil
	}

	h, err := m.transport.Subscribe(ctx, ChannelName(conversationID))
	if err != nil {
		m.mu.Lock()
		m.releaseLocked(conversationID)
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	if m.Refs(conversationID) == 0 {
		// Released while the transport was subscribing.
		if err := m.transport.Unsubscribe(ChannelName(conversationID)); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", conversationID, err)
		}
		m.logger.Debug("channel released during subscribe", zap.String("conversation_id", conversationID))
		return nil
	}
	m.bind(conversationID, h)
	m.logger.Debug("channel subscribed", zap.String("conversation_id", conversationID))
	m.updateGauge()
	return nil
}

// Unsubscribe drops one reference; the transport subscription is released
// with the last one. Unknown channels are ignored.
func (m *Manager) Unsubscribe(conversationID string) error {
	m.mu.Lock()
	n, ok := m.refs[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.releaseLocked(conversationID)
	m.mu.Unlock()
	if n > 1 {
		return nil
	}

	m.updateGauge()
	if err := m.transport.Unsubscribe(ChannelName(conversationID)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", conversationID, err)
	}
	m.logger.Debug("channel released", zap.String("conversation_id", conversationID))
	return nil
}

func (m *Manager) releaseLocked(conversationID string) {
	m.refs[conversationID]--
	if m.refs[conversationID] <= 0 {
		delete(m.refs, conversationID)
	}
}

// Refs returns the reference count of a conversation channel.
func (m *Manager) Refs(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[conversationID]
}

// Channels returns the conversations with a nonzero reference count, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.refs))
	for id := range m.refs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) updateGauge() {
	m.mu.Lock()
	n := len(m.refs)
	m.mu.Unlock()
	m.metrics.SetSubscriptions(n)
}

func (m *Manager) bind(conversationID string, h push.Handle) {
	for _, kind := range Kinds {
		h.On(string(kind), func(payload []byte) {
			m.receive(conversationID, kind, payload)
		})
	}
}

func (m *Manager) receive(conversationID string, kind Kind, payload []byte) {
	m.mu.Lock()
	active := m.refs[conversationID] > 0
	m.mu.Unlock()
	if !active {
		m.logger.Debug("event on released channel", zap.String("conversation_id", conversationID), zap.String("event", string(kind)))
		return
	}
	ev, err := Decode(conversationID, string(kind), payload)
	if err != nil {
		m.logger.Warn("dropping undecodable event", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	m.Dispatch(ev)
}

// Dispatch applies one event unless an identical one was already applied.
// Handler failures never escape: unknown references turn into a
// reconciliation, other errors are logged and the event stays eligible for
// a later replay.
func (m *Manager) Dispatch(ev Event) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	fp := ev.Fingerprint()
	m.mu.Lock()
	dup := m.seen.has(fp)
	m.mu.Unlock()
	if dup {
		m.metrics.ReplayDropped()
		m.logger.Debug("dropping replayed event", zap.String("fingerprint", fp))
		return
	}

	err := m.handler.HandleEvent(m.ctx, ev)
	var unknown *chat.UnknownReferenceError
	switch {
	case errors.As(err, &unknown):
		m.logger.Info("event references unknown message, refetching",
			zap.String("conversation_id", ev.ConversationID), zap.String("msg_id", unknown.MessageID))
		m.reconcile([]string{ev.ConversationID})
	case err != nil:
		m.logger.Warn("event not applied", zap.String("event", string(ev.Kind)),
			zap.String("conversation_id", ev.ConversationID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.seen.add(fp)
	m.mu.Unlock()
	m.metrics.EventDispatched(string(ev.Kind))
}

func (m *Manager) reconcile(ids []string) {
	m.metrics.Reconciled()
	if err := m.handler.Reconcile(m.ctx, ids); err != nil {
		m.logger.Warn("reconciliation failed", zap.Strings("conversation_ids", ids), zap.Error(err))
	}
}

// resubscribe runs after the transport came back: every referenced channel
// is subscribed again and refetched, since push delivery has no gap-free
// guarantee.
func (m *Manager) resubscribe() {
	ids := m.Channels()
	if len(ids) == 0 {
		return
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		h, err := m.transport.Subscribe(m.ctx, ChannelName(id))
		if err != nil {
			m.logger.Warn("resubscribe failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		if m.Refs(id) == 0 {
			// Released while we were resubscribing.
			_ = m.transport.Unsubscribe(ChannelName(id))
			continue
		}
		m.bind(id, h)
		live = append(live, id)
	}
	m.logger.Info("channels resubscribed", zap.Int("channels", len(live)))
	if len(live) == 0 {
		return
	}
	m.dispatchMu.Lock()
	m.reconcile(live)
	m.dispatchMu.Unlock()
}

// Close releases every channel and stops in-flight handler calls.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	ids := make([]string, 0, len(m.refs))
	for id := range m.refs {
		ids = append(ids, id)
	}
	clear(m.refs)
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.transport.Unsubscribe(ChannelName(id)); err != nil {
			m.logger.Debug("unsubscribe on close", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	m.metrics.SetSubscriptions(0)
}
