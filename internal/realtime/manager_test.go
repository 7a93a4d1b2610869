package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type fakeHandle struct {
	mu        sync.Mutex
	callbacks map[string][]func([]byte)
}

func (h *fakeHandle) On(event string, fn func([]byte)) {
	h.mu.Lock()
	h.callbacks[event] = append(h.callbacks[event], fn)
	h.mu.Unlock()
}

// fakeTransport records subscribe traffic and lets tests fire events. hook
// runs inside Subscribe before it returns.
type fakeTransport struct {
	mu           sync.Mutex
	handles      map[string]*fakeHandle
	subscribes   []string
	unsubscribes []string
	reconnect    []func()
	failNext     error
	hook         func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handles: make(map[string]*fakeHandle)}
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string) (push.Handle, error) {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	h := &fakeHandle{callbacks: make(map[string][]func([]byte))}
	f.handles[channel] = h
	f.subscribes = append(f.subscribes, channel)
	return h, nil
}

func (f *fakeTransport) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, channel)
	f.unsubscribes = append(f.unsubscribes, channel)
	return nil
}

func (f *fakeTransport) OnReconnect(fn func()) {
	f.reconnect = append(f.reconnect, fn)
}

func (f *fakeTransport) fire(t *testing.T, channel, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
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

// dropAndReconnect simulates a transport that lost its subscriptions.
func (f *fakeTransport) dropAndReconnect() {
	f.mu.Lock()
	f.handles = make(map[string]*fakeHandle)
	fns := slices.Clone(f.reconnect)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type recordingHandler struct {
	mu         sync.Mutex
	events     []Event
	reconciled [][]string
	err        error
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) Reconcile(_ context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconciled = append(h.reconciled, ids)
	return nil
}

func newMessage(id string) wire.MessagePayload {
	return wire.MessagePayload{Message: chat.Message{
		ID: id, ConversationID: "c1", SenderID: "bob", Content: "hi",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}
}

func TestSubscribeIsReferenceCounted(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, &recordingHandler{}, nil, zap.NewNop())
	ctx := context.Background()

	for range 2 {
		if err := m.Subscribe(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if len(tr.subscribes) != 1 {
		t.Fatalf("transport subscribes = %v, want one", tr.subscribes)
	}
	if m.Refs("c1") != 2 {
		t.Errorf("Refs = %d, want 2", m.Refs("c1"))
	}

	if err := m.Unsubscribe("c1"); err != nil {
		t.Fatal(err)
	}
	if len(tr.unsubscribes) != 0 {
		t.Fatal("transport released while a reference remains")
	}
	if err := m.Unsubscribe("c1"); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tr.unsubscribes, []string{"conversation-c1"}) {
		t.Errorf("transport unsubscribes = %v", tr.unsubscribes)
	}
	if err := m.Unsubscribe("c1"); err != nil {
		t.Errorf("extra Unsubscribe error = %v", err)
	}
	if m.Refs("c1") != 0 {
		t.Errorf("Refs went negative: %d", m.Refs("c1"))
	}
}

func TestSubscribeFailureReleasesReference(t *testing.T) {
	tr := newFakeTransport()
	tr.failNext = errors.New("closed")
	m := NewManager(tr, &recordingHandler{}, nil, zap.NewNop())

	if err := m.Subscribe(context.Background(), "c1"); err == nil {
		t.Fatal("expected error")
	}
	if m.Refs("c1") != 0 {
		t.Errorf("Refs = %d after failed subscribe", m.Refs("c1"))
	}
}

func TestReleaseDuringSubscribeDropsChannel(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, &recordingHandler{}, nil, zap.NewNop())
	tr.hook = func() {
		if err := m.Unsubscribe("c1"); err != nil {
			t.Error(err)
		}
	}

	if err := m.Subscribe(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if m.Refs("c1") != 0 {
		t.Errorf("Refs = %d, want 0", m.Refs("c1"))
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.handles["conversation-c1"]; ok {
		t.Error("transport still holds a released channel")
	}
	if n := len(tr.unsubscribes); n == 0 || tr.unsubscribes[n-1] != "conversation-c1" {
		t.Errorf("transport unsubscribes = %v", tr.unsubscribes)
	}
}

func TestReplayedEventIsAppliedOnce(t *testing.T) {
	tr := newFakeTransport()
	h := &recordingHandler{}
	reg := prometheus.NewRegistry()
	mt := metrics.NewEngine(reg)
	m := NewManager(tr, h, mt, zap.NewNop())
	if err := m.Subscribe(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	tr.fire(t, "conversation-c1", "new-message", newMessage("m1"))
	tr.fire(t, "conversation-c1", "new-message", newMessage("m1"))

	if len(h.events) != 1 {
		t.Fatalf("handler saw %d events, want 1", len(h.events))
	}
	ev := h.events[0]
	if ev.Kind != NewMessage || ev.Message.ID != "m1" || ev.ConversationID != "c1" {
		t.Errorf("event = %+v", ev)
	}
	if got := testutil.ToFloat64(mt.ReplaysDropped); got != 1 {
		t.Errorf("replays dropped = %v, want 1", got)
	}
}

func TestFailedEventCanBeReplayed(t *testing.T) {
	tr := newFakeTransport()
	h := &recordingHandler{err: errors.New("busy")}
	m := NewManager(tr, h, nil, zap.NewNop())
	_ = m.Subscribe(context.Background(), "c1")

	tr.fire(t, "conversation-c1", "message-updated", newMessage("m1"))
	h.err = nil
	tr.fire(t, "conversation-c1", "message-updated", newMessage("m1"))

	if len(h.events) != 2 {
		t.Errorf("handler saw %d events, want 2 (failed delivery must stay replayable)", len(h.events))
	}
}

func TestUnknownReferenceTriggersReconcile(t *testing.T) {
	tr := newFakeTransport()
	h := &recordingHandler{err: &chat.UnknownReferenceError{ConversationID: "c1", MessageID: "m9"}}
	m := NewManager(tr, h, nil, zap.NewNop())
	_ = m.Subscribe(context.Background(), "c1")

	tr.fire(t, "conversation-c1", "message-deleted", wire.DeletedPayload{MessageID: "m9", ConversationID: "c1", SenderID: "bob"})

	if len(h.reconciled) != 1 || !slices.Equal(h.reconciled[0], []string{"c1"}) {
		t.Errorf("reconciled = %v, want [[c1]]", h.reconciled)
	}
}

func TestReconnectResubscribesAndReconciles(t *testing.T) {
	tr := newFakeTransport()
	h := &recordingHandler{}
	m := NewManager(tr, h, nil, zap.NewNop())
	ctx := context.Background()
	_ = m.Subscribe(ctx, "c1")
	_ = m.Subscribe(ctx, "c2")
	_ = m.Unsubscribe("c2")

	tr.dropAndReconnect()

	if got := tr.subscribes; !slices.Equal(got, []string{"conversation-c1", "conversation-c2", "conversation-c1"}) {
		t.Errorf("subscribes = %v", got)
	}
	if len(h.reconciled) != 1 || !slices.Equal(h.reconciled[0], []string{"c1"}) {
		t.Errorf("reconciled = %v, want [[c1]]", h.reconciled)
	}

	// Events flow on the new handle.
	tr.fire(t, "conversation-c1", "mentions-viewed", wire.ViewedPayload{UserID: "alice", ViewedAt: time.Now()})
	if len(h.events) != 1 || h.events[0].Kind != MentionsViewed {
		t.Errorf("events after reconnect = %+v", h.events)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
		wantErr bool
	}{
		{"new message", "new-message", `{"message":{"id":"m1","conversationId":"c1"}}`, false},
		{"message from another conversation", "new-message", `{"message":{"id":"m1","conversationId":"c2"}}`, true},
		{"message without id", "message-updated", `{"message":{}}`, true},
		{"deleted", "message-deleted", `{"messageId":"m1","conversationId":"c1","senderId":"bob"}`, false},
		{"deleted without id", "message-deleted", `{"conversationId":"c1"}`, true},
		{"viewed", "conversation-viewed", `{"userId":"bob","viewedAt":"2026-03-01T10:00:00Z"}`, false},
		{"unknown event", "typing", `{}`, true},
		{"garbage", "new-message", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("c1", tt.event, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChannelNames(t *testing.T) {
	if got := ChannelName("abc"); got != "conversation-abc" {
		t.Errorf("ChannelName = %q", got)
	}
	if id, ok := ParseChannel("conversation-abc"); !ok || id != "abc" {
		t.Errorf("ParseChannel = %q, %v", id, ok)
	}
	if _, ok := ParseChannel("presence-abc"); ok {
		t.Error("ParseChannel accepted a foreign channel")
	}
}
