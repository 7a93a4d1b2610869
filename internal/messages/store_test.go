package messages

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, minute int) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "bob",
		Content:        "body of " + id,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
		Status:         chat.Sent,
	}
}

// fakeHistory serves a fixed history with the server's keyset pagination.
type fakeHistory struct {
	mu    sync.Mutex
	msgs  []chat.Message
	err   error
	calls int
	block chan struct{}
}

func (f *fakeHistory) GetMessages(_ context.Context, _ string, cursor *chat.Cursor, pageSize int) (chat.Page, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return chat.Page{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	end := len(f.msgs)
	if cursor != nil {
		end = slices.IndexFunc(f.msgs, func(m chat.Message) bool { return !m.OlderThan(*cursor) })
		if end < 0 {
			end = len(f.msgs)
		}
	}
	start := max(0, end-pageSize)
	return chat.Page{Messages: slices.Clone(f.msgs[start:end]), HasMore: start > 0}, nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newStore(f Fetcher, pageSize int) *Store {
	return New(f, pageSize, bus.New(), nil, zap.NewNop())
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func always() bool { return true }

func TestMergeIsIdempotent(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	m := msg("m1", 0)

	if res := s.Merge(m); res != Inserted {
		t.Fatalf("first Merge = %v, want inserted", res)
	}
	if res := s.Merge(m); res != Unchanged {
		t.Fatalf("second Merge = %v, want unchanged", res)
	}
	if got := s.Messages("c1"); len(got) != 1 {
		t.Errorf("stored %d entries, want 1", len(got))
	}
}

func TestMergeKeepsOrdering(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	same := msg("b", 5)
	tie := msg("a", 5)
	for _, m := range []chat.Message{msg("m3", 9), same, msg("m0", 1), tie, msg("m2", 7)} {
		s.Merge(m)
	}

	got := s.Messages("c1")
	if !chat.IsSorted(got) {
		t.Fatalf("log not sorted: %v", ids(got))
	}
	want := []string{"m0", "a", "b", "m2", "m3"}
	if !slices.Equal(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
}

func TestTombstoneIsTerminal(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	s.Merge(msg("m1", 0))

	if res, err := s.Tombstone("c1", "m1", base.Add(time.Hour)); err != nil || res != Updated {
		t.Fatalf("Tombstone = %v, %v", res, err)
	}
	edited := msg("m1", 0)
	at := base.Add(2 * time.Hour)
	edited.EditedAt = &at
	edited.Content = "resurrected"
	s.Merge(edited)

	got, _ := s.Lookup("m1")
	if !got.IsTombstoned() {
		t.Error("a later non-delete update cleared the tombstone")
	}
	if res, _ := s.Tombstone("c1", "m1", base); res != Unchanged {
		t.Errorf("repeated Tombstone = %v, want unchanged", res)
	}
}

func TestDeleteBeforeInsertKeepsTombstone(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	at := base.Add(time.Hour)
	if res, err := s.Tombstone("c1", "m2", at); err != nil || res != Ignored {
		t.Fatalf("Tombstone unseen = %v, %v; want ignored", res, err)
	}
	if res := s.Merge(msg("m2", 1)); res != Inserted {
		t.Fatalf("Merge = %v, want inserted", res)
	}
	got, _ := s.Lookup("m2")
	if !got.IsTombstoned() || !got.DeletedAt.Equal(at) {
		t.Errorf("late insert = %+v, want tombstoned at %v", got, at)
	}
}

// Regression: a replayed new-message after message-updated must not revert
// the edit.
func TestReplayedOriginalDoesNotRevertEdit(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	original := msg("m1", 0)
	s.Merge(original)

	edited := original
	at := base.Add(time.Minute)
	edited.EditedAt = &at
	edited.Content = "fixed typo"
	if res := s.Merge(edited); res != Updated {
		t.Fatalf("edit Merge = %v", res)
	}
	if res := s.Merge(original); res != Ignored {
		t.Errorf("replay Merge = %v, want ignored", res)
	}
	got, _ := s.Lookup("m1")
	if got.Content != "fixed typo" {
		t.Errorf("content = %q, want edited content", got.Content)
	}
}

func TestLoadMorePrependsOlderPage(t *testing.T) {
	m0, m1, m2 := msg("m0", -5), msg("m1", 0), msg("m2", 5)
	f := &fakeHistory{msgs: []chat.Message{m0, m1, m2}}
	s := newStore(f, 2)
	ctx := context.Background()

	if err := s.FetchFirstPage(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Fatalf("first page = %v", got)
	}
	if !s.HasMore("c1") {
		t.Fatal("HasMore = false after a partial first page")
	}

	if err := s.LoadMore(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m0", "m1", "m2"}) {
		t.Errorf("after LoadMore = %v, want [m0 m1 m2]", got)
	}
	if c := s.Cursor("c1"); c.ID != "m0" {
		t.Errorf("cursor = %+v, want m0", c)
	}
	if s.HasMore("c1") {
		t.Error("HasMore = true after the last page")
	}
}

func TestPaginationReproducesFullHistory(t *testing.T) {
	var history []chat.Message
	for i := range 23 {
		history = append(history, msg(fmt.Sprintf("m%02d", i), i))
	}
	// Two messages sharing a timestamp straddle a page boundary.
	history[10].CreatedAt = history[11].CreatedAt
	chat.Sort(history)

	f := &fakeHistory{msgs: history}
	s := newStore(f, 4)
	ctx := context.Background()
	if err := s.FetchFirstPage(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}
	for s.HasMore("c1") {
		if err := s.LoadMore(ctx, "c1", always); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Messages("c1")
	if !slices.Equal(ids(got), ids(history)) {
		t.Errorf("loaded %v\nwant   %v", ids(got), ids(history))
	}
}

func TestLoadMoreIsNoopWhileInFlight(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m0", 0), msg("m1", 1), msg("m2", 2)}}
	s := newStore(f, 1)
	ctx := context.Background()
	if err := s.FetchFirstPage(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.block = make(chan struct{})
	f.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- s.LoadMore(ctx, "c1", always) }()

	deadline := time.Now().Add(time.Second)
	for f.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("first LoadMore never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.LoadMore(ctx, "c1", always); err != nil {
		t.Fatalf("concurrent LoadMore error = %v", err)
	}
	if n := f.callCount(); n != 2 {
		t.Errorf("gateway calls = %d, want 2 (concurrent call must not fetch)", n)
	}

	close(f.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("log = %v, want [m1 m2]", got)
	}
}

func TestLoadMoreFailureLeavesStateUntouched(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m0", 0), msg("m1", 1)}}
	s := newStore(f, 1)
	ctx := context.Background()
	if err := s.FetchFirstPage(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}
	before := s.Cursor("c1")

	f.err = errors.New("connection reset")
	err := s.LoadMore(ctx, "c1", always)
	if !chat.IsRetryable(err) {
		t.Fatalf("LoadMore error = %v, want retryable network error", err)
	}
	if s.LoadError("c1") == nil {
		t.Error("LoadError not recorded")
	}
	if s.Cursor("c1") != before || !s.HasMore("c1") || s.IsLoading("c1") {
		t.Error("failed fetch changed pagination state")
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m1"}) {
		t.Errorf("log = %v, want [m1]", got)
	}

	f.err = nil
	if err := s.LoadMore(ctx, "c1", always); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if s.LoadError("c1") != nil {
		t.Error("LoadError survived a successful retry")
	}
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m1", 0)}}
	s := newStore(f, 10)

	if err := s.FetchFirstPage(context.Background(), "c1", func() bool { return false }); err != nil {
		t.Fatal(err)
	}
	if s.Loaded("c1") || len(s.Messages("c1")) != 0 {
		t.Error("response of an abandoned selection was merged")
	}
	if s.IsLoading("c1") {
		t.Error("loading flag left set")
	}
}

func TestAbandonedFirstPageLoadIsSuperseded(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m1", 0)}, block: make(chan struct{})}
	s := newStore(f, 10)
	ctx := context.Background()

	var gen atomic.Int32
	guard := func() func() bool {
		g := gen.Load()
		return func() bool { return gen.Load() == g }
	}

	first := make(chan error, 1)
	go func() { first <- s.FetchFirstPage(ctx, "c1", guard()) }()
	waitCalls(t, f, 1)

	// Same selection asks again: the in-flight load still serves it.
	if err := s.FetchFirstPage(ctx, "c1", guard()); err != nil {
		t.Fatal(err)
	}
	if n := f.callCount(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1 while the load is still wanted", n)
	}

	// Select elsewhere and come back: the first load no longer counts.
	gen.Add(2)
	second := make(chan error, 1)
	go func() { second <- s.FetchFirstPage(ctx, "c1", guard()) }()
	waitCalls(t, f, 2)

	close(f.block)
	for _, ch := range []chan error{first, second} {
		if err := <-ch; err != nil {
			t.Fatal(err)
		}
	}
	if !s.Loaded("c1") || s.IsLoading("c1") {
		t.Errorf("loaded = %v loading = %v, want loaded and idle", s.Loaded("c1"), s.IsLoading("c1"))
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m1"}) {
		t.Errorf("log = %v, want [m1]", got)
	}
}

func waitCalls(t *testing.T, f *fakeHistory, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f.callCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("gateway calls = %d, want %d", f.callCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPromoteTempReplacesPendingEntry(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	s.Merge(msg("m1", 0))

	pending := chat.Message{ID: chat.NewTempID(), ConversationID: "c1", SenderID: "alice", Content: "hello", CreatedAt: base.Add(time.Hour)}
	if err := s.AddPending(pending); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Lookup(pending.ID); got.Status != chat.Pending {
		t.Fatalf("pending status = %q", got.Status)
	}

	server := chat.Message{ID: "s1", ConversationID: "c1", SenderID: "alice", Content: "hello", CreatedAt: base.Add(10 * time.Minute)}
	if res := s.PromoteTemp(pending.ID, server); res != Inserted {
		t.Fatalf("PromoteTemp = %v", res)
	}

	got := s.Messages("c1")
	if !slices.Equal(ids(got), []string{"m1", "s1"}) {
		t.Fatalf("log = %v, want [m1 s1]", ids(got))
	}
	if got[1].Status != chat.Sent {
		t.Errorf("status = %q, want sent", got[1].Status)
	}
	if s.Contains(pending.ID) {
		t.Error("temporary id still stored")
	}
}

func TestPromoteAfterEchoMakesNoDuplicate(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	pending := chat.Message{ID: chat.NewTempID(), ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: base}
	_ = s.AddPending(pending)

	echo := chat.Message{ID: "s1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: base.Add(time.Second)}
	tempID, ok := s.PromoteMatching(echo)
	if !ok || tempID != pending.ID {
		t.Fatalf("PromoteMatching = %q, %v", tempID, ok)
	}
	if res := s.PromoteTemp(pending.ID, echo); res != Unchanged {
		t.Errorf("PromoteTemp after echo = %v, want unchanged", res)
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"s1"}) {
		t.Errorf("log = %v, want [s1]", got)
	}
}

func TestMarkFailedKeepsContent(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	pending := chat.Message{ID: chat.NewTempID(), ConversationID: "c1", Content: "retry me", CreatedAt: base}
	_ = s.AddPending(pending)

	failed, ok := s.MarkFailed(pending.ID)
	if !ok || failed.Status != chat.Failed || failed.Content != "retry me" {
		t.Fatalf("MarkFailed = %+v, %v", failed, ok)
	}
	if _, ok := s.MarkFailed(pending.ID); ok {
		t.Error("MarkFailed on a failed entry should report false")
	}
	if s.Latest("c1") != nil {
		t.Error("a failed entry became the latest message")
	}
}

func TestLocalEditRestore(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	s.Merge(msg("m1", 0))

	if _, err := s.ApplyLocalEdit("m1", "draft", base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// A replay of the pre-edit state must not clobber the optimistic edit.
	if res := s.Merge(msg("m1", 0)); res != Ignored {
		t.Errorf("replay during optimistic edit = %v, want ignored", res)
	}
	if !s.Restore("m1") {
		t.Fatal("Restore reported nothing to restore")
	}
	got, _ := s.Lookup("m1")
	if got.Content != "body of m1" || got.EditedAt != nil {
		t.Errorf("restored = %+v", got)
	}
	if s.Restore("m1") {
		t.Error("second Restore should be a no-op")
	}
}

func TestUpdateUnknownInsideWindow(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m1", 0), msg("m2", 5)}}
	s := newStore(f, 10)
	if err := s.FetchFirstPage(context.Background(), "c1", always); err != nil {
		t.Fatal(err)
	}

	_, err := s.Update(msg("ghost", 3))
	if !chat.IsUnknownReference(err) {
		t.Errorf("Update(unknown) error = %v, want UnknownReferenceError", err)
	}
	if _, err := s.Update(chat.Message{ID: "x", ConversationID: "c9"}); err != nil {
		t.Errorf("Update in an unloaded conversation error = %v, want nil", err)
	}
}

func TestMergeOlderThanCursorIsIgnored(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m0", 0), msg("m1", 1), msg("m2", 2)}}
	s := newStore(f, 2)
	if err := s.FetchFirstPage(context.Background(), "c1", always); err != nil {
		t.Fatal(err)
	}
	if res := s.Merge(msg("m0", 0)); res != Ignored {
		t.Errorf("Merge older than cursor = %v, want ignored", res)
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("log = %v", got)
	}
}

func TestRefreshResetsAfterGap(t *testing.T) {
	var history []chat.Message
	for i := range 10 {
		history = append(history, msg(fmt.Sprintf("m%d", i), i))
	}
	f := &fakeHistory{msgs: history[:4]}
	s := newStore(f, 2)
	ctx := context.Background()
	if err := s.FetchFirstPage(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}
	pending := chat.Message{ID: chat.NewTempID(), ConversationID: "c1", Content: "queued", CreatedAt: base.Add(time.Hour)}
	_ = s.AddPending(pending)

	// Six messages arrive while the push channel is down.
	f.mu.Lock()
	f.msgs = history
	f.mu.Unlock()
	if err := s.Refresh(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	got := ids(s.Messages("c1"))
	want := []string{"m8", "m9", pending.ID}
	if !slices.Equal(got, want) {
		t.Fatalf("log after gap = %v, want %v", got, want)
	}
	for s.HasMore("c1") {
		if err := s.LoadMore(ctx, "c1", always); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Messages("c1"); len(got) != 11 || !chat.IsSorted(got) {
		t.Errorf("history after gap = %v", ids(got))
	}
}

func TestRefreshMergesOverlappingPage(t *testing.T) {
	f := &fakeHistory{msgs: []chat.Message{msg("m0", 0), msg("m1", 1), msg("m2", 2)}}
	s := newStore(f, 2)
	ctx := context.Background()
	if err := s.FetchFirstPage(ctx, "c1", always); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg("m3", 3))
	f.mu.Unlock()

	if err := s.Refresh(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Messages("c1")); !slices.Equal(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("log = %v, want [m1 m2 m3]", got)
	}
	if c := s.Cursor("c1"); c.ID != "m1" || !s.HasMore("c1") {
		t.Errorf("cursor = %+v hasMore = %v", c, s.HasMore("c1"))
	}
}

func TestVisibleAppliesTombstonePolicy(t *testing.T) {
	s := newStore(&fakeHistory{}, 10)
	s.Merge(msg("m1", 0))
	s.Merge(msg("m2", 5))
	if _, err := s.Tombstone("c1", "m2", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	hidden := s.Visible("c1", Hidden)
	if !slices.Equal(ids(hidden), []string{"m1"}) {
		t.Errorf("hidden = %v", ids(hidden))
	}
	placeholder := s.Visible("c1", Placeholder)
	if len(placeholder) != 2 || placeholder[1].Content != "" || !placeholder[1].IsTombstoned() {
		t.Errorf("placeholder = %+v", placeholder)
	}
	if latest := s.Latest("c1"); latest == nil || latest.ID != "m1" {
		t.Errorf("Latest = %v, want m1", latest)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    TombstonePolicy
		wantErr bool
	}{
		{"", Placeholder, false},
		{"placeholder", Placeholder, false},
		{"hidden", Hidden, false},
		{"blurred", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}
