package chat

import (
	"context"
	"errors"
	"testing"

	"parley/internal/models"
)

type fakeFetcher struct {
	latest []models.Message
	before []models.Message
	after  []models.Message
	around []models.Message
	err    error

	calls   map[string]int
	onFetch func()
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int)}
}

func (f *fakeFetcher) record(name string) {
	f.calls[name]++
	if f.onFetch != nil {
		f.onFetch()
	}
}

func (f *fakeFetcher) LatestPage(ctx context.Context, convID string, limit int) ([]models.Message, error) {
	f.record("latest")
	return clone(f.latest), f.err
}

func (f *fakeFetcher) PageBefore(ctx context.Context, convID, beforeID string, limit int) ([]models.Message, error) {
	f.record("before")
	return clone(f.before), f.err
}

func (f *fakeFetcher) PageAfter(ctx context.Context, afterID string, limit int) ([]models.Message, error) {
	f.record("after")
	return clone(f.after), f.err
}

func (f *fakeFetcher) Around(ctx context.Context, messageID string, before, after int) ([]models.Message, error) {
	f.record("around")
	return clone(f.around), f.err
}

func (f *fakeFetcher) AroundByType(ctx context.Context, messageID string, typ models.MessageType, before, after int) ([]models.Message, error) {
	f.record("aroundByType")
	return clone(f.around), f.err
}

func clone(msgs []models.Message) []models.Message {
	return append([]models.Message(nil), msgs...)
}

func srvMsg(id string, sentAt int64) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u2",
		Type:           models.MessageText,
		Content:        "content of " + id,
		SentAt:         sentAt,
		Status:         models.StatusConfirmed,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func assertIDs(t *testing.T, got []models.Message, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, ids(got))
	}
	for i := range want {
		if got[i].Key() != want[i] {
			t.Fatalf("expected ids %v, got %v", want, ids(got))
		}
	}
}

func TestLoadInitialOrdersPage(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m3", 300), srvMsg("m1", 100), srvMsg("m2", 200)}
	s := NewStore(f, 3, nil)

	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	assertIDs(t, s.Messages("c1"), "m1", "m2", "m3")

	st := s.State("c1")
	if !st.HasMoreBefore {
		t.Error("a full page should leave HasMoreBefore set")
	}
	if st.HasMoreAfter || st.JumpMode {
		t.Errorf("latest window should track the live tail: %+v", st)
	}
}

func TestLoadInitialShortPage(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)

	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	if s.State("c1").HasMoreBefore {
		t.Error("a short page means the start of history was reached")
	}
}

func TestOrderingTieBreakByID(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("b", 100), srvMsg("a", 100), srvMsg("c", 100)}
	s := NewStore(f, 10, nil)

	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	assertIDs(t, s.Messages("c1"), "a", "b", "c")
}

func TestLoadOlderMergesAndDedups(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m4", 400), srvMsg("m5", 500), srvMsg("m6", 600)}
	// Overlapping page: m4 arrives again.
	f.before = []models.Message{srvMsg("m2", 200), srvMsg("m3", 300), srvMsg("m4", 400)}
	s := NewStore(f, 3, nil)

	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	if err := s.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	assertIDs(t, s.Messages("c1"), "m2", "m3", "m4", "m5", "m6")
}

func TestLoadOlderDroppedAtStartOfHistory(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)

	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	if err := s.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if f.calls["before"] != 0 {
		t.Error("LoadOlder should not fetch past the start of history")
	}
}

func TestLoadOlderErrorKeepsWindow(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m4", 400), srvMsg("m5", 500), srvMsg("m6", 600)}
	s := NewStore(f, 3, nil)

	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	wantErr := errors.New("gateway down")
	f.err = wantErr
	if err := s.LoadOlder(context.Background(), "c1"); !errors.Is(err, wantErr) {
		t.Fatalf("expected the fetch error, got %v", err)
	}

	assertIDs(t, s.Messages("c1"), "m4", "m5", "m6")
	st := s.State("c1")
	if !errors.Is(st.OlderErr, wantErr) {
		t.Errorf("expected OlderErr to be recorded, got %v", st.OlderErr)
	}
	if st.NewerErr != nil {
		t.Errorf("NewerErr should be untouched, got %v", st.NewerErr)
	}

	// A later success clears the edge error.
	f.err = nil
	f.before = []models.Message{srvMsg("m1", 100)}
	if err := s.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if st := s.State("c1"); st.OlderErr != nil {
		t.Errorf("expected OlderErr cleared after retry, got %v", st.OlderErr)
	}
}

func TestStaleLoadDiscardedAfterReset(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)

	// The window is reset while the fetch is in flight; its result must not
	// be applied.
	f.onFetch = func() { s.Reset("c1") }
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	if got := s.Messages("c1"); len(got) != 0 {
		t.Errorf("stale fetch result applied after reset: %v", ids(got))
	}
}

func TestApplyPushNewMessageAppends(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	msg := srvMsg("m2", 200)
	ev := models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1", Message: &msg}
	s.ApplyPush(ev)
	s.ApplyPush(ev) // duplicate delivery

	assertIDs(t, s.Messages("c1"), "m1", "m2")
}

func TestApplyPushIgnoredWhileDetached(t *testing.T) {
	f := newFakeFetcher()
	f.around = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200), srvMsg("m3", 300)}
	s := NewStore(f, 3, nil)
	if err := s.JumpTo(context.Background(), "c1", "m2", 1, 1); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}

	live := srvMsg("m9", 900)
	s.ApplyPush(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1", Message: &live})

	// The detached window never grows at the tail; stitching would fake a
	// loaded range.
	assertIDs(t, s.Messages("c1"), "m1", "m2", "m3")
}

func TestApplyPushOlderThanWindowIgnored(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m4", 400), srvMsg("m5", 500), srvMsg("m6", 600)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	old := srvMsg("m1", 100)
	s.ApplyPush(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1", Message: &old})
	assertIDs(t, s.Messages("c1"), "m4", "m5", "m6")
}

func TestOptimisticSendConfirmByAck(t *testing.T) {
	s := NewStore(newFakeFetcher(), 3, nil)

	local := models.Message{
		LocalID:        "tmp1",
		ConversationID: "c1",
		SenderID:       "me",
		Type:           models.MessageText,
		Content:        "hello",
		SentAt:         1000,
	}
	s.InsertLocal(local)

	got := s.Messages("c1")
	if len(got) != 1 || got[0].Status != models.StatusPending {
		t.Fatalf("expected one pending message, got %+v", got)
	}

	server := srvMsg("m1", 1005)
	server.SenderID = "me"
	server.Content = "hello"
	s.ConfirmLocal("c1", "tmp1", server)

	got = s.Messages("c1")
	if len(got) != 1 {
		t.Fatalf("expected one message after confirm, got %d", len(got))
	}
	if got[0].ID != "m1" || got[0].LocalID != "tmp1" || got[0].Status != models.StatusConfirmed {
		t.Errorf("confirm did not converge: %+v", got[0])
	}
}

func TestOptimisticSendEchoBeforeAck(t *testing.T) {
	s := NewStore(newFakeFetcher(), 3, nil)

	s.InsertLocal(models.Message{
		LocalID: "tmp1", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "hello", SentAt: 1000,
	})

	// The broadcast echo lands before the REST ack, correlated by localId.
	echo := srvMsg("m1", 1005)
	echo.SenderID = "me"
	echo.Content = "hello"
	echo.LocalID = "tmp1"
	s.ApplyPush(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1", Message: &echo})

	got := s.Messages("c1")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("echo did not replace the optimistic entry: %+v", got)
	}

	// The late ack must not resurrect a duplicate.
	s.ConfirmLocal("c1", "tmp1", echo)
	if got := s.Messages("c1"); len(got) != 1 {
		t.Fatalf("redundant ack created a duplicate: %v", ids(got))
	}
}

func TestOptimisticSendEchoByContentProximity(t *testing.T) {
	s := NewStore(newFakeFetcher(), 3, nil)

	s.InsertLocal(models.Message{
		LocalID: "tmp1", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "hello", SentAt: 1000,
	})

	// No localId on the echo; merged by sender, content and time proximity.
	echo := srvMsg("m1", 1000+reconcileWindowMillis)
	echo.SenderID = "me"
	echo.Content = "hello"
	s.ApplyPush(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1", Message: &echo})

	got := s.Messages("c1")
	if len(got) != 1 || got[0].ID != "m1" || got[0].LocalID != "tmp1" {
		t.Fatalf("proximity merge failed: %+v", got)
	}
}

func TestOptimisticSendEchoOutsideProximityWindow(t *testing.T) {
	s := NewStore(newFakeFetcher(), 3, nil)

	s.InsertLocal(models.Message{
		LocalID: "tmp1", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "hello", SentAt: 1000,
	})

	echo := srvMsg("m1", 1000+reconcileWindowMillis+1)
	echo.SenderID = "me"
	echo.Content = "hello"
	s.ApplyPush(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1", Message: &echo})

	if got := s.Messages("c1"); len(got) != 2 {
		t.Fatalf("distant echo should not merge, got %v", ids(got))
	}
}

func TestFailedSendRetryDiscard(t *testing.T) {
	s := NewStore(newFakeFetcher(), 3, nil)

	s.InsertLocal(models.Message{
		LocalID: "tmp1", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "hello", SentAt: 1000,
	})
	s.FailLocal("c1", "tmp1")

	got := s.Messages("c1")
	if len(got) != 1 || got[0].Status != models.StatusFailed {
		t.Fatalf("expected a failed entry, got %+v", got)
	}

	// Only failed sends may be discarded.
	s.InsertLocal(models.Message{
		LocalID: "tmp2", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "again", SentAt: 2000,
	})
	s.RemoveLocal("c1", "tmp2")
	if got := s.Messages("c1"); len(got) != 2 {
		t.Fatalf("pending send must not be removable, got %v", ids(got))
	}

	s.RemoveLocal("c1", "tmp1")
	if got := s.Messages("c1"); len(got) != 1 || got[0].LocalID != "tmp2" {
		t.Fatalf("failed send not discarded, got %v", ids(got))
	}
}

func TestJumpWindowFlags(t *testing.T) {
	f := newFakeFetcher()
	f.around = []models.Message{
		srvMsg("m1", 100), srvMsg("m2", 200), srvMsg("m3", 300),
		srvMsg("m4", 400), srvMsg("m5", 500),
	}
	s := NewStore(f, 3, nil)

	if err := s.JumpTo(context.Background(), "c1", "m3", 2, 2); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}
	st := s.State("c1")
	if !st.JumpMode {
		t.Error("jump should detach the window")
	}
	if !st.HasMoreBefore || !st.HasMoreAfter {
		t.Errorf("full context on both sides should leave both edges open: %+v", st)
	}
}

func TestJumpNearStartOfHistory(t *testing.T) {
	f := newFakeFetcher()
	// Pivot is the very first message; nothing before it.
	f.around = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200), srvMsg("m3", 300)}
	s := NewStore(f, 3, nil)

	if err := s.JumpTo(context.Background(), "c1", "m1", 5, 2); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}
	st := s.State("c1")
	if st.HasMoreBefore {
		t.Error("short context before the pivot means history starts here")
	}
	if !st.HasMoreAfter {
		t.Error("full context after the pivot should leave the edge open")
	}
}

func TestJumpFailureKeepsWindow(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m4", 400), srvMsg("m5", 500), srvMsg("m6", 600)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	f.err = errors.New("gateway down")
	if err := s.JumpTo(context.Background(), "c1", "m1", 2, 2); err == nil {
		t.Fatal("expected the jump to fail")
	}

	assertIDs(t, s.Messages("c1"), "m4", "m5", "m6")
	if s.State("c1").JumpMode {
		t.Error("failed jump must not detach the window")
	}
}

func TestReturnToLatestRefetches(t *testing.T) {
	f := newFakeFetcher()
	f.around = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200)}
	f.latest = []models.Message{srvMsg("m8", 800), srvMsg("m9", 900)}
	s := NewStore(f, 3, nil)

	if err := s.JumpTo(context.Background(), "c1", "m1", 1, 1); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}
	if err := s.ReturnToLatest(context.Background(), "c1"); err != nil {
		t.Fatalf("ReturnToLatest failed: %v", err)
	}

	// The jump window is discarded wholesale, never stitched.
	assertIDs(t, s.Messages("c1"), "m8", "m9")
	if st := s.State("c1"); st.JumpMode || st.HasMoreAfter {
		t.Errorf("expected a live tail window, got %+v", st)
	}
}

func TestReturnToLatestKeepsUnconfirmedSends(t *testing.T) {
	f := newFakeFetcher()
	f.around = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200)}
	f.latest = []models.Message{srvMsg("m8", 800), srvMsg("m9", 900)}
	s := NewStore(f, 3, nil)

	if err := s.JumpTo(context.Background(), "c1", "m1", 1, 1); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}
	s.InsertLocal(models.Message{
		LocalID: "tmp1", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "sent while jumped", SentAt: 950,
	})
	s.FailLocal("c1", "tmp1")

	if err := s.ReturnToLatest(context.Background(), "c1"); err != nil {
		t.Fatalf("ReturnToLatest failed: %v", err)
	}

	if _, ok := s.PendingLocal("c1", "tmp1"); !ok {
		t.Fatal("failed send vanished from the store after ReturnToLatest")
	}
	got := s.Messages("c1")
	if len(got) != 3 || got[2].LocalID != "tmp1" || got[2].Status != models.StatusFailed {
		t.Fatalf("expected the tail plus the failed send, got %v", ids(got))
	}
}

func TestPendingLocalExcludesConfirmed(t *testing.T) {
	s := NewStore(newFakeFetcher(), 3, nil)

	s.InsertLocal(models.Message{
		LocalID: "tmp1", ConversationID: "c1", SenderID: "me",
		Type: models.MessageText, Content: "hello", SentAt: 1000,
	})
	if _, ok := s.PendingLocal("c1", "tmp1"); !ok {
		t.Fatal("pending send should be retryable")
	}

	ack := srvMsg("m1", 1001)
	ack.SenderID = "me"
	s.ConfirmLocal("c1", "tmp1", ack)

	// The confirmed entry keeps its LocalID for echo correlation but is no
	// longer a retry candidate.
	if _, ok := s.PendingLocal("c1", "tmp1"); ok {
		t.Fatal("confirmed send must not be retryable")
	}
	if _, ok := s.MessageByID("c1", "m1"); !ok {
		t.Fatal("confirmed message missing from the window")
	}
}

func TestReactionPushReplacesWholesale(t *testing.T) {
	f := newFakeFetcher()
	m := srvMsg("m1", 100)
	m.Reactions = map[string][]string{"👍": {"u1", "u2"}}
	f.latest = []models.Message{m}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	s.ApplyPush(models.PushEvent{
		Type: models.PushReaction, ConversationID: "c1", MessageID: "m1",
		Reactions: map[string][]string{"🎉": {"u3"}},
	})

	got, _ := s.MessageByID("c1", "m1")
	if len(got.Reactions) != 1 || len(got.Reactions["🎉"]) != 1 {
		t.Errorf("reaction push must replace the whole map, got %v", got.Reactions)
	}
}

func TestToggleReactionLocalRollback(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	prev, ok := s.ToggleReactionLocal("c1", "m1", "👍", "me")
	if !ok {
		t.Fatal("toggle refused")
	}
	if len(prev.Reactions) != 0 {
		t.Errorf("prev copy should predate the toggle: %v", prev.Reactions)
	}
	got, _ := s.MessageByID("c1", "m1")
	if len(got.Reactions["👍"]) != 1 {
		t.Fatalf("reaction not added: %v", got.Reactions)
	}

	// Rollback restores the previous copy.
	s.Replace("c1", prev)
	got, _ = s.MessageByID("c1", "m1")
	if len(got.Reactions) != 0 {
		t.Errorf("rollback failed: %v", got.Reactions)
	}

	// Toggling again removes, and empty sets are pruned.
	s.ToggleReactionLocal("c1", "m1", "👍", "me")
	s.ToggleReactionLocal("c1", "m1", "👍", "me")
	got, _ = s.MessageByID("c1", "m1")
	if len(got.Reactions) != 0 {
		t.Errorf("empty reaction set not pruned: %v", got.Reactions)
	}
}

func TestRecallIsTerminal(t *testing.T) {
	f := newFakeFetcher()
	m := srvMsg("m1", 100)
	m.Reactions = map[string][]string{"👍": {"u1"}}
	f.latest = []models.Message{m}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	prev, _ := s.MessageByID("c1", "m1")
	s.ApplyPush(models.PushEvent{Type: models.PushRecall, ConversationID: "c1", MessageID: "m1", UserID: "u2"})

	got, _ := s.MessageByID("c1", "m1")
	if !got.Recalled || got.Content != models.RecallTombstone || got.Reactions != nil {
		t.Fatalf("recall not applied: %+v", got)
	}

	// No rollback path out of a recall.
	s.Replace("c1", prev)
	got, _ = s.MessageByID("c1", "m1")
	if !got.Recalled {
		t.Error("Replace must not undo a recall")
	}
	if _, ok := s.ToggleReactionLocal("c1", "m1", "👍", "me"); ok {
		t.Error("reactions on a recalled message must be refused")
	}
}

func TestDeleteForMeVisibility(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	s.ApplyPush(models.PushEvent{Type: models.PushDeleteForMe, ConversationID: "c1", MessageID: "m1", UserID: "me"})

	assertIDs(t, s.Visible("c1", "me"), "m2")
	// Other viewers still see it, and the store keeps it.
	assertIDs(t, s.Visible("c1", "u2"), "m1", "m2")
	assertIDs(t, s.Messages("c1"), "m1", "m2")
}

func TestPinPushMarksMessage(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	s.ApplyPush(models.PushEvent{Type: models.PushPin, ConversationID: "c1", MessageID: "m1", UserID: "u2"})
	got, _ := s.MessageByID("c1", "m1")
	if !got.Pinned || got.PinnedBy != "u2" {
		t.Fatalf("pin not applied: %+v", got)
	}

	s.ApplyPush(models.PushEvent{Type: models.PushUnpin, ConversationID: "c1", MessageID: "m1", UserID: "u2"})
	got, _ = s.MessageByID("c1", "m1")
	if got.Pinned || got.PinnedBy != "" {
		t.Fatalf("unpin not applied: %+v", got)
	}
}

func TestWindowsAreIndependent(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	other := srvMsg("x1", 100)
	other.ConversationID = "c2"
	s.ApplyPush(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c2", Message: &other})

	if got := s.Messages("c2"); len(got) != 0 {
		t.Errorf("push for an unloaded conversation must be a no-op, got %v", ids(got))
	}
	assertIDs(t, s.Messages("c1"), "m1")
}

func TestLoadNewerOnlyWhenDetached(t *testing.T) {
	f := newFakeFetcher()
	f.latest = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200), srvMsg("m3", 300)}
	s := NewStore(f, 3, nil)
	if err := s.LoadInitial(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	if err := s.LoadNewer(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadNewer failed: %v", err)
	}
	if f.calls["after"] != 0 {
		t.Error("a live tail window has nothing newer to load")
	}

	f.around = []models.Message{
		srvMsg("m1", 100), srvMsg("m2", 200), srvMsg("m3", 300), srvMsg("m4", 400),
	}
	if err := s.JumpTo(context.Background(), "c1", "m2", 1, 2); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}
	f.after = []models.Message{srvMsg("m5", 500)}
	if err := s.LoadNewer(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadNewer failed: %v", err)
	}
	if f.calls["after"] != 1 {
		t.Fatalf("expected one PageAfter call, got %d", f.calls["after"])
	}
	assertIDs(t, s.Messages("c1"), "m1", "m2", "m3", "m4", "m5")
}

func TestJumpToMediaUsesTypedFetch(t *testing.T) {
	f := newFakeFetcher()
	f.around = []models.Message{srvMsg("m1", 100), srvMsg("m2", 200)}
	s := NewStore(f, 3, nil)

	if err := s.JumpToMedia(context.Background(), "c1", "m2", models.MessageImage, 1, 1); err != nil {
		t.Fatalf("JumpToMedia failed: %v", err)
	}
	if f.calls["aroundByType"] != 1 {
		t.Fatalf("expected the typed around fetch, calls=%v", f.calls)
	}
	if !s.State("c1").JumpMode {
		t.Error("media jump should detach the window")
	}
}

func TestSortMessagesDedupsByKey(t *testing.T) {
	msgs := []models.Message{srvMsg("m1", 100), srvMsg("m2", 200), srvMsg("m1", 100)}
	got := sortMessages(msgs)
	if len(got) != 2 {
		t.Fatalf("expected dedup to 2, got %d: %v", len(got), ids(got))
	}
}
