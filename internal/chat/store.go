package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"parley/internal/models"
)

// reconcileWindowMillis bounds how far apart an optimistic send and its
// server echo may sit in time and still be treated as the same message when
// no id correlation is possible.
const reconcileWindowMillis = 45_000

// Fetcher is the slice of the REST client the store depends on.
type Fetcher interface {
	LatestPage(ctx context.Context, convID string, limit int) ([]models.Message, error)
	PageBefore(ctx context.Context, convID, beforeID string, limit int) ([]models.Message, error)
	PageAfter(ctx context.Context, afterID string, limit int) ([]models.Message, error)
	Around(ctx context.Context, messageID string, before, after int) ([]models.Message, error)
	AroundByType(ctx context.Context, messageID string, typ models.MessageType, before, after int) ([]models.Message, error)
}

// WindowState is the render-facing load state of one conversation's window.
// Load failures land here instead of propagating into the render path.
type WindowState struct {
	HasMoreBefore bool
	HasMoreAfter  bool
	JumpMode      bool
	OlderErr      error
	NewerErr      error
}

type window struct {
	msgs          []models.Message
	hasMoreBefore bool
	hasMoreAfter  bool
	jumpMode      bool
	olderErr      error
	newerErr      error
	loadingOlder  bool
	loadingNewer  bool

	// epoch invalidates in-flight fetch results when the window is replaced
	// (conversation switch, return-to-latest, new jump).
	epoch int
}

// Store is the per-conversation message cache: an ordered, deduplicated
// window over each conversation's history, reconciling REST page loads, push
// events and optimistic local inserts. Messages are exposed in (sentAt, id)
// order regardless of arrival order.
type Store struct {
	mu       sync.Mutex
	fetch    Fetcher
	pageSize int
	log      *slog.Logger
	wins     map[string]*window
}

func NewStore(fetch Fetcher, pageSize int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		fetch:    fetch,
		pageSize: pageSize,
		log:      log,
		wins:     make(map[string]*window),
	}
}

func (s *Store) win(convID string) *window {
	w, ok := s.wins[convID]
	if !ok {
		w = &window{}
		s.wins[convID] = w
	}
	return w
}

// Invalidate discards the results of any in-flight loads for a conversation
// without dropping the cached window. Used when the conversation stops being
// active: stale responses must not be applied.
func (s *Store) Invalidate(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return
	}
	w.epoch++
	w.loadingOlder = false
	w.loadingNewer = false
}

// Reset discards the window for a conversation, invalidating any in-flight
// loads for it. Used on conversation switch.
func (s *Store) Reset(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(s.win(convID))
}

func (s *Store) resetLocked(w *window) {
	w.epoch++
	w.msgs = nil
	w.hasMoreBefore = false
	w.hasMoreAfter = false
	w.jumpMode = false
	w.olderErr = nil
	w.newerErr = nil
	w.loadingOlder = false
	w.loadingNewer = false
}

// LoadInitial fetches the latest page and replaces the window with it.
func (s *Store) LoadInitial(ctx context.Context, convID string) error {
	s.mu.Lock()
	w := s.win(convID)
	w.epoch++
	epoch := w.epoch
	s.mu.Unlock()

	page, err := s.fetch.LatestPage(ctx, convID, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.epoch != epoch {
		s.log.Debug("discarding stale initial page", "conversation_id", convID)
		return nil
	}
	if err != nil {
		w.olderErr = err
		return err
	}

	// Unconfirmed local sends survive the reload; the fetched page cannot
	// contain them yet.
	var locals []models.Message
	for _, m := range w.msgs {
		if m.ID == "" {
			locals = append(locals, m)
		}
	}

	w.msgs = sortMessages(append(page, locals...))
	w.hasMoreBefore = len(page) >= s.pageSize
	w.hasMoreAfter = false
	w.jumpMode = false
	w.olderErr = nil
	w.newerErr = nil
	return nil
}

// LoadOlder prepends the page before the oldest loaded message. Redundant
// calls while a load is in flight, or past the beginning of history, are
// dropped.
func (s *Store) LoadOlder(ctx context.Context, convID string) error {
	s.mu.Lock()
	w := s.win(convID)
	if w.loadingOlder || !w.hasMoreBefore || len(w.msgs) == 0 {
		s.mu.Unlock()
		return nil
	}
	w.loadingOlder = true
	epoch := w.epoch
	oldest := w.msgs[0].ID
	s.mu.Unlock()

	page, err := s.fetch.PageBefore(ctx, convID, oldest, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.epoch != epoch {
		return nil
	}
	w.loadingOlder = false
	if err != nil {
		w.olderErr = err
		return err
	}

	w.olderErr = nil
	s.mergeLocked(w, page)
	w.hasMoreBefore = len(page) >= s.pageSize
	return nil
}

// LoadNewer appends the page after the newest loaded message. Only
// meaningful when the window is detached from the live tail (jump mode).
func (s *Store) LoadNewer(ctx context.Context, convID string) error {
	s.mu.Lock()
	w := s.win(convID)
	if w.loadingNewer || !w.hasMoreAfter || len(w.msgs) == 0 {
		s.mu.Unlock()
		return nil
	}
	w.loadingNewer = true
	epoch := w.epoch
	newest := w.msgs[len(w.msgs)-1].ID
	s.mu.Unlock()

	page, err := s.fetch.PageAfter(ctx, newest, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.epoch != epoch {
		return nil
	}
	w.loadingNewer = false
	if err != nil {
		w.newerErr = err
		return err
	}

	w.newerErr = nil
	s.mergeLocked(w, page)
	w.hasMoreAfter = len(page) >= s.pageSize
	return nil
}

// JumpTo replaces the window with the target message and its neighbors. The
// new window is intentionally disjoint from the previous one. On failure the
// last good window is kept untouched.
func (s *Store) JumpTo(ctx context.Context, convID, messageID string, before, after int) error {
	return s.jump(ctx, convID, messageID, before, after, func(ctx context.Context) ([]models.Message, error) {
		return s.fetch.Around(ctx, messageID, before, after)
	})
}

// JumpToMedia is the media-gallery variant of JumpTo: the window is built
// from messages of a single media type around the target.
func (s *Store) JumpToMedia(ctx context.Context, convID, messageID string, typ models.MessageType, before, after int) error {
	return s.jump(ctx, convID, messageID, before, after, func(ctx context.Context) ([]models.Message, error) {
		return s.fetch.AroundByType(ctx, messageID, typ, before, after)
	})
}

func (s *Store) jump(ctx context.Context, convID, messageID string, before, after int, fetch func(context.Context) ([]models.Message, error)) error {
	s.mu.Lock()
	w := s.win(convID)
	epoch := w.epoch
	s.mu.Unlock()

	page, err := fetch(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.epoch != epoch {
		return nil
	}

	w.epoch++
	w.msgs = sortMessages(page)
	w.jumpMode = true
	w.olderErr = nil
	w.newerErr = nil
	w.loadingOlder = false
	w.loadingNewer = false

	countBefore, countAfter := len(w.msgs), 0
	if pivot := indexByID(w.msgs, messageID); pivot >= 0 {
		countBefore = pivot
		countAfter = len(w.msgs) - pivot - 1
	}
	w.hasMoreBefore = countBefore >= before
	w.hasMoreAfter = countAfter >= after
	return nil
}

// ReturnToLatest leaves jump mode by discarding the historical window and
// re-fetching the live tail. The jump window is never stitched into the
// tail. Unconfirmed local sends made while jumped carry across the reset.
func (s *Store) ReturnToLatest(ctx context.Context, convID string) error {
	s.mu.Lock()
	w := s.win(convID)
	var locals []models.Message
	for _, m := range w.msgs {
		if m.ID == "" {
			locals = append(locals, m)
		}
	}
	s.resetLocked(w)
	w.msgs = locals
	s.mu.Unlock()

	return s.LoadInitial(ctx, convID)
}

// InsertLocal adds an optimistic, unconfirmed message to the window.
func (s *Store) InsertLocal(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Status = models.StatusPending
	w := s.win(msg.ConversationID)
	w.msgs = insertSorted(w.msgs, msg)
}

// ConfirmLocal replaces the optimistic entry's fields with the server-
// assigned message. If the WS echo already landed the server id, the local
// duplicate is dropped instead.
func (s *Store) ConfirmLocal(convID, localID string, server models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.win(convID)

	serverIdx := indexByID(w.msgs, server.ID)
	localIdx := indexByLocalID(w.msgs, localID)

	switch {
	case serverIdx >= 0 && localIdx >= 0 && serverIdx != localIdx:
		// Echo arrived first under the server id; the ack is redundant and
		// the optimistic duplicate is dropped.
		w.msgs = append(w.msgs[:localIdx], w.msgs[localIdx+1:]...)
	case serverIdx >= 0:
		// Already converged.
	case localIdx >= 0:
		server.LocalID = localID
		server.Status = models.StatusConfirmed
		w.msgs[localIdx] = server
		w.msgs = sortMessages(w.msgs)
	}
}

// FailLocal marks an optimistic send as failed. The entry stays in the
// window so the user can retry or discard it.
func (s *Store) FailLocal(convID, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.win(convID)
	if i := indexByLocalID(w.msgs, localID); i >= 0 {
		w.msgs[i].Status = models.StatusFailed
	}
}

// RemoveLocal discards a failed send.
func (s *Store) RemoveLocal(convID, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.win(convID)
	if i := indexByLocalID(w.msgs, localID); i >= 0 && w.msgs[i].Status == models.StatusFailed {
		w.msgs = append(w.msgs[:i], w.msgs[i+1:]...)
	}
}

// PendingLocal returns the optimistic message for localID if it is still
// unconfirmed. Confirmed entries keep their LocalID for echo correlation
// but are no longer retryable.
func (s *Store) PendingLocal(convID, localID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.win(convID)
	if i := indexByLocalID(w.msgs, localID); i >= 0 && w.msgs[i].ID == "" {
		return w.msgs[i], true
	}
	return models.Message{}, false
}

// ApplyPush routes a broadcast event into the window. NEW_MESSAGE appends
// only when the window includes the live tail; anything else would create a
// silent gap and is ignored. Mutation events no-op when the target is not
// loaded.
func (s *Store) ApplyPush(ev models.PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wins[ev.ConversationID]
	if !ok {
		return
	}

	switch ev.Type {
	case models.PushNewMessage:
		if ev.Message != nil {
			s.applyNewMessageLocked(w, *ev.Message)
		}
	case models.PushReaction:
		if i := indexByID(w.msgs, ev.MessageID); i >= 0 {
			// Authoritative replace, never an additive merge: concurrent
			// togglers would otherwise double-count.
			w.msgs[i].Reactions = ev.Reactions
		}
	case models.PushRecall:
		if i := indexByID(w.msgs, ev.MessageID); i >= 0 {
			w.msgs[i].Recalled = true
			w.msgs[i].Content = models.RecallTombstone
			w.msgs[i].Reactions = nil
		}
	case models.PushPin:
		if i := indexByID(w.msgs, ev.MessageID); i >= 0 {
			w.msgs[i].Pinned = true
			w.msgs[i].PinnedBy = ev.UserID
		}
	case models.PushUnpin:
		if i := indexByID(w.msgs, ev.MessageID); i >= 0 {
			w.msgs[i].Pinned = false
			w.msgs[i].PinnedBy = ""
		}
	case models.PushDeleteForMe:
		if i := indexByID(w.msgs, ev.MessageID); i >= 0 {
			if w.msgs[i].DeletedFor == nil {
				w.msgs[i].DeletedFor = make(map[string]bool)
			}
			w.msgs[i].DeletedFor[ev.UserID] = true
		}
	}
}

func (s *Store) applyNewMessageLocked(w *window, msg models.Message) {
	// Duplicate delivery of the same server id collapses to one entry.
	if i := indexByID(w.msgs, msg.ID); i >= 0 {
		return
	}

	// Gateways that echo the client's localId make correlation exact.
	if i := indexByLocalID(w.msgs, msg.LocalID); i >= 0 {
		msg.Status = models.StatusConfirmed
		w.msgs[i] = msg
		w.msgs = sortMessages(w.msgs)
		return
	}

	// Echo of one of our optimistic sends: merge by (sender, content, time
	// proximity) while the send is unconfirmed.
	for i := range w.msgs {
		p := &w.msgs[i]
		if p.ID != "" || p.Status == models.StatusFailed {
			continue
		}
		if p.SenderID == msg.SenderID && p.Content == msg.Content && within(p.SentAt, msg.SentAt, reconcileWindowMillis) {
			msg.LocalID = p.LocalID
			msg.Status = models.StatusConfirmed
			w.msgs[i] = msg
			w.msgs = sortMessages(w.msgs)
			return
		}
	}

	// A detached window must not grow at the tail.
	if w.jumpMode || w.hasMoreAfter {
		return
	}

	// Older than the loaded range: prepending would imply the range between
	// is loaded, which it is not.
	if len(w.msgs) > 0 && msg.Less(&w.msgs[0]) && w.hasMoreBefore {
		return
	}

	msg.Status = models.StatusConfirmed
	w.msgs = insertSorted(w.msgs, msg)
}

// MessageByID returns a copy of one loaded message.
func (s *Store) MessageByID(convID, id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return models.Message{}, false
	}
	if i := indexByID(w.msgs, id); i >= 0 {
		return w.msgs[i], true
	}
	return models.Message{}, false
}

// Replace swaps a loaded message for the given copy, matched by identity.
// This is the rollback primitive for optimistic mutations. A recalled entry
// is never un-recalled: recall is terminal.
func (s *Store) Replace(convID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return
	}
	for i := range w.msgs {
		if w.msgs[i].Key() == msg.Key() {
			if w.msgs[i].Recalled {
				return
			}
			w.msgs[i] = msg
			return
		}
	}
}

// ForceReplace swaps a loaded message even if the current entry is recalled.
// Reserved for rolling back an optimistic recall that never reached the
// server; push-driven recalls stay terminal.
func (s *Store) ForceReplace(convID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return
	}
	for i := range w.msgs {
		if w.msgs[i].Key() == msg.Key() {
			w.msgs[i] = msg
			return
		}
	}
}

// ToggleReactionLocal flips the viewer's membership in a reaction set as the
// optimistic half of the reaction flow. It reports the previous message copy
// for rollback, and refuses to touch recalled messages.
func (s *Store) ToggleReactionLocal(convID, messageID, emoji, userID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return models.Message{}, false
	}
	i := indexByID(w.msgs, messageID)
	if i < 0 || w.msgs[i].Recalled {
		return models.Message{}, false
	}

	prev := w.msgs[i]
	next := prev
	next.Reactions = cloneReactions(prev.Reactions)

	users := next.Reactions[emoji]
	removed := false
	for j, u := range users {
		if u == userID {
			next.Reactions[emoji] = append(users[:j:j], users[j+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		next.Reactions[emoji] = append(users, userID)
	}
	if len(next.Reactions[emoji]) == 0 {
		delete(next.Reactions, emoji)
	}
	w.msgs[i] = next
	return prev, true
}

func cloneReactions(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Messages returns a copy of the ordered window.
func (s *Store) Messages(convID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// Visible returns the window as rendered for one viewer: delete-for-me
// entries are filtered out. They stay in the store itself.
func (s *Store) Visible(convID, viewerID string) []models.Message {
	msgs := s.Messages(convID)
	out := msgs[:0]
	for _, m := range msgs {
		if !m.HiddenFor(viewerID) {
			out = append(out, m)
		}
	}
	return out
}

// State returns the window's load state for rendering.
func (s *Store) State(convID string) WindowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wins[convID]
	if !ok {
		return WindowState{}
	}
	return WindowState{
		HasMoreBefore: w.hasMoreBefore,
		HasMoreAfter:  w.hasMoreAfter,
		JumpMode:      w.jumpMode,
		OlderErr:      w.olderErr,
		NewerErr:      w.newerErr,
	}
}

// mergeLocked folds a fetched page into the window, keeping order and
// collapsing overlap with what is already loaded.
func (s *Store) mergeLocked(w *window, page []models.Message) {
	w.msgs = sortMessages(append(w.msgs, page...))
}

// --- ordering helpers ---

func sortMessages(msgs []models.Message) []models.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Less(&msgs[j])
	})
	return dedup(msgs)
}

func dedup(msgs []models.Message) []models.Message {
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		k := m.Key()
		if k != "" && seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

func insertSorted(msgs []models.Message, msg models.Message) []models.Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return msg.Less(&msgs[i])
	})
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	return msgs
}

func indexByID(msgs []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByLocalID(msgs []models.Message, localID string) int {
	if localID == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func within(a, b, delta int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= delta
}
