package chat

import (
	"context"
	"log/slog"
	"sync"

	"parley/internal/gateway"
	"parley/internal/models"

	"github.com/google/uuid"
)

// JumpPhase is the navigation state of the active conversation's window.
type JumpPhase int

const (
	PhaseNormal JumpPhase = iota // viewing the live tail
	PhaseJumping
	PhaseJumped // viewing a disjoint historical window
	PhaseReturning
)

func (p JumpPhase) String() string {
	switch p {
	case PhaseNormal:
		return "NORMAL"
	case PhaseJumping:
		return "JUMPING"
	case PhaseJumped:
		return "JUMPED"
	case PhaseReturning:
		return "RETURNING"
	}
	return "UNKNOWN"
}

// API is the REST surface the orchestrator mutates through.
type API interface {
	SendReply(ctx context.Context, convID, text, replyToMessageID string) (*models.Message, error)
	UploadMedia(ctx context.Context, convID string, files []gateway.Upload) ([]models.Message, error)
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID string) error
	Recall(ctx context.Context, messageID string) error
	DeleteForMe(ctx context.Context, messageID string) error
	PinMessage(ctx context.Context, convID, messageID string) error
	UnpinMessage(ctx context.Context, convID, messageID string) error
	PinnedMessages(ctx context.Context, convID string) ([]models.Message, error)
	Search(ctx context.Context, convID, keyword string, page, size int) (*gateway.SearchResult, error)
}

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe()
}

// Socket is the WebSocket surface the orchestrator publishes through.
type Socket interface {
	Connected() bool
	Publish(destination string, v any) error
	Subscribe(topic string, h func(models.PushEvent)) (Subscription, error)
}

// Outbox persists failed sends across restarts so they can be retried.
type Outbox interface {
	Enqueue(msg models.Message) error
	List() ([]models.Message, error)
	Delete(localID string) error
}

type sendPayload struct {
	LocalID          string             `json:"localId"`
	SenderID         string             `json:"senderId"`
	Type             models.MessageType `json:"type"`
	Content          string             `json:"content"`
	SentAt           int64              `json:"sentAt"`
	ReplyToMessageID string             `json:"replyToMessageId,omitempty"`
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	Added     bool   `json:"added"`
}

type deletePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type pinPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Pinned    bool   `json:"pinned"`
}

type typingPayload struct {
	UserID string `json:"userId"`
}

// Orchestrator owns the per-session active conversation and mediates every
// mutation: optimistic sends with rollback, reaction/recall/pin/delete flows,
// the jump navigation state machine, and routing of push events into the
// store, directory and typing tracker.
type Orchestrator struct {
	api    API
	sock   Socket
	store  *Store
	dir    *Directory
	typing *TypingTracker
	outbox Outbox
	selfID string
	log    *slog.Logger

	jumpContext int

	mu        sync.Mutex
	active    string
	activeSub Subscription
	phase     JumpPhase
	pinned    map[string][]models.Message
}

type OrchestratorOptions struct {
	API         API
	Socket      Socket
	Store       *Store
	Directory   *Directory
	Typing      *TypingTracker
	Outbox      Outbox // optional
	SelfID      string
	JumpContext int
	Logger      *slog.Logger
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.JumpContext <= 0 {
		opts.JumpContext = 10
	}
	return &Orchestrator{
		api:         opts.API,
		sock:        opts.Socket,
		store:       opts.Store,
		dir:         opts.Directory,
		typing:      opts.Typing,
		outbox:      opts.Outbox,
		selfID:      opts.SelfID,
		log:         logger,
		jumpContext: opts.JumpContext,
		phase:       PhaseNormal,
		pinned:      make(map[string][]models.Message),
	}
}

// Open makes convID the active conversation: it unsubscribes the previous
// topic, invalidates the previous conversation's in-flight loads, subscribes
// the new topic, loads the latest window, and resets the unread count.
func (o *Orchestrator) Open(ctx context.Context, convID string) error {
	o.mu.Lock()
	if o.active == convID {
		o.mu.Unlock()
		return nil
	}
	prev := o.active
	prevSub := o.activeSub
	o.active = convID
	o.activeSub = nil
	o.phase = PhaseNormal
	o.mu.Unlock()

	if prevSub != nil {
		prevSub.Unsubscribe()
	}
	if prev != "" {
		o.store.Invalidate(prev)
	}
	o.dir.Deselect()

	sub, err := o.sock.Subscribe(gateway.ConversationTopic(convID), o.HandlePush)
	if err != nil {
		o.log.Warn("conversation topic subscribe failed", "conversation_id", convID, "error", err)
	} else {
		o.mu.Lock()
		o.activeSub = sub
		o.mu.Unlock()
	}

	if err := o.store.LoadInitial(ctx, convID); err != nil {
		return err
	}
	if err := o.dir.Select(ctx, convID); err != nil {
		o.log.Warn("mark-read failed", "conversation_id", convID, "error", err)
	}

	if pinned, err := o.api.PinnedMessages(ctx, convID); err == nil {
		o.mu.Lock()
		o.pinned[convID] = pinned
		o.mu.Unlock()
	}
	return nil
}

// Close deactivates the current conversation.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	sub := o.activeSub
	prev := o.active
	o.active = ""
	o.activeSub = nil
	o.phase = PhaseNormal
	o.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if prev != "" {
		o.store.Invalidate(prev)
	}
	o.dir.Deselect()
}

// Active returns the active conversation id, empty when none.
func (o *Orchestrator) Active() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Phase returns the jump navigation state.
func (o *Orchestrator) Phase() JumpPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// HandlePush routes one broadcast event. It is also the handler wired into
// topic subscriptions.
func (o *Orchestrator) HandlePush(ev models.PushEvent) {
	switch ev.Type {
	case models.PushTyping:
		if ev.UserID != o.selfID {
			o.typing.Observe(ev.ConversationID, ev.UserID)
		}

	case models.PushNewMessage:
		if ev.Message == nil {
			return
		}
		o.store.ApplyPush(ev)
		o.dir.UpsertFromMessage(*ev.Message)
		if ev.Message.SenderID != o.selfID && ev.ConversationID == o.Active() {
			if err := o.dir.MarkReadActive(context.Background(), ev.ConversationID); err != nil {
				o.log.Warn("mark-read after inbound message failed", "error", err)
			}
		}

	case models.PushReaction, models.PushRecall, models.PushDeleteForMe:
		o.store.ApplyPush(ev)

	case models.PushPin, models.PushUnpin:
		o.store.ApplyPush(ev)
		// The broadcast list is authoritative; it fully replaces the local
		// cache so concurrent pin races converge for every member.
		o.mu.Lock()
		o.pinned[ev.ConversationID] = ev.PinnedMessages
		o.mu.Unlock()

	case models.PushGroupDeleted:
		o.dir.ApplyPush(ev)
		if ev.ConversationID == o.Active() {
			o.Close()
		}

	default:
		o.dir.ApplyPush(ev)
	}
}

// --- send flow ---

// Send dispatches a text message to the active conversation: optimistic
// insert, WS publish when the socket is up, REST fallback otherwise. The
// localId is returned so callers can retry or discard on failure.
func (o *Orchestrator) Send(ctx context.Context, text string) (string, error) {
	return o.send(ctx, text, "")
}

// Reply is Send with a reference to an existing message.
func (o *Orchestrator) Reply(ctx context.Context, text, replyToMessageID string) (string, error) {
	return o.send(ctx, text, replyToMessageID)
}

func (o *Orchestrator) send(ctx context.Context, text, replyToMessageID string) (string, error) {
	convID := o.Active()
	if convID == "" {
		return "", models.ErrNotFound
	}

	local := models.Message{
		LocalID:        uuid.NewString(),
		ConversationID: convID,
		SenderID:       o.selfID,
		Type:           models.MessageText,
		Content:        text,
		SentAt:         models.Now(),
	}
	if replyToMessageID != "" {
		if target, ok := o.store.MessageByID(convID, replyToMessageID); ok {
			local.ReplyTo = &models.ReplyRef{
				MessageID: target.ID,
				SenderID:  target.SenderID,
				Content:   target.Content,
				Type:      target.Type,
			}
		}
	}
	o.store.InsertLocal(local)
	o.dir.UpsertFromMessage(local)

	// Socket first. A successful publish resolves through the broadcast
	// echo; a failed write falls through to REST immediately so the message
	// is not silently lost on a half-dead connection.
	if o.sock.Connected() {
		dest := gateway.SendDestination(convID)
		if replyToMessageID != "" {
			dest = gateway.ReplyDestination(convID)
		}
		err := o.sock.Publish(dest, sendPayload{
			LocalID:          local.LocalID,
			SenderID:         o.selfID,
			Type:             models.MessageText,
			Content:          text,
			SentAt:           local.SentAt,
			ReplyToMessageID: replyToMessageID,
		})
		if err == nil {
			return local.LocalID, nil
		}
		o.log.Warn("ws publish failed, falling back to rest", "error", err)
	}

	return local.LocalID, o.sendRest(ctx, local, replyToMessageID)
}

func (o *Orchestrator) sendRest(ctx context.Context, local models.Message, replyToMessageID string) error {
	msg, err := o.api.SendReply(ctx, local.ConversationID, local.Content, replyToMessageID)
	if err != nil {
		o.store.FailLocal(local.ConversationID, local.LocalID)
		if o.outbox != nil {
			if qerr := o.outbox.Enqueue(local); qerr != nil {
				o.log.Warn("outbox enqueue failed", "error", qerr)
			}
		}
		return err
	}
	o.store.ConfirmLocal(local.ConversationID, local.LocalID, *msg)
	if o.outbox != nil {
		_ = o.outbox.Delete(local.LocalID)
	}
	return nil
}

// RetrySend re-sends a failed optimistic message over REST.
func (o *Orchestrator) RetrySend(ctx context.Context, localID string) error {
	convID := o.Active()
	local, ok := o.store.PendingLocal(convID, localID)
	if !ok {
		return models.ErrNotFound
	}
	var replyTo string
	if local.ReplyTo != nil {
		replyTo = local.ReplyTo.MessageID
	}
	return o.sendRest(ctx, local, replyTo)
}

// DiscardSend drops a failed optimistic message.
func (o *Orchestrator) DiscardSend(localID string) {
	convID := o.Active()
	o.store.RemoveLocal(convID, localID)
	if o.outbox != nil {
		_ = o.outbox.Delete(localID)
	}
}

// SendMedia uploads files and inserts the resulting media messages. Uploads
// always travel over REST; the optimistic entries carry the sniffed type and
// the file name as content.
func (o *Orchestrator) SendMedia(ctx context.Context, files []gateway.Upload) error {
	convID := o.Active()
	if convID == "" {
		return models.ErrNotFound
	}

	locals := make([]models.Message, len(files))
	for i, f := range files {
		locals[i] = models.Message{
			LocalID:        uuid.NewString(),
			ConversationID: convID,
			SenderID:       o.selfID,
			Type:           gateway.SniffMessageType(f.Data),
			Content:        f.Name,
			SentAt:         models.Now(),
		}
		o.store.InsertLocal(locals[i])
	}

	created, err := o.api.UploadMedia(ctx, convID, files)
	if err != nil {
		for _, l := range locals {
			o.store.FailLocal(convID, l.LocalID)
		}
		return err
	}
	for i, l := range locals {
		if i < len(created) {
			o.store.ConfirmLocal(convID, l.LocalID, created[i])
		} else {
			o.store.FailLocal(convID, l.LocalID)
		}
	}
	return nil
}

// --- reaction / recall / delete / pin flows ---

// ToggleReaction optimistically flips the viewer's reaction, then tells the
// gateway. The eventual REACTION broadcast replaces local state wholesale;
// only a hard REST failure rolls the optimistic guess back.
func (o *Orchestrator) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	convID := o.Active()
	prev, ok := o.store.ToggleReactionLocal(convID, messageID, emoji, o.selfID)
	if !ok {
		return models.ErrNotFound
	}
	added := !prev.ReactedBy(emoji, o.selfID)

	if o.sock.Connected() {
		err := o.sock.Publish(gateway.ReactionDestination(convID), reactionPayload{
			MessageID: messageID,
			UserID:    o.selfID,
			Emoji:     emoji,
			Added:     added,
		})
		if err == nil {
			return nil
		}
	}

	var err error
	if added {
		err = o.api.AddReaction(ctx, messageID, emoji)
	} else {
		err = o.api.RemoveReaction(ctx, messageID)
	}
	if err != nil {
		if gateway.IsNotFound(err) {
			return nil // message vanished concurrently; broadcast will clean up
		}
		o.store.Replace(convID, prev)
		return err
	}
	return nil
}

// Recall tombstones one of the caller's own messages. Irreversible; a
// conflict (already recalled) counts as success.
func (o *Orchestrator) Recall(ctx context.Context, messageID string) error {
	convID := o.Active()
	msg, ok := o.store.MessageByID(convID, messageID)
	if !ok {
		return models.ErrNotFound
	}
	if msg.SenderID != o.selfID {
		return models.ErrNotSender
	}
	if msg.Recalled {
		return nil
	}

	o.store.ApplyPush(models.PushEvent{
		Type:           models.PushRecall,
		ConversationID: convID,
		MessageID:      messageID,
	})

	err := o.api.Recall(ctx, messageID)
	if err != nil && !gateway.IsConflict(err) && !gateway.IsNotFound(err) {
		// Recall is terminal once it sticks, but a hard transport failure
		// means it never reached the server; restore and surface.
		o.store.ForceReplace(convID, msg)
		return err
	}
	return nil
}

// DeleteForMe hides a message for the current viewer only: optimistic hide,
// REST call, revert on failure.
func (o *Orchestrator) DeleteForMe(ctx context.Context, messageID string) error {
	convID := o.Active()
	prev, ok := o.store.MessageByID(convID, messageID)
	if !ok {
		return models.ErrNotFound
	}

	o.store.ApplyPush(models.PushEvent{
		Type:           models.PushDeleteForMe,
		ConversationID: convID,
		MessageID:      messageID,
		UserID:         o.selfID,
	})

	if o.sock.Connected() {
		if err := o.sock.Publish(gateway.DeleteDestination(convID), deletePayload{
			MessageID: messageID,
			UserID:    o.selfID,
		}); err == nil {
			return nil
		}
	}

	if err := o.api.DeleteForMe(ctx, messageID); err != nil && !gateway.IsNotFound(err) {
		o.store.Replace(convID, prev)
		return err
	}
	return nil
}

// TogglePinMessage pins or unpins a message, updating the message flag and
// the conversation's pinned-list cache optimistically. The next PIN/UNPIN
// broadcast replaces the cache wholesale.
func (o *Orchestrator) TogglePinMessage(ctx context.Context, messageID string) error {
	convID := o.Active()
	msg, ok := o.store.MessageByID(convID, messageID)
	if !ok {
		return models.ErrNotFound
	}
	pinning := !msg.Pinned

	evType := models.PushUnpin
	if pinning {
		evType = models.PushPin
	}
	o.store.ApplyPush(models.PushEvent{
		Type:           evType,
		ConversationID: convID,
		MessageID:      messageID,
		UserID:         o.selfID,
	})
	o.mu.Lock()
	if pinning {
		pinnedCopy := msg
		pinnedCopy.Pinned = true
		pinnedCopy.PinnedBy = o.selfID
		o.pinned[convID] = append(o.pinned[convID], pinnedCopy)
	} else {
		list := o.pinned[convID]
		for i := range list {
			if list[i].ID == messageID {
				o.pinned[convID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	o.mu.Unlock()

	var err error
	if pinning {
		err = o.api.PinMessage(ctx, convID, messageID)
	} else {
		err = o.api.UnpinMessage(ctx, convID, messageID)
	}
	if err != nil && !gateway.IsConflict(err) {
		o.store.Replace(convID, msg)
		if list, lerr := o.api.PinnedMessages(ctx, convID); lerr == nil {
			o.mu.Lock()
			o.pinned[convID] = list
			o.mu.Unlock()
		}
		return err
	}
	return nil
}

// PinnedList returns the cached pinned messages for a conversation.
func (o *Orchestrator) PinnedList(convID string) []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Message(nil), o.pinned[convID]...)
}

// --- conversation-level toggles ---

// Search runs a keyword search in the active conversation.
func (o *Orchestrator) Search(ctx context.Context, keyword string, page, size int) (*gateway.SearchResult, error) {
	convID := o.Active()
	if convID == "" {
		return nil, models.ErrNotFound
	}
	return o.api.Search(ctx, convID, keyword, page, size)
}

// --- jump navigation state machine ---

// JumpToMessage moves the window to a historical target. Guarded: a jump or
// return already in flight wins and the new request is dropped.
func (o *Orchestrator) JumpToMessage(ctx context.Context, messageID string) error {
	convID, ok := o.beginJump()
	if !ok {
		return nil
	}
	err := o.store.JumpTo(ctx, convID, messageID, o.jumpContext, o.jumpContext)
	o.endJump(convID, err)
	return err
}

// JumpToMedia is the media-gallery jump: same machine, type-filtered window.
func (o *Orchestrator) JumpToMedia(ctx context.Context, messageID string, typ models.MessageType) error {
	convID, ok := o.beginJump()
	if !ok {
		return nil
	}
	err := o.store.JumpToMedia(ctx, convID, messageID, typ, o.jumpContext, o.jumpContext)
	o.endJump(convID, err)
	return err
}

func (o *Orchestrator) beginJump() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == "" || o.phase == PhaseJumping || o.phase == PhaseReturning {
		return "", false
	}
	o.phase = PhaseJumping
	return o.active, true
}

func (o *Orchestrator) endJump(convID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != convID {
		return // conversation switched mid-jump; Open already reset the phase
	}
	if err != nil {
		// The store kept the last good window; fall back to whatever mode it
		// represents.
		if o.store.State(convID).JumpMode {
			o.phase = PhaseJumped
		} else {
			o.phase = PhaseNormal
		}
		return
	}
	o.phase = PhaseJumped
}

// ExtendBefore lazy-loads more context above a jumped window without leaving
// jump mode.
func (o *Orchestrator) ExtendBefore(ctx context.Context) error {
	o.mu.Lock()
	convID, phase := o.active, o.phase
	o.mu.Unlock()
	if phase != PhaseJumped {
		return nil
	}
	return o.store.LoadOlder(ctx, convID)
}

// ExtendAfter lazy-loads more context below a jumped window.
func (o *Orchestrator) ExtendAfter(ctx context.Context) error {
	o.mu.Lock()
	convID, phase := o.active, o.phase
	o.mu.Unlock()
	if phase != PhaseJumped {
		return nil
	}
	return o.store.LoadNewer(ctx, convID)
}

// LoadOlder pages history upward in the live-tail window.
func (o *Orchestrator) LoadOlder(ctx context.Context) error {
	o.mu.Lock()
	convID, phase := o.active, o.phase
	o.mu.Unlock()
	if convID == "" || phase != PhaseNormal {
		return nil
	}
	return o.store.LoadOlder(ctx, convID)
}

// ReturnToLatest leaves jump mode by discarding the historical window and
// re-fetching the live tail. The two windows are never interleaved.
func (o *Orchestrator) ReturnToLatest(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != PhaseJumped {
		o.mu.Unlock()
		return nil
	}
	convID := o.active
	o.phase = PhaseReturning
	o.mu.Unlock()

	err := o.store.ReturnToLatest(ctx, convID)

	o.mu.Lock()
	if o.active == convID {
		o.phase = PhaseNormal
	}
	o.mu.Unlock()
	return err
}

// --- typing ---

// Keystroke reports local typing activity in the active conversation; the
// tracker decides when a publish actually goes out.
func (o *Orchestrator) Keystroke() {
	if convID := o.Active(); convID != "" {
		o.typing.LocalKeystroke(convID)
	}
}

// TypingUsers returns who is typing in the active conversation right now.
func (o *Orchestrator) TypingUsers() []string {
	convID := o.Active()
	if convID == "" {
		return nil
	}
	return o.typing.Snapshot(convID)
}

// --- reconnect ---

// Resync re-establishes converged state after the socket reconnects:
// subscribers were not told about the gap, so the directory snapshot and the
// active window are re-fetched and queued sends are retried oldest first.
func (o *Orchestrator) Resync(ctx context.Context) {
	if err := o.dir.RefreshAll(ctx); err != nil {
		o.log.Warn("directory resync failed", "error", err)
	}
	if convID := o.Active(); convID != "" && o.Phase() == PhaseNormal {
		if err := o.store.LoadInitial(ctx, convID); err != nil {
			o.log.Warn("active window resync failed", "conversation_id", convID, "error", err)
		}
	}
	o.flushOutbox(ctx)
}

func (o *Orchestrator) flushOutbox(ctx context.Context) {
	if o.outbox == nil {
		return
	}
	queued, err := o.outbox.List()
	if err != nil {
		o.log.Warn("outbox list failed", "error", err)
		return
	}
	for _, local := range queued {
		var replyTo string
		if local.ReplyTo != nil {
			replyTo = local.ReplyTo.MessageID
		}
		msg, err := o.api.SendReply(ctx, local.ConversationID, local.Content, replyTo)
		if err != nil {
			o.log.Warn("outbox retry failed", "local_id", local.LocalID, "error", err)
			continue
		}
		o.store.ConfirmLocal(local.ConversationID, local.LocalID, *msg)
		_ = o.outbox.Delete(local.LocalID)
	}
}
