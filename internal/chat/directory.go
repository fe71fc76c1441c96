package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"parley/internal/content"
	"parley/internal/models"
)

// DirectoryAPI is the slice of the REST client the directory depends on.
type DirectoryAPI interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
	MarkRead(ctx context.Context, convID string) error
}

// Directory is the conversation list: a REST snapshot kept in sync by push
// deltas and message events. Unread counts increment locally between
// snapshots; a completed snapshot is authoritative and overwrites them.
type Directory struct {
	mu     sync.Mutex
	api    DirectoryAPI
	selfID string
	log    *slog.Logger

	convs    map[string]*models.Conversation
	activeID string

	// markedThisSelection makes the unread reset idempotent per selection:
	// new-message events racing a selection must not trigger a second reset
	// or a second mark-read call.
	markedThisSelection bool
}

func NewDirectory(api DirectoryAPI, selfID string, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		api:    api,
		selfID: selfID,
		log:    log,
		convs:  make(map[string]*models.Conversation),
	}
}

// Hydrate seeds the directory from a cached snapshot before the first REST
// refresh lands. Existing entries win: a refresh that already completed is
// fresher than any cache.
func (d *Directory) Hydrate(convs []models.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seeded := 0
	for i := range convs {
		c := convs[i]
		if _, ok := d.convs[c.ID]; !ok {
			d.convs[c.ID] = &c
			seeded++
		}
	}
	if seeded > 0 {
		d.log.Debug("seeded conversations from cache", "count", seeded)
	}
}

// RefreshAll replaces the directory with a fresh REST snapshot merged with
// server unread counts. The snapshot wins over any local unread arithmetic.
func (d *Directory) RefreshAll(ctx context.Context) error {
	convs, err := d.api.Conversations(ctx)
	if err != nil {
		return err
	}
	unread, err := d.api.UnreadCounts(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := make(map[string]*models.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		if n, ok := unread[c.ID]; ok {
			c.UnreadCount = n
		}
		if c.ID == d.activeID {
			c.UnreadCount = 0
		}
		fresh[c.ID] = &c
	}
	d.convs = fresh
	return nil
}

// Select makes a conversation active and resets its unread count, calling
// mark-read on the gateway exactly once per selection.
func (d *Directory) Select(ctx context.Context, convID string) error {
	d.mu.Lock()
	if d.activeID == convID && d.markedThisSelection {
		d.mu.Unlock()
		return nil
	}
	d.activeID = convID
	d.markedThisSelection = true
	if c, ok := d.convs[convID]; ok {
		c.UnreadCount = 0
		c.ManuallyMarkedAsUnread = false
	}
	d.mu.Unlock()

	return d.api.MarkRead(ctx, convID)
}

// MarkReadActive re-marks the active conversation as read after an inbound
// message arrives while the user is viewing it. No-op for any other
// conversation.
func (d *Directory) MarkReadActive(ctx context.Context, convID string) error {
	d.mu.Lock()
	if convID != d.activeID {
		d.mu.Unlock()
		return nil
	}
	if c, ok := d.convs[convID]; ok {
		c.UnreadCount = 0
	}
	d.mu.Unlock()

	return d.api.MarkRead(ctx, convID)
}

// Deselect clears the active conversation.
func (d *Directory) Deselect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeID = ""
	d.markedThisSelection = false
}

// ActiveID returns the currently selected conversation, if any.
func (d *Directory) ActiveID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

// ApplyPush routes directory-level broadcast events: pin/unpin, mute,
// mark-unread, group deletion, and new conversations.
func (d *Directory) ApplyPush(ev models.PushEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Type {
	case models.PushConversationPin:
		if c, ok := d.convs[ev.ConversationID]; ok {
			c.IsPinned = true
			c.PinnedAt = ev.At
		}
	case models.PushConversationUnpin:
		if c, ok := d.convs[ev.ConversationID]; ok {
			c.IsPinned = false
			c.PinnedAt = 0
		}
	case models.PushMuteToggled:
		if c, ok := d.convs[ev.ConversationID]; ok {
			c.NotificationsEnabled = ev.Enabled
		}
	case models.PushMarkedUnread:
		if c, ok := d.convs[ev.ConversationID]; ok {
			c.ManuallyMarkedAsUnread = true
		}
	case models.PushGroupDeleted:
		delete(d.convs, ev.ConversationID)
	case models.PushNewConversation:
		if ev.Conversation != nil {
			c := *ev.Conversation
			d.convs[c.ID] = &c
		}
	case models.PushUnreadDelta:
		if c, ok := d.convs[ev.ConversationID]; ok && ev.ConversationID != d.activeID {
			c.UnreadCount += ev.Unread
		}
	}
}

// UpsertFromMessage updates a conversation's preview, timestamp and unread
// count from an inbound message without a full refetch. Messages for the
// active conversation do not count as unread; the caller is expected to be
// reading them.
func (d *Directory) UpsertFromMessage(msg models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[msg.ConversationID]
	if !ok {
		// Unknown conversation; the user-updates topic will deliver a
		// NEW_CONVERSATION event or the next refresh will pick it up.
		return
	}

	preview := msg.Content
	if msg.Type == models.MessageText {
		preview = content.RenderPreview(msg.Content)
	}
	c.LastMessage = &models.LastMessage{
		SenderID: msg.SenderID,
		Content:  preview,
		SentAt:   msg.SentAt,
	}
	if msg.SentAt > c.UpdatedAt {
		c.UpdatedAt = msg.SentAt
	}
	if msg.ConversationID != d.activeID && msg.SenderID != d.selfID {
		c.UnreadCount++
	}
}

// Get returns a copy of one conversation.
func (d *Directory) Get(convID string) (models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[convID]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

// SetPinned applies an optimistic local pin/unpin toggle.
func (d *Directory) SetPinned(convID string, pinned bool, at int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.convs[convID]; ok {
		c.IsPinned = pinned
		if pinned {
			c.PinnedAt = at
		} else {
			c.PinnedAt = 0
		}
	}
}

// List returns conversations in render order: pinned first (most recently
// pinned on top), then by last activity.
func (d *Directory) List() []models.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if a.IsPinned && a.PinnedAt != b.PinnedAt {
			return a.PinnedAt > b.PinnedAt
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID < b.ID
	})
	return out
}

// TotalUnread sums unread counts across conversations.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, c := range d.convs {
		total += c.UnreadCount
	}
	return total
}

// Snapshot returns every conversation, unordered, for persistence.
func (d *Directory) Snapshot() []models.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, *c)
	}
	return out
}
