package storage

import (
	"fmt"
	"time"

	"parley/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketTails         = []byte("tails")
	bucketOutbox        = []byte("outbox")
)

// tailKeep bounds how many recent messages are persisted per conversation.
const tailKeep = 50

// Cache is the local offline store: the last directory snapshot, a short
// message tail per conversation for instant startup, and the outbox of sends
// that failed and await retry.
type Cache struct {
	db *bbolt.DB
}

func NewCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketTails, bucketOutbox} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveDirectory replaces the persisted conversation snapshot.
func (c *Cache) SaveDirectory(convs []models.Conversation) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketConversations); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketConversations)
		if err != nil {
			return err
		}
		for i := range convs {
			dbConv := toDBConversation(&convs[i])
			data, err := dbConv.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(dbConv.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadDirectory returns the persisted conversation snapshot.
func (c *Cache) LoadDirectory() ([]models.Conversation, error) {
	var convs []models.Conversation
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			convs = append(convs, fromDBConversation(&dbConv))
			return nil
		})
	})
	return convs, err
}

// SaveTail persists the newest messages of a conversation, keeping at most
// tailKeep entries. Unconfirmed and failed sends are skipped; the outbox
// owns those.
func (c *Cache) SaveTail(convID string, msgs []models.Message) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		tails := tx.Bucket(bucketTails)
		if tails.Bucket([]byte(convID)) != nil {
			if err := tails.DeleteBucket([]byte(convID)); err != nil {
				return err
			}
		}
		b, err := tails.CreateBucket([]byte(convID))
		if err != nil {
			return err
		}

		start := 0
		if len(msgs) > tailKeep {
			start = len(msgs) - tailKeep
		}
		for i := start; i < len(msgs); i++ {
			if msgs[i].ID == "" {
				continue
			}
			dbMsg := toDBMessage(&msgs[i])
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := b.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// LoadTail returns the persisted tail of a conversation, oldest first.
func (c *Cache) LoadTail(convID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTails).Bucket([]byte(convID))
		if b == nil {
			return nil // no cached tail for this conversation
		}
		return b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			msgs = append(msgs, fromDBMessage(&dbMsg))
			return nil
		})
	})
	return msgs, err
}

// Enqueue adds a failed send to the outbox.
func (c *Cache) Enqueue(msg models.Message) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		entry := &DBOutboxEntry{
			LocalID:        msg.LocalID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Type:           string(msg.Type),
			Content:        msg.Content,
			SentAt:         msg.SentAt,
		}
		data, err := entry.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(entry.Key(), data)
	})
}

// List returns queued sends oldest first.
func (c *Cache) List() ([]models.Message, error) {
	var msgs []models.Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		return b.ForEach(func(k, v []byte) error {
			var entry DBOutboxEntry
			if err := entry.UnmarshalBinary(v); err != nil {
				return err
			}
			msgs = append(msgs, models.Message{
				LocalID:        entry.LocalID,
				ConversationID: entry.ConversationID,
				SenderID:       entry.SenderID,
				Type:           models.MessageType(entry.Type),
				Content:        entry.Content,
				SentAt:         entry.SentAt,
				Status:         models.StatusFailed,
			})
			return nil
		})
	})
	return msgs, err
}

// Delete removes an outbox entry after a successful retry or a discard.
func (c *Cache) Delete(localID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		var key []byte
		err := b.ForEach(func(k, v []byte) error {
			var entry DBOutboxEntry
			if err := entry.UnmarshalBinary(v); err != nil {
				return err
			}
			if entry.LocalID == localID {
				key = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil || key == nil {
			return err
		}
		return b.Delete(key)
	})
}

func toDBConversation(c *models.Conversation) *DBConversation {
	dbConv := &DBConversation{
		ID:                     c.ID,
		Type:                   string(c.Type),
		Name:                   c.Name,
		AvatarURL:              c.AvatarURL,
		Members:                c.Members,
		CreatedBy:              c.CreatedBy,
		IsPinned:               c.IsPinned,
		PinnedAt:               c.PinnedAt,
		NotificationsEnabled:   c.NotificationsEnabled,
		ManuallyMarkedAsUnread: c.ManuallyMarkedAsUnread,
		UpdatedAt:              c.UpdatedAt,
		UnreadCount:            c.UnreadCount,
	}
	if c.LastMessage != nil {
		dbConv.LastMessage = &DBPreview{
			SenderID: c.LastMessage.SenderID,
			Content:  c.LastMessage.Content,
			SentAt:   c.LastMessage.SentAt,
		}
	}
	return dbConv
}

func fromDBConversation(dbConv *DBConversation) models.Conversation {
	conv := models.Conversation{
		ID:                     dbConv.ID,
		Type:                   models.ConversationType(dbConv.Type),
		Name:                   dbConv.Name,
		AvatarURL:              dbConv.AvatarURL,
		Members:                dbConv.Members,
		CreatedBy:              dbConv.CreatedBy,
		IsPinned:               dbConv.IsPinned,
		PinnedAt:               dbConv.PinnedAt,
		NotificationsEnabled:   dbConv.NotificationsEnabled,
		ManuallyMarkedAsUnread: dbConv.ManuallyMarkedAsUnread,
		UpdatedAt:              dbConv.UpdatedAt,
		UnreadCount:            dbConv.UnreadCount,
	}
	if dbConv.LastMessage != nil {
		conv.LastMessage = &models.LastMessage{
			SenderID: dbConv.LastMessage.SenderID,
			Content:  dbConv.LastMessage.Content,
			SentAt:   dbConv.LastMessage.SentAt,
		}
	}
	return conv
}

func toDBMessage(m *models.Message) *DBMessage {
	return &DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           string(m.Type),
		Content:        m.Content,
		SentAt:         m.SentAt,
		Edited:         m.Edited,
		Pinned:         m.Pinned,
		PinnedBy:       m.PinnedBy,
		Recalled:       m.Recalled,
		Reactions:      m.Reactions,
	}
}

func fromDBMessage(dbMsg *DBMessage) models.Message {
	return models.Message{
		ID:             dbMsg.ID,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		Type:           models.MessageType(dbMsg.Type),
		Content:        dbMsg.Content,
		SentAt:         dbMsg.SentAt,
		Edited:         dbMsg.Edited,
		Pinned:         dbMsg.Pinned,
		PinnedBy:       dbMsg.PinnedBy,
		Recalled:       dbMsg.Recalled,
		Reactions:      dbMsg.Reactions,
		Status:         models.StatusConfirmed,
	}
}
