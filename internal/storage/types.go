package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID                     string     `msgpack:"id"`
	Type                   string     `msgpack:"type"`
	Name                   string     `msgpack:"name"`
	AvatarURL              string     `msgpack:"avatarUrl"`
	Members                []string   `msgpack:"members"`
	CreatedBy              string     `msgpack:"createdBy"`
	IsPinned               bool       `msgpack:"isPinned"`
	PinnedAt               int64      `msgpack:"pinnedAt"`
	NotificationsEnabled   bool       `msgpack:"notificationsEnabled"`
	ManuallyMarkedAsUnread bool       `msgpack:"manuallyMarkedAsUnread"`
	LastMessage            *DBPreview `msgpack:"lastMessage"`
	UpdatedAt              int64      `msgpack:"updatedAt"`
	UnreadCount            int        `msgpack:"unreadCount"`
}

type DBPreview struct {
	SenderID string `msgpack:"senderId"`
	Content  string `msgpack:"content"`
	SentAt   int64  `msgpack:"sentAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string              `msgpack:"id"`
	ConversationID string              `msgpack:"conversationId"`
	SenderID       string              `msgpack:"senderId"`
	Type           string              `msgpack:"type"`
	Content        string              `msgpack:"content"`
	SentAt         int64               `msgpack:"sentAt"`
	Edited         bool                `msgpack:"edited"`
	Pinned         bool                `msgpack:"pinned"`
	PinnedBy       string              `msgpack:"pinnedBy"`
	Recalled       bool                `msgpack:"recalled"`
	Reactions      map[string][]string `msgpack:"reactions"`
}

// Key orders tail entries by (sentAt, id): an 8-byte big-endian timestamp
// prefix followed by the id bytes, matching the store's display order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.SentAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBOutboxEntry struct {
	LocalID        string `msgpack:"localId"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Type           string `msgpack:"type"`
	Content        string `msgpack:"content"`
	SentAt         int64  `msgpack:"sentAt"`
}

// Key orders the outbox by enqueue time so retries go out oldest first.
func (e *DBOutboxEntry) Key() []byte {
	key := make([]byte, 8, 8+len(e.LocalID))
	binary.BigEndian.PutUint64(key, uint64(e.SentAt))
	return append(key, e.LocalID...)
}

func (e *DBOutboxEntry) MarshalBinary() (data []byte, err error) {
	type alias DBOutboxEntry
	return msgpack.Marshal((*alias)(e))
}

func (e *DBOutboxEntry) UnmarshalBinary(data []byte) error {
	type alias DBOutboxEntry
	return msgpack.Unmarshal(data, (*alias)(e))
}
