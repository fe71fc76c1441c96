package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRecalled       = errors.New("message already recalled")
	ErrNotSender      = errors.New("only the sender may do this")
	ErrInvalidMessage = errors.New("invalid message")
)

// RecallTombstone is the content shown in place of a recalled message.
const RecallTombstone = "This message was recalled"

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// Conversation is one chat thread: a two-party DIRECT or a named GROUP.
type Conversation struct {
	ID                     string           `json:"id"`
	Type                   ConversationType `json:"type"`
	Name                   string           `json:"name,omitempty"`
	AvatarURL              string           `json:"avatarUrl,omitempty"`
	Members                []string         `json:"members"`
	CreatedBy              string           `json:"createdBy"`
	IsPinned               bool             `json:"isPinned"`
	PinnedAt               int64            `json:"pinnedAt,omitempty"` // Unix millis, zero when unpinned
	NotificationsEnabled   bool             `json:"notificationsEnabled"`
	ManuallyMarkedAsUnread bool             `json:"manuallyMarkedAsUnread"`
	LastMessage            *LastMessage     `json:"lastMessage,omitempty"`
	UpdatedAt              int64            `json:"updatedAt"` // Unix millis
	UnreadCount            int              `json:"unreadCount"`
}

// LastMessage is the directory preview of the newest message in a conversation.
type LastMessage struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
	SentAt   int64  `json:"sentAt"` // Unix millis
}

// DisplayName returns the name to render for a conversation: the group name,
// or for a DIRECT conversation the other member's id (callers resolve it to a
// profile name).
func (c *Conversation) DisplayName(selfID string) string {
	if c.Type == ConversationGroup {
		return c.Name
	}
	for _, m := range c.Members {
		if m != selfID {
			return m
		}
	}
	return selfID
}

type MessageType string

const (
	MessageText      MessageType = "TEXT"
	MessageImage     MessageType = "IMAGE"
	MessageVideo     MessageType = "VIDEO"
	MessageFile      MessageType = "FILE"
	MessageSystemLog MessageType = "SYSTEM_LOG"
)

// KnownMessageType reports whether t is one of the closed set of message
// variants. Unknown types are quarantined at the transport boundary and never
// reach the store.
func KnownMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageSystemLog:
		return true
	}
	return false
}

type SendStatus string

const (
	StatusPending   SendStatus = "PENDING"
	StatusConfirmed SendStatus = "CONFIRMED"
	StatusFailed    SendStatus = "FAILED"
)

// Message is one entry in a conversation. ID is server-assigned and empty
// until the send is acknowledged; LocalID identifies the optimistic entry in
// the meantime.
type Message struct {
	ID             string              `json:"id,omitempty"`
	LocalID        string              `json:"localId,omitempty"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Type           MessageType         `json:"type"`
	Content        string              `json:"content"`
	SentAt         int64               `json:"sentAt"` // Unix millis
	Edited         bool                `json:"edited,omitempty"`
	Pinned         bool                `json:"pinned,omitempty"`
	PinnedBy       string              `json:"pinnedBy,omitempty"`
	Recalled       bool                `json:"recalled,omitempty"`
	DeletedFor     map[string]bool     `json:"deletedForUsers,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"` // emoji -> user ids
	ReplyTo        *ReplyRef           `json:"replyTo,omitempty"`
	Status         SendStatus          `json:"-"`
}

// ReplyRef is the denormalized summary of the message being replied to.
type ReplyRef struct {
	MessageID string      `json:"messageId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
}

// Validate rejects messages that must not render: missing sender, unknown
// type, or empty content on anything but a SYSTEM_LOG entry.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return ErrInvalidMessage
	}
	if !KnownMessageType(m.Type) {
		return ErrInvalidMessage
	}
	if m.Content == "" && m.Type != MessageSystemLog && !m.Recalled {
		return ErrInvalidMessage
	}
	return nil
}

// Key returns the stable identity of the message: the server id once
// assigned, the local id while the send is unconfirmed.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// HiddenFor reports whether the message is delete-for-me hidden for viewerID.
func (m *Message) HiddenFor(viewerID string) bool {
	return m.DeletedFor[viewerID]
}

// Less orders messages by (SentAt, id) ascending. The id tie-break keeps the
// order stable for identical timestamps regardless of arrival order.
func (m *Message) Less(other *Message) bool {
	if m.SentAt != other.SentAt {
		return m.SentAt < other.SentAt
	}
	return m.Key() < other.Key()
}

// ReactedBy reports whether userID currently holds the given reaction.
func (m *Message) ReactedBy(emoji, userID string) bool {
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			return true
		}
	}
	return false
}

// User is the minimal profile the chat core needs for rendering names.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Now returns the current time as Unix milliseconds, the timestamp unit used
// on the wire.
func Now() int64 {
	return time.Now().UnixMilli()
}
