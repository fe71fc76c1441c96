package models

type PushEventType string

const (
	PushNewMessage        PushEventType = "NEW_MESSAGE"
	PushReaction          PushEventType = "REACTION"
	PushRecall            PushEventType = "RECALL"
	PushPin               PushEventType = "PIN"
	PushUnpin             PushEventType = "UNPIN"
	PushDeleteForMe       PushEventType = "DELETE_FOR_ME"
	PushTyping            PushEventType = "TYPING"
	PushConversationPin   PushEventType = "CONVERSATION_PINNED"
	PushConversationUnpin PushEventType = "CONVERSATION_UNPINNED"
	PushMuteToggled       PushEventType = "NOTIFICATIONS_TOGGLED"
	PushMarkedUnread      PushEventType = "MARKED_UNREAD"
	PushGroupDeleted      PushEventType = "GROUP_DELETED"
	PushNewConversation   PushEventType = "NEW_CONVERSATION"
	PushUnreadDelta       PushEventType = "UNREAD_DELTA"
)

// PushEvent is one server broadcast. Fields beyond Type/ConversationID are
// populated per event type:
//
//	NEW_MESSAGE                    Message
//	REACTION                       MessageID, Reactions (authoritative full map)
//	RECALL, DELETE_FOR_ME          MessageID, UserID
//	PIN, UNPIN                     MessageID, UserID, PinnedMessages (authoritative list)
//	TYPING                         UserID
//	CONVERSATION_PINNED/UNPINNED   UserID, At
//	NOTIFICATIONS_TOGGLED          Enabled
//	MARKED_UNREAD                  (none)
//	GROUP_DELETED                  (none)
//	NEW_CONVERSATION               Conversation
//	UNREAD_DELTA                   Unread
type PushEvent struct {
	Type           PushEventType       `json:"type"`
	ConversationID string              `json:"conversationId"`
	Message        *Message            `json:"message,omitempty"`
	MessageID      string              `json:"messageId,omitempty"`
	UserID         string              `json:"userId,omitempty"`
	Emoji          string              `json:"emoji,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	PinnedMessages []Message           `json:"pinnedMessages,omitempty"`
	Conversation   *Conversation       `json:"conversation,omitempty"`
	Enabled        bool                `json:"enabled,omitempty"`
	Unread         int                 `json:"unread,omitempty"`
	At             int64               `json:"at,omitempty"` // Unix millis
}
