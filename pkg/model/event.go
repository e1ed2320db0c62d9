package model

import (
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
)

type EventType string

const (
	EventConnected           EventType = "connected"
	EventMessageNew          EventType = "message.new"
	EventMessageUpdated      EventType = "message.updated"
	EventMessageDeleted      EventType = "message.deleted"
	EventReactionChanged     EventType = "reaction.changed"
	EventConversationUpdated EventType = "conversation.updated"
	EventTypingStarted       EventType = "typing.started"
	EventTypingStopped       EventType = "typing.stopped"
	EventError               EventType = "error"
)

// Event is the payload pushed to live connections.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID snowflake.ID  `json:"conversationId,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	MessageID      snowflake.ID  `json:"messageId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Error          *ErrorPayload `json:"error,omitempty"`
	At             time.Time     `json:"at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Persistent reports whether the event reflects a committed write, as
// opposed to an ephemeral signal such as typing.
func (t EventType) Persistent() bool {
	switch t {
	case EventMessageNew, EventMessageUpdated, EventMessageDeleted,
		EventReactionChanged, EventConversationUpdated:
		return true
	}
	return false
}
