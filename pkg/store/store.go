// Package store declares the persistence contracts of the chat core. The
// memory and scylla subpackages implement them.
package store

import (
	"context"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type ConversationStore interface {
	// FindOrCreateDirect returns the unique direct conversation between a and
	// b, creating it when absent. created reports which case happened.
	FindOrCreateDirect(ctx context.Context, a, b string) (conv *model.Conversation, created bool, err error)
	CreateGroup(ctx context.Context, admin, name string, members []string) (*model.Conversation, error)
	Get(ctx context.Context, id snowflake.ID) (*model.Conversation, error)
	Rename(ctx context.Context, id snowflake.ID, actor, name string) (*model.Conversation, error)
	AddMember(ctx context.Context, id snowflake.ID, actor, user string) (*model.Conversation, error)
	// RemoveMember drops user from a group. When the last member leaves, the
	// group and its messages are deleted.
	RemoveMember(ctx context.Context, id snowflake.ID, actor, user string) (*Removal, error)
	// ListForUser returns the user's conversations, most recent activity first.
	ListForUser(ctx context.Context, user string) ([]*model.Conversation, error)
	MarkRead(ctx context.Context, id snowflake.ID, user string) error
}

type MessageStore interface {
	// CreateMessage persists a message and, in the same step, points the
	// conversation's latest message at it and bumps the unread counter.
	CreateMessage(ctx context.Context, sender string, conversationID snowflake.ID, body model.Body) (*model.Message, *model.Conversation, error)
	GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error)
	EditMessage(ctx context.Context, id snowflake.ID, editor, content string) (*model.Message, error)
	// DeleteMessage tombstones the message. The returned attachment, if
	// non-nil, was released by this call and should be removed from storage.
	DeleteMessage(ctx context.Context, id snowflake.ID, requester string) (*model.Message, *model.Attachment, error)
	SetReaction(ctx context.Context, id snowflake.ID, user, emoji string) (*model.Message, error)
	// ListMessages returns every message of the conversation, tombstones
	// included, oldest first.
	ListMessages(ctx context.Context, conversationID snowflake.ID) ([]*model.Message, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// SearchUsers matches name or email case-insensitively, skipping exclude.
	SearchUsers(ctx context.Context, query, exclude string, limit int) ([]*model.User, error)
}

// Removal is the outcome of RemoveMember. Conversation holds the state after
// the removal. Released lists the attachments of a dissolved group, which
// the caller should remove from storage.
type Removal struct {
	Conversation *model.Conversation
	Dissolved    bool
	Released     []model.Attachment
}

// Store is everything a backend provides.
type Store interface {
	ConversationStore
	MessageStore
	UserStore
	Close() error
}
