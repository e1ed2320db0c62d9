package chat

import (
	"context"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/delivery"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

func (s *Service) conversationUpdated(ctx context.Context, actor string, conv *model.Conversation, removed ...string) {
	s.deliver(ctx, delivery.Mutation{
		Type:           model.EventConversationUpdated,
		ConversationID: conv.ID,
		Members:        conv.Members,
		Actor:          actor,
		Conversation:   conv,
		Removed:        removed,
	})
}

func (s *Service) requireUsers(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AccessDirect returns the direct conversation with peer, creating it on
// first contact.
func (s *Service) AccessDirect(ctx context.Context, user, peer string) (*model.Conversation, error) {
	if peer == "" {
		return nil, apperr.Validation("userId is required")
	}
	if err := s.requireUsers(ctx, peer); err != nil {
		return nil, err
	}
	conv, created, err := s.store.FindOrCreateDirect(ctx, user, peer)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("conversation_created", "conversation_id", conv.ID, "is_group", false)
		s.conversationUpdated(ctx, user, conv)
	}
	return conv, nil
}

func (s *Service) CreateGroup(ctx context.Context, admin, name string, members []string) (*model.Conversation, error) {
	if err := s.requireUsers(ctx, model.UniqueMembers(members...)...); err != nil {
		return nil, err
	}
	conv, err := s.store.CreateGroup(ctx, admin, name, members)
	if err != nil {
		return nil, err
	}
	logger.Info("conversation_created", "conversation_id", conv.ID, "is_group", true, "members", len(conv.Members))
	s.conversationUpdated(ctx, admin, conv)
	return conv, nil
}

func (s *Service) RenameGroup(ctx context.Context, actor string, id snowflake.ID, name string) (*model.Conversation, error) {
	conv, err := s.store.Rename(ctx, id, actor, name)
	if err != nil {
		return nil, err
	}
	s.conversationUpdated(ctx, actor, conv)
	return conv, nil
}

func (s *Service) AddMember(ctx context.Context, actor string, id snowflake.ID, user string) (*model.Conversation, error) {
	if err := s.requireUsers(ctx, user); err != nil {
		return nil, err
	}
	conv, err := s.store.AddMember(ctx, id, actor, user)
	if err != nil {
		return nil, err
	}
	s.conversationUpdated(ctx, actor, conv)
	return conv, nil
}

// RemoveMember removes user from the group, or lets them leave. The removed
// user is told about the change too. Dissolving the group releases its
// attachments.
func (s *Service) RemoveMember(ctx context.Context, actor string, id snowflake.ID, user string) (*store.Removal, error) {
	res, err := s.store.RemoveMember(ctx, id, actor, user)
	if err != nil {
		return nil, err
	}
	if res.Dissolved {
		logger.Info("conversation_dissolved", "conversation_id", id, "released", len(res.Released))
		s.removeFiles(ctx, res.Released...)
	}
	s.conversationUpdated(ctx, actor, res.Conversation, user)
	return res, nil
}

func (s *Service) ListConversations(ctx context.Context, user string) ([]*model.Conversation, error) {
	return s.store.ListForUser(ctx, user)
}

func (s *Service) MarkRead(ctx context.Context, user string, id snowflake.ID) error {
	return s.store.MarkRead(ctx, id, user)
}

// JoinConversation subscribes a live connection to a conversation's typing
// traffic after checking membership.
func (s *Service) JoinConversation(ctx context.Context, c presence.Conn, id snowflake.ID) error {
	if _, err := s.member(ctx, id, c.UserID()); err != nil {
		return err
	}
	return s.subs.Join(c, id)
}

func (s *Service) LeaveConversation(c presence.Conn, id snowflake.ID) {
	s.subs.Leave(c, id)
}

// Typing relays a typing signal from a connection joined to the
// conversation.
func (s *Service) Typing(ctx context.Context, c presence.Conn, id snowflake.ID, started bool) error {
	if !s.subs.InConversation(c, id) {
		return apperr.Conflict("connection has not joined conversation %s", id)
	}
	if s.fanout == nil {
		return nil
	}
	_, err := s.fanout.Typing(ctx, c, id, started)
	return err
}

// Presence lists the users currently joined to a conversation.
func (s *Service) Presence(ctx context.Context, user string, id snowflake.ID) ([]string, error) {
	if _, err := s.member(ctx, id, user); err != nil {
		return nil, err
	}
	if s.presence != nil {
		users, err := s.presence.JoinedUsers(ctx, id)
		if err == nil {
			return users, nil
		}
		logger.Warn("presence_read_failed", "conversation_id", id, "error", err)
	}
	return s.subs.JoinedUsers(id), nil
}
