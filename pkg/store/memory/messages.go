package memory

import (
	"context"
	"sync"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

func (s *Store) CreateMessage(ctx context.Context, sender string, conversationID snowflake.ID, body model.Body) (*model.Message, *model.Conversation, error) {
	rec, l, err := s.lockConversation(conversationID)
	if err != nil {
		return nil, nil, err
	}
	defer l.Unlock()
	if !rec.conv.HasMember(sender) {
		return nil, nil, apperr.Validation("sender %s is not a member of conversation %s", sender, conversationID)
	}
	if err := store.ValidateBody(body); err != nil {
		return nil, nil, err
	}

	now := s.now()
	m := &model.Message{
		ID:             s.ids.Generate(),
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.mu.Lock()
	s.messages[m.ID] = m
	s.mu.Unlock()

	rec.messages = append(rec.messages, m.ID)
	rec.conv.LatestMessage = m.Clone()
	rec.conv.UpdatedAt = now
	rec.unread.Add(1)
	return m.Clone(), rec.snapshot(), nil
}

// lockMessage returns the message with its conversation locked.
func (s *Store) lockMessage(id snowflake.ID) (*model.Message, *convRecord, *sync.Mutex, error) {
	s.mu.RLock()
	m, ok := s.messages[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, nil, apperr.NotFound("message %s", id)
	}
	rec, l, err := s.lockConversation(m.ConversationID)
	if err != nil {
		return nil, nil, nil, apperr.NotFound("message %s", id)
	}
	s.mu.RLock()
	_, ok = s.messages[id]
	s.mu.RUnlock()
	if !ok {
		l.Unlock()
		return nil, nil, nil, apperr.NotFound("message %s", id)
	}
	return m, rec, l, nil
}

// touchLatest keeps the denormalized latest message in step with edits.
func touchLatest(rec *convRecord, m *model.Message) {
	if rec.conv.LatestMessage != nil && rec.conv.LatestMessage.ID == m.ID {
		rec.conv.LatestMessage = m.Clone()
	}
}

func (s *Store) GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error) {
	m, _, l, err := s.lockMessage(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return m.Clone(), nil
}

func (s *Store) EditMessage(ctx context.Context, id snowflake.ID, editor, content string) (*model.Message, error) {
	m, rec, l, err := s.lockMessage(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	if err := store.CheckEdit(m, editor, content); err != nil {
		return nil, err
	}
	m.Body = model.TextBody{Content: content}
	m.IsEdited = true
	m.UpdatedAt = s.now()
	touchLatest(rec, m)
	return m.Clone(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, id snowflake.ID, requester string) (*model.Message, *model.Attachment, error) {
	m, rec, l, err := s.lockMessage(id)
	if err != nil {
		return nil, nil, err
	}
	defer l.Unlock()
	if err := store.CheckDelete(m, requester); err != nil {
		return nil, nil, err
	}
	if m.IsDeleted {
		return m.Clone(), nil, nil
	}
	var released *model.Attachment
	if att, had := m.Tombstone(s.now()); had {
		released = &att
	}
	touchLatest(rec, m)
	return m.Clone(), released, nil
}

func (s *Store) SetReaction(ctx context.Context, id snowflake.ID, user, emoji string) (*model.Message, error) {
	m, rec, l, err := s.lockMessage(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	if err := store.CheckReact(m); err != nil {
		return nil, err
	}
	m.ToggleReaction(user, emoji)
	m.UpdatedAt = s.now()
	touchLatest(rec, m)
	return m.Clone(), nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID snowflake.ID) ([]*model.Message, error) {
	rec, l, err := s.lockConversation(conversationID)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Message, 0, len(rec.messages))
	for _, id := range rec.messages {
		if m, ok := s.messages[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}
