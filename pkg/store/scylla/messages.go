package scylla

import (
	"context"
	"time"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

const msgColumns = `conversation_id, id, sender, body, reactions, is_edited, is_deleted, created_at, updated_at`

type msgRow struct {
	conversationID, id int64
	sender             string
	body, reactions    string
	isEdited           bool
	isDeleted          bool
	createdAt          time.Time
	updatedAt          time.Time
}

func (r *msgRow) dest() []interface{} {
	return []interface{}{&r.conversationID, &r.id, &r.sender, &r.body, &r.reactions,
		&r.isEdited, &r.isDeleted, &r.createdAt, &r.updatedAt}
}

func (r *msgRow) message() (*model.Message, error) {
	m := &model.Message{
		ID:             snowflake.ID(r.id),
		ConversationID: snowflake.ID(r.conversationID),
		Sender:         r.sender,
		IsEdited:       r.isEdited,
		IsDeleted:      r.isDeleted,
		CreatedAt:      r.createdAt,
		UpdatedAt:      r.updatedAt,
	}
	body, err := model.UnmarshalBody([]byte(r.body))
	if err != nil {
		return nil, err
	}
	m.Body = body
	if m.Reactions, err = decodeReactions(r.reactions); err != nil {
		return nil, err
	}
	return m, nil
}

// latestStamp is the write timestamp of a latest-message pointer update, so
// concurrent sends settle on the highest id rather than the last arrival.
// Sends within one millisecond share a timestamp and the larger id wins the
// tie.
func latestStamp(id snowflake.ID) int64 {
	return id.Time().UnixMicro()
}

func (s *Store) CreateMessage(ctx context.Context, sender string, conversationID snowflake.ID, body model.Body) (*model.Message, *model.Conversation, error) {
	conv, prevLatest, err := s.getRow(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !conv.HasMember(sender) {
		return nil, nil, apperr.Validation("sender %s is not a member of conversation %s", sender, conversationID)
	}
	if err := store.ValidateBody(body); err != nil {
		return nil, nil, err
	}
	rawBody, err := model.MarshalBody(body)
	if err != nil {
		return nil, nil, apperr.Validation("encode body: %v", err)
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
	b := s.batch(ctx)
	b.Query(`INSERT INTO messages (`+msgColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(conversationID), int64(m.ID), sender, string(rawBody), "[]", false, false, now, now)
	b.Query(`INSERT INTO message_index (id, conversation_id) VALUES (?, ?)`, int64(m.ID), int64(conversationID))
	b.Query(`UPDATE conversations USING TIMESTAMP ? SET latest_message_id = ?, updated_at = ? WHERE id = ?`,
		latestStamp(m.ID), int64(m.ID), now, int64(conversationID))
	if err := s.db.ExecuteBatch(b); err != nil {
		return nil, nil, apperr.TransientIO("insert message", err)
	}

	err = s.query(ctx, `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE conversation_id = ?`,
		int64(conversationID)).Exec()
	if err != nil {
		s.undoCreate(ctx, m, prevLatest, conv.UpdatedAt)
		return nil, nil, apperr.TransientIO("increment unread counter", err)
	}

	conv.LatestMessage = m.Clone()
	conv.UpdatedAt = now
	if conv.Unread, err = s.unread(ctx, conversationID); err != nil {
		logger.Warn("scylla_unread_read_failed", "conversation_id", conversationID.String(), "error", err)
	}
	return m, conv, nil
}

func (s *Store) undoCreate(ctx context.Context, m *model.Message, prevLatest int64, prevUpdated time.Time) {
	b := s.batch(ctx)
	b.Query(`DELETE FROM messages WHERE conversation_id = ? AND id = ?`, int64(m.ConversationID), int64(m.ID))
	b.Query(`DELETE FROM message_index WHERE id = ?`, int64(m.ID))
	b.Query(`UPDATE conversations USING TIMESTAMP ? SET latest_message_id = ?, updated_at = ? WHERE id = ?`,
		latestStamp(m.ID)+1, prevLatest, prevUpdated, int64(m.ConversationID))
	if err := s.db.ExecuteBatch(b); err != nil {
		logger.Error("scylla_message_undo_failed", "message_id", m.ID.String(), "error", err)
	}
}

func (s *Store) getInConversation(ctx context.Context, conversationID, id snowflake.ID) (*model.Message, error) {
	var r msgRow
	err := s.query(ctx, `SELECT `+msgColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		int64(conversationID), int64(id)).Scan(r.dest()...)
	if notFound(err) {
		return nil, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return nil, apperr.TransientIO("get message", err)
	}
	m, err := r.message()
	if err != nil {
		return nil, apperr.TransientIO("decode message", err)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error) {
	var conv int64
	err := s.query(ctx, `SELECT conversation_id FROM message_index WHERE id = ?`, int64(id)).Scan(&conv)
	if notFound(err) {
		return nil, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return nil, apperr.TransientIO("lookup message", err)
	}
	return s.getInConversation(ctx, snowflake.ID(conv), id)
}

// save writes back the mutable columns of m.
func (s *Store) save(ctx context.Context, op string, m *model.Message) error {
	rawBody, err := model.MarshalBody(m.Body)
	if err != nil {
		return apperr.TransientIO(op, err)
	}
	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return apperr.TransientIO(op, err)
	}
	err = s.query(ctx, `UPDATE messages SET body = ?, reactions = ?, is_edited = ?, is_deleted = ?, updated_at = ?
		WHERE conversation_id = ? AND id = ?`,
		string(rawBody), reactions, m.IsEdited, m.IsDeleted, m.UpdatedAt,
		int64(m.ConversationID), int64(m.ID)).Exec()
	return apperr.TransientIO(op, err)
}

func (s *Store) EditMessage(ctx context.Context, id snowflake.ID, editor, content string) (*model.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := store.CheckEdit(m, editor, content); err != nil {
		return nil, err
	}
	m.Body = model.TextBody{Content: content}
	m.IsEdited = true
	m.UpdatedAt = s.now()
	if err := s.save(ctx, "edit message", m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id snowflake.ID, requester string) (*model.Message, *model.Attachment, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := store.CheckDelete(m, requester); err != nil {
		return nil, nil, err
	}
	if m.IsDeleted {
		return m, nil, nil
	}
	var released *model.Attachment
	if att, had := m.Tombstone(s.now()); had {
		released = &att
	}
	if err := s.save(ctx, "delete message", m); err != nil {
		return nil, nil, err
	}
	return m, released, nil
}

// SetReaction is a read-modify-write; concurrent reactions on the same
// message resolve last write wins.
func (s *Store) SetReaction(ctx context.Context, id snowflake.ID, user, emoji string) (*model.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := store.CheckReact(m); err != nil {
		return nil, err
	}
	m.ToggleReaction(user, emoji)
	m.UpdatedAt = s.now()
	if err := s.save(ctx, "set reaction", m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID snowflake.ID) ([]*model.Message, error) {
	if _, _, err := s.getRow(ctx, conversationID); err != nil {
		return nil, err
	}
	iter := s.query(ctx, `SELECT `+msgColumns+` FROM messages WHERE conversation_id = ?`, int64(conversationID)).
		PageSize(500).Iter()
	out := make([]*model.Message, 0)
	var r msgRow
	for iter.Scan(r.dest()...) {
		m, err := r.message()
		if err != nil {
			logger.Error("scylla_message_decode_failed", "message_id", r.id, "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.TransientIO("list messages", err)
	}
	return out, nil
}
