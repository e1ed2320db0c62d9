package scylla

import (
	"context"
	"sort"
	"strings"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

const convColumns = `id, is_group, name, admin, members, latest_message_id, created_at, updated_at`

// getRow loads the conversation row without the counter or latest message.
func (s *Store) getRow(ctx context.Context, id snowflake.ID) (*model.Conversation, int64, error) {
	c := &model.Conversation{}
	var cid, latest int64
	err := s.query(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = ?`, int64(id)).
		Scan(&cid, &c.IsGroup, &c.Name, &c.Admin, &c.Members, &latest, &c.CreatedAt, &c.UpdatedAt)
	if notFound(err) {
		return nil, 0, apperr.NotFound("conversation %s", id)
	}
	if err != nil {
		return nil, 0, apperr.TransientIO("get conversation", err)
	}
	c.ID = snowflake.ID(cid)
	return c, latest, nil
}

func (s *Store) unread(ctx context.Context, id snowflake.ID) (int64, error) {
	var n int64
	err := s.query(ctx, `SELECT unread_count FROM conversation_counters WHERE conversation_id = ?`, int64(id)).Scan(&n)
	if notFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.TransientIO("read unread counter", err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id snowflake.ID) (*model.Conversation, error) {
	c, latest, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Unread, err = s.unread(ctx, id); err != nil {
		return nil, err
	}
	if latest != 0 {
		m, err := s.getInConversation(ctx, id, snowflake.ID(latest))
		switch {
		case err == nil:
			c.LatestMessage = m
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}
	return c, nil
}

func (s *Store) insertConversation(b *gocql.Batch, c *model.Conversation) {
	b.Query(`INSERT INTO conversations (`+convColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(c.ID), c.IsGroup, c.Name, c.Admin, c.Members, int64(0), c.CreatedAt, c.UpdatedAt)
	for _, m := range c.Members {
		b.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, m, int64(c.ID))
	}
}

// FindOrCreateDirect claims the pair with a lightweight transaction. The
// conversation row is written before the claim so whoever observes the
// claim can always load the row; a losing writer removes its own row.
func (s *Store) FindOrCreateDirect(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	if a == "" || b == "" {
		return nil, false, apperr.Validation("both participants are required")
	}
	if a == b {
		return nil, false, apperr.Validation("cannot open a direct conversation with yourself")
	}
	key := model.PairKey(a, b)

	var existing int64
	err := s.query(ctx, `SELECT conversation_id FROM direct_pairs WHERE pair_key = ?`, key).Scan(&existing)
	if err == nil {
		c, err := s.Get(ctx, snowflake.ID(existing))
		return c, false, err
	}
	if !notFound(err) {
		return nil, false, apperr.TransientIO("lookup direct pair", err)
	}

	now := s.now()
	c := &model.Conversation{
		ID:        s.ids.Generate(),
		Members:   []string{a, b},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.ExecuteBatch(s.convBatch(ctx, c)); err != nil {
		return nil, false, apperr.TransientIO("insert conversation", err)
	}

	prev := map[string]interface{}{}
	applied, err := s.query(ctx, `INSERT INTO direct_pairs (pair_key, conversation_id) VALUES (?, ?) IF NOT EXISTS`,
		key, int64(c.ID)).MapScanCAS(prev)
	if err != nil {
		s.dropConversationRow(ctx, c)
		return nil, false, apperr.TransientIO("claim direct pair", err)
	}
	if applied {
		return c, true, nil
	}
	s.dropConversationRow(ctx, c)
	winner, _ := prev["conversation_id"].(int64)
	got, err := s.Get(ctx, snowflake.ID(winner))
	return got, false, err
}

func (s *Store) convBatch(ctx context.Context, c *model.Conversation) *gocql.Batch {
	b := s.batch(ctx)
	s.insertConversation(b, c)
	return b
}

func (s *Store) dropConversationRow(ctx context.Context, c *model.Conversation) {
	b := s.batch(ctx)
	b.Query(`DELETE FROM conversations WHERE id = ?`, int64(c.ID))
	for _, m := range c.Members {
		b.Query(`DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`, m, int64(c.ID))
	}
	if err := s.db.ExecuteBatch(b); err != nil {
		logger.Warn("scylla_conversation_cleanup_failed", "conversation_id", c.ID.String(), "error", err)
	}
}

func (s *Store) CreateGroup(ctx context.Context, admin, name string, members []string) (*model.Conversation, error) {
	all, err := store.GroupMembers(admin, name, members)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &model.Conversation{
		ID:        s.ids.Generate(),
		IsGroup:   true,
		Name:      strings.TrimSpace(name),
		Admin:     admin,
		Members:   all,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.ExecuteBatch(s.convBatch(ctx, c)); err != nil {
		return nil, apperr.TransientIO("insert group", err)
	}
	return c, nil
}

func (s *Store) Rename(ctx context.Context, id snowflake.ID, actor, name string) (*model.Conversation, error) {
	c, _, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := store.CheckRename(c, actor, name); err != nil {
		return nil, err
	}
	err = s.query(ctx, `UPDATE conversations SET name = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(name), s.now(), int64(id)).Exec()
	if err != nil {
		return nil, apperr.TransientIO("rename conversation", err)
	}
	return s.Get(ctx, id)
}

// membershipAttempts bounds the retries of a membership change that lost
// its compare-and-set to a concurrent one.
const membershipAttempts = 10

// casMembers replaces the member list and admin only while the row still
// holds the admin and members the caller read.
func (s *Store) casMembers(ctx context.Context, id snowflake.ID, seenAdmin string, seenMembers []string, admin string, members []string) (bool, error) {
	applied, err := s.query(ctx, `UPDATE conversations SET members = ?, admin = ?, updated_at = ? WHERE id = ? IF admin = ? AND members = ?`,
		members, admin, s.now(), int64(id), seenAdmin, seenMembers).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, apperr.TransientIO("update members", err)
	}
	return applied, nil
}

func (s *Store) AddMember(ctx context.Context, id snowflake.ID, actor, user string) (*model.Conversation, error) {
	if user == "" {
		return nil, apperr.Validation("user is required")
	}
	for attempt := 0; attempt < membershipAttempts; attempt++ {
		c, _, err := s.getRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := store.CheckGroupAdmin(c, actor); err != nil {
			return nil, err
		}
		if !c.HasMember(user) {
			members := append(append([]string(nil), c.Members...), user)
			applied, err := s.casMembers(ctx, id, c.Admin, c.Members, c.Admin, members)
			if err != nil {
				return nil, err
			}
			if !applied {
				continue
			}
		}
		// the index row is rewritten on repeats so a failed earlier write heals
		err = s.query(ctx, `INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, user, int64(id)).Exec()
		if err != nil {
			return nil, apperr.TransientIO("add member", err)
		}
		return s.Get(ctx, id)
	}
	return nil, apperr.Conflict("conversation %s is changing concurrently, retry", id)
}

func (s *Store) RemoveMember(ctx context.Context, id snowflake.ID, actor, user string) (*store.Removal, error) {
	for attempt := 0; attempt < membershipAttempts; attempt++ {
		c, _, err := s.getRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := store.CheckRemove(c, actor, user); err != nil {
			return nil, err
		}
		seenAdmin, seenMembers := c.Admin, c.Members
		if store.WithoutMember(c, user) {
			res, applied, err := s.dissolve(ctx, c, user, seenAdmin, seenMembers)
			if err != nil || applied {
				return res, err
			}
			continue
		}
		applied, err := s.casMembers(ctx, id, seenAdmin, seenMembers, c.Admin, c.Members)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}
		err = s.query(ctx, `DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`, user, int64(id)).Exec()
		if err != nil {
			return nil, apperr.TransientIO("remove member", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &store.Removal{Conversation: got}, nil
	}
	return nil, apperr.Conflict("conversation %s is changing concurrently, retry", id)
}

// dissolve deletes a group that lost its last member, with its messages.
// The row is removed first, conditional on the membership the caller saw.
func (s *Store) dissolve(ctx context.Context, c *model.Conversation, lastMember, seenAdmin string, seenMembers []string) (*store.Removal, bool, error) {
	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	applied, err := s.query(ctx, `DELETE FROM conversations WHERE id = ? IF admin = ? AND members = ?`,
		int64(c.ID), seenAdmin, seenMembers).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return nil, false, apperr.TransientIO("dissolve conversation", err)
	}
	if !applied {
		return nil, false, nil
	}

	res := &store.Removal{Conversation: c, Dissolved: true}
	b := s.batch(ctx)
	for _, m := range msgs {
		if att, had := m.Attachment(); had {
			res.Released = append(res.Released, att)
		}
		b.Query(`DELETE FROM message_index WHERE id = ?`, int64(m.ID))
	}
	b.Query(`DELETE FROM messages WHERE conversation_id = ?`, int64(c.ID))
	b.Query(`DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`, lastMember, int64(c.ID))
	if err := s.db.ExecuteBatch(b); err != nil {
		logger.Warn("scylla_dissolve_cleanup_failed", "conversation_id", c.ID.String(), "error", err)
	}
	if err := s.query(ctx, `DELETE FROM conversation_counters WHERE conversation_id = ?`, int64(c.ID)).Exec(); err != nil {
		logger.Warn("scylla_counter_cleanup_failed", "conversation_id", c.ID.String(), "error", err)
	}
	return res, true, nil
}

func (s *Store) ListForUser(ctx context.Context, user string) ([]*model.Conversation, error) {
	iter := s.query(ctx, `SELECT conversation_id FROM user_conversations WHERE user_id = ?`, user).Iter()
	var ids []int64
	var id int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.TransientIO("list conversations", err)
	}

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, snowflake.ID(id))
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if c.HasMember(user) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// MarkRead subtracts the observed count; counter rows cannot be reset in
// place and deleting them would block later increments.
func (s *Store) MarkRead(ctx context.Context, id snowflake.ID, user string) error {
	c, _, err := s.getRow(ctx, id)
	if err != nil {
		return err
	}
	if !c.HasMember(user) {
		return apperr.Forbidden("user %s is not a member of conversation %s", user, id)
	}
	n, err := s.unread(ctx, id)
	if err != nil || n == 0 {
		return err
	}
	err = s.query(ctx, `UPDATE conversation_counters SET unread_count = unread_count - ? WHERE conversation_id = ?`,
		n, int64(id)).Exec()
	if err != nil {
		return apperr.TransientIO("reset unread counter", err)
	}
	return nil
}
