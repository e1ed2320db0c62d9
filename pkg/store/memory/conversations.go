package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

func (s *Store) FindOrCreateDirect(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	if a == "" || b == "" {
		return nil, false, apperr.Validation("both participants are required")
	}
	if a == b {
		return nil, false, apperr.Validation("cannot open a direct conversation with yourself")
	}
	key := model.PairKey(a, b)
	l := s.lock("pair:" + key)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	id, ok := s.pairs[key]
	s.mu.RUnlock()
	if ok {
		c, err := s.Get(ctx, id)
		return c, false, err
	}

	now := s.now()
	rec := &convRecord{conv: &model.Conversation{
		ID:        s.ids.Generate(),
		Members:   []string{a, b},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.mu.Lock()
	s.convs[rec.conv.ID] = rec
	s.pairs[key] = rec.conv.ID
	s.index(rec.conv.ID, a, b)
	s.mu.Unlock()
	return rec.snapshot(), true, nil
}

func (s *Store) CreateGroup(ctx context.Context, admin, name string, members []string) (*model.Conversation, error) {
	all, err := store.GroupMembers(admin, name, members)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rec := &convRecord{conv: &model.Conversation{
		ID:        s.ids.Generate(),
		IsGroup:   true,
		Name:      strings.TrimSpace(name),
		Admin:     admin,
		Members:   all,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.mu.Lock()
	s.convs[rec.conv.ID] = rec
	s.index(rec.conv.ID, all...)
	s.mu.Unlock()
	return rec.snapshot(), nil
}

func (s *Store) Get(ctx context.Context, id snowflake.ID) (*model.Conversation, error) {
	rec, l, err := s.lockConversation(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return rec.snapshot(), nil
}

func (s *Store) Rename(ctx context.Context, id snowflake.ID, actor, name string) (*model.Conversation, error) {
	rec, l, err := s.lockConversation(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	if err := store.CheckRename(rec.conv, actor, name); err != nil {
		return nil, err
	}
	rec.conv.Name = strings.TrimSpace(name)
	rec.conv.UpdatedAt = s.now()
	return rec.snapshot(), nil
}

func (s *Store) AddMember(ctx context.Context, id snowflake.ID, actor, user string) (*model.Conversation, error) {
	if user == "" {
		return nil, apperr.Validation("user is required")
	}
	rec, l, err := s.lockConversation(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	if err := store.CheckGroupAdmin(rec.conv, actor); err != nil {
		return nil, err
	}
	if rec.conv.HasMember(user) {
		return rec.snapshot(), nil
	}
	rec.conv.Members = append(rec.conv.Members, user)
	rec.conv.UpdatedAt = s.now()
	s.mu.Lock()
	s.index(id, user)
	s.mu.Unlock()
	return rec.snapshot(), nil
}

func (s *Store) RemoveMember(ctx context.Context, id snowflake.ID, actor, user string) (*store.Removal, error) {
	rec, l, err := s.lockConversation(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	if err := store.CheckRemove(rec.conv, actor, user); err != nil {
		return nil, err
	}
	empty := store.WithoutMember(rec.conv, user)
	rec.conv.UpdatedAt = s.now()
	res := &store.Removal{Dissolved: empty}

	s.mu.Lock()
	s.unindex(id, user)
	if empty {
		delete(s.convs, id)
		for _, mid := range rec.messages {
			if m, ok := s.messages[mid]; ok {
				if att, had := m.Attachment(); had {
					res.Released = append(res.Released, att)
				}
				delete(s.messages, mid)
			}
		}
		rec.messages = nil
	}
	s.mu.Unlock()
	if empty {
		s.forget(convKey(id))
	}

	res.Conversation = rec.snapshot()
	return res, nil
}

func (s *Store) ListForUser(ctx context.Context, user string) ([]*model.Conversation, error) {
	s.mu.RLock()
	ids := make([]snowflake.ID, 0, len(s.userConvs[user]))
	for id := range s.userConvs[user] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			// dissolved since the index was read
			continue
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

func (s *Store) MarkRead(ctx context.Context, id snowflake.ID, user string) error {
	rec, l, err := s.lockConversation(id)
	if err != nil {
		return err
	}
	defer l.Unlock()
	if !rec.conv.HasMember(user) {
		return apperr.Forbidden("user %s is not a member of conversation %s", user, id)
	}
	rec.unread.Store(0)
	return nil
}
