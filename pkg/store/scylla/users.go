package scylla

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/store"
)

const userColumns = `id, name, email, avatar_url, password_hash, created_at`

func (s *Store) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" || strings.TrimSpace(u.Name) == "" {
		return nil, apperr.Validation("name and email are required")
	}
	cp := u.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Email = email
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}

	existing := map[string]interface{}{}
	applied, err := s.query(ctx, `INSERT INTO users_by_email (email, user_id) VALUES (?, ?) IF NOT EXISTS`,
		email, cp.ID).MapScanCAS(existing)
	if err != nil {
		return nil, apperr.TransientIO("claim email", err)
	}
	if !applied {
		return nil, apperr.Conflict("email %s is already registered", email)
	}
	err = s.query(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Name, cp.Email, cp.AvatarURL, cp.PasswordHash, cp.CreatedAt).Exec()
	if err != nil {
		_ = s.query(ctx, `DELETE FROM users_by_email WHERE email = ? IF user_id = ?`, email, cp.ID).Exec()
		return nil, apperr.TransientIO("insert user", err)
	}
	return cp, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt)
	if notFound(err) {
		return nil, apperr.NotFound("user %s", id)
	}
	if err != nil {
		return nil, apperr.TransientIO("get user", err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var id string
	err := s.query(ctx, `SELECT user_id FROM users_by_email WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&id)
	if notFound(err) {
		return nil, apperr.NotFound("user with email %s", email)
	}
	if err != nil {
		return nil, apperr.TransientIO("get user by email", err)
	}
	return s.GetUser(ctx, id)
}

// SearchUsers scans the users table. The table is small relative to
// messages; a search index would replace this on large deployments.
func (s *Store) SearchUsers(ctx context.Context, query, exclude string, limit int) ([]*model.User, error) {
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}
	iter := s.query(ctx, `SELECT `+userColumns+` FROM users`).Iter()
	out := make([]*model.User, 0)
	u := &model.User{}
	for iter.Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt) {
		if u.ID != exclude && store.MatchesUser(u, query) {
			out = append(out, u.Clone())
		}
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.TransientIO("search users", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
