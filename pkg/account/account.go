// Package account registers users and exchanges credentials for tokens.
package account

import (
	"context"
	"net/mail"
	"strings"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/store"
)

const minPasswordLen = 6

type RegisterRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	AvatarURL string `json:"avatarUrl"`
}

// Session is a user together with a freshly issued token.
type Session struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

type Service struct {
	users store.UserStore
	auth  *auth.Authenticator
}

func NewService(users store.UserStore, a *auth.Authenticator) *Service {
	return &Service{users: users, auth: a}
}

func (s *Service) issue(u *model.User) (*Session, error) {
	token, err := s.auth.GenerateToken(u.ID, u.Name)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Token: token}, nil
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, apperr.Validation("invalid email %q", req.Email)
	}
	if len(req.Password) < minPasswordLen {
		return nil, apperr.Validation("password must be at least %d characters", minPasswordLen)
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u, err := s.users.CreateUser(ctx, &model.User{
		Name:         name,
		Email:        req.Email,
		AvatarURL:    req.AvatarURL,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("user_registered", "user_id", u.ID)
	return s.issue(u)
}

// Login checks credentials. Unknown emails and wrong passwords fail the
// same way.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.GetUserByEmail(ctx, email)
	if apperr.IsNotFound(err) {
		return nil, apperr.Unauthenticated("invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, apperr.Unauthenticated("invalid email or password")
	}
	return s.issue(u)
}

// Search finds other users by name or email.
func (s *Service) Search(ctx context.Context, query, requester string) ([]*model.User, error) {
	return s.users.SearchUsers(ctx, strings.TrimSpace(query), requester, store.DefaultSearchLimit)
}

func (s *Service) Get(ctx context.Context, id string) (*model.User, error) {
	return s.users.GetUser(ctx, id)
}
