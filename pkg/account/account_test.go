package account

import (
	"context"
	"testing"
	"time"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *auth.Authenticator) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	a := auth.NewAuthenticator("test-secret", "chatcore", time.Hour)
	return NewService(memory.New(node), a), a
}

func TestRegisterAndLogin(t *testing.T) {
	svc, a := newService(t)
	ctx := context.Background()

	sess, err := svc.Register(ctx, RegisterRequest{Name: "Alice", Email: "Alice@Example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", sess.User.Email)
	assert.NotEqual(t, "secret1", sess.User.PasswordHash)
	claims, err := a.ValidateToken(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, claims.UserID)

	_, err = svc.Register(ctx, RegisterRequest{Name: "Alice 2", Email: "alice@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	login, err := svc.Login(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, login.User.ID)

	_, err = svc.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = svc.Login(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for name, req := range map[string]RegisterRequest{
		"no name":      {Email: "a@b.c", Password: "secret1"},
		"bad email":    {Name: "a", Email: "not-an-email", Password: "secret1"},
		"short secret": {Name: "a", Email: "a@b.c", Password: "123"},
	} {
		_, err := svc.Register(ctx, req)
		assert.ErrorIs(t, err, apperr.ErrValidation, name)
	}
}

func TestSearchExcludesRequester(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	alice, err := svc.Register(ctx, RegisterRequest{Name: "Alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Name: "Alicia", Email: "alicia@example.com", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Name: "Bob", Email: "bob@example.com", Password: "secret1"})
	require.NoError(t, err)

	found, err := svc.Search(ctx, "ALI", alice.User.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Alicia", found[0].Name)
}
