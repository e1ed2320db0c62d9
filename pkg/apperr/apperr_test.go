package apperr

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusAndCode(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{Validation("content is required"), http.StatusBadRequest, "validation"},
		{Unauthenticated("bad token"), http.StatusUnauthorized, "unauthenticated"},
		{Forbidden("not the sender"), http.StatusForbidden, "forbidden"},
		{NotFound("message %s", "42"), http.StatusNotFound, "not_found"},
		{Conflict("message is deleted"), http.StatusConflict, "conflict"},
		{UnsupportedType("exe"), http.StatusUnsupportedMediaType, "unsupported_type"},
		{TooLarge("60 MB"), http.StatusRequestEntityTooLarge, "too_large"},
		{TransientIO("write", io.ErrUnexpectedEOF), http.StatusServiceUnavailable, "transient_io"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		assert.Equal(t, c.status, Status(c.err), c.err.Error())
		assert.Equal(t, c.code, Code(c.err), c.err.Error())
	}
}

func TestTransientIOKeepsCause(t *testing.T) {
	err := TransientIO("scylla insert", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Nil(t, TransientIO("noop", nil))
}

func TestMessageCarriesContext(t *testing.T) {
	err := NotFound("conversation %d", 7)
	assert.Equal(t, "not found: conversation 7", err.Error())
}

func TestPublicHidesStorageCauses(t *testing.T) {
	cause := errors.New("gocql: no response from 10.0.0.5:9042")
	assert.Equal(t, "temporarily unavailable, retry", Public(TransientIO("insert message", cause)))
	assert.Equal(t, "internal error", Public(cause))
	assert.Equal(t, "not found: conversation 7", Public(NotFound("conversation %d", 7)))
}
