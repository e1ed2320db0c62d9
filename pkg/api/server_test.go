package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/mahaj/chatcore/pkg/account"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/attachment"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/delivery"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t     *testing.T
	base  string
	token string
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	st := memory.New(node)
	cat, err := attachment.OpenCatalog("catalog", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	files, err := attachment.NewLocal(t.TempDir(), 1024, cat)
	require.NoError(t, err)

	m := metrics.New()
	router := presence.NewRouter(nil)
	svc := chat.NewService(chat.Deps{
		Store:   st,
		Files:   files,
		Fanout:  delivery.NewCoordinator(router, nil, m),
		Subs:    router,
		Metrics: m,
	})
	a := auth.NewAuthenticator("test-secret", "chatcore", time.Hour)
	srv := httptest.NewServer(NewServer(svc, account.NewService(st, a), a, m, nil, Config{MaxUpload: 1024}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func (c *client) do(method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	return c.send(req)
}

func (c *client) send(req *http.Request) (*http.Response, []byte) {
	c.t.Helper()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func (c *client) expect(status int, method, path string, body, out any) {
	c.t.Helper()
	resp, data := c.do(method, path, body)
	require.Equal(c.t, status, resp.StatusCode, string(data))
	if out != nil {
		require.NoError(c.t, json.Unmarshal(data, out))
	}
}

func register(t *testing.T, srv *httptest.Server, name string) (*client, *model.User) {
	t.Helper()
	c := &client{t: t, base: srv.URL}
	var sess struct {
		User  model.User `json:"user"`
		Token string     `json:"token"`
	}
	c.expect(http.StatusCreated, http.MethodPost, "/api/users", account.RegisterRequest{
		Name: name, Email: name + "@example.com", Password: "secret1",
	}, &sess)
	c.token = sess.Token
	return c, &sess.User
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	anon := &client{t: t, base: srv.URL}
	resp, data := anon.do(http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", errorCode(t, data))

	resp, _ = anon.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginFlow(t *testing.T) {
	srv := newTestServer(t)
	_, alice := register(t, srv, "alice")
	anon := &client{t: t, base: srv.URL}

	var sess account.Session
	anon.expect(http.StatusOK, http.MethodPost, "/api/users/login", loginRequest{Email: "alice@example.com", Password: "secret1"}, &sess)
	assert.Equal(t, alice.ID, sess.User.ID)
	resp, _ := anon.do(http.MethodPost, "/api/users/login", loginRequest{Email: "alice@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := anon.do(http.MethodPost, "/api/users", map[string]string{"name": "x", "email": "alice@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, data))
}

func TestConversationAndMessageRoutes(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := register(t, srv, "alice")
	bob, bobUser := register(t, srv, "bob")

	var found []model.User
	alice.expect(http.StatusOK, http.MethodGet, "/api/users?search=bo", nil, &found)
	require.Len(t, found, 1)
	assert.Equal(t, bobUser.ID, found[0].ID)

	var conv model.Conversation
	alice.expect(http.StatusOK, http.MethodPost, "/api/conversations", userRequest{UserID: bobUser.ID}, &conv)
	assert.False(t, conv.IsGroup)
	id := conv.ID.String()

	var msg model.Message
	alice.expect(http.StatusCreated, http.MethodPost, "/api/messages",
		map[string]string{"conversationId": id, "content": "hello"}, &msg)
	assert.Equal(t, "hello", msg.Text())

	resp, data := alice.do(http.MethodPost, "/api/messages", map[string]string{"conversationId": id, "content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", errorCode(t, data))

	resp, _ = bob.do(http.MethodPut, "/api/messages/"+msg.ID.String(), editRequest{Content: "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var edited model.Message
	alice.expect(http.StatusOK, http.MethodPut, "/api/messages/"+msg.ID.String(), editRequest{Content: "hello!"}, &edited)
	assert.True(t, edited.IsEdited)

	var reacted model.Message
	bob.expect(http.StatusOK, http.MethodPut, "/api/messages/"+msg.ID.String()+"/reaction", reactionRequest{Emoji: "🎉"}, &reacted)
	require.Len(t, reacted.Reactions, 1)
	assert.Equal(t, bobUser.ID, reacted.Reactions[0].UserID)

	var inbox []model.Conversation
	bob.expect(http.StatusOK, http.MethodGet, "/api/conversations", nil, &inbox)
	require.Len(t, inbox, 1)
	assert.EqualValues(t, 1, inbox[0].Unread)
	bob.expect(http.StatusNoContent, http.MethodPost, "/api/conversations/"+id+"/read", nil, nil)

	var deleted model.Message
	alice.expect(http.StatusOK, http.MethodDelete, "/api/messages/"+msg.ID.String(), nil, &deleted)
	assert.True(t, deleted.IsDeleted)
	resp, _ = alice.do(http.MethodPut, "/api/messages/"+msg.ID.String(), editRequest{Content: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var history []model.Message
	bob.expect(http.StatusOK, http.MethodGet, "/api/conversations/"+id+"/messages", nil, &history)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsDeleted)

	resp, _ = bob.do(http.MethodGet, "/api/conversations/not-a-number/messages", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGroupRoutes(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := register(t, srv, "alice")
	bob, bobUser := register(t, srv, "bob")
	_, carol := register(t, srv, "carol")

	var g model.Conversation
	alice.expect(http.StatusCreated, http.MethodPost, "/api/conversations/group", groupRequest{Name: "trip", Members: []string{bobUser.ID}}, &g)
	id := g.ID.String()

	resp, _ := bob.do(http.MethodPost, "/api/conversations/"+id+"/members", userRequest{UserID: carol.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	alice.expect(http.StatusOK, http.MethodPost, "/api/conversations/"+id+"/members", userRequest{UserID: carol.ID}, &g)
	assert.Len(t, g.Members, 3)

	bob.expect(http.StatusOK, http.MethodPut, "/api/conversations/"+id+"/name", renameRequest{Name: "holiday"}, &g)
	assert.Equal(t, "holiday", g.Name)

	var presence struct {
		Users []string `json:"users"`
	}
	bob.expect(http.StatusOK, http.MethodGet, "/api/conversations/"+id+"/presence", nil, &presence)
	assert.Empty(t, presence.Users)

	var removal removalResponse
	bob.expect(http.StatusOK, http.MethodDelete, "/api/conversations/"+id+"/members/"+bobUser.ID, nil, &removal)
	assert.False(t, removal.Removed)
	assert.NotContains(t, removal.Conversation.Members, bobUser.ID)
}

func TestUploadRoutes(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := register(t, srv, "alice")

	upload := func(name, content string) (*http.Response, []byte) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/uploads", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return alice.send(req)
	}

	resp, data := upload("notes.txt", "hello file")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var att model.Attachment
	require.NoError(t, json.Unmarshal(data, &att))
	assert.Equal(t, model.KindDocument, att.Kind)

	anon := &client{t: t, base: srv.URL}
	resp, data = anon.do(http.MethodGet, "/uploads/"+att.Locator, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello file", string(data))

	resp, data = upload("run.sh", "echo")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Equal(t, "unsupported_type", errorCode(t, data))

	resp, _ = upload("big.txt", strings.Repeat("x", 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	alice.expect(http.StatusNoContent, http.MethodDelete, "/api/uploads/"+att.Locator, nil, nil)
	resp, _ = anon.do(http.MethodGet, "/uploads/"+att.Locator, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/messages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	register(t, srv, "alice")
	anon := &client{t: t, base: srv.URL}
	resp, data := anon.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `chat_http_request_duration_seconds_count{method="POST",route="/api/users",status="201"}`)
}

func TestOversizedJSONBody(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := register(t, srv, "alice")
	_, bobUser := register(t, srv, "bob")

	var conv model.Conversation
	alice.expect(http.StatusOK, http.MethodPost, "/api/conversations", userRequest{UserID: bobUser.ID}, &conv)

	resp, data := alice.do(http.MethodPost, "/api/messages", map[string]string{
		"conversationId": conv.ID.String(),
		"content":        strings.Repeat("a", maxJSONBody+1),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "too_large", errorCode(t, data))

	var msgs []model.Message
	alice.expect(http.StatusOK, http.MethodGet, "/api/conversations/"+conv.ID.String()+"/messages", nil, &msgs)
	assert.Empty(t, msgs)
}

func TestUnavailableErrorsHideCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	writeError(rec, req, apperr.TransientIO("insert message", errors.New("gocql: no hosts available in pool 10.0.0.5")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "transient_io", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "gocql")
	assert.NotContains(t, body.Error.Message, "10.0.0.5")
}
