package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/delivery"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv    *httptest.Server
	auth   *auth.Authenticator
	router *presence.Router
	svc    *chat.Service
	conv   *model.Conversation
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	st := memory.New(node)
	for _, u := range []string{"alice", "bob", "eve"} {
		_, err := st.CreateUser(ctx, &model.User{ID: u, Name: u, Email: u + "@example.com"})
		require.NoError(t, err)
	}
	router := presence.NewRouter(nil)
	svc := chat.NewService(chat.Deps{
		Store:  st,
		Fanout: delivery.NewCoordinator(router, nil, nil),
		Subs:   router,
	})
	conv, err := svc.AccessDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	a := auth.NewAuthenticator("test-secret", "chatcore", time.Hour)
	srv := httptest.NewServer(NewServer(svc, router, a, nil, opts))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, auth: a, router: router, svc: svc, conv: conv}
}

func (h *harness) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	token, err := h.auth.GenerateToken(user, user)
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	ev := read(t, ws)
	require.Equal(t, model.EventConnected, ev.Type)
	assert.Equal(t, user, ev.UserID)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev model.Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func send(t *testing.T, ws *websocket.Conn, typ string, id snowflake.ID) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(Frame{Type: typ, ConversationID: id}))
}

func TestRejectsMissingToken(t *testing.T) {
	h := newHarness(t, Options{})
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTypingRelay(t *testing.T) {
	h := newHarness(t, Options{})
	alice, bob := h.dial(t, "alice"), h.dial(t, "bob")

	send(t, bob, FrameJoin, h.conv.ID)
	send(t, alice, FrameJoin, h.conv.ID)
	require.Eventually(t, func() bool {
		return len(h.router.JoinedUsers(h.conv.ID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// no conversation id: the last joined conversation is used
	send(t, alice, FrameTyping, 0)
	ev := read(t, bob)
	assert.Equal(t, model.EventTypingStarted, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, h.conv.ID, ev.ConversationID)

	send(t, alice, FrameStopTyping, h.conv.ID)
	assert.Equal(t, model.EventTypingStopped, read(t, bob).Type)
}

func TestMessagesReachRecipientSocket(t *testing.T) {
	h := newHarness(t, Options{})
	bob := h.dial(t, "bob")

	_, err := h.svc.SendMessage(context.Background(), "alice", chat.SendRequest{ConversationID: h.conv.ID, Content: "hi"})
	require.NoError(t, err)
	ev := read(t, bob)
	assert.Equal(t, model.EventMessageNew, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hi", ev.Message.Text())
}

func TestFrameErrors(t *testing.T) {
	h := newHarness(t, Options{})
	eve := h.dial(t, "eve")

	send(t, eve, FrameJoin, h.conv.ID)
	ev := read(t, eve)
	assert.Equal(t, model.EventError, ev.Type)
	assert.Equal(t, "forbidden", ev.Error.Code)

	send(t, eve, "dance", h.conv.ID)
	assert.Equal(t, "validation", read(t, eve).Error.Code)

	require.NoError(t, eve.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "validation", read(t, eve).Error.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Options{RateRPS: 0.001, RateBurst: 1})
	eve := h.dial(t, "eve")

	send(t, eve, "dance", 1)
	assert.Equal(t, "validation", read(t, eve).Error.Code)
	send(t, eve, "dance", 1)
	assert.Equal(t, "rate_limited", read(t, eve).Error.Code)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, Options{})
	bob := h.dial(t, "bob")
	send(t, bob, FrameJoin, h.conv.ID)
	require.Eventually(t, func() bool { return h.router.IsOnline("bob") && len(h.router.JoinedUsers(h.conv.ID)) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return !h.router.IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.router.ConversationConnections(h.conv.ID))
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, Options{AllowedOrigins: []string{"chat.example.com"}})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))
}

func TestSlowClientIsClosed(t *testing.T) {
	c := &Client{id: "c", user: "u", send: make(chan []byte, 1)}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSlowConsumer)
	assert.ErrorIs(t, c.Send([]byte("c")), presence.ErrClosed)
	c.close()
}
