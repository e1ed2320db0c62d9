// Package gateway serves the websocket push channel. Each connection
// registers with the presence router under its authenticated user and
// exchanges small JSON frames for joins and typing.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// Chat is the part of the chat service a socket can drive.
type Chat interface {
	JoinConversation(ctx context.Context, c presence.Conn, id snowflake.ID) error
	LeaveConversation(c presence.Conn, id snowflake.ID)
	Typing(ctx context.Context, c presence.Conn, id snowflake.ID, started bool) error
}

// Registry tracks live connections. *presence.Router implements it.
type Registry interface {
	Register(c presence.Conn) bool
	Unregister(c presence.Conn) bool
}

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	RateRPS        float64
	RateBurst      int
}

const (
	FrameJoin       = "join"
	FrameLeave      = "leave"
	FrameTyping     = "typing"
	FrameStopTyping = "stop_typing"
)

// Frame is a client to server message.
type Frame struct {
	Type           string       `json:"type"`
	ConversationID snowflake.ID `json:"conversationId"`
}

type Server struct {
	chat     Chat
	registry Registry
	auth     *auth.Authenticator
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(chat Chat, registry Registry, a *auth.Authenticator, m *metrics.Metrics, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	s := &Server{chat: chat, registry: registry, auth: a, metrics: m, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates and upgrades the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		logger.Warn("ws_unauthorized", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "user_id", claims.UserID, "error", err)
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		user:    claims.UserID,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		session: newSession(s.opts.RateRPS, s.opts.RateBurst),
	}
	s.registry.Register(client)
	s.metrics.ConnectionOpened()
	logger.Info("ws_connected", "conn_id", client.id, "user_id", client.user)

	s.reply(client, model.Event{Type: model.EventConnected, UserID: client.user})

	go client.writePump()
	go s.readPump(client)
}

func (s *Server) reply(c *Client, ev model.Event) {
	ev.At = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		logger.Error("ws_encode_failed", "event", ev.Type, "error", err)
		return
	}
	if err := c.Send(b); err != nil {
		logger.Debug("ws_reply_dropped", "conn_id", c.id, "error", err)
	}
}

func (s *Server) replyError(c *Client, err error) {
	if status := apperr.Status(err); status >= http.StatusInternalServerError {
		logger.Warn("socket_frame_failed", "conn_id", c.id, "user_id", c.user, "error", err)
	}
	s.reply(c, model.Event{
		Type:  model.EventError,
		Error: &model.ErrorPayload{Code: apperr.Code(err), Message: apperr.Public(err)},
	})
}

// readPump pumps frames from the websocket connection to the chat service.
func (s *Server) readPump(c *Client) {
	defer func() {
		s.registry.Unregister(c)
		c.close()
		c.conn.Close()
		s.metrics.ConnectionClosed()
		logger.Info("ws_disconnected", "conn_id", c.id, "user_id", c.user)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("ws_read_failed", "conn_id", c.id, "error", err)
			}
			return
		}
		if !c.session.Allow() {
			s.reply(c, model.Event{
				Type:  model.EventError,
				Error: &model.ErrorPayload{Code: "rate_limited", Message: "too many frames"},
			})
			continue
		}
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.replyError(c, apperr.Validation("malformed frame: %v", err))
			continue
		}
		if err := s.handle(c, f); err != nil {
			s.replyError(c, err)
		}
	}
}

// handle applies one frame. A frame without a conversation id targets the
// conversation the connection joined last.
func (s *Server) handle(c *Client, f Frame) error {
	ctx := context.Background()
	id := f.ConversationID
	if id == 0 {
		id = c.session.Active
	}
	if id == 0 && f.Type != "" {
		return apperr.Validation("conversationId is required")
	}
	switch f.Type {
	case FrameJoin:
		if err := s.chat.JoinConversation(ctx, c, id); err != nil {
			return err
		}
		c.session.Active = id
	case FrameLeave:
		s.chat.LeaveConversation(c, id)
		if c.session.Active == id {
			c.session.Active = 0
		}
	case FrameTyping, FrameStopTyping:
		return s.chat.Typing(ctx, c, id, f.Type == FrameTyping)
	default:
		return apperr.Validation("unknown frame type %q", f.Type)
	}
	return nil
}
