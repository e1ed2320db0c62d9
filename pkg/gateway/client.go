package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 4096
)

var ErrSlowConsumer = errors.New("send buffer full")

// Session is the state of one connection: the conversation it is looking
// at and its inbound rate limit. It is owned by the read pump.
type Session struct {
	Active  snowflake.ID
	limiter *rate.Limiter
}

func newSession(rps float64, burst int) *Session {
	return &Session{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether another inbound frame fits the rate limit.
func (s *Session) Allow() bool { return s.limiter.Allow() }

// Client is a middleman between the websocket connection and the router.
type Client struct {
	id   string
	user string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	mu     sync.Mutex
	closed bool

	session *Session
}

var _ presence.Conn = (*Client)(nil)

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.user }

// Send queues a payload for the write pump. A client that cannot keep up
// is disconnected rather than allowed to block fan-out.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return presence.ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closed = true
		close(c.send)
		return ErrSlowConsumer
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump pumps messages from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The send buffer was closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
