// Package presence tracks live connections by user and by joined
// conversation. It holds no durable state; a restart starts empty and
// clients re-register when they reconnect.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// ErrClosed is returned by Conn.Send after the connection went away.
var ErrClosed = errors.New("connection closed")

var ErrNotRegistered = errors.New("connection not registered")

// Conn is one live client connection. Send must be safe to call
// concurrently and after the connection closed, in which case it returns
// ErrClosed.
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
}

// Mirror publishes presence transitions to an external store. Calls happen
// outside the router lock and failures are only logged.
type Mirror interface {
	Online(ctx context.Context, user string) error
	Offline(ctx context.Context, user string) error
	Joined(ctx context.Context, conversationID snowflake.ID, user string) error
	Left(ctx context.Context, conversationID snowflake.ID, user string) error
}

const mirrorTimeout = 2 * time.Second

type Router struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	users  map[string]map[string]Conn           // user_id -> conn_id -> conn
	rooms  map[snowflake.ID]map[string]Conn     // conversation_id -> conn_id -> conn
	joined map[string]map[snowflake.ID]struct{} // conn_id -> conversations

	mirror Mirror
}

func NewRouter(mirror Mirror) *Router {
	return &Router{
		conns:  make(map[string]Conn),
		users:  make(map[string]map[string]Conn),
		rooms:  make(map[snowflake.ID]map[string]Conn),
		joined: make(map[string]map[snowflake.ID]struct{}),
		mirror: mirror,
	}
}

type transition struct {
	online, offline bool
	joined, left    []snowflake.ID
	user            string
}

func (r *Router) publish(t transition) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	check := func(op string, err error) {
		if err != nil {
			logger.Warn("presence_mirror_failed", "op", op, "user_id", t.user, "error", err)
		}
	}
	if t.online {
		check("online", r.mirror.Online(ctx, t.user))
	}
	for _, id := range t.joined {
		check("joined", r.mirror.Joined(ctx, id, t.user))
	}
	for _, id := range t.left {
		check("left", r.mirror.Left(ctx, id, t.user))
	}
	if t.offline {
		check("offline", r.mirror.Offline(ctx, t.user))
	}
}

// userInRoomLocked reports whether any connection of user is joined to id.
func (r *Router) userInRoomLocked(id snowflake.ID, user string) bool {
	for _, c := range r.rooms[id] {
		if c.UserID() == user {
			return true
		}
	}
	return false
}

// Register adds a connection under its user. It reports whether the user
// had no other live connection.
func (r *Router) Register(c Conn) bool {
	r.mu.Lock()
	if _, dup := r.conns[c.ID()]; dup {
		r.mu.Unlock()
		return false
	}
	r.conns[c.ID()] = c
	set, ok := r.users[c.UserID()]
	if !ok {
		set = make(map[string]Conn)
		r.users[c.UserID()] = set
	}
	set[c.ID()] = c
	first := len(set) == 1
	r.mu.Unlock()

	logger.Debug("presence_registered", "conn_id", c.ID(), "user_id", c.UserID())
	r.publish(transition{online: first, user: c.UserID()})
	return first
}

// Unregister removes the connection from its user and from every
// conversation it joined. It reports whether the user is now offline.
func (r *Router) Unregister(c Conn) bool {
	r.mu.Lock()
	if _, ok := r.conns[c.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.ID())
	t := transition{user: c.UserID()}
	for id := range r.joined[c.ID()] {
		if r.leaveLocked(c, id) {
			t.left = append(t.left, id)
		}
	}
	delete(r.joined, c.ID())
	if set, ok := r.users[c.UserID()]; ok {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(r.users, c.UserID())
			t.offline = true
		}
	}
	r.mu.Unlock()

	logger.Debug("presence_unregistered", "conn_id", c.ID(), "user_id", c.UserID(), "offline", t.offline)
	r.publish(t)
	return t.offline
}

// Join subscribes the connection to a conversation's typing and presence
// traffic. A connection may be joined to any number of conversations.
func (r *Router) Join(c Conn, id snowflake.ID) error {
	r.mu.Lock()
	if _, ok := r.conns[c.ID()]; !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	firstForUser := !r.userInRoomLocked(id, c.UserID())
	room, ok := r.rooms[id]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[id] = room
	}
	room[c.ID()] = c
	set, ok := r.joined[c.ID()]
	if !ok {
		set = make(map[snowflake.ID]struct{})
		r.joined[c.ID()] = set
	}
	set[id] = struct{}{}
	r.mu.Unlock()

	if firstForUser {
		r.publish(transition{user: c.UserID(), joined: []snowflake.ID{id}})
	}
	return nil
}

func (r *Router) Leave(c Conn, id snowflake.ID) {
	r.mu.Lock()
	left := r.leaveLocked(c, id)
	if set, ok := r.joined[c.ID()]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.joined, c.ID())
		}
	}
	r.mu.Unlock()
	if left {
		r.publish(transition{user: c.UserID(), left: []snowflake.ID{id}})
	}
}

// leaveLocked drops c from the room and reports whether its user has no
// other connection left in it.
func (r *Router) leaveLocked(c Conn, id snowflake.ID) bool {
	room, ok := r.rooms[id]
	if !ok {
		return false
	}
	if _, in := room[c.ID()]; !in {
		return false
	}
	delete(room, c.ID())
	if len(room) == 0 {
		delete(r.rooms, id)
	}
	return !r.userInRoomLocked(id, c.UserID())
}

func snapshot(m map[string]Conn) []Conn {
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// UserConnections returns a snapshot of the user's live connections.
func (r *Router) UserConnections(user string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[user])
}

// ConversationConnections returns a snapshot of the connections joined to
// the conversation.
func (r *Router) ConversationConnections(id snowflake.ID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[id])
}

func (r *Router) IsOnline(user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[user]) > 0
}

func (r *Router) OnlineUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// JoinedUsers lists the distinct users with a connection joined to id.
func (r *Router) JoinedUsers(id snowflake.ID) []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, c := range r.rooms[id] {
		seen[c.UserID()] = struct{}{}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Joined lists the conversations a connection is joined to.
func (r *Router) Joined(c Conn) []snowflake.ID {
	r.mu.RLock()
	out := make([]snowflake.ID, 0, len(r.joined[c.ID()]))
	for id := range r.joined[c.ID()] {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// InConversation reports whether c is joined to id.
func (r *Router) InConversation(c Conn, id snowflake.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[c.ID()][id]
	return ok
}
