// Package delivery fans committed mutations and typing signals out to live
// connections. Delivery is best effort: a failed push is logged and counted,
// never retried, and never affects the write that produced it.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

const sinkTimeout = 3 * time.Second

// Connections resolves live connections. *presence.Router implements it.
type Connections interface {
	UserConnections(user string) []presence.Conn
	ConversationConnections(id snowflake.ID) []presence.Conn
}

// Sink receives every persistent event after fan-out.
type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Mutation is a committed write that members must hear about.
type Mutation struct {
	Type           model.EventType
	ConversationID snowflake.ID
	Members        []string
	Actor          string
	Message        *model.Message
	MessageID      snowflake.ID
	Conversation   *model.Conversation
	// Removed lists users that just lost membership; they still get the
	// conversation.updated event.
	Removed []string
}

// Report counts one fan-out. Targets and Skipped count users, Delivered and
// Failed count connections.
type Report struct {
	Targets   int
	Delivered int
	Failed    int
	Skipped   int
}

type Coordinator struct {
	conns   Connections
	sink    Sink
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCoordinator(conns Connections, sink Sink, m *metrics.Metrics) *Coordinator {
	return &Coordinator{conns: conns, sink: sink, metrics: m, now: time.Now}
}

// Targets returns the users a mutation is delivered to.
func Targets(m Mutation) []string {
	users := model.UniqueMembers(append(append([]string(nil), m.Members...), m.Removed...)...)
	if m.Type != model.EventMessageNew {
		return users
	}
	out := users[:0]
	for _, u := range users {
		if u != m.Actor {
			out = append(out, u)
		}
	}
	return out
}

func (c *Coordinator) event(m Mutation) model.Event {
	ev := model.Event{
		Type:           m.Type,
		ConversationID: m.ConversationID,
		Message:        m.Message,
		MessageID:      m.MessageID,
		UserID:         m.Actor,
		Conversation:   m.Conversation,
		At:             c.now().UTC(),
	}
	if ev.MessageID == 0 && m.Message != nil {
		ev.MessageID = m.Message.ID
	}
	return ev
}

// Deliver pushes the mutation to every connection of every target user.
// Offline users are skipped. The returned error is only set when the event
// cannot be encoded.
func (c *Coordinator) Deliver(ctx context.Context, m Mutation) (Report, error) {
	ev := c.event(m)
	payload, err := json.Marshal(ev)
	if err != nil {
		return Report{}, fmt.Errorf("encode %s event: %w", m.Type, err)
	}

	targets := Targets(m)
	rep := Report{Targets: len(targets)}
	for _, user := range targets {
		conns := c.conns.UserConnections(user)
		if len(conns) == 0 {
			rep.Skipped++
			c.metrics.Push(string(m.Type), "skipped")
			continue
		}
		for _, conn := range conns {
			c.push(conn, string(m.Type), payload, &rep)
		}
	}

	logger.Debug("delivery_fanout", "event", m.Type, "conversation_id", m.ConversationID,
		"targets", rep.Targets, "delivered", rep.Delivered, "failed", rep.Failed, "skipped", rep.Skipped)

	if c.sink != nil && m.Type.Persistent() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		if err := c.sink.Publish(sctx, ev); err != nil {
			c.metrics.SinkError()
			logger.Warn("delivery_sink_failed", "event", m.Type, "conversation_id", m.ConversationID, "error", err)
		}
	}
	return rep, nil
}

// Typing relays a typing signal to every connection joined to the
// conversation, except the connections of the user who is typing.
func (c *Coordinator) Typing(ctx context.Context, from presence.Conn, conversationID snowflake.ID, started bool) (Report, error) {
	typ := model.EventTypingStopped
	if started {
		typ = model.EventTypingStarted
	}
	payload, err := json.Marshal(model.Event{
		Type:           typ,
		ConversationID: conversationID,
		UserID:         from.UserID(),
		At:             c.now().UTC(),
	})
	if err != nil {
		return Report{}, fmt.Errorf("encode %s event: %w", typ, err)
	}

	var rep Report
	seen := make(map[string]struct{})
	for _, conn := range c.conns.ConversationConnections(conversationID) {
		if conn.UserID() == from.UserID() {
			continue
		}
		if _, ok := seen[conn.UserID()]; !ok {
			seen[conn.UserID()] = struct{}{}
			rep.Targets++
		}
		c.push(conn, string(typ), payload, &rep)
	}
	return rep, nil
}

func (c *Coordinator) push(conn presence.Conn, event string, payload []byte, rep *Report) {
	if err := conn.Send(payload); err != nil {
		rep.Failed++
		c.metrics.Push(event, "failed")
		logger.Warn("delivery_push_failed", "event", event, "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
		return
	}
	rep.Delivered++
	c.metrics.Push(event, "delivered")
}
