// Package chat is the request-facing service. Every operation validates the
// caller against the stores, persists, and only then hands the committed
// result to the delivery coordinator. Delivery never changes the outcome
// reported to the caller.
package chat

import (
	"context"
	"io"
	"strings"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/attachment"
	"github.com/mahaj/chatcore/pkg/delivery"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

// Fanout is the delivery surface. *delivery.Coordinator implements it.
type Fanout interface {
	Deliver(ctx context.Context, m delivery.Mutation) (delivery.Report, error)
	Typing(ctx context.Context, from presence.Conn, conversationID snowflake.ID, started bool) (delivery.Report, error)
}

// Subscriptions manages conversation joins. *presence.Router implements it.
type Subscriptions interface {
	Join(c presence.Conn, id snowflake.ID) error
	Leave(c presence.Conn, id snowflake.ID)
	InConversation(c presence.Conn, id snowflake.ID) bool
	JoinedUsers(id snowflake.ID) []string
}

// PresenceSource lists the users joined to a conversation. The Redis mirror
// implements it for multi-process deployments.
type PresenceSource interface {
	JoinedUsers(ctx context.Context, id snowflake.ID) ([]string, error)
}

type Deps struct {
	Store    store.Store
	Files    attachment.Gateway
	Fanout   Fanout
	Subs     Subscriptions
	Presence PresenceSource
	Metrics  *metrics.Metrics
}

type Service struct {
	store    store.Store
	files    attachment.Gateway
	fanout   Fanout
	subs     Subscriptions
	presence PresenceSource
	metrics  *metrics.Metrics
}

func NewService(d Deps) *Service {
	return &Service{
		store:    d.Store,
		files:    d.Files,
		fanout:   d.Fanout,
		subs:     d.Subs,
		presence: d.Presence,
		metrics:  d.Metrics,
	}
}

// deliver hands a committed mutation to the coordinator. Failures are
// logged only; the write already succeeded.
func (s *Service) deliver(ctx context.Context, m delivery.Mutation) {
	if s.fanout == nil {
		return
	}
	if _, err := s.fanout.Deliver(ctx, m); err != nil {
		logger.Error("delivery_failed", "event", m.Type, "conversation_id", m.ConversationID, "error", err)
	}
}

// member loads the conversation and checks that user belongs to it.
func (s *Service) member(ctx context.Context, id snowflake.ID, user string) (*model.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(user) {
		return nil, apperr.Forbidden("user %s is not a member of conversation %s", user, id)
	}
	return conv, nil
}

// removeFiles deletes released attachments. The sweep retries whatever
// fails here.
func (s *Service) removeFiles(ctx context.Context, atts ...model.Attachment) {
	if s.files == nil {
		return
	}
	for _, att := range atts {
		if err := s.files.Delete(ctx, att.Locator); err != nil {
			logger.Warn("attachment_delete_failed", "locator", att.Locator, "error", err)
		}
	}
}

type SendRequest struct {
	ConversationID snowflake.ID `json:"conversationId"`
	Content        string       `json:"content"`
	// Attachment is the locator returned by an earlier upload.
	Attachment string `json:"attachment"`
}

// defaultCaption is shown for attachments sent without text.
func defaultCaption(att model.Attachment) string {
	if att.Kind == model.KindDocument {
		return att.Filename
	}
	return "Shared a file"
}

func (s *Service) SendMessage(ctx context.Context, sender string, req SendRequest) (*model.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Attachment == "" {
		return nil, apperr.Validation("message needs content or an attachment")
	}
	conv, err := s.store.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(sender) {
		return nil, apperr.Validation("sender %s is not a member of conversation %s", sender, conv.ID)
	}

	var body model.Body = model.TextBody{Content: req.Content}
	if req.Attachment != "" {
		if s.files == nil {
			return nil, apperr.Validation("attachments are not enabled")
		}
		att, err := s.files.Claim(ctx, req.Attachment, sender)
		if err != nil {
			return nil, err
		}
		caption := req.Content
		if content == "" {
			caption = defaultCaption(att)
		}
		body = model.AttachmentBody{Attachment: att, Caption: caption}
	}

	msg, conv, err := s.store.CreateMessage(ctx, sender, req.ConversationID, body)
	if err != nil {
		if req.Attachment != "" {
			if uerr := s.files.Unclaim(ctx, req.Attachment); uerr != nil {
				logger.Warn("attachment_unclaim_failed", "locator", req.Attachment, "error", uerr)
			}
		}
		return nil, err
	}
	if req.Attachment != "" {
		if err := s.files.Bind(ctx, req.Attachment, msg.ID); err != nil {
			logger.Warn("attachment_bind_failed", "locator", req.Attachment, "message_id", msg.ID, "error", err)
		}
	}
	s.metrics.MessageCreated()
	logger.Info("message_created", "message_id", msg.ID, "conversation_id", msg.ConversationID, "sender", sender, "is_file", msg.IsFile())

	s.deliver(ctx, delivery.Mutation{
		Type:           model.EventMessageNew,
		ConversationID: conv.ID,
		Members:        conv.Members,
		Actor:          sender,
		Message:        msg,
	})
	return msg, nil
}

func (s *Service) ListMessages(ctx context.Context, user string, conversationID snowflake.ID) ([]*model.Message, error) {
	if _, err := s.member(ctx, conversationID, user); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

// mutated fans out a message-level change to the conversation's current
// members.
func (s *Service) mutated(ctx context.Context, typ model.EventType, actor string, msg *model.Message) {
	conv, err := s.store.Get(ctx, msg.ConversationID)
	if err != nil {
		logger.Warn("delivery_members_unavailable", "event", typ, "conversation_id", msg.ConversationID, "error", err)
		return
	}
	s.deliver(ctx, delivery.Mutation{
		Type:           typ,
		ConversationID: conv.ID,
		Members:        conv.Members,
		Actor:          actor,
		Message:        msg,
		MessageID:      msg.ID,
	})
}

func (s *Service) EditMessage(ctx context.Context, editor string, id snowflake.ID, content string) (*model.Message, error) {
	msg, err := s.store.EditMessage(ctx, id, editor, content)
	if err != nil {
		return nil, err
	}
	s.mutated(ctx, model.EventMessageUpdated, editor, msg)
	return msg, nil
}

// DeleteMessage tombstones the message. Removing its attachment is best
// effort and never fails the call.
func (s *Service) DeleteMessage(ctx context.Context, requester string, id snowflake.ID) (*model.Message, error) {
	msg, att, err := s.store.DeleteMessage(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if att != nil {
		s.removeFiles(ctx, *att)
	}
	s.mutated(ctx, model.EventMessageDeleted, requester, msg)
	return msg, nil
}

func (s *Service) React(ctx context.Context, user string, id snowflake.ID, emoji string) (*model.Message, error) {
	current, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, current.ConversationID, user); err != nil {
		return nil, err
	}
	msg, err := s.store.SetReaction(ctx, id, user, strings.TrimSpace(emoji))
	if err != nil {
		return nil, err
	}
	s.mutated(ctx, model.EventReactionChanged, user, msg)
	return msg, nil
}

// UploadAttachment stores a file for a later SendMessage.
func (s *Service) UploadAttachment(ctx context.Context, uploader string, r io.Reader, filename, mimeType string) (model.Attachment, error) {
	if s.files == nil {
		return model.Attachment{}, apperr.Validation("attachments are not enabled")
	}
	att, err := s.files.Store(ctx, r, filename, mimeType, uploader)
	if err != nil {
		return model.Attachment{}, err
	}
	logger.Info("attachment_uploaded", "locator", att.Locator, "type", att.Kind, "size", att.Size, "uploader", uploader)
	return att, nil
}

func (s *Service) DiscardAttachment(ctx context.Context, requester, locator string) error {
	if s.files == nil {
		return apperr.NotFound("attachment %s", locator)
	}
	return s.files.Discard(ctx, locator, requester)
}

// OpenAttachment returns the stored file. Locators are unguessable, so any
// authenticated user holding one may download it.
func (s *Service) OpenAttachment(ctx context.Context, locator string) (io.ReadSeekCloser, *attachment.Record, error) {
	if s.files == nil {
		return nil, nil, apperr.NotFound("attachment %s", locator)
	}
	return s.files.Open(ctx, locator)
}
