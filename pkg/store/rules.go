package store

import (
	"strings"

	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/model"
)

const DefaultSearchLimit = 20

// ValidateBody checks a new message body.
func ValidateBody(body model.Body) error {
	switch b := body.(type) {
	case nil:
		return apperr.Validation("message body is required")
	case model.TextBody:
		if strings.TrimSpace(b.Content) == "" {
			return apperr.Validation("message content is empty")
		}
	case model.AttachmentBody:
		if b.Attachment.Locator == "" {
			return apperr.Validation("attachment is missing")
		}
	case model.Tombstone:
		return apperr.Validation("cannot create a deleted message")
	}
	return nil
}

// CheckEdit applies the edit rules in order: deleted or attachment-bearing
// messages conflict regardless of who asks, then only the sender may edit,
// then the new content must be non-empty.
func CheckEdit(m *model.Message, editor, content string) error {
	if m.IsDeleted {
		return apperr.Conflict("message %s is deleted", m.ID)
	}
	if m.IsFile() {
		return apperr.Conflict("message %s carries an attachment", m.ID)
	}
	if m.Sender != editor {
		return apperr.Forbidden("only the sender can edit message %s", m.ID)
	}
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("message content is empty")
	}
	return nil
}

func CheckDelete(m *model.Message, requester string) error {
	if m.Sender != requester {
		return apperr.Forbidden("only the sender can delete message %s", m.ID)
	}
	return nil
}

func CheckReact(m *model.Message) error {
	if m.IsDeleted {
		return apperr.Conflict("message %s is deleted", m.ID)
	}
	return nil
}

// CheckGroupAdmin rejects direct conversations and non-admin actors.
func CheckGroupAdmin(c *model.Conversation, actor string) error {
	if !c.IsGroup {
		return apperr.Conflict("conversation %s is not a group", c.ID)
	}
	if c.Admin != actor {
		return apperr.Forbidden("only the admin can change conversation %s", c.ID)
	}
	return nil
}

// CheckRename lets any member of a group rename it.
func CheckRename(c *model.Conversation, actor, name string) error {
	if !c.IsGroup {
		return apperr.Conflict("conversation %s is not a group", c.ID)
	}
	if !c.HasMember(actor) {
		return apperr.Forbidden("user %s is not a member of conversation %s", actor, c.ID)
	}
	if strings.TrimSpace(name) == "" {
		return apperr.Validation("group name is required")
	}
	return nil
}

// CheckRemove allows the admin to remove anyone and any member to remove
// themselves.
func CheckRemove(c *model.Conversation, actor, user string) error {
	if !c.IsGroup {
		return apperr.Conflict("conversation %s is not a group", c.ID)
	}
	if actor != user && c.Admin != actor {
		return apperr.Forbidden("only the admin can remove other members")
	}
	if !c.HasMember(user) {
		return apperr.NotFound("user %s is not a member of conversation %s", user, c.ID)
	}
	return nil
}

// GroupMembers normalises the member list of a new group: admin first, then
// the requested members without blanks or repeats.
func GroupMembers(admin, name string, members []string) ([]string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation("group name is required")
	}
	if admin == "" {
		return nil, apperr.Validation("group admin is required")
	}
	all := model.UniqueMembers(append([]string{admin}, members...)...)
	if len(all) < 2 {
		return nil, apperr.Validation("a group needs at least 2 members")
	}
	return all, nil
}

// WithoutMember removes user from c and reassigns the admin role to the
// earliest remaining member when the admin leaves. It reports whether the
// group is now empty.
func WithoutMember(c *model.Conversation, user string) (empty bool) {
	kept := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != user {
			kept = append(kept, m)
		}
	}
	c.Members = kept
	if len(kept) == 0 {
		c.Admin = ""
		return true
	}
	if c.Admin == user {
		c.Admin = kept[0]
	}
	return false
}

func MatchesUser(u *model.User, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Email), q)
}
