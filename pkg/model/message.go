package model

import (
	"encoding/json"
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
)

type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is one entry of a conversation. Deleted messages stay in place as
// tombstones so ids referenced by clients keep resolving.
type Message struct {
	ID             snowflake.ID `json:"id"`
	ConversationID snowflake.ID `json:"conversationId"`
	Sender         string       `json:"sender"`
	Body           Body         `json:"-"`
	Reactions      []Reaction   `json:"reactions"`
	IsEdited       bool         `json:"isEdited"`
	IsDeleted      bool         `json:"isDeleted"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsFile reports whether the message carries an attachment.
func (m *Message) IsFile() bool {
	_, ok := m.Body.(AttachmentBody)
	return ok
}

// Attachment returns the attached file, if any.
func (m *Message) Attachment() (Attachment, bool) {
	if ab, ok := m.Body.(AttachmentBody); ok {
		return ab.Attachment, true
	}
	return Attachment{}, false
}

// Text returns the text content or the attachment caption.
func (m *Message) Text() string {
	switch b := m.Body.(type) {
	case TextBody:
		return b.Content
	case AttachmentBody:
		return b.Caption
	default:
		return ""
	}
}

// ToggleReaction applies the reaction rules: the same (user, emoji) pair
// toggles off, a different emoji replaces the user's previous reaction, and
// an empty emoji only clears. Order of other users' reactions is preserved.
func (m *Message) ToggleReaction(userID, emoji string) {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return
		}
	}
	kept := m.Reactions[:0:0]
	for _, r := range m.Reactions {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	if emoji != "" {
		kept = append(kept, Reaction{UserID: userID, Emoji: emoji})
	}
	m.Reactions = kept
}

// Tombstone suppresses the content of the message and returns the
// attachment it carried, if any.
func (m *Message) Tombstone(at time.Time) (Attachment, bool) {
	att, had := m.Attachment()
	m.Body = Tombstone{}
	m.Reactions = nil
	m.IsDeleted = true
	m.UpdatedAt = at
	return att, had
}

// Clone returns a copy that shares nothing mutable with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make([]Reaction, len(m.Reactions))
		copy(cp.Reactions, m.Reactions)
	}
	return &cp
}

func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	body, err := MarshalBody(m.Body)
	if err != nil {
		return nil, err
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = []Reaction{}
	}
	a := alias(m)
	a.Reactions = reactions
	return json.Marshal(struct {
		alias
		Body   json.RawMessage `json:"body"`
		IsFile bool            `json:"isFile"`
	}{a, body, m.IsFile()})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	type alias Message
	aux := struct {
		*alias
		Body json.RawMessage `json:"body"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if len(aux.Body) == 0 || string(aux.Body) == "null" {
		m.Body = nil
		return nil
	}
	body, err := UnmarshalBody(aux.Body)
	if err != nil {
		return err
	}
	m.Body = body
	return nil
}
