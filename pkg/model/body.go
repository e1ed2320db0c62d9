package model

import (
	"encoding/json"
	"fmt"
)

type BodyKind string

const (
	BodyText       BodyKind = "text"
	BodyAttachment BodyKind = "attachment"
	BodyDeleted    BodyKind = "deleted"
)

// Body is the content of a message: text, an attachment with an optional
// caption, or the tombstone left behind by a delete.
type Body interface {
	Kind() BodyKind
	isBody()
}

type TextBody struct {
	Content string
}

type AttachmentBody struct {
	Attachment Attachment
	Caption    string
}

type Tombstone struct{}

func (TextBody) Kind() BodyKind       { return BodyText }
func (AttachmentBody) Kind() BodyKind { return BodyAttachment }
func (Tombstone) Kind() BodyKind      { return BodyDeleted }

func (TextBody) isBody()       {}
func (AttachmentBody) isBody() {}
func (Tombstone) isBody()      {}

type bodyWire struct {
	Kind       BodyKind    `json:"kind"`
	Content    string      `json:"content,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Caption    string      `json:"caption,omitempty"`
}

// MarshalBody encodes a body in its tagged wire form. A nil body encodes
// as JSON null.
func MarshalBody(b Body) ([]byte, error) {
	switch v := b.(type) {
	case nil:
		return []byte("null"), nil
	case TextBody:
		return json.Marshal(bodyWire{Kind: BodyText, Content: v.Content})
	case AttachmentBody:
		att := v.Attachment
		return json.Marshal(bodyWire{Kind: BodyAttachment, Attachment: &att, Caption: v.Caption})
	case Tombstone:
		return json.Marshal(bodyWire{Kind: BodyDeleted})
	default:
		return nil, fmt.Errorf("unknown body type %T", b)
	}
}

// UnmarshalBody decodes the tagged wire form produced by MarshalBody.
func UnmarshalBody(data []byte) (Body, error) {
	var w bodyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Kind {
	case BodyText:
		return TextBody{Content: w.Content}, nil
	case BodyAttachment:
		if w.Attachment == nil {
			return nil, fmt.Errorf("attachment body without attachment")
		}
		return AttachmentBody{Attachment: *w.Attachment, Caption: w.Caption}, nil
	case BodyDeleted:
		return Tombstone{}, nil
	default:
		return nil, fmt.Errorf("unknown body kind %q", w.Kind)
	}
}
