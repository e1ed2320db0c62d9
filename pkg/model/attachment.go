package model

type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindAudio    AttachmentKind = "audio"
	KindDocument AttachmentKind = "document"
	KindUnknown  AttachmentKind = "unknown"
)

// Attachment describes an uploaded file. Locator is the opaque handle the
// attachment gateway issued for it.
type Attachment struct {
	Locator  string         `json:"locator"`
	Kind     AttachmentKind `json:"type"`
	Filename string         `json:"filename"`
	Size     int64          `json:"size"`
	MIMEType string         `json:"mimeType,omitempty"`
}
