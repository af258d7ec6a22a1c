package models

import "time"

// MessageKind discriminates text messages from media messages.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// MessageStatus only ever moves forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// ImagePlaceholder stands in for the body of a message that only carries an attachment.
const ImagePlaceholder = "(Image)"

var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return statusRank[next] > statusRank[s]
}

// AttachmentKind is the media type of a stored upload.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references an object stored by the attachment resolver. Opaque to the core.
type Attachment struct {
	Kind         AttachmentKind `json:"kind" bson:"kind"`
	URL          string         `json:"url" bson:"url"`
	Size         int64          `json:"size" bson:"size"`
	MimeType     string         `json:"mimeType,omitempty" bson:"mimeType,omitempty"`
	OriginalName string         `json:"originalName,omitempty" bson:"originalName,omitempty"`
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Kind           MessageKind   `json:"kind"`
	Body           string        `json:"text"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	CreatedAt      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	Read           bool          `json:"read"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
}

// PreviewText is the text shown in contact rows and notifications.
func (m *Message) PreviewText() string {
	if m.Body == "" && m.Attachment != nil {
		return ImagePlaceholder
	}
	return m.Body
}
