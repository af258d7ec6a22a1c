package models

import "time"

// EventType names the kind of real-time payload pushed to live connections.
type EventType string

const (
	EventMessage     EventType = "message"
	EventImage       EventType = "image"
	EventReadReceipt EventType = "read-receipt"
)

// Event is the payload fanned out to a recipient's open connections.
type Event struct {
	Type           EventType   `json:"type"`
	MessageID      string      `json:"messageId,omitempty"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	ConversationID string      `json:"conversationId"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachmentRef,omitempty"`
	MessageIDs     []string    `json:"messageIds,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// MessageEvent builds the live-delivery event for a freshly appended message.
func MessageEvent(m *Message) Event {
	eventType := EventMessage
	if m.Kind == KindImage {
		eventType = EventImage
	}
	return Event{
		Type:           eventType,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		ConversationID: m.ConversationID,
		Body:           m.Body,
		Attachment:     m.Attachment,
		Timestamp:      m.CreatedAt,
	}
}
