package models

import "time"

// LastMessage is the snapshot a contact row shows.
type LastMessage struct {
	MessageID string    `json:"messageId" bson:"messageId"`
	Text      string    `json:"text" bson:"text"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Read      bool      `json:"read" bson:"read"`
}

// ContactSummary is one row of a user's contact list, unique per (owner, contact).
type ContactSummary struct {
	ContactID   string       `json:"userId"`
	Name        string       `json:"name"`
	Avatar      Avatar       `json:"avatar"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}

// InboxEntry is a user's copy of a message they sent or received.
type InboxEntry struct {
	MessageID      string         `json:"id"`
	ConversationID string         `json:"chatId"`
	SenderID       string         `json:"sender"`
	ReceiverID     string         `json:"receiver"`
	Kind           MessageKind    `json:"kind"`
	Text           string         `json:"text"`
	MediaKind      AttachmentKind `json:"mediaType,omitempty"`
	MediaURL       string         `json:"mediaUrl,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Read           bool           `json:"read"`
	Status         MessageStatus  `json:"status"`
}

// Notification is created on the receiver side for every message.
type Notification struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"sender"`
	SenderName     string    `json:"senderName"`
	SenderAvatar   Avatar    `json:"senderAvatar"`
	ConversationID string    `json:"chatId"`
	MessageID      string    `json:"messageId"`
	Message        string    `json:"message"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

// InboxEntryFor builds the inbox copy of m.
func InboxEntryFor(m *Message) InboxEntry {
	entry := InboxEntry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Kind:           m.Kind,
		Text:           m.Body,
		Timestamp:      m.CreatedAt,
		Read:           m.Read,
		Status:         m.Status,
	}
	if m.Attachment != nil {
		entry.MediaKind = m.Attachment.Kind
		entry.MediaURL = m.Attachment.URL
	}
	return entry
}

// SnapshotOf builds the contact-row snapshot of m.
func SnapshotOf(m *Message) LastMessage {
	return LastMessage{
		MessageID: m.ID,
		Text:      m.PreviewText(),
		Timestamp: m.CreatedAt,
		Read:      m.Read,
	}
}
