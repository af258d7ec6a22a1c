package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "alice:bob", PairKey("bob", "alice"))
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.Equal(t, [2]string{"alice", "bob"}, SortedPair("bob", "alice"))
}

func TestConversationParticipants(t *testing.T) {
	conv := Conversation{Participants: SortedPair("u2", "u1")}
	assert.True(t, conv.HasParticipant("u1"))
	assert.False(t, conv.HasParticipant("u3"))
	assert.Equal(t, "u2", conv.Other("u1"))
	assert.Equal(t, "u1", conv.Other("u2"))
}

func TestStatusAdvances(t *testing.T) {
	assert.True(t, StatusSent.Advances(StatusDelivered))
	assert.True(t, StatusDelivered.Advances(StatusRead))
	assert.True(t, StatusSent.Advances(StatusRead))
	assert.False(t, StatusRead.Advances(StatusDelivered))
	assert.False(t, StatusDelivered.Advances(StatusDelivered))
}

func TestPreviewTextUsesPlaceholderForMedia(t *testing.T) {
	img := Message{Attachment: &Attachment{Kind: AttachmentImage, URL: "u"}}
	assert.Equal(t, ImagePlaceholder, img.PreviewText())

	captioned := Message{Body: "look", Attachment: &Attachment{Kind: AttachmentImage}}
	assert.Equal(t, "look", captioned.PreviewText())
}

func TestInboxEntryAndSnapshot(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := &Message{
		ID:             "m1",
		ConversationID: "a:b",
		SenderID:       "a",
		ReceiverID:     "b",
		Kind:           KindImage,
		Attachment:     &Attachment{Kind: AttachmentImage, URL: "http://x/y.png"},
		CreatedAt:      at,
		Status:         StatusSent,
	}

	entry := InboxEntryFor(msg)
	assert.Equal(t, "m1", entry.MessageID)
	assert.Equal(t, AttachmentImage, entry.MediaKind)
	assert.Equal(t, "http://x/y.png", entry.MediaURL)

	snap := SnapshotOf(msg)
	assert.Equal(t, ImagePlaceholder, snap.Text)
	assert.Equal(t, at, snap.Timestamp)
	assert.False(t, snap.Read)
}

func TestMessageEventPayload(t *testing.T) {
	msg := &Message{ID: "m1", ConversationID: "a:b", SenderID: "a", ReceiverID: "b", Kind: KindImage,
		Attachment: &Attachment{Kind: AttachmentImage, URL: "u", Size: 10}}

	event := MessageEvent(msg)
	assert.Equal(t, EventImage, event.Type)

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "image", decoded["type"])
	assert.Equal(t, "a:b", decoded["conversationId"])
	assert.Contains(t, decoded, "attachmentRef")
	assert.NotContains(t, decoded, "messageIds")
}
