package database

import (
	"context"
	"errors"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConversationDocument is keyed by the canonical pair key and embeds the message log.
type ConversationDocument struct {
	ID           string            `bson:"_id"`
	Participants []string          `bson:"participants"`
	Messages     []MessageDocument `bson:"messages,omitempty"`
	CreatedAt    time.Time         `bson:"createdAt"`
	UpdatedAt    time.Time         `bson:"updatedAt"`
}

// MessageDocument represents one entry of the embedded message log
type MessageDocument struct {
	ID         string             `bson:"_id"`
	Sender     string             `bson:"sender"`
	Receiver   string             `bson:"receiver"`
	Kind       string             `bson:"kind"`
	Text       string             `bson:"text"`
	Attachment *models.Attachment `bson:"attachment,omitempty"`
	Time       time.Time          `bson:"time"`
	Read       bool               `bson:"read"`
	Status     string             `bson:"status"`
	ReadAt     *time.Time         `bson:"readAt,omitempty"`
}

func messageToDocument(msg *models.Message) MessageDocument {
	return MessageDocument{
		ID:         msg.ID,
		Sender:     msg.SenderID,
		Receiver:   msg.ReceiverID,
		Kind:       string(msg.Kind),
		Text:       msg.Body,
		Attachment: msg.Attachment,
		Time:       msg.CreatedAt,
		Read:       msg.Read,
		Status:     string(msg.Status),
		ReadAt:     msg.ReadAt,
	}
}

func (doc MessageDocument) toModel(conversationID string) models.Message {
	return models.Message{
		ID:             doc.ID,
		ConversationID: conversationID,
		SenderID:       doc.Sender,
		ReceiverID:     doc.Receiver,
		Kind:           models.MessageKind(doc.Kind),
		Body:           doc.Text,
		Attachment:     doc.Attachment,
		CreatedAt:      doc.Time,
		Status:         models.MessageStatus(doc.Status),
		Read:           doc.Read,
		ReadAt:         doc.ReadAt,
	}
}

func (doc *ConversationDocument) toModel() *models.Conversation {
	conv := &models.Conversation{
		ID:           doc.ID,
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.UpdatedAt,
		Messages:     make([]models.Message, 0, len(doc.Messages)),
	}
	if len(doc.Participants) == 2 {
		conv.Participants = models.SortedPair(doc.Participants[0], doc.Participants[1])
	}
	for _, m := range doc.Messages {
		conv.Messages = append(conv.Messages, m.toModel(doc.ID))
	}
	return conv
}

// AppendMessage upserts the conversation document and pushes the message in a
// single update, so find-or-create and append commit together.
func (m *MongoDB) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	pair := models.SortedPair(msg.SenderID, msg.ReceiverID)
	filter := bson.M{
		"_id":          msg.ConversationID,
		"messages._id": bson.M{"$ne": msg.ID},
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"participants": pair[:],
			"createdAt":    msg.CreatedAt,
		},
		"$push": bson.M{"messages": messageToDocument(msg)},
		"$max":  bson.M{"updatedAt": msg.CreatedAt},
	}
	opts := options.Update().SetUpsert(true)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := m.Conversations.UpdateOne(ctx, filter, update, opts)
		if err == nil {
			stored := *msg
			return &stored, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, utils.NewPersistenceError("failed to append message", err)
		}
		// Either a concurrent first message created the document, or this
		// message id is already in the log. The second attempt matches the
		// existing document in the first case.
		existing, err := m.FindMessage(ctx, msg.ConversationID, msg.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, utils.NewPersistenceError("failed to append message", errors.New("conversation upsert conflicted twice"))
}

func (m *MongoDB) FindMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	var doc ConversationDocument
	opts := options.FindOne().SetProjection(bson.M{"messages.$": 1})
	err := m.Conversations.FindOne(ctx, bson.M{"_id": conversationID, "messages._id": messageID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewPersistenceError("failed to load message", err)
	}
	if len(doc.Messages) == 0 {
		return nil, nil
	}
	msg := doc.Messages[0].toModel(conversationID)
	return &msg, nil
}

func (m *MongoDB) EnsureConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error) {
	key := models.PairKey(userA, userB)
	pair := models.SortedPair(userA, userB)
	update := bson.M{
		"$setOnInsert": bson.M{
			"participants": pair[:],
			"messages":     bson.A{},
			"createdAt":    at,
			"updatedAt":    at,
		},
	}
	_, err := m.Conversations.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, utils.NewPersistenceError("failed to create conversation", err)
	}

	var doc ConversationDocument
	opts := options.FindOne().SetProjection(bson.M{"messages": 0})
	if err := m.Conversations.FindOne(ctx, bson.M{"_id": key}, opts).Decode(&doc); err != nil {
		return nil, utils.NewPersistenceError("failed to load conversation", err)
	}
	conv := doc.toModel()
	conv.Messages = nil
	return conv, nil
}

func (m *MongoDB) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var doc ConversationDocument
	err := m.Conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.NewConversationNotFoundError(conversationID)
	}
	if err != nil {
		return nil, utils.NewPersistenceError("failed to load conversation", err)
	}
	return doc.toModel(), nil
}

func (m *MongoDB) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if utils.IsErrorCode(err, utils.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (m *MongoDB) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	opts := options.Find().
		SetProjection(bson.M{"messages": 0}).
		SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cursor, err := m.Conversations.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to list conversations", err)
	}
	defer cursor.Close(ctx)

	conversations := make([]models.Conversation, 0)
	for cursor.Next(ctx) {
		var doc ConversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewPersistenceError("failed to decode conversation", err)
		}
		conv := doc.toModel()
		conv.Messages = nil
		conversations = append(conversations, *conv)
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewPersistenceError("failed to list conversations", err)
	}
	return conversations, nil
}

// MarkMessagesRead collects the unread ids from a snapshot of the log, then
// flips each one with an update that matches only while it is still unread.
// Only ids whose update modified the document are returned, so concurrent
// readers never both report the same message. Messages appended after the
// snapshot stay unread.
func (m *MongoDB) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, msg := range conv.Messages {
		if msg.ReceiverID == readerID && !msg.Read {
			candidates = append(candidates, msg.ID)
		}
	}

	update := bson.M{"$set": bson.M{
		"messages.$.read":   true,
		"messages.$.status": string(models.StatusRead),
		"messages.$.readAt": at,
	}}
	flipped := make([]string, 0, len(candidates))
	for _, id := range candidates {
		filter := bson.M{
			"_id":      conversationID,
			"messages": bson.M{"$elemMatch": bson.M{"_id": id, "read": false}},
		}
		result, err := m.Conversations.UpdateOne(ctx, filter, update)
		if err != nil {
			return nil, utils.NewPersistenceError("failed to mark messages read", err)
		}
		if result.ModifiedCount == 1 {
			flipped = append(flipped, id)
		}
	}
	return flipped, nil
}

func (m *MongoDB) MarkMessagesDelivered(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	update := bson.M{"$set": bson.M{"messages.$[m].status": string(models.StatusDelivered)}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"m._id": bson.M{"$in": messageIDs}, "m.status": string(models.StatusSent)}},
	})
	result, err := m.Conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, update, opts)
	if err != nil {
		return utils.NewPersistenceError("failed to mark messages delivered", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewConversationNotFoundError(conversationID)
	}
	return nil
}
