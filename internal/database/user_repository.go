// internal/database/user_repository.go
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

// UserDocument represents the MongoDB schema for a user. The projections are
// embedded sub-collections keyed by message id, contact user id and notification id.
type UserDocument struct {
	ID            string                 `bson:"_id"`
	Name          string                 `bson:"name"`
	Email         string                 `bson:"email"`
	Avatar        models.Avatar          `bson:"avatar"`
	CreatedAt     time.Time              `bson:"createdAt"`
	Chats         []string               `bson:"chats,omitempty"`
	ChatWith      []ContactDocument      `bson:"chatWith,omitempty"`
	Notifications []NotificationDocument `bson:"notifications,omitempty"`
	Messages      []InboxDocument        `bson:"messages,omitempty"`
}

type ContactDocument struct {
	UserID      string              `bson:"userId"`
	Name        string              `bson:"name"`
	Avatar      models.Avatar       `bson:"avatar"`
	LastMessage *models.LastMessage `bson:"lastMessage,omitempty"`
}

type NotificationDocument struct {
	ID           string        `bson:"_id"`
	Sender       string        `bson:"sender"`
	SenderName   string        `bson:"senderName"`
	SenderAvatar models.Avatar `bson:"senderAvatar"`
	Message      string        `bson:"message"`
	MessageID    string        `bson:"messageId"`
	ChatID       string        `bson:"chatId"`
	Read         bool          `bson:"read"`
	CreatedAt    time.Time     `bson:"createdAt"`
}

type InboxDocument struct {
	ID        string    `bson:"_id"`
	ChatID    string    `bson:"chatId"`
	Sender    string    `bson:"sender"`
	Receiver  string    `bson:"receiver"`
	Kind      string    `bson:"kind"`
	Text      string    `bson:"text"`
	MediaType string    `bson:"mediaType,omitempty"`
	MediaURL  string    `bson:"mediaUrl,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
	Read      bool      `bson:"read"`
	Status    string    `bson:"status"`
}

func (doc InboxDocument) toModel() models.InboxEntry {
	return models.InboxEntry{
		MessageID:      doc.ID,
		ConversationID: doc.ChatID,
		SenderID:       doc.Sender,
		ReceiverID:     doc.Receiver,
		Kind:           models.MessageKind(doc.Kind),
		Text:           doc.Text,
		MediaKind:      models.AttachmentKind(doc.MediaType),
		MediaURL:       doc.MediaURL,
		Timestamp:      doc.Timestamp,
		Read:           doc.Read,
		Status:         models.MessageStatus(doc.Status),
	}
}

func (doc NotificationDocument) toModel() models.Notification {
	return models.Notification{
		ID:             doc.ID,
		SenderID:       doc.Sender,
		SenderName:     doc.SenderName,
		SenderAvatar:   doc.SenderAvatar,
		ConversationID: doc.ChatID,
		MessageID:      doc.MessageID,
		Message:        doc.Message,
		Read:           doc.Read,
		CreatedAt:      doc.CreatedAt,
	}
}

// SaveUser creates or updates a user in MongoDB
func (m *MongoDB) SaveUser(ctx context.Context, user *models.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	filter := bson.M{"_id": user.ID}
	update := bson.M{
		"$set": bson.M{
			"name":   user.Name,
			"email":  user.Email,
			"avatar": user.Avatar,
		},
		"$setOnInsert": bson.M{"createdAt": createdAt},
	}
	_, err := m.Users.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return utils.NewPersistenceError("failed to save user", err)
	}
	return nil
}

// GetUser retrieves a user from MongoDB by their ID
func (m *MongoDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var doc UserDocument
	opts := options.FindOne().SetProjection(bson.M{"name": 1, "email": 1, "avatar": 1, "createdAt": 1})
	err := m.Users.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.NewUserNotFoundError(id)
	}
	if err != nil {
		return nil, utils.NewPersistenceError("failed to load user", err)
	}
	return &models.User{
		ID:        doc.ID,
		Name:      doc.Name,
		Email:     doc.Email,
		Avatar:    doc.Avatar,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// loadUser reads only the projected sub-collections of a user document.
func (m *MongoDB) loadUser(ctx context.Context, id string, fields ...string) (*UserDocument, error) {
	projection := bson.M{}
	for _, f := range fields {
		projection[f] = 1
	}
	var doc UserDocument
	err := m.Users.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.NewUserNotFoundError(id)
	}
	if err != nil {
		return nil, utils.NewPersistenceError("failed to load user", err)
	}
	return &doc, nil
}

func (m *MongoDB) userExists(ctx context.Context, id string) error {
	count, err := m.Users.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return utils.NewPersistenceError("failed to check user", err)
	}
	if count == 0 {
		return utils.NewUserNotFoundError(id)
	}
	return nil
}

// --- Contacts (chatWith) ---

func (m *MongoDB) UpdateContactSnapshot(ctx context.Context, ownerID, contactID string, snapshot models.LastMessage) (bool, error) {
	filter := bson.M{
		"_id": ownerID,
		"chatWith": bson.M{"$elemMatch": bson.M{
			"userId": contactID,
			"$or": bson.A{
				bson.M{"lastMessage": nil},
				bson.M{"lastMessage.timestamp": bson.M{"$lte": snapshot.Timestamp}},
			},
		}},
	}
	update := bson.M{"$set": bson.M{"chatWith.$.lastMessage": snapshot}}
	result, err := m.Users.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, utils.NewPersistenceError("failed to update contact snapshot", err)
	}
	if result.MatchedCount > 0 {
		return true, nil
	}

	// Not matched: either no entry, or the stored snapshot is newer.
	count, err := m.Users.CountDocuments(ctx, bson.M{"_id": ownerID, "chatWith.userId": contactID})
	if err != nil {
		return false, utils.NewPersistenceError("failed to check contact", err)
	}
	if count > 0 {
		return true, nil
	}
	return false, m.userExists(ctx, ownerID)
}

func (m *MongoDB) InsertContact(ctx context.Context, ownerID string, contact models.ContactSummary) (bool, error) {
	doc := ContactDocument{
		UserID:      contact.ContactID,
		Name:        contact.Name,
		Avatar:      contact.Avatar,
		LastMessage: contact.LastMessage,
	}
	filter := bson.M{"_id": ownerID, "chatWith.userId": bson.M{"$ne": contact.ContactID}}
	result, err := m.Users.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"chatWith": doc}})
	if err != nil {
		return false, utils.NewPersistenceError("failed to insert contact", err)
	}
	if result.MatchedCount > 0 {
		return true, nil
	}
	return false, m.userExists(ctx, ownerID)
}

func (m *MongoDB) UpdateContactDisplay(ctx context.Context, ownerID, contactID string, info models.DisplayInfo) (bool, error) {
	filter := bson.M{"_id": ownerID, "chatWith.userId": contactID}
	update := bson.M{"$set": bson.M{
		"chatWith.$.name":   info.Name,
		"chatWith.$.avatar": info.Avatar,
	}}
	result, err := m.Users.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, utils.NewPersistenceError("failed to update contact name", err)
	}
	return result.MatchedCount > 0, nil
}

func (m *MongoDB) MarkSnapshotsRead(ctx context.Context, ownerID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	update := bson.M{"$set": bson.M{"chatWith.$[c].lastMessage.read": true}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"c.lastMessage.messageId": bson.M{"$in": messageIDs}}},
	})
	if _, err := m.Users.UpdateOne(ctx, bson.M{"_id": ownerID}, update, opts); err != nil {
		return utils.NewPersistenceError("failed to mark contact snapshots read", err)
	}
	return nil
}

func (m *MongoDB) ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error) {
	doc, err := m.loadUser(ctx, ownerID, "chatWith", "messages")
	if err != nil {
		return nil, err
	}

	inbox := make([]models.InboxEntry, 0, len(doc.Messages))
	for _, entry := range doc.Messages {
		inbox = append(inbox, entry.toModel())
	}
	unread := unreadCounts(ownerID, inbox)

	contacts := make([]models.ContactSummary, 0, len(doc.ChatWith))
	for _, c := range doc.ChatWith {
		contacts = append(contacts, models.ContactSummary{
			ContactID:   c.UserID,
			Name:        c.Name,
			Avatar:      c.Avatar,
			LastMessage: c.LastMessage,
			UnreadCount: unread[c.UserID],
		})
	}
	sortContacts(contacts)
	return contacts, nil
}

// --- Inbox (messages) ---

func (m *MongoDB) AppendInbox(ctx context.Context, ownerID string, entry models.InboxEntry) error {
	doc := InboxDocument{
		ID:        entry.MessageID,
		ChatID:    entry.ConversationID,
		Sender:    entry.SenderID,
		Receiver:  entry.ReceiverID,
		Kind:      string(entry.Kind),
		Text:      entry.Text,
		MediaType: string(entry.MediaKind),
		MediaURL:  entry.MediaURL,
		Timestamp: entry.Timestamp,
		Read:      entry.Read,
		Status:    string(entry.Status),
	}
	filter := bson.M{"_id": ownerID, "messages._id": bson.M{"$ne": entry.MessageID}}
	update := bson.M{
		"$push":     bson.M{"messages": doc},
		"$addToSet": bson.M{"chats": entry.ConversationID},
	}
	result, err := m.Users.UpdateOne(ctx, filter, update)
	if err != nil {
		return utils.NewPersistenceError("failed to append inbox entry", err)
	}
	if result.MatchedCount == 0 {
		// Already present, unless the owner does not exist.
		return m.userExists(ctx, ownerID)
	}
	return nil
}

func (m *MongoDB) MarkInboxRead(ctx context.Context, ownerID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	update := bson.M{"$set": bson.M{
		"messages.$[e].read":   true,
		"messages.$[e].status": string(models.StatusRead),
	}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"e._id": bson.M{"$in": messageIDs}}},
	})
	if _, err := m.Users.UpdateOne(ctx, bson.M{"_id": ownerID}, update, opts); err != nil {
		return utils.NewPersistenceError("failed to mark inbox read", err)
	}
	return nil
}

func (m *MongoDB) ListInbox(ctx context.Context, ownerID string) ([]models.InboxEntry, error) {
	doc, err := m.loadUser(ctx, ownerID, "messages")
	if err != nil {
		return nil, err
	}
	inbox := make([]models.InboxEntry, 0, len(doc.Messages))
	for _, entry := range doc.Messages {
		inbox = append(inbox, entry.toModel())
	}
	return inbox, nil
}

// --- Notifications ---

func (m *MongoDB) AddNotification(ctx context.Context, ownerID string, notification models.Notification) error {
	doc := NotificationDocument{
		ID:           notification.ID,
		Sender:       notification.SenderID,
		SenderName:   notification.SenderName,
		SenderAvatar: notification.SenderAvatar,
		Message:      notification.Message,
		MessageID:    notification.MessageID,
		ChatID:       notification.ConversationID,
		Read:         notification.Read,
		CreatedAt:    notification.CreatedAt,
	}
	filter := bson.M{"_id": ownerID, "notifications._id": bson.M{"$ne": notification.ID}}
	result, err := m.Users.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"notifications": doc}})
	if err != nil {
		return utils.NewPersistenceError("failed to add notification", err)
	}
	if result.MatchedCount == 0 {
		return m.userExists(ctx, ownerID)
	}
	return nil
}

func (m *MongoDB) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool) ([]models.Notification, error) {
	doc, err := m.loadUser(ctx, ownerID, "notifications")
	if err != nil {
		return nil, err
	}
	notifications := make([]models.Notification, 0, len(doc.Notifications))
	for _, n := range doc.Notifications {
		if unreadOnly && n.Read {
			continue
		}
		notifications = append(notifications, n.toModel())
	}
	sortNotifications(notifications)
	return notifications, nil
}

// MarkNotificationsRead returns how many of the named notifications were unread
// when the call started.
func (m *MongoDB) MarkNotificationsRead(ctx context.Context, ownerID string, notificationIDs []string) (int, error) {
	if len(notificationIDs) == 0 {
		return 0, nil
	}
	doc, err := m.loadUser(ctx, ownerID, "notifications")
	if err != nil {
		return 0, err
	}
	ids := idSet(notificationIDs)
	unread := 0
	for _, n := range doc.Notifications {
		if ids[n.ID] && !n.Read {
			unread++
		}
	}
	if unread == 0 {
		return 0, nil
	}

	update := bson.M{"$set": bson.M{"notifications.$[n].read": true}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"n._id": bson.M{"$in": notificationIDs}}},
	})
	if _, err := m.Users.UpdateOne(ctx, bson.M{"_id": ownerID}, update, opts); err != nil {
		return 0, utils.NewPersistenceError("failed to mark notifications read", err)
	}
	return unread, nil
}

func (m *MongoDB) DeleteNotification(ctx context.Context, ownerID, notificationID string) error {
	filter := bson.M{"_id": ownerID, "notifications._id": notificationID}
	update := bson.M{"$pull": bson.M{"notifications": bson.M{"_id": notificationID}}}
	result, err := m.Users.UpdateOne(ctx, filter, update)
	if err != nil {
		return utils.NewPersistenceError("failed to delete notification", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewAppError(utils.ErrNotFound, "Notification not found: "+notificationID, nil)
	}
	return nil
}

func (m *MongoDB) ClearNotifications(ctx context.Context, ownerID string) (int, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"notifications": 1})
	var before UserDocument
	err := m.Users.FindOneAndUpdate(ctx, bson.M{"_id": ownerID}, bson.M{"$set": bson.M{"notifications": bson.A{}}}, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, utils.NewUserNotFoundError(ownerID)
	}
	if err != nil {
		return 0, utils.NewPersistenceError("failed to clear notifications", err)
	}
	return len(before.Notifications), nil
}
