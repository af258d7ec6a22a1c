package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gator-chat/internal/models"
)

// DBAdapter is the storage boundary of the chat core. Every backend keeps the
// conversation log canonical and the per-user projections idempotent: inbox
// entries are keyed by message id, contacts by contact id, notifications by
// notification id.
type DBAdapter interface {
	// Connection
	Close(ctx context.Context) error

	// User methods
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	// Conversation methods

	// AppendMessage finds or creates the conversation msg.ConversationID for the
	// pair {SenderID, ReceiverID} and appends msg in one atomic write. Appending
	// an id already present returns the stored message unchanged.
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	EnsureConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	// FindMessage returns one message of the log, or nil if it is not there.
	FindMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error)
	// GetMessages returns the log oldest first, or an empty slice if the conversation does not exist.
	GetMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	// MarkMessagesRead flips unread messages addressed to readerID and returns the ids it flipped.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error)
	// MarkMessagesDelivered moves the given messages from sent to delivered; other statuses are left alone.
	MarkMessagesDelivered(ctx context.Context, conversationID string, messageIDs []string) error

	// Contact summary methods

	// UpdateContactSnapshot overwrites the last-message snapshot of an existing
	// entry unless the stored snapshot is newer. It reports whether the entry exists.
	UpdateContactSnapshot(ctx context.Context, ownerID, contactID string, snapshot models.LastMessage) (bool, error)
	// InsertContact adds the entry if no entry for the contact exists and reports whether it did.
	InsertContact(ctx context.Context, ownerID string, contact models.ContactSummary) (bool, error)
	UpdateContactDisplay(ctx context.Context, ownerID, contactID string, info models.DisplayInfo) (bool, error)
	MarkSnapshotsRead(ctx context.Context, ownerID string, messageIDs []string) error
	// ListContacts returns the owner's contacts, most recent message first, with unread counts.
	ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error)

	// Inbox methods
	AppendInbox(ctx context.Context, ownerID string, entry models.InboxEntry) error
	MarkInboxRead(ctx context.Context, ownerID string, messageIDs []string) error
	ListInbox(ctx context.Context, ownerID string) ([]models.InboxEntry, error)

	// Notification methods
	AddNotification(ctx context.Context, ownerID string, notification models.Notification) error
	ListNotifications(ctx context.Context, ownerID string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationsRead(ctx context.Context, ownerID string, notificationIDs []string) (int, error)
	DeleteNotification(ctx context.Context, ownerID, notificationID string) error
	ClearNotifications(ctx context.Context, ownerID string) (int, error)
}

// Supported backend types.
const (
	TypeMongo    = "mongo"
	TypePostgres = "postgres"
	TypeMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Type          string
	MongoURI      string
	MongoDatabase string
	PostgresURI   string
}

// Open connects the configured backend. Postgres tables are created if missing.
func Open(ctx context.Context, opts Options) (DBAdapter, error) {
	switch strings.ToLower(opts.Type) {
	case TypeMongo:
		return NewMongoDB(ctx, opts.MongoURI, opts.MongoDatabase)
	case TypePostgres:
		db, err := NewPostgresDB(opts.PostgresURI)
		if err != nil {
			return nil, err
		}
		if err := db.InitializeTables(ctx); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return db, nil
	case TypeMemory, "":
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}
}

// snapshotIsNewer reports whether next may replace current as a contact's last message.
func snapshotIsNewer(current *models.LastMessage, next models.LastMessage) bool {
	return current == nil || !next.Timestamp.Before(current.Timestamp)
}

// unreadCounts counts unread inbox entries addressed to ownerID, per sender.
func unreadCounts(ownerID string, inbox []models.InboxEntry) map[string]int {
	counts := make(map[string]int)
	for _, entry := range inbox {
		if entry.ReceiverID == ownerID && !entry.Read {
			counts[entry.SenderID]++
		}
	}
	return counts
}

func sortContacts(contacts []models.ContactSummary) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return lastActivity(contacts[i]).After(lastActivity(contacts[j]))
	})
}

func lastActivity(contact models.ContactSummary) time.Time {
	if contact.LastMessage == nil {
		return time.Time{}
	}
	return contact.LastMessage.Timestamp
}

func sortNotifications(notifications []models.Notification) {
	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
}

func sortConversations(conversations []models.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastActivity.After(conversations[j].LastActivity)
	})
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
