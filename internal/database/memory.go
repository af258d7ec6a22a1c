package database

import (
	"context"
	"sync"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"
)

// MemoryDB keeps everything in process memory. It backs tests and single-node
// development runs; state does not survive a restart.
type MemoryDB struct {
	mu            sync.Mutex
	users         map[string]*memoryUser
	conversations map[string]*memoryConversation
}

type memoryConversation struct {
	mu    sync.Mutex
	conv  models.Conversation
	index map[string]int // message id -> position in conv.Messages
}

type memoryUser struct {
	mu            sync.Mutex
	user          models.User
	inbox         []models.InboxEntry
	inboxIndex    map[string]int
	contacts      map[string]*models.ContactSummary
	notifications []models.Notification
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:         make(map[string]*memoryUser),
		conversations: make(map[string]*memoryConversation),
	}
}

func (m *MemoryDB) Close(ctx context.Context) error {
	return nil
}

// --- Users ---

func (m *MemoryDB) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[user.ID]; ok {
		existing.mu.Lock()
		existing.user = *user
		existing.mu.Unlock()
		return nil
	}
	m.users[user.ID] = &memoryUser{
		user:       *user,
		inboxIndex: make(map[string]int),
		contacts:   make(map[string]*models.ContactSummary),
	}
	return nil
}

func (m *MemoryDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := m.user(id)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	user := u.user
	return &user, nil
}

func (m *MemoryDB) user(id string) (*memoryUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, utils.NewUserNotFoundError(id)
	}
	return u, nil
}

// --- Conversations ---

// conversation returns the record for id, creating it under the store lock when
// create is set so that concurrent first contacts converge on one record.
func (m *MemoryDB) conversation(id string, pair [2]string, at time.Time, create bool) *memoryConversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok && create {
		c = &memoryConversation{
			conv: models.Conversation{
				ID:           id,
				Participants: pair,
				Messages:     make([]models.Message, 0),
				CreatedAt:    at,
				LastActivity: at,
			},
			index: make(map[string]int),
		}
		m.conversations[id] = c
	}
	return c
}

func (m *MemoryDB) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	pair := models.SortedPair(msg.SenderID, msg.ReceiverID)
	c := m.conversation(msg.ConversationID, pair, msg.CreatedAt, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if pos, exists := c.index[msg.ID]; exists {
		stored := copyMessage(c.conv.Messages[pos])
		return &stored, nil
	}
	stored := copyMessage(*msg)
	c.index[stored.ID] = len(c.conv.Messages)
	c.conv.Messages = append(c.conv.Messages, stored)
	if stored.CreatedAt.After(c.conv.LastActivity) {
		c.conv.LastActivity = stored.CreatedAt
	}
	result := copyMessage(stored)
	return &result, nil
}

func (m *MemoryDB) EnsureConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error) {
	c := m.conversation(models.PairKey(userA, userB), models.SortedPair(userA, userB), at, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.conv
	conv.Messages = nil
	return &conv, nil
}

func (m *MemoryDB) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	c := m.conversation(conversationID, [2]string{}, time.Time{}, false)
	if c == nil {
		return nil, utils.NewConversationNotFoundError(conversationID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.conv
	conv.Messages = copyMessages(c.conv.Messages)
	return &conv, nil
}

func (m *MemoryDB) FindMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	c := m.conversation(conversationID, [2]string{}, time.Time{}, false)
	if c == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.index[messageID]
	if !ok {
		return nil, nil
	}
	stored := copyMessage(c.conv.Messages[pos])
	return &stored, nil
}

func (m *MemoryDB) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	c := m.conversation(conversationID, [2]string{}, time.Time{}, false)
	if c == nil {
		return []models.Message{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMessages(c.conv.Messages), nil
}

func (m *MemoryDB) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	m.mu.Lock()
	records := make([]*memoryConversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		records = append(records, c)
	}
	m.mu.Unlock()

	conversations := make([]models.Conversation, 0)
	for _, c := range records {
		c.mu.Lock()
		if c.conv.HasParticipant(userID) {
			conv := c.conv
			conv.Messages = nil
			conversations = append(conversations, conv)
		}
		c.mu.Unlock()
	}
	sortConversations(conversations)
	return conversations, nil
}

func (m *MemoryDB) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	c := m.conversation(conversationID, [2]string{}, time.Time{}, false)
	if c == nil {
		return nil, utils.NewConversationNotFoundError(conversationID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var flipped []string
	for i := range c.conv.Messages {
		msg := &c.conv.Messages[i]
		if msg.ReceiverID != readerID || msg.Read {
			continue
		}
		readAt := at
		msg.Read = true
		msg.Status = models.StatusRead
		msg.ReadAt = &readAt
		flipped = append(flipped, msg.ID)
	}
	return flipped, nil
}

func (m *MemoryDB) MarkMessagesDelivered(ctx context.Context, conversationID string, messageIDs []string) error {
	c := m.conversation(conversationID, [2]string{}, time.Time{}, false)
	if c == nil {
		return utils.NewConversationNotFoundError(conversationID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range messageIDs {
		pos, ok := c.index[id]
		if !ok {
			continue
		}
		msg := &c.conv.Messages[pos]
		if msg.Status.Advances(models.StatusDelivered) {
			msg.Status = models.StatusDelivered
		}
	}
	return nil
}

// --- Contacts ---

func (m *MemoryDB) UpdateContactSnapshot(ctx context.Context, ownerID, contactID string, snapshot models.LastMessage) (bool, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	contact, ok := u.contacts[contactID]
	if !ok {
		return false, nil
	}
	if snapshotIsNewer(contact.LastMessage, snapshot) {
		snap := snapshot
		contact.LastMessage = &snap
	}
	return true, nil
}

func (m *MemoryDB) InsertContact(ctx context.Context, ownerID string, contact models.ContactSummary) (bool, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.contacts[contact.ContactID]; ok {
		return false, nil
	}
	entry := contact
	if contact.LastMessage != nil {
		snap := *contact.LastMessage
		entry.LastMessage = &snap
	}
	u.contacts[contact.ContactID] = &entry
	return true, nil
}

func (m *MemoryDB) UpdateContactDisplay(ctx context.Context, ownerID, contactID string, info models.DisplayInfo) (bool, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	contact, ok := u.contacts[contactID]
	if !ok {
		return false, nil
	}
	contact.Name = info.Name
	contact.Avatar = info.Avatar
	return true, nil
}

func (m *MemoryDB) MarkSnapshotsRead(ctx context.Context, ownerID string, messageIDs []string) error {
	u, err := m.user(ownerID)
	if err != nil {
		return err
	}
	ids := idSet(messageIDs)
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, contact := range u.contacts {
		if contact.LastMessage != nil && ids[contact.LastMessage.MessageID] {
			contact.LastMessage.Read = true
		}
	}
	return nil
}

func (m *MemoryDB) ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	unread := unreadCounts(ownerID, u.inbox)
	contacts := make([]models.ContactSummary, 0, len(u.contacts))
	for _, c := range u.contacts {
		entry := *c
		if c.LastMessage != nil {
			snap := *c.LastMessage
			entry.LastMessage = &snap
		}
		entry.UnreadCount = unread[c.ContactID]
		contacts = append(contacts, entry)
	}
	sortContacts(contacts)
	return contacts, nil
}

// --- Inbox ---

func (m *MemoryDB) AppendInbox(ctx context.Context, ownerID string, entry models.InboxEntry) error {
	u, err := m.user(ownerID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.inboxIndex[entry.MessageID]; exists {
		return nil
	}
	u.inboxIndex[entry.MessageID] = len(u.inbox)
	u.inbox = append(u.inbox, entry)
	return nil
}

func (m *MemoryDB) MarkInboxRead(ctx context.Context, ownerID string, messageIDs []string) error {
	u, err := m.user(ownerID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, id := range messageIDs {
		if pos, ok := u.inboxIndex[id]; ok {
			u.inbox[pos].Read = true
			u.inbox[pos].Status = models.StatusRead
		}
	}
	return nil
}

func (m *MemoryDB) ListInbox(ctx context.Context, ownerID string) ([]models.InboxEntry, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	inbox := make([]models.InboxEntry, len(u.inbox))
	copy(inbox, u.inbox)
	return inbox, nil
}

// --- Notifications ---

func (m *MemoryDB) AddNotification(ctx context.Context, ownerID string, notification models.Notification) error {
	u, err := m.user(ownerID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, existing := range u.notifications {
		if existing.ID == notification.ID {
			return nil
		}
	}
	u.notifications = append(u.notifications, notification)
	return nil
}

func (m *MemoryDB) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool) ([]models.Notification, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	notifications := make([]models.Notification, 0, len(u.notifications))
	for _, n := range u.notifications {
		if unreadOnly && n.Read {
			continue
		}
		notifications = append(notifications, n)
	}
	sortNotifications(notifications)
	return notifications, nil
}

func (m *MemoryDB) MarkNotificationsRead(ctx context.Context, ownerID string, notificationIDs []string) (int, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return 0, err
	}
	ids := idSet(notificationIDs)
	u.mu.Lock()
	defer u.mu.Unlock()

	updated := 0
	for i := range u.notifications {
		if ids[u.notifications[i].ID] && !u.notifications[i].Read {
			u.notifications[i].Read = true
			updated++
		}
	}
	return updated, nil
}

func (m *MemoryDB) DeleteNotification(ctx context.Context, ownerID, notificationID string) error {
	u, err := m.user(ownerID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	for i, n := range u.notifications {
		if n.ID == notificationID {
			u.notifications = append(u.notifications[:i], u.notifications[i+1:]...)
			return nil
		}
	}
	return utils.NewAppError(utils.ErrNotFound, "Notification not found: "+notificationID, nil)
}

func (m *MemoryDB) ClearNotifications(ctx context.Context, ownerID string) (int, error) {
	u, err := m.user(ownerID)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	cleared := len(u.notifications)
	u.notifications = nil
	return cleared, nil
}

func copyMessage(msg models.Message) models.Message {
	if msg.Attachment != nil {
		attachment := *msg.Attachment
		msg.Attachment = &attachment
	}
	if msg.ReadAt != nil {
		readAt := *msg.ReadAt
		msg.ReadAt = &readAt
	}
	return msg
}

func copyMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, msg := range messages {
		out[i] = copyMessage(msg)
	}
	return out
}
