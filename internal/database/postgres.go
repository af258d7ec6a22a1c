// internal/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresDB represents a PostgreSQL database connection
type PostgresDB struct {
	DB *sqlx.DB
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string) (*PostgresDB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	slog.Info("connected to PostgreSQL")
	return &PostgresDB{DB: db}, nil
}

// Close closes the database connection
func (p *PostgresDB) Close(ctx context.Context) error {
	slog.Info("closing PostgreSQL connection")
	return p.DB.Close()
}

// InitializeTables creates all necessary tables if they don't exist
func (p *PostgresDB) InitializeTables(ctx context.Context) error {
	statements := []struct {
		name string
		ddl  string
	}{
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT '',
				avatar_public_id TEXT NOT NULL DEFAULT '',
				avatar_url TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)`},
		{"conversations", `
			CREATE TABLE IF NOT EXISTS conversations (
				pair_key TEXT PRIMARY KEY,
				participant_a TEXT NOT NULL,
				participant_b TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			)`},
		{"messages", `
			CREATE TABLE IF NOT EXISTS messages (
				seq BIGSERIAL,
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(pair_key),
				sender_id TEXT NOT NULL,
				receiver_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				attachment JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status TEXT NOT NULL,
				read BOOLEAN NOT NULL DEFAULT FALSE,
				read_at TIMESTAMP WITH TIME ZONE
			)`},
		{"inbox_entries", `
			CREATE TABLE IF NOT EXISTS inbox_entries (
				owner_id TEXT NOT NULL REFERENCES users(id),
				message_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				sender_id TEXT NOT NULL,
				receiver_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				text TEXT NOT NULL DEFAULT '',
				media_kind TEXT NOT NULL DEFAULT '',
				media_url TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				read BOOLEAN NOT NULL DEFAULT FALSE,
				status TEXT NOT NULL,
				PRIMARY KEY (owner_id, message_id)
			)`},
		{"contacts", `
			CREATE TABLE IF NOT EXISTS contacts (
				owner_id TEXT NOT NULL REFERENCES users(id),
				contact_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				avatar_public_id TEXT NOT NULL DEFAULT '',
				avatar_url TEXT NOT NULL DEFAULT '',
				last_message_id TEXT,
				last_message_text TEXT,
				last_message_at TIMESTAMP WITH TIME ZONE,
				last_message_read BOOLEAN,
				PRIMARY KEY (owner_id, contact_id)
			)`},
		{"notifications", `
			CREATE TABLE IF NOT EXISTS notifications (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL REFERENCES users(id),
				sender_id TEXT NOT NULL,
				sender_name TEXT NOT NULL DEFAULT '',
				sender_avatar_public_id TEXT NOT NULL DEFAULT '',
				sender_avatar_url TEXT NOT NULL DEFAULT '',
				conversation_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				read BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (owner_id, message_id)
			)`},
		{"conversation index", `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq)`},
	}

	for _, stmt := range statements {
		if _, err := p.DB.ExecContext(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", stmt.name, err)
		}
	}
	return nil
}

// --- Row types ---

type userRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Email          string    `db:"email"`
	AvatarPublicID string    `db:"avatar_public_id"`
	AvatarURL      string    `db:"avatar_url"`
	CreatedAt      time.Time `db:"created_at"`
}

type conversationRow struct {
	PairKey      string    `db:"pair_key"`
	ParticipantA string    `db:"participant_a"`
	ParticipantB string    `db:"participant_b"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r conversationRow) toModel() models.Conversation {
	return models.Conversation{
		ID:           r.PairKey,
		Participants: models.SortedPair(r.ParticipantA, r.ParticipantB),
		CreatedAt:    r.CreatedAt,
		LastActivity: r.UpdatedAt,
	}
}

type messageRow struct {
	ID             string       `db:"id"`
	ConversationID string       `db:"conversation_id"`
	SenderID       string       `db:"sender_id"`
	ReceiverID     string       `db:"receiver_id"`
	Kind           string       `db:"kind"`
	Body           string       `db:"body"`
	Attachment     []byte       `db:"attachment"`
	CreatedAt      time.Time    `db:"created_at"`
	Status         string       `db:"status"`
	Read           bool         `db:"read"`
	ReadAt         sql.NullTime `db:"read_at"`
}

func (r messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Kind:           models.MessageKind(r.Kind),
		Body:           r.Body,
		CreatedAt:      r.CreatedAt,
		Status:         models.MessageStatus(r.Status),
		Read:           r.Read,
	}
	if len(r.Attachment) > 0 {
		var attachment models.Attachment
		if err := json.Unmarshal(r.Attachment, &attachment); err != nil {
			return msg, fmt.Errorf("decode attachment of message %s: %w", r.ID, err)
		}
		msg.Attachment = &attachment
	}
	if r.ReadAt.Valid {
		readAt := r.ReadAt.Time
		msg.ReadAt = &readAt
	}
	return msg, nil
}

type contactRow struct {
	ContactID       string         `db:"contact_id"`
	Name            string         `db:"name"`
	AvatarPublicID  string         `db:"avatar_public_id"`
	AvatarURL       string         `db:"avatar_url"`
	LastMessageID   sql.NullString `db:"last_message_id"`
	LastMessageText sql.NullString `db:"last_message_text"`
	LastMessageAt   sql.NullTime   `db:"last_message_at"`
	LastMessageRead sql.NullBool   `db:"last_message_read"`
}

type inboxRow struct {
	MessageID      string    `db:"message_id"`
	ConversationID string    `db:"conversation_id"`
	SenderID       string    `db:"sender_id"`
	ReceiverID     string    `db:"receiver_id"`
	Kind           string    `db:"kind"`
	Text           string    `db:"text"`
	MediaKind      string    `db:"media_kind"`
	MediaURL       string    `db:"media_url"`
	CreatedAt      time.Time `db:"created_at"`
	Read           bool      `db:"read"`
	Status         string    `db:"status"`
}

type notificationRow struct {
	ID                   string    `db:"id"`
	SenderID             string    `db:"sender_id"`
	SenderName           string    `db:"sender_name"`
	SenderAvatarPublicID string    `db:"sender_avatar_public_id"`
	SenderAvatarURL      string    `db:"sender_avatar_url"`
	ConversationID       string    `db:"conversation_id"`
	MessageID            string    `db:"message_id"`
	Message              string    `db:"message"`
	Read                 bool      `db:"read"`
	CreatedAt            time.Time `db:"created_at"`
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, kind, body, attachment, created_at, status, read, read_at`

// --- User Methods ---

// SaveUser inserts the user or refreshes its profile fields.
func (p *PostgresDB) SaveUser(ctx context.Context, user *models.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (id, name, email, avatar_public_id, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email,
			avatar_public_id = EXCLUDED.avatar_public_id, avatar_url = EXCLUDED.avatar_url
	`
	_, err := p.DB.ExecContext(ctx, query,
		user.ID, user.Name, user.Email, user.Avatar.PublicID, user.Avatar.URL, createdAt)
	if err != nil {
		return utils.NewPersistenceError("failed to save user", err)
	}
	return nil
}

// GetUser fetches a user by their ID.
func (p *PostgresDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var row userRow
	err := p.DB.GetContext(ctx, &row, `SELECT id, name, email, avatar_public_id, avatar_url, created_at FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewUserNotFoundError(id)
		}
		return nil, utils.NewPersistenceError("failed to query user by id", err)
	}
	return &models.User{
		ID:        row.ID,
		Name:      row.Name,
		Email:     row.Email,
		Avatar:    models.Avatar{PublicID: row.AvatarPublicID, URL: row.AvatarURL},
		CreatedAt: row.CreatedAt,
	}, nil
}

func (p *PostgresDB) userExists(ctx context.Context, id string) error {
	var exists bool
	if err := p.DB.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id); err != nil {
		return utils.NewPersistenceError("failed to check user", err)
	}
	if !exists {
		return utils.NewUserNotFoundError(id)
	}
	return nil
}

// ownerError maps a foreign key violation on owner_id to NotFound.
func ownerError(err error, ownerID, message string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return utils.NewUserNotFoundError(ownerID)
	}
	return utils.NewPersistenceError(message, err)
}

// --- Conversation Methods ---

// AppendMessage creates the conversation row if needed, inserts the message and
// bumps updated_at inside one transaction.
func (p *PostgresDB) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	var attachment []byte
	if msg.Attachment != nil {
		encoded, err := json.Marshal(msg.Attachment)
		if err != nil {
			return nil, utils.NewPersistenceError("failed to encode attachment", err)
		}
		attachment = encoded
	}
	pair := models.SortedPair(msg.SenderID, msg.ReceiverID)

	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to begin transaction", err)
	}
	defer tx.Rollback() // Rollback is ignored if tx is committed.

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (pair_key, participant_a, participant_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (pair_key) DO NOTHING
	`, msg.ConversationID, pair[0], pair[1], msg.CreatedAt)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to create conversation", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, string(msg.Kind), msg.Body,
		attachment, msg.CreatedAt, string(msg.Status), msg.Read, msg.ReadAt)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to append message", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, utils.NewPersistenceError("failed to get rows affected after insert", err)
	}

	if inserted == 0 {
		// The id is already in the log; hand back the stored copy. Ids are
		// global here, so one taken by another conversation is a conflict.
		var row messageRow
		err := tx.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1 AND conversation_id = $2`, msg.ID, msg.ConversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrConflict, "Message ID already used: "+msg.ID, nil)
		}
		if err != nil {
			return nil, utils.NewPersistenceError("failed to load existing message", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, utils.NewPersistenceError("failed to commit append transaction", err)
		}
		stored, err := row.toModel()
		if err != nil {
			return nil, utils.NewPersistenceError("failed to decode message", err)
		}
		return &stored, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE pair_key = $1
	`, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to update conversation activity", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.NewPersistenceError("failed to commit append transaction", err)
	}
	stored := *msg
	return &stored, nil
}

func (p *PostgresDB) EnsureConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error) {
	key := models.PairKey(userA, userB)
	pair := models.SortedPair(userA, userB)
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO conversations (pair_key, participant_a, participant_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (pair_key) DO NOTHING
	`, key, pair[0], pair[1], at)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to create conversation", err)
	}

	var row conversationRow
	if err := p.DB.GetContext(ctx, &row, `SELECT * FROM conversations WHERE pair_key = $1`, key); err != nil {
		return nil, utils.NewPersistenceError("failed to load conversation", err)
	}
	conv := row.toModel()
	return &conv, nil
}

func (p *PostgresDB) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var row conversationRow
	err := p.DB.GetContext(ctx, &row, `SELECT * FROM conversations WHERE pair_key = $1`, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewConversationNotFoundError(conversationID)
		}
		return nil, utils.NewPersistenceError("failed to load conversation", err)
	}
	messages, err := p.loadMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv := row.toModel()
	conv.Messages = messages
	return &conv, nil
}

func (p *PostgresDB) FindMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	var row messageRow
	err := p.DB.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1 AND conversation_id = $2`, messageID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewPersistenceError("failed to load message", err)
	}
	msg, err := row.toModel()
	if err != nil {
		return nil, utils.NewPersistenceError("failed to decode message", err)
	}
	return &msg, nil
}

func (p *PostgresDB) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return p.loadMessages(ctx, conversationID)
}

func (p *PostgresDB) loadMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows := []messageRow{}
	err := p.DB.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to query messages", err)
	}
	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, utils.NewPersistenceError("failed to decode message", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (p *PostgresDB) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows := []conversationRow{}
	err := p.DB.SelectContext(ctx, &rows, `
		SELECT * FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to list conversations", err)
	}
	conversations := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, row.toModel())
	}
	return conversations, nil
}

func (p *PostgresDB) conversationExists(ctx context.Context, conversationID string) error {
	var exists bool
	err := p.DB.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM conversations WHERE pair_key = $1)`, conversationID)
	if err != nil {
		return utils.NewPersistenceError("failed to check conversation", err)
	}
	if !exists {
		return utils.NewConversationNotFoundError(conversationID)
	}
	return nil
}

func (p *PostgresDB) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	if err := p.conversationExists(ctx, conversationID); err != nil {
		return nil, err
	}
	var ids []string
	err := p.DB.SelectContext(ctx, &ids, `
		UPDATE messages SET read = TRUE, status = $3, read_at = $4
		WHERE conversation_id = $1 AND receiver_id = $2 AND NOT read
		RETURNING id
	`, conversationID, readerID, string(models.StatusRead), at)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to mark messages read", err)
	}
	return ids, nil
}

func (p *PostgresDB) MarkMessagesDelivered(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	result, err := p.DB.ExecContext(ctx, `
		UPDATE messages SET status = $3
		WHERE conversation_id = $1 AND id = ANY($2) AND status = $4
	`, conversationID, pq.Array(messageIDs), string(models.StatusDelivered), string(models.StatusSent))
	if err != nil {
		return utils.NewPersistenceError("failed to mark messages delivered", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return p.conversationExists(ctx, conversationID)
	}
	return nil
}

// --- Contact Methods ---

func (p *PostgresDB) UpdateContactSnapshot(ctx context.Context, ownerID, contactID string, snapshot models.LastMessage) (bool, error) {
	result, err := p.DB.ExecContext(ctx, `
		UPDATE contacts
		SET last_message_id = $3, last_message_text = $4, last_message_at = $5, last_message_read = $6
		WHERE owner_id = $1 AND contact_id = $2
			AND (last_message_at IS NULL OR last_message_at <= $5)
	`, ownerID, contactID, snapshot.MessageID, snapshot.Text, snapshot.Timestamp, snapshot.Read)
	if err != nil {
		return false, utils.NewPersistenceError("failed to update contact snapshot", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.NewPersistenceError("failed to get rows affected after update", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	err = p.DB.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM contacts WHERE owner_id = $1 AND contact_id = $2)`, ownerID, contactID)
	if err != nil {
		return false, utils.NewPersistenceError("failed to check contact", err)
	}
	if exists {
		return true, nil
	}
	return false, p.userExists(ctx, ownerID)
}

func (p *PostgresDB) InsertContact(ctx context.Context, ownerID string, contact models.ContactSummary) (bool, error) {
	var lastID, lastText sql.NullString
	var lastAt sql.NullTime
	var lastRead sql.NullBool
	if lm := contact.LastMessage; lm != nil {
		lastID = sql.NullString{String: lm.MessageID, Valid: true}
		lastText = sql.NullString{String: lm.Text, Valid: true}
		lastAt = sql.NullTime{Time: lm.Timestamp, Valid: true}
		lastRead = sql.NullBool{Bool: lm.Read, Valid: true}
	}
	result, err := p.DB.ExecContext(ctx, `
		INSERT INTO contacts (owner_id, contact_id, name, avatar_public_id, avatar_url,
			last_message_id, last_message_text, last_message_at, last_message_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, contact_id) DO NOTHING
	`, ownerID, contact.ContactID, contact.Name, contact.Avatar.PublicID, contact.Avatar.URL,
		lastID, lastText, lastAt, lastRead)
	if err != nil {
		return false, ownerError(err, ownerID, "failed to insert contact")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.NewPersistenceError("failed to get rows affected after insert", err)
	}
	return affected > 0, nil
}

func (p *PostgresDB) UpdateContactDisplay(ctx context.Context, ownerID, contactID string, info models.DisplayInfo) (bool, error) {
	result, err := p.DB.ExecContext(ctx, `
		UPDATE contacts SET name = $3, avatar_public_id = $4, avatar_url = $5
		WHERE owner_id = $1 AND contact_id = $2
	`, ownerID, contactID, info.Name, info.Avatar.PublicID, info.Avatar.URL)
	if err != nil {
		return false, utils.NewPersistenceError("failed to update contact name", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.NewPersistenceError("failed to get rows affected after update", err)
	}
	return affected > 0, nil
}

func (p *PostgresDB) MarkSnapshotsRead(ctx context.Context, ownerID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx, `
		UPDATE contacts SET last_message_read = TRUE
		WHERE owner_id = $1 AND last_message_id = ANY($2)
	`, ownerID, pq.Array(messageIDs))
	if err != nil {
		return utils.NewPersistenceError("failed to mark contact snapshots read", err)
	}
	return nil
}

func (p *PostgresDB) ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error) {
	if err := p.userExists(ctx, ownerID); err != nil {
		return nil, err
	}

	rows := []contactRow{}
	err := p.DB.SelectContext(ctx, &rows, `
		SELECT contact_id, name, avatar_public_id, avatar_url,
			last_message_id, last_message_text, last_message_at, last_message_read
		FROM contacts WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to list contacts", err)
	}

	var counts []struct {
		SenderID string `db:"sender_id"`
		Unread   int    `db:"unread"`
	}
	err = p.DB.SelectContext(ctx, &counts, `
		SELECT sender_id, COUNT(*) AS unread FROM inbox_entries
		WHERE owner_id = $1 AND receiver_id = $1 AND NOT read
		GROUP BY sender_id
	`, ownerID)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to count unread messages", err)
	}
	unread := make(map[string]int, len(counts))
	for _, c := range counts {
		unread[c.SenderID] = c.Unread
	}

	contacts := make([]models.ContactSummary, 0, len(rows))
	for _, row := range rows {
		contact := models.ContactSummary{
			ContactID:   row.ContactID,
			Name:        row.Name,
			Avatar:      models.Avatar{PublicID: row.AvatarPublicID, URL: row.AvatarURL},
			UnreadCount: unread[row.ContactID],
		}
		if row.LastMessageID.Valid {
			contact.LastMessage = &models.LastMessage{
				MessageID: row.LastMessageID.String,
				Text:      row.LastMessageText.String,
				Timestamp: row.LastMessageAt.Time,
				Read:      row.LastMessageRead.Bool,
			}
		}
		contacts = append(contacts, contact)
	}
	sortContacts(contacts)
	return contacts, nil
}

// --- Inbox Methods ---

func (p *PostgresDB) AppendInbox(ctx context.Context, ownerID string, entry models.InboxEntry) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO inbox_entries (owner_id, message_id, conversation_id, sender_id, receiver_id,
			kind, text, media_kind, media_url, created_at, read, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (owner_id, message_id) DO NOTHING
	`, ownerID, entry.MessageID, entry.ConversationID, entry.SenderID, entry.ReceiverID,
		string(entry.Kind), entry.Text, string(entry.MediaKind), entry.MediaURL,
		entry.Timestamp, entry.Read, string(entry.Status))
	if err != nil {
		return ownerError(err, ownerID, "failed to append inbox entry")
	}
	return nil
}

func (p *PostgresDB) MarkInboxRead(ctx context.Context, ownerID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx, `
		UPDATE inbox_entries SET read = TRUE, status = $3
		WHERE owner_id = $1 AND message_id = ANY($2)
	`, ownerID, pq.Array(messageIDs), string(models.StatusRead))
	if err != nil {
		return utils.NewPersistenceError("failed to mark inbox read", err)
	}
	return nil
}

func (p *PostgresDB) ListInbox(ctx context.Context, ownerID string) ([]models.InboxEntry, error) {
	if err := p.userExists(ctx, ownerID); err != nil {
		return nil, err
	}
	rows := []inboxRow{}
	err := p.DB.SelectContext(ctx, &rows, `
		SELECT message_id, conversation_id, sender_id, receiver_id, kind, text,
			media_kind, media_url, created_at, read, status
		FROM inbox_entries WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to list inbox", err)
	}
	inbox := make([]models.InboxEntry, 0, len(rows))
	for _, row := range rows {
		inbox = append(inbox, models.InboxEntry{
			MessageID:      row.MessageID,
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			ReceiverID:     row.ReceiverID,
			Kind:           models.MessageKind(row.Kind),
			Text:           row.Text,
			MediaKind:      models.AttachmentKind(row.MediaKind),
			MediaURL:       row.MediaURL,
			Timestamp:      row.CreatedAt,
			Read:           row.Read,
			Status:         models.MessageStatus(row.Status),
		})
	}
	return inbox, nil
}

// --- Notification Methods ---

func (p *PostgresDB) AddNotification(ctx context.Context, ownerID string, notification models.Notification) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO notifications (id, owner_id, sender_id, sender_name, sender_avatar_public_id,
			sender_avatar_url, conversation_id, message_id, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`, notification.ID, ownerID, notification.SenderID, notification.SenderName,
		notification.SenderAvatar.PublicID, notification.SenderAvatar.URL,
		notification.ConversationID, notification.MessageID, notification.Message,
		notification.Read, notification.CreatedAt)
	if err != nil {
		return ownerError(err, ownerID, "failed to add notification")
	}
	return nil
}

func (p *PostgresDB) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool) ([]models.Notification, error) {
	if err := p.userExists(ctx, ownerID); err != nil {
		return nil, err
	}
	rows := []notificationRow{}
	err := p.DB.SelectContext(ctx, &rows, `
		SELECT id, sender_id, sender_name, sender_avatar_public_id, sender_avatar_url,
			conversation_id, message_id, message, read, created_at
		FROM notifications
		WHERE owner_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY created_at DESC
	`, ownerID, unreadOnly)
	if err != nil {
		return nil, utils.NewPersistenceError("failed to list notifications", err)
	}
	notifications := make([]models.Notification, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, models.Notification{
			ID:             row.ID,
			SenderID:       row.SenderID,
			SenderName:     row.SenderName,
			SenderAvatar:   models.Avatar{PublicID: row.SenderAvatarPublicID, URL: row.SenderAvatarURL},
			ConversationID: row.ConversationID,
			MessageID:      row.MessageID,
			Message:        row.Message,
			Read:           row.Read,
			CreatedAt:      row.CreatedAt,
		})
	}
	return notifications, nil
}

func (p *PostgresDB) MarkNotificationsRead(ctx context.Context, ownerID string, notificationIDs []string) (int, error) {
	if err := p.userExists(ctx, ownerID); err != nil {
		return 0, err
	}
	if len(notificationIDs) == 0 {
		return 0, nil
	}
	result, err := p.DB.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE owner_id = $1 AND id = ANY($2) AND NOT read
	`, ownerID, pq.Array(notificationIDs))
	if err != nil {
		return 0, utils.NewPersistenceError("failed to mark notifications read", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, utils.NewPersistenceError("failed to get rows affected after update", err)
	}
	return int(affected), nil
}

func (p *PostgresDB) DeleteNotification(ctx context.Context, ownerID, notificationID string) error {
	result, err := p.DB.ExecContext(ctx, `DELETE FROM notifications WHERE owner_id = $1 AND id = $2`, ownerID, notificationID)
	if err != nil {
		return utils.NewPersistenceError("failed to delete notification", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return utils.NewPersistenceError("failed to get rows affected after delete", err)
	}
	if affected == 0 {
		return utils.NewAppError(utils.ErrNotFound, "Notification not found: "+notificationID, nil)
	}
	return nil
}

func (p *PostgresDB) ClearNotifications(ctx context.Context, ownerID string) (int, error) {
	if err := p.userExists(ctx, ownerID); err != nil {
		return 0, err
	}
	result, err := p.DB.ExecContext(ctx, `DELETE FROM notifications WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, utils.NewPersistenceError("failed to clear notifications", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, utils.NewPersistenceError("failed to get rows affected after delete", err)
	}
	return int(affected), nil
}
