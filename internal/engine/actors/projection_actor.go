package actors

import (
	"context"
	"log/slog"
	"time"

	"gator-chat/internal/directory"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/router"
	"github.com/google/uuid"
)

// Message types for ProjectionActor. Each one hashes to the conversation it
// touches, so a consistent-hash pool applies a conversation's projection writes
// in order while other conversations run on other routees.
type (
	MessageAppendedMsg struct {
		Message models.Message
	}

	MessagesReadMsg struct {
		ConversationID string
		Participants   [2]string
		ReaderID       string
		MessageIDs     []string
	}

	RefreshContactMsg struct {
		OwnerID   string
		ContactID string
	}
)

func (m *MessageAppendedMsg) Hash() string { return m.Message.ConversationID }
func (m *MessagesReadMsg) Hash() string    { return m.ConversationID }
func (m *RefreshContactMsg) Hash() string  { return models.PairKey(m.OwnerID, m.ContactID) }

// ProjectionAck is the reply to every projection message that fully applied.
type ProjectionAck struct {
	ConversationID string
	NotificationID string
}

// ProjectionStore is the slice of the storage layer the projections write to.
type ProjectionStore interface {
	FindMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error)
	UpdateContactSnapshot(ctx context.Context, ownerID, contactID string, snapshot models.LastMessage) (bool, error)
	InsertContact(ctx context.Context, ownerID string, contact models.ContactSummary) (bool, error)
	UpdateContactDisplay(ctx context.Context, ownerID, contactID string, info models.DisplayInfo) (bool, error)
	MarkSnapshotsRead(ctx context.Context, ownerID string, messageIDs []string) error
	AppendInbox(ctx context.Context, ownerID string, entry models.InboxEntry) error
	MarkInboxRead(ctx context.Context, ownerID string, messageIDs []string) error
	AddNotification(ctx context.Context, ownerID string, notification models.Notification) error
}

// notificationNamespace seeds the deterministic notification ids.
var notificationNamespace = uuid.MustParse("6f1c0b52-8a4e-4e57-9a1d-3f0f2b7f6c11")

// NotificationID derives the receiver's notification id from a message id, so a
// replayed event lands on the same notification.
func NotificationID(messageID string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(messageID)).String()
}

// ProjectionActor keeps inbox, contact and notification projections in step
// with the conversation log.
type ProjectionActor struct {
	store     ProjectionStore
	directory directory.Directory
	metrics   *utils.MetricsCollector
	logger    *slog.Logger
	timeout   time.Duration
}

func NewProjectionActor(store ProjectionStore, dir directory.Directory, metrics *utils.MetricsCollector, logger *slog.Logger, timeout time.Duration) actor.Actor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProjectionActor{
		store:     store,
		directory: dir,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
	}
}

// NewProjectionPool returns props for size ProjectionActors behind a
// consistent-hash router.
func NewProjectionPool(size int, store ProjectionStore, dir directory.Directory, metrics *utils.MetricsCollector, logger *slog.Logger, timeout time.Duration) *actor.Props {
	if size < 1 {
		size = 1
	}
	return router.NewConsistentHashPool(size, actor.WithProducer(func() actor.Actor {
		return NewProjectionActor(store, dir, metrics, logger, timeout)
	}))
}

func (a *ProjectionActor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *actor.Started:
		a.logger.Debug("projection actor started", "pid", context.Self().String())

	case *MessageAppendedMsg:
		startTime := time.Now()
		ack, err := a.handleMessageAppended(msg)
		a.observe("project_message_appended", startTime)
		a.reply(context, ack, err)

	case *MessagesReadMsg:
		startTime := time.Now()
		err := a.handleMessagesRead(msg)
		a.observe("project_messages_read", startTime)
		a.reply(context, &ProjectionAck{ConversationID: msg.ConversationID}, err)

	case *RefreshContactMsg:
		startTime := time.Now()
		err := a.handleRefreshContact(msg)
		a.observe("project_refresh_contact", startTime)
		a.reply(context, &ProjectionAck{ConversationID: msg.Hash()}, err)
	}
}

func (a *ProjectionActor) reply(context actor.Context, ack *ProjectionAck, err error) {
	if context.Sender() == nil {
		return
	}
	if err != nil {
		appErr, ok := err.(*utils.AppError)
		if !ok {
			appErr = utils.NewPersistenceError("projection update failed", err)
		}
		context.Respond(appErr)
		return
	}
	context.Respond(ack)
}

func (a *ProjectionActor) observe(operation string, startTime time.Time) {
	if a.metrics != nil {
		a.metrics.AddOperationLatency(operation, time.Since(startTime))
	}
}

// handleMessageAppended applies every projection of one message. Each write is
// keyed (contact id, message id, notification id), so replaying the event is
// safe. All writes are attempted; the first failure is returned.
func (a *ProjectionActor) handleMessageAppended(msg *MessageAppendedMsg) (*ProjectionAck, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	m := &msg.Message
	// A read that committed before this event was applied must not be undone,
	// so project the message as the log holds it now.
	current, err := a.store.FindMessage(ctx, m.ConversationID, m.ID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		m = current
	}
	snapshot := models.SnapshotOf(m)
	entry := models.InboxEntryFor(m)
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Both participants see each other in their contact lists.
	keep(a.upsertContact(ctx, m.ReceiverID, m.SenderID, snapshot))
	keep(a.upsertContact(ctx, m.SenderID, m.ReceiverID, snapshot))

	keep(a.store.AppendInbox(ctx, m.SenderID, entry))
	keep(a.store.AppendInbox(ctx, m.ReceiverID, entry))

	notificationID := NotificationID(m.ID)
	keep(a.notify(ctx, m, notificationID))

	if firstErr != nil {
		a.logger.Error("projection update failed",
			"conversation_id", m.ConversationID, "message_id", m.ID, "error", firstErr)
		return nil, firstErr
	}
	a.logger.Debug("projected message", "conversation_id", m.ConversationID, "message_id", m.ID)
	return &ProjectionAck{ConversationID: m.ConversationID, NotificationID: notificationID}, nil
}

// upsertContact moves the owner's entry for contactID to snapshot, creating the
// entry from the directory's display info if it does not exist.
func (a *ProjectionActor) upsertContact(ctx context.Context, ownerID, contactID string, snapshot models.LastMessage) error {
	exists, err := a.store.UpdateContactSnapshot(ctx, ownerID, contactID, snapshot)
	if err != nil || exists {
		return err
	}

	info, err := a.directory.GetDisplayInfo(ctx, contactID)
	if err != nil {
		return err
	}
	snap := snapshot
	inserted, err := a.store.InsertContact(ctx, ownerID, models.ContactSummary{
		ContactID:   contactID,
		Name:        info.Name,
		Avatar:      info.Avatar,
		LastMessage: &snap,
	})
	if err != nil || inserted {
		return err
	}

	// Someone else created the entry in between; apply the snapshot to theirs.
	_, err = a.store.UpdateContactSnapshot(ctx, ownerID, contactID, snapshot)
	return err
}

func (a *ProjectionActor) notify(ctx context.Context, m *models.Message, notificationID string) error {
	sender, err := a.directory.GetDisplayInfo(ctx, m.SenderID)
	if err != nil {
		return err
	}
	return a.store.AddNotification(ctx, m.ReceiverID, models.Notification{
		ID:             notificationID,
		SenderID:       m.SenderID,
		SenderName:     sender.Name,
		SenderAvatar:   sender.Avatar,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Message:        m.PreviewText(),
		Read:           false,
		CreatedAt:      m.CreatedAt,
	})
}

func (a *ProjectionActor) handleMessagesRead(msg *MessagesReadMsg) error {
	if len(msg.MessageIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	var firstErr error
	for _, owner := range msg.Participants {
		if owner == "" {
			continue
		}
		if err := a.store.MarkInboxRead(ctx, owner, msg.MessageIDs); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := a.store.MarkSnapshotsRead(ctx, owner, msg.MessageIDs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		a.logger.Error("read projection failed", "conversation_id", msg.ConversationID, "error", firstErr)
	}
	return firstErr
}

func (a *ProjectionActor) handleRefreshContact(msg *RefreshContactMsg) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	info, err := a.directory.GetDisplayInfo(ctx, msg.ContactID)
	if err != nil {
		return err
	}
	updated, err := a.store.UpdateContactDisplay(ctx, msg.OwnerID, msg.ContactID, info)
	if err != nil || updated {
		return err
	}
	inserted, err := a.store.InsertContact(ctx, msg.OwnerID, models.ContactSummary{
		ContactID: msg.ContactID,
		Name:      info.Name,
		Avatar:    info.Avatar,
	})
	if err != nil || inserted {
		return err
	}
	_, err = a.store.UpdateContactDisplay(ctx, msg.OwnerID, msg.ContactID, info)
	return err
}
