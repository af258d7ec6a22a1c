// Package engine coordinates the chat core: it appends to the conversation log,
// drives the projection actors and hands durable results to the fan-out router.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gator-chat/internal/attachments"
	"gator-chat/internal/database"
	"gator-chat/internal/directory"
	"gator-chat/internal/engine/actors"
	"gator-chat/internal/fanout"
	"gator-chat/internal/models"
	"gator-chat/internal/presence"
	"gator-chat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gator-chat/internal/engine"

// clientMessageNamespace seeds the stored ids derived from caller-supplied ones.
var clientMessageNamespace = uuid.MustParse("b3e4a0d2-5c1f-4f7e-8d26-9a7c61e0f4b5")

// MessageIDFor returns the stored message id for clientID sent by senderID in
// conversationID. Neither user id contains ":", so the key is unambiguous.
func MessageIDFor(senderID, conversationID, clientID string) string {
	return uuid.NewSHA1(clientMessageNamespace, []byte(senderID+":"+conversationID+":"+clientID)).String()
}

// SendRequest is one text or media send. MessageID is optional; a caller that
// retries a failed send with the same id gets the stored message back instead
// of a second copy. The id is scoped to the sender and the conversation.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	Body       string
	Attachment *models.Attachment
	MessageID  string
}

// ImageRequest uploads a file and sends it as a media message.
type ImageRequest struct {
	SenderID   string
	ReceiverID string
	Caption    string
	Upload     attachments.Upload
	MessageID  string
}

// Options wires the engine's collaborators. Store, Directory and Presence are
// required; the rest have defaults.
type Options struct {
	Store              database.DBAdapter
	Directory          directory.Directory
	Resolver           attachments.Resolver
	Presence           *presence.Registry
	Transport          fanout.Transport
	Metrics            *utils.MetricsCollector
	Logger             *slog.Logger
	ProjectionPoolSize int
	ActorTimeout       time.Duration

	// Dispatch runs fan-out work after the durable writes. Defaults to a goroutine.
	Dispatch func(func())
	Clock    func() time.Time
	NewID    func() string
}

// Engine coordinates communication between the store, the projection actors
// and live connections.
type Engine struct {
	system    *actor.ActorSystem
	projector *actor.PID

	store     database.DBAdapter
	directory directory.Directory
	resolver  attachments.Resolver
	presence  *presence.Registry
	router    *fanout.Router
	metrics   *utils.MetricsCollector
	logger    *slog.Logger
	tracer    trace.Tracer

	actorTimeout time.Duration
	dispatch     func(func())
	now          func() time.Time
	newID        func() string

	inflight sync.WaitGroup
}

func NewEngine(system *actor.ActorSystem, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = utils.NewMetricsCollector()
	}
	if opts.ActorTimeout <= 0 {
		opts.ActorTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	e := &Engine{
		system:       system,
		store:        opts.Store,
		directory:    opts.Directory,
		resolver:     opts.Resolver,
		presence:     opts.Presence,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		tracer:       otel.Tracer(tracerName),
		actorTimeout: opts.ActorTimeout,
		dispatch:     opts.Dispatch,
		now:          opts.Clock,
		newID:        opts.NewID,
	}
	if e.dispatch == nil {
		e.dispatch = func(f func()) { go f() }
	}
	if opts.Transport != nil {
		e.router = fanout.NewRouter(opts.Presence, opts.Transport, opts.Metrics, opts.Logger)
	}

	// Spawn the projection pool
	props := actors.NewProjectionPool(opts.ProjectionPoolSize, opts.Store, opts.Directory, opts.Metrics, opts.Logger, opts.ActorTimeout)
	e.projector = system.Root.Spawn(props)
	return e
}

// SetTransport attaches the live transport once it exists. The hub needs the
// engine and the engine needs the hub, so one side is wired late.
func (e *Engine) SetTransport(transport fanout.Transport) {
	e.router = fanout.NewRouter(e.presence, transport, e.metrics, e.logger)
}

// Close waits for pending fan-outs and stops the projection pool.
func (e *Engine) Close() {
	e.inflight.Wait()
	e.system.Root.Stop(e.projector)
}

// GetProjectionActor returns the PID of the projection pool
func (e *Engine) GetProjectionActor() *actor.PID {
	return e.projector
}

// --- Sending ---

// SendMessage appends a message to the pair's conversation, applies the
// projections and schedules live delivery to the receiver.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (msg *models.Message, err error) {
	ctx, span := e.start(ctx, "SendMessage", attribute.String("sender.id", req.SenderID), attribute.String("receiver.id", req.ReceiverID))
	defer func(start time.Time) { e.finish(span, "send_message", start, err) }(time.Now())

	if err := validatePair(req.SenderID, req.ReceiverID); err != nil {
		return nil, err
	}
	if req.Body == "" && req.Attachment == nil {
		return nil, utils.NewInvalidInputError("Message text or attachment is required")
	}
	if req.Attachment != nil && req.Attachment.URL == "" {
		return nil, utils.NewInvalidInputError("Attachment URL is required")
	}
	if err := e.requireUsers(ctx, req.SenderID, req.ReceiverID); err != nil {
		return nil, err
	}

	conversationID := models.PairKey(req.SenderID, req.ReceiverID)
	msg = &models.Message{
		ConversationID: conversationID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Kind:           models.KindText,
		Body:           req.Body,
		Attachment:     req.Attachment,
		CreatedAt:      e.now().UTC(),
		Status:         models.StatusSent,
	}
	if req.MessageID != "" {
		msg.ID = MessageIDFor(req.SenderID, conversationID, req.MessageID)
	} else {
		msg.ID = e.newID()
	}
	if msg.Attachment != nil {
		msg.Kind = models.KindImage
	}
	span.SetAttributes(attribute.String("conversation.id", msg.ConversationID), attribute.String("message.id", msg.ID))

	stored, err := e.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !sameSend(stored, msg) {
		return nil, utils.NewAppError(utils.ErrConflict, "Message ID already used for a different message: "+req.MessageID, nil)
	}
	if err := e.project(&actors.MessageAppendedMsg{Message: *stored}); err != nil {
		return nil, err
	}

	e.logger.Info("message sent",
		"conversation_id", stored.ConversationID, "message_id", stored.ID, "kind", stored.Kind)

	delivered := *stored
	e.fanOut(func(ctx context.Context) { e.deliverMessage(ctx, &delivered) })
	return stored, nil
}

// SendImage stores the upload first; an upload failure leaves no trace in the
// conversation or the projections.
func (e *Engine) SendImage(ctx context.Context, req ImageRequest) (msg *models.Message, err error) {
	ctx, span := e.start(ctx, "SendImage", attribute.String("sender.id", req.SenderID), attribute.String("receiver.id", req.ReceiverID))
	defer func(start time.Time) { e.finish(span, "send_image", start, err) }(time.Now())

	if err := validatePair(req.SenderID, req.ReceiverID); err != nil {
		return nil, err
	}
	if e.resolver == nil {
		return nil, utils.NewAppError(utils.ErrUploadFailed, "No attachment store configured", nil)
	}
	if err := e.requireUsers(ctx, req.SenderID, req.ReceiverID); err != nil {
		return nil, err
	}

	ref, err := e.resolver.Store(ctx, req.Upload)
	if err != nil {
		return nil, err
	}
	return e.SendMessage(ctx, SendRequest{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Body:       req.Caption,
		Attachment: ref,
		MessageID:  req.MessageID,
	})
}

func (e *Engine) deliverMessage(ctx context.Context, msg *models.Message) {
	if e.router == nil {
		return
	}
	report := e.router.Deliver(ctx, msg.ReceiverID, models.MessageEvent(msg))
	if len(report.Delivered) == 0 {
		return
	}
	if err := e.store.MarkMessagesDelivered(ctx, msg.ConversationID, []string{msg.ID}); err != nil {
		e.logger.Warn("failed to mark message delivered",
			"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
	}
}

// --- Reading ---

// GetMessages returns the pair's log oldest first; no conversation yields an empty slice.
func (e *Engine) GetMessages(ctx context.Context, userA, userB string) (messages []models.Message, err error) {
	ctx, span := e.start(ctx, "GetMessages", attribute.String("conversation.id", models.PairKey(userA, userB)))
	defer func(start time.Time) { e.finish(span, "get_messages", start, err) }(time.Now())

	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	return e.store.GetMessages(ctx, models.PairKey(userA, userB))
}

// MarkRead flips every unread message addressed to readerID and returns the
// ids it flipped. Only those ids reach the projections and the read receipt.
func (e *Engine) MarkRead(ctx context.Context, conversationID, readerID string) (flipped []string, err error) {
	ctx, span := e.start(ctx, "MarkRead", attribute.String("conversation.id", conversationID), attribute.String("reader.id", readerID))
	defer func(start time.Time) { e.finish(span, "mark_read", start, err) }(time.Now())

	if conversationID == "" || readerID == "" {
		return nil, utils.NewInvalidInputError("Conversation and reader are required")
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(readerID) {
		return nil, utils.NewConversationNotFoundError(conversationID)
	}

	readAt := e.now().UTC()
	flipped, err = e.store.MarkMessagesRead(ctx, conversationID, readerID, readAt)
	if err != nil {
		return nil, err
	}
	if len(flipped) == 0 {
		return []string{}, nil
	}

	err = e.project(&actors.MessagesReadMsg{
		ConversationID: conversationID,
		Participants:   conv.Participants,
		ReaderID:       readerID,
		MessageIDs:     flipped,
	})
	if err != nil {
		return nil, err
	}

	receipt := models.Event{
		Type:           models.EventReadReceipt,
		SenderID:       readerID,
		ReceiverID:     conv.Other(readerID),
		ConversationID: conversationID,
		MessageIDs:     flipped,
		Timestamp:      readAt,
	}
	e.fanOut(func(ctx context.Context) {
		if e.router != nil {
			e.router.Deliver(ctx, receipt.ReceiverID, receipt)
		}
	})
	return flipped, nil
}

// OpenConversation finds or creates the pair's conversation without sending anything.
func (e *Engine) OpenConversation(ctx context.Context, userA, userB string) (conv *models.Conversation, err error) {
	ctx, span := e.start(ctx, "OpenConversation")
	defer func(start time.Time) { e.finish(span, "open_conversation", start, err) }(time.Now())

	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	if err := e.requireUsers(ctx, userA, userB); err != nil {
		return nil, err
	}
	return e.store.EnsureConversation(ctx, userA, userB, e.now().UTC())
}

func (e *Engine) ListConversations(ctx context.Context, userID string) (conversations []models.Conversation, err error) {
	ctx, span := e.start(ctx, "ListConversations", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "list_conversations", start, err) }(time.Now())

	if userID == "" {
		return nil, utils.NewInvalidInputError("User ID is required")
	}
	return e.store.ListConversations(ctx, userID)
}

// --- Projections ---

// ListContacts returns the contact list, most recent conversation first.
func (e *Engine) ListContacts(ctx context.Context, userID string) (contacts []models.ContactSummary, err error) {
	ctx, span := e.start(ctx, "ListContacts", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "list_contacts", start, err) }(time.Now())

	if userID == "" {
		return nil, utils.NewInvalidInputError("User ID is required")
	}
	return e.store.ListContacts(ctx, userID)
}

// RefreshContact re-reads contactID's display info into ownerID's contact list.
func (e *Engine) RefreshContact(ctx context.Context, ownerID, contactID string) (err error) {
	ctx, span := e.start(ctx, "RefreshContact", attribute.String("user.id", ownerID), attribute.String("contact.id", contactID))
	defer func(start time.Time) { e.finish(span, "refresh_contact", start, err) }(time.Now())

	if err := validatePair(ownerID, contactID); err != nil {
		return err
	}
	if err := e.requireUsers(ctx, ownerID, contactID); err != nil {
		return err
	}
	return e.project(&actors.RefreshContactMsg{OwnerID: ownerID, ContactID: contactID})
}

func (e *Engine) ListInbox(ctx context.Context, userID string) (inbox []models.InboxEntry, err error) {
	ctx, span := e.start(ctx, "ListInbox", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "list_inbox", start, err) }(time.Now())

	if userID == "" {
		return nil, utils.NewInvalidInputError("User ID is required")
	}
	return e.store.ListInbox(ctx, userID)
}

// UnreadCount counts unread messages addressed to userID across all conversations.
func (e *Engine) UnreadCount(ctx context.Context, userID string) (int, error) {
	inbox, err := e.ListInbox(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range inbox {
		if entry.ReceiverID == userID && !entry.Read {
			count++
		}
	}
	return count, nil
}

// --- Notifications ---

func (e *Engine) ListNotifications(ctx context.Context, userID string, unreadOnly bool) (notifications []models.Notification, err error) {
	ctx, span := e.start(ctx, "ListNotifications", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "list_notifications", start, err) }(time.Now())

	if userID == "" {
		return nil, utils.NewInvalidInputError("User ID is required")
	}
	return e.store.ListNotifications(ctx, userID, unreadOnly)
}

func (e *Engine) MarkNotificationsRead(ctx context.Context, userID string, notificationIDs []string) (updated int, err error) {
	ctx, span := e.start(ctx, "MarkNotificationsRead", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "mark_notifications_read", start, err) }(time.Now())

	if userID == "" {
		return 0, utils.NewInvalidInputError("User ID is required")
	}
	if len(notificationIDs) == 0 {
		return 0, utils.NewInvalidInputError("Notification IDs are required")
	}
	return e.store.MarkNotificationsRead(ctx, userID, notificationIDs)
}

func (e *Engine) DeleteNotification(ctx context.Context, userID, notificationID string) (err error) {
	ctx, span := e.start(ctx, "DeleteNotification", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "delete_notification", start, err) }(time.Now())

	if userID == "" || notificationID == "" {
		return utils.NewInvalidInputError("User ID and notification ID are required")
	}
	return e.store.DeleteNotification(ctx, userID, notificationID)
}

func (e *Engine) ClearNotifications(ctx context.Context, userID string) (cleared int, err error) {
	ctx, span := e.start(ctx, "ClearNotifications", attribute.String("user.id", userID))
	defer func(start time.Time) { e.finish(span, "clear_notifications", start, err) }(time.Now())

	if userID == "" {
		return 0, utils.NewInvalidInputError("User ID is required")
	}
	return e.store.ClearNotifications(ctx, userID)
}

// --- Presence ---

// RegisterConnection binds a live connection to a user. The user must exist.
func (e *Engine) RegisterConnection(ctx context.Context, connID, userID string) error {
	if connID == "" || userID == "" {
		return utils.NewInvalidInputError("Connection and user are required")
	}
	if err := e.CheckUser(ctx, userID); err != nil {
		return err
	}
	e.AttachConnection(connID, userID)
	return nil
}

// CheckUser returns NOT_FOUND unless userID is a known user. Connection
// handlers call it before a socket reaches the hub.
func (e *Engine) CheckUser(ctx context.Context, userID string) error {
	if userID == "" {
		return utils.NewInvalidInputError("User ID is required")
	}
	return e.requireUsers(ctx, userID)
}

// AttachConnection binds a connection to an already checked user. It only
// touches the in-memory registry.
func (e *Engine) AttachConnection(connID, userID string) {
	e.presence.Register(connID, userID)
	e.logger.Debug("connection registered", "conn_id", connID, "user_id", userID)
}

func (e *Engine) UnregisterConnection(connID string) {
	e.presence.Unregister(connID)
	e.logger.Debug("connection unregistered", "conn_id", connID)
}

// --- Helpers ---

func validatePair(a, b string) error {
	if a == "" || b == "" {
		return utils.NewInvalidInputError("Sender and receiver are required")
	}
	if a == b {
		return utils.NewInvalidInputError("Sender and receiver must differ")
	}
	if strings.Contains(a, models.PairKeySeparator) || strings.Contains(b, models.PairKeySeparator) {
		return utils.NewInvalidInputError("User IDs must not contain " + models.PairKeySeparator)
	}
	return nil
}

// sameSend reports whether stored is the message next would have created. A
// retried image send re-uploads, so attachment urls may differ.
func sameSend(stored, next *models.Message) bool {
	return stored.SenderID == next.SenderID &&
		stored.ReceiverID == next.ReceiverID &&
		stored.Kind == next.Kind &&
		stored.Body == next.Body
}

func (e *Engine) requireUsers(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		ok, err := e.directory.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return utils.NewUserNotFoundError(id)
		}
	}
	return nil
}

// project sends msg to the projection pool and waits for its reply.
func (e *Engine) project(msg interface{}) error {
	future := e.system.Root.RequestFuture(e.projector, msg, e.actorTimeout)
	result, err := future.Result()
	if err != nil {
		return utils.NewActorTimeoutError("projection", err)
	}
	switch r := result.(type) {
	case *actors.ProjectionAck:
		return nil
	case *utils.AppError:
		return r
	default:
		return utils.NewAppError(utils.ErrPersistence, "unexpected projection reply", nil)
	}
}

// fanOut runs f through the dispatcher, detached from the request context.
func (e *Engine) fanOut(f func(ctx context.Context)) {
	e.inflight.Add(1)
	e.dispatch(func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.actorTimeout)
		defer cancel()
		f(ctx)
	})
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	e.metrics.IncrementRequests()
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func (e *Engine) finish(span trace.Span, operation string, start time.Time, err error) {
	e.metrics.AddOperationLatency(operation, time.Since(start))
	if err != nil {
		e.metrics.IncrementErrors()
		span.RecordError(err)
		span.SetStatus(codes.Error, utils.ErrorCode(err))
	}
	span.End()
}
