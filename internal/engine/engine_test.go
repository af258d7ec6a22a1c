package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gator-chat/internal/attachments"
	"gator-chat/internal/database"
	"gator-chat/internal/directory"
	"gator-chat/internal/models"
	"gator-chat/internal/presence"
	"gator-chat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	pushes map[string][]models.Event
}

func (f *fakeTransport) Push(connID string, payload []byte) error {
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes[connID] = append(f.pushes[connID], event)
	return nil
}

func (f *fakeTransport) events(connID string) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Event(nil), f.pushes[connID]...)
}

type fakeResolver struct {
	err error
}

func (r fakeResolver) Store(ctx context.Context, upload attachments.Upload) (*models.Attachment, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &models.Attachment{Kind: models.AttachmentImage, URL: "https://x/img.png", Size: int64(len(upload.Data))}, nil
}

type fixture struct {
	engine    *Engine
	db        *database.MemoryDB
	presence  *presence.Registry
	transport *fakeTransport
}

func newFixture(t *testing.T, resolver attachments.Resolver) *fixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()
	require.NoError(t, db.SaveUser(ctx, &models.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, db.SaveUser(ctx, &models.User{ID: "u2", Name: "Bob"}))

	reg := presence.NewRegistry()
	transport := &fakeTransport{pushes: make(map[string][]models.Event)}
	system := actor.NewActorSystem()

	clock := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	seq := 0

	e := NewEngine(system, Options{
		Store:              db,
		Directory:          directory.NewStoreDirectory(db),
		Resolver:           resolver,
		Presence:           reg,
		Transport:          transport,
		Logger:             utils.DiscardLogger(),
		ProjectionPoolSize: 4,
		ActorTimeout:       5 * time.Second,
		Dispatch:           func(f func()) { f() },
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			clockMu.Lock()
			defer clockMu.Unlock()
			seq++
			return fmt.Sprintf("msg-%03d", seq)
		},
	})
	t.Cleanup(func() {
		e.Close()
		system.Shutdown()
	})
	return &fixture{engine: e, db: db, presence: reg, transport: transport}
}

func TestFirstMessageScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "u1:u2", msg.ConversationID)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.False(t, msg.Read)
	assert.Equal(t, models.KindText, msg.Kind)

	messages, err := f.engine.GetMessages(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "u1", messages[0].SenderID)
	assert.Equal(t, "u2", messages[0].ReceiverID)
	assert.Equal(t, "hi", messages[0].Body)

	contacts, err := f.engine.ListContacts(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "u1", contacts[0].ContactID)
	assert.Equal(t, "hi", contacts[0].LastMessage.Text)
	assert.Equal(t, 1, contacts[0].UnreadCount)

	senderContacts, err := f.engine.ListContacts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, senderContacts, 1)
	assert.Equal(t, "u2", senderContacts[0].ContactID)

	notifications, err := f.engine.ListNotifications(ctx, "u2", true)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "u1", notifications[0].SenderID)
	assert.Equal(t, "u1:u2", notifications[0].ConversationID)
	assert.False(t, notifications[0].Read)
}

func TestMarkReadScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sent, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	require.NoError(t, err)

	flipped, err := f.engine.MarkRead(ctx, "u1:u2", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID}, flipped)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	assert.Equal(t, models.StatusRead, messages[0].Status)
	assert.True(t, messages[0].Read)

	contacts, _ := f.engine.ListContacts(ctx, "u2")
	require.Len(t, contacts, 1)
	assert.True(t, contacts[0].LastMessage.Read)
	assert.Equal(t, 0, contacts[0].UnreadCount)

	unread, err := f.engine.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)

	// Second call flips nothing and leaves the same state.
	again, err := f.engine.MarkRead(ctx, "u1:u2", "u2")
	require.NoError(t, err)
	assert.Empty(t, again)
	messages, _ = f.engine.GetMessages(ctx, "u1", "u2")
	assert.Equal(t, models.StatusRead, messages[0].Status)
}

func TestMarkReadErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.MarkRead(ctx, "u1:u2", "u2")
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotFound))

	_, err = f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	require.NoError(t, err)
	_, err = f.engine.MarkRead(ctx, "u1:u2", "u3")
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotFound))

	// The sender has nothing addressed to them; that is success.
	flipped, err := f.engine.MarkRead(ctx, "u1:u2", "u1")
	require.NoError(t, err)
	assert.Empty(t, flipped)
}

func TestImageScenario(t *testing.T) {
	f := newFixture(t, fakeResolver{})
	ctx := context.Background()

	msg, err := f.engine.SendImage(ctx, ImageRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Upload:     attachments.Upload{Filename: "img.png", ContentType: "image/png", Data: []byte("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, "", msg.Body)
	assert.Equal(t, models.KindImage, msg.Kind)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "https://x/img.png", msg.Attachment.URL)

	contacts, _ := f.engine.ListContacts(ctx, "u2")
	require.Len(t, contacts, 1)
	assert.Equal(t, models.ImagePlaceholder, contacts[0].LastMessage.Text)
}

func TestPrebuiltAttachmentSend(t *testing.T) {
	f := newFixture(t, nil)
	msg, err := f.engine.SendMessage(context.Background(), SendRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Attachment: &models.Attachment{Kind: models.AttachmentImage, URL: "https://x/img.png", Size: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindImage, msg.Kind)
}

func TestUploadFailureTouchesNothing(t *testing.T) {
	f := newFixture(t, fakeResolver{err: utils.NewAppError(utils.ErrUploadFailed, "quota exceeded", nil)})
	ctx := context.Background()

	_, err := f.engine.SendImage(ctx, ImageRequest{SenderID: "u1", ReceiverID: "u2", Upload: attachments.Upload{Data: []byte("x")}})
	assert.True(t, utils.IsErrorCode(err, utils.ErrUploadFailed))

	conversations, _ := f.engine.ListConversations(ctx, "u1")
	assert.Empty(t, conversations)
	contacts, _ := f.engine.ListContacts(ctx, "u2")
	assert.Empty(t, contacts)
	notifications, _ := f.engine.ListNotifications(ctx, "u2", false)
	assert.Empty(t, notifications)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SendRequest
		code string
	}{
		{"missing sender", SendRequest{ReceiverID: "u2", Body: "x"}, utils.ErrInvalidInput},
		{"missing receiver", SendRequest{SenderID: "u1", Body: "x"}, utils.ErrInvalidInput},
		{"self send", SendRequest{SenderID: "u1", ReceiverID: "u1", Body: "x"}, utils.ErrInvalidInput},
		{"empty body", SendRequest{SenderID: "u1", ReceiverID: "u2"}, utils.ErrInvalidInput},
		{"separator in id", SendRequest{SenderID: "u1:x", ReceiverID: "u2", Body: "x"}, utils.ErrInvalidInput},
		{"unknown receiver", SendRequest{SenderID: "u1", ReceiverID: "ghost", Body: "x"}, utils.ErrNotFound},
		{"unknown sender", SendRequest{SenderID: "ghost", ReceiverID: "u2", Body: "x"}, utils.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.SendMessage(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, utils.ErrorCode(err))
		})
	}

	conversations, _ := f.engine.ListConversations(ctx, "u1")
	assert.Empty(t, conversations)
}

func TestConcurrentFirstContactCreatesOneConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "from a"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u2", ReceiverID: "u1", Body: "from b"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conversations, err := f.engine.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, conversations, 1)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	assert.Len(t, messages, 20)
	seen := map[string]bool{}
	for _, m := range messages {
		assert.False(t, seen[m.ID], "duplicate message %s", m.ID)
		seen[m.ID] = true
	}

	for _, owner := range []string{"u1", "u2"} {
		contacts, _ := f.engine.ListContacts(ctx, owner)
		assert.Len(t, contacts, 1, owner)
		notifications, _ := f.engine.ListNotifications(ctx, owner, false)
		assert.Len(t, notifications, 10, owner)
	}
}

func TestLogOrderIsPreserved(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: fmt.Sprintf("%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	require.Len(t, messages, 5)
	for i, m := range messages {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestRetriedSendIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi", MessageID: "client-1"}
	first, err := f.engine.SendMessage(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	assert.Len(t, messages, 1)
	inbox, _ := f.engine.ListInbox(ctx, "u2")
	assert.Len(t, inbox, 1)
	notifications, _ := f.engine.ListNotifications(ctx, "u2", false)
	assert.Len(t, notifications, 1)
}

func TestClientMessageIDIsScopedToSender(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.db.SaveUser(ctx, &models.User{ID: "u3", Name: "Carol"}))

	fromAlice, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "from alice", MessageID: "m1"})
	require.NoError(t, err)
	fromCarol, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u3", ReceiverID: "u2", Body: "from carol", MessageID: "m1"})
	require.NoError(t, err)
	assert.NotEqual(t, fromAlice.ID, fromCarol.ID)
	assert.Equal(t, "u3", fromCarol.SenderID)
	assert.Equal(t, "from carol", fromCarol.Body)

	inbox, _ := f.engine.ListInbox(ctx, "u2")
	assert.Len(t, inbox, 2)
	notifications, _ := f.engine.ListNotifications(ctx, "u2", false)
	require.Len(t, notifications, 2)
	assert.ElementsMatch(t, []string{fromAlice.ID, fromCarol.ID},
		[]string{notifications[0].MessageID, notifications[1].MessageID})
}

func TestReplyReusingPartnerMessageIDIsStored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "from alice", MessageID: "m1"})
	require.NoError(t, err)
	reply, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u2", ReceiverID: "u1", Body: "reply", MessageID: "m1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, reply.ID)
	assert.Equal(t, "u2", reply.SenderID)
	assert.Equal(t, "reply", reply.Body)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	require.Len(t, messages, 2)
	assert.Equal(t, "reply", messages[1].Body)
	notifications, _ := f.engine.ListNotifications(ctx, "u1", false)
	assert.Len(t, notifications, 1)
}

func TestReusedMessageIDWithOtherContentConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi", MessageID: "m1"})
	require.NoError(t, err)
	_, err = f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "something else", MessageID: "m1"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrConflict), "got %v", err)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Body)
	notifications, _ := f.engine.ListNotifications(ctx, "u2", false)
	assert.Len(t, notifications, 1)
}

func TestMarkReadInterleavedWithSends(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "first"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flipped []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			_, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			ids, err := f.engine.MarkRead(ctx, "u1:u2", "u2")
			assert.NoError(t, err)
			mu.Lock()
			flipped = append(flipped, ids...)
			mu.Unlock()

			messages, err := f.engine.GetMessages(ctx, "u1", "u2")
			assert.NoError(t, err)
			mu.Lock()
			for _, m := range messages {
				for _, id := range flipped {
					if id == m.ID {
						assert.Equal(t, models.StatusRead, m.Status, "message %s moved back", m.ID)
					}
				}
			}
			mu.Unlock()
		}
	}()
	wg.Wait()

	last, err := f.engine.MarkRead(ctx, "u1:u2", "u2")
	require.NoError(t, err)
	flipped = append(flipped, last...)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	require.Len(t, messages, 31)
	seen := make(map[string]bool, len(flipped))
	for _, id := range flipped {
		assert.False(t, seen[id], "message %s flipped twice", id)
		seen[id] = true
	}
	for _, m := range messages {
		assert.True(t, seen[m.ID], "message %s never flipped", m.ID)
		assert.True(t, m.Read)
		assert.Equal(t, models.StatusRead, m.Status)
	}

	contacts, _ := f.engine.ListContacts(ctx, "u2")
	require.Len(t, contacts, 1)
	assert.Zero(t, contacts[0].UnreadCount)
	unread, _ := f.engine.UnreadCount(ctx, "u2")
	assert.Zero(t, unread)
}

func TestOfflineRecipientScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "are you there"})
	require.NoError(t, err)

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	assert.Equal(t, models.StatusSent, messages[0].Status)

	require.NoError(t, f.engine.RegisterConnection(ctx, "c1", "u2"))
	notifications, err := f.engine.ListNotifications(ctx, "u2", true)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, msg.ID, notifications[0].MessageID)
	assert.Equal(t, "are you there", notifications[0].Message)
}

func TestLiveDeliveryMarksDelivered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.RegisterConnection(ctx, "phone", "u2"))
	require.NoError(t, f.engine.RegisterConnection(ctx, "laptop", "u2"))
	require.NoError(t, f.engine.RegisterConnection(ctx, "sender", "u1"))

	msg, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	require.NoError(t, err)

	for _, conn := range []string{"phone", "laptop"} {
		events := f.transport.events(conn)
		require.Len(t, events, 1, conn)
		assert.Equal(t, models.EventMessage, events[0].Type)
		assert.Equal(t, msg.ID, events[0].MessageID)
		assert.Equal(t, "hi", events[0].Body)
	}
	assert.Empty(t, f.transport.events("sender"))

	messages, _ := f.engine.GetMessages(ctx, "u1", "u2")
	assert.Equal(t, models.StatusDelivered, messages[0].Status)

	_, err = f.engine.MarkRead(ctx, "u1:u2", "u2")
	require.NoError(t, err)
	receipts := f.transport.events("sender")
	require.Len(t, receipts, 1)
	assert.Equal(t, models.EventReadReceipt, receipts[0].Type)
	assert.Equal(t, []string{msg.ID}, receipts[0].MessageIDs)

	f.engine.UnregisterConnection("phone")
	f.engine.UnregisterConnection("phone")
	assert.Equal(t, []string{"laptop"}, f.presence.ConnectionsFor("u2"))
}

func TestRegisterConnectionRequiresKnownUser(t *testing.T) {
	f := newFixture(t, nil)
	err := f.engine.RegisterConnection(context.Background(), "c1", "ghost")
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotFound))
	assert.Empty(t, f.presence.ConnectionsFor("ghost"))
}

func TestOpenConversationAndRefreshContact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.engine.OpenConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1:u2", conv.ID)
	again, err := f.engine.OpenConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, conv.CreatedAt, again.CreatedAt)

	require.NoError(t, f.engine.RefreshContact(ctx, "u1", "u2"))
	contacts, _ := f.engine.ListContacts(ctx, "u1")
	require.Len(t, contacts, 1)
	assert.Equal(t, "Bob", contacts[0].Name)

	err = f.engine.RefreshContact(ctx, "u1", "ghost")
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotFound))
}

func TestNotificationManagement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	notifications, _ := f.engine.ListNotifications(ctx, "u2", true)
	require.Len(t, notifications, 3)
	assert.Equal(t, "m2", notifications[0].Message)

	updated, err := f.engine.MarkNotificationsRead(ctx, "u2", []string{notifications[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	_, err = f.engine.MarkNotificationsRead(ctx, "u2", nil)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	unread, _ := f.engine.ListNotifications(ctx, "u2", true)
	assert.Len(t, unread, 2)
	all, _ := f.engine.ListNotifications(ctx, "u2", false)
	assert.Len(t, all, 3)

	require.NoError(t, f.engine.DeleteNotification(ctx, "u2", notifications[1].ID))
	cleared, err := f.engine.ClearNotifications(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
}

type unavailableStore struct {
	*database.MemoryDB
}

func (unavailableStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	return nil, utils.NewPersistenceError("failed to append message", errors.New("connection refused"))
}

func TestPersistenceFailureLeavesNoProjection(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemoryDB()
	require.NoError(t, db.SaveUser(ctx, &models.User{ID: "u1"}))
	require.NoError(t, db.SaveUser(ctx, &models.User{ID: "u2"}))
	system := actor.NewActorSystem()
	defer system.Shutdown()

	e := NewEngine(system, Options{
		Store:     unavailableStore{db},
		Directory: directory.NewStoreDirectory(db),
		Presence:  presence.NewRegistry(),
		Logger:    utils.DiscardLogger(),
		Dispatch:  func(f func()) { f() },
	})
	defer e.Close()

	_, err := e.SendMessage(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrPersistence))

	contacts, _ := db.ListContacts(ctx, "u2")
	assert.Empty(t, contacts)
	notifications, _ := db.ListNotifications(ctx, "u2", false)
	assert.Empty(t, notifications)
}
