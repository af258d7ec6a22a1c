package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gator-chat/internal/attachments"
	"gator-chat/internal/database"
	"gator-chat/internal/directory"
	"gator-chat/internal/engine"
	"gator-chat/internal/middleware"
	"gator-chat/internal/models"
	"gator-chat/internal/presence"
	"gator-chat/internal/utils"
	"gator-chat/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv      *httptest.Server
	auth     *middleware.JWTAuth
	engine   *engine.Engine
	db       *database.MemoryDB
	presence *presence.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()
	for id, name := range map[string]string{"u1": "Alice", "u2": "Bob", "u3": "Carol"} {
		require.NoError(t, db.SaveUser(ctx, &models.User{ID: id, Name: name}))
	}

	logger := utils.DiscardLogger()
	metrics := utils.NewMetricsCollector()
	reg := presence.NewRegistry()
	system := actor.NewActorSystem()

	var clockMu sync.Mutex
	clock := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	chat := engine.NewEngine(system, engine.Options{
		Store:              db,
		Directory:          directory.NewStoreDirectory(db),
		Resolver:           attachments.NewDiskResolver(t.TempDir(), "/media"),
		Presence:           reg,
		Metrics:            metrics,
		Logger:             logger,
		ProjectionPoolSize: 2,
		ActorTimeout:       5 * time.Second,
		Dispatch:           func(f func()) { f() },
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})

	hub := websocket.NewHub(chat, logger, time.Second)
	chat.SetTransport(hub)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	auth := middleware.NewJWTAuth("test-secret", logger)
	server := NewServer(chat, hub, auth, middleware.DefaultCORSConfig(nil), metrics, logger)
	srv := httptest.NewServer(server.Routes(http.NewServeMux()))

	t.Cleanup(func() {
		srv.Close()
		stopHub()
		chat.Close()
		system.Shutdown()
	})
	return &testServer{srv: srv, auth: auth, engine: chat, db: db, presence: reg}
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := ts.auth.GenerateToken(userID)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthIsUnprotected(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/messages", "", SendMessageRequest{Receiver: "u2", Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendMessageAndReadFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/messages", "u1", SendMessageRequest{Receiver: "u2", Message: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg models.Message
	decode(t, resp, &msg)
	assert.Equal(t, "u1:u2", msg.ConversationID)
	assert.Equal(t, "hi", msg.Body)

	resp = ts.do(t, http.MethodGet, "/messages/user/u2/u1", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var log []models.Message
	decode(t, resp, &log)
	require.Len(t, log, 1)
	assert.Equal(t, msg.ID, log[0].ID)

	resp = ts.do(t, http.MethodGet, "/messages/user/u1/u2", "u3", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/inbox/unread-count", "u2", nil)
	var unread map[string]int
	decode(t, resp, &unread)
	assert.Equal(t, 1, unread["unreadCount"])

	resp = ts.do(t, http.MethodGet, "/chat-contacts", "u2", nil)
	var contacts []models.ContactSummary
	decode(t, resp, &contacts)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Alice", contacts[0].Name)
	assert.Equal(t, 1, contacts[0].UnreadCount)

	resp = ts.do(t, http.MethodPut, "/messages/read/u1:u2", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var read MarkReadResponse
	decode(t, resp, &read)
	assert.Equal(t, []string{msg.ID}, read.MessageIDs)

	resp = ts.do(t, http.MethodPut, "/messages/read/u1:u2", "u2", nil)
	decode(t, resp, &read)
	assert.Empty(t, read.MessageIDs)

	resp = ts.do(t, http.MethodGet, "/inbox/unread-count", "u2", nil)
	decode(t, resp, &unread)
	assert.Equal(t, 0, unread["unreadCount"])

	resp = ts.do(t, http.MethodGet, "/inbox", "u1", nil)
	var inbox []models.InboxEntry
	decode(t, resp, &inbox)
	assert.Len(t, inbox, 1)
}

func TestSendMessageErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		req    SendMessageRequest
		status int
		code   string
	}{
		{"unknown receiver", SendMessageRequest{Receiver: "ghost", Message: "hi"}, http.StatusNotFound, utils.ErrNotFound},
		{"self send", SendMessageRequest{Receiver: "u1", Message: "hi"}, http.StatusBadRequest, utils.ErrInvalidInput},
		{"empty body", SendMessageRequest{Receiver: "u2"}, http.StatusBadRequest, utils.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/messages", "u1", tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]string
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	resp := ts.do(t, http.MethodPut, "/messages/read/u1:u2", "u3", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationAndContactRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/chats/find-or-create", "u1", OpenConversationRequest{OtherUserID: "u2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv models.Conversation
	decode(t, resp, &conv)
	assert.Equal(t, "u1:u2", conv.ID)

	resp = ts.do(t, http.MethodGet, "/chats/user/u1", "u1", nil)
	var conversations []models.Conversation
	decode(t, resp, &conversations)
	assert.Len(t, conversations, 1)

	resp = ts.do(t, http.MethodGet, "/chats/user/u2", "u1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/chat-contacts/add", "u1", RefreshContactRequest{ContactID: "u3"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/chat-contacts", "u1", nil)
	var contacts []models.ContactSummary
	decode(t, resp, &contacts)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Carol", contacts[0].Name)
}

func TestNotificationRoutes(t *testing.T) {
	ts := newTestServer(t)
	for _, text := range []string{"one", "two"} {
		resp := ts.do(t, http.MethodPost, "/messages", "u1", SendMessageRequest{Receiver: "u2", Message: text})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := ts.do(t, http.MethodGet, "/notifications", "u2", nil)
	var notifications []models.Notification
	decode(t, resp, &notifications)
	require.Len(t, notifications, 2)
	assert.Equal(t, "two", notifications[0].Message)

	resp = ts.do(t, http.MethodPut, "/notifications/read", "u2", MarkNotificationsReadRequest{IDs: []string{notifications[0].ID}})
	var updated map[string]int
	decode(t, resp, &updated)
	assert.Equal(t, 1, updated["updated"])

	resp = ts.do(t, http.MethodPut, "/notifications/read", "u2", MarkNotificationsReadRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/notifications", "u2", nil)
	decode(t, resp, &notifications)
	assert.Len(t, notifications, 1)

	resp = ts.do(t, http.MethodGet, "/notifications?all=true", "u2", nil)
	decode(t, resp, &notifications)
	assert.Len(t, notifications, 2)

	resp = ts.do(t, http.MethodDelete, "/notifications/"+notifications[0].ID, "u2", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/notifications", "u2", nil)
	var cleared map[string]int
	decode(t, resp, &cleared)
	assert.Equal(t, 1, cleared["cleared"])
}

func TestSendImageUpload(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("receiver", "u2"))
	part, err := form.CreateFormFile("image", "cat.png")
	require.NoError(t, err)
	part.Write([]byte("\x89PNG\r\n\x1a\nfake image bytes"))
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/send-image", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg models.Message
	decode(t, resp, &msg)
	assert.Equal(t, models.KindImage, msg.Kind)
	require.NotNil(t, msg.Attachment)
	assert.True(t, strings.HasPrefix(msg.Attachment.URL, "/media/"))

	contacts, err := ts.db.ListContacts(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, models.ImagePlaceholder, contacts[0].LastMessage.Text)
}

func TestSendImageWithoutFile(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("receiver", "u2"))
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/send-image", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	conversations, _ := ts.db.ListConversations(context.Background(), "u1")
	assert.Empty(t, conversations)
}

func TestWebSocketReceivesLiveMessage(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + ts.token(t, "u2")
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.presence.IsOnline("u2") }, 2*time.Second, 20*time.Millisecond)

	resp := ts.do(t, http.MethodPost, "/messages", "u1", SendMessageRequest{Receiver: "u2", Message: "live"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent models.Message
	decode(t, resp, &sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, models.EventMessage, event.Type)
	assert.Equal(t, sent.ID, event.MessageID)
	assert.Equal(t, "live", event.Body)

	log, err := ts.db.GetMessages(context.Background(), "u1:u2")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, models.StatusDelivered, log[0].Status)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.srv.URL, "http")+"/ws?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRejectsUnknownUser(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.srv.URL, "http")+"/ws?token="+ts.token(t, "ghost"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, ts.presence.Count())
}
