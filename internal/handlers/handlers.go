package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gator-chat/internal/engine"
	"gator-chat/internal/middleware"
	"gator-chat/internal/utils"
	"gator-chat/internal/websocket"

	ws "github.com/gorilla/websocket"
)

// Server holds all server dependencies: the engine, the websocket hub and the
// request-layer middleware.
type Server struct {
	Engine         *engine.Engine
	Hub            *websocket.Hub
	Auth           *middleware.JWTAuth
	CORS           *middleware.CORSConfig
	Metrics        *utils.MetricsCollector
	Logger         *slog.Logger
	RequestTimeout time.Duration

	upgrader ws.Upgrader
}

// NewServer creates a new Server instance with the given components
func NewServer(
	chatEngine *engine.Engine,
	hub *websocket.Hub,
	auth *middleware.JWTAuth,
	cors *middleware.CORSConfig,
	metrics *utils.MetricsCollector,
	logger *slog.Logger,
) *Server {
	if cors == nil {
		cors = middleware.DefaultCORSConfig(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:         chatEngine,
		Hub:            hub,
		Auth:           auth,
		CORS:           cors,
		Metrics:        metrics,
		Logger:         logger,
		RequestTimeout: 5 * time.Second, // Default timeout for engine calls
	}
	s.upgrader = ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.CORS.OriginAllowed(origin)
		},
	}
	return s
}

// Routes registers every chat route on mux and returns the CORS-wrapped handler.
func (s *Server) Routes(mux *http.ServeMux) http.Handler {
	protect := s.Auth.ApplyJWTMiddleware

	mux.HandleFunc("GET /health", s.HandleHealth())

	// Messages
	mux.HandleFunc("POST /messages", protect(s.HandleSendMessage(), "/messages"))
	mux.HandleFunc("GET /messages/user/{userId}/{otherUserId}", protect(s.HandleGetMessages(), "/messages/user"))
	mux.HandleFunc("PUT /messages/read/{chatId}", protect(s.HandleMarkRead(), "/messages/read"))
	mux.HandleFunc("POST /send-image", protect(s.HandleSendImage(), "/send-image"))

	// Conversations and contacts
	mux.HandleFunc("POST /chats/find-or-create", protect(s.HandleOpenConversation(), "/chats/find-or-create"))
	mux.HandleFunc("GET /chats/user/{userId}", protect(s.HandleListConversations(), "/chats/user"))
	mux.HandleFunc("GET /chat-contacts", protect(s.HandleListContacts(), "/chat-contacts"))
	mux.HandleFunc("POST /chat-contacts/add", protect(s.HandleRefreshContact(), "/chat-contacts/add"))
	mux.HandleFunc("GET /inbox", protect(s.HandleListInbox(), "/inbox"))
	mux.HandleFunc("GET /inbox/unread-count", protect(s.HandleUnreadCount(), "/inbox/unread-count"))

	// Notifications
	mux.HandleFunc("GET /notifications", protect(s.HandleListNotifications(), "/notifications"))
	mux.HandleFunc("PUT /notifications/read", protect(s.HandleMarkNotificationsRead(), "/notifications/read"))
	mux.HandleFunc("DELETE /notifications", protect(s.HandleClearNotifications(), "/notifications"))
	mux.HandleFunc("DELETE /notifications/{id}", protect(s.HandleDeleteNotification(), "/notifications/id"))

	// Real-time channel authenticates with ?token=
	mux.HandleFunc("GET /ws", s.HandleWebSocket())

	return middleware.CORSMiddleware(s.CORS)(mux)
}

// HandleHealth reports liveness and the number of open sockets.
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status":      "ok",
			"server_time": time.Now().UTC(),
		}
		if s.Hub != nil {
			body["connections"] = s.Hub.Count()
		}
		if s.Metrics != nil {
			body["uptime"] = s.Metrics.Uptime().Round(time.Second).String()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// callerID returns the authenticated user. The JWT middleware guarantees it
// on protected routes.
func callerID(r *http.Request) string {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	return userID
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an engine error to its HTTP status. The wrapped cause is
// logged, never returned to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := utils.ErrorCode(err)
	status := utils.AppErrorToHTTPStatus(code)
	message := http.StatusText(status)

	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return utils.NewInvalidInputError("Invalid request body")
	}
	return nil
}
