package handlers

import (
	"net/http"

	"gator-chat/internal/websocket"

	"github.com/google/uuid"
)

// HandleWebSocket authenticates with the ?token= query parameter, checks the
// user exists, upgrades the connection and hands it to the hub.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err := s.Auth.ValidateToken(tokenString)
		if err != nil {
			s.Logger.Debug("websocket auth failed", "error", err)
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		// Checked here so the hub loop never waits on the user store.
		if err := s.Engine.CheckUser(r.Context(), claims.UserID); err != nil {
			s.writeError(w, r, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader already wrote the HTTP error.
			s.Logger.Warn("websocket upgrade failed", "user_id", claims.UserID, "error", err)
			return
		}

		client := websocket.NewClient(s.Hub, uuid.NewString(), claims.UserID, conn)
		s.Hub.Join(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
