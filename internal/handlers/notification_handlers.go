package handlers

import (
	"context"
	"net/http"
	"strconv"
)

// MarkNotificationsReadRequest lists notification ids to mark read.
type MarkNotificationsReadRequest struct {
	IDs []string `json:"ids"`
}

// HandleListNotifications returns unread notifications newest first, or all of
// them with ?all=true.
func (s *Server) HandleListNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		notifications, err := s.Engine.ListNotifications(ctx, callerID(r), !all)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, notifications)
	}
}

func (s *Server) HandleMarkNotificationsRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MarkNotificationsReadRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		updated, err := s.Engine.MarkNotificationsRead(ctx, callerID(r), req.IDs)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
	}
}

func (s *Server) HandleDeleteNotification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		if err := s.Engine.DeleteNotification(ctx, callerID(r), r.PathValue("id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) HandleClearNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		cleared, err := s.Engine.ClearNotifications(ctx, callerID(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	}
}
