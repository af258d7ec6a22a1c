package handlers

import (
	"context"
	"net/http"
)

// OpenConversationRequest names the other participant.
type OpenConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

// RefreshContactRequest names the contact whose display info should be re-read.
type RefreshContactRequest struct {
	ContactID string `json:"contactId"`
}

// HandleOpenConversation finds or creates the caller's conversation with another user.
func (s *Server) HandleOpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenConversationRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		conv, err := s.Engine.OpenConversation(ctx, callerID(r), req.OtherUserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// HandleListConversations lists the caller's conversations, most recent first.
func (s *Server) HandleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")
		if userID != callerID(r) {
			http.Error(w, "Cannot list another user's conversations", http.StatusForbidden)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		conversations, err := s.Engine.ListConversations(ctx, userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conversations)
	}
}

func (s *Server) HandleListContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		contacts, err := s.Engine.ListContacts(ctx, callerID(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, contacts)
	}
}

// HandleRefreshContact adds contactId to the caller's list or refreshes its
// name and avatar.
func (s *Server) HandleRefreshContact() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RefreshContactRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		if err := s.Engine.RefreshContact(ctx, callerID(r), req.ContactID); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) HandleListInbox() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		inbox, err := s.Engine.ListInbox(ctx, callerID(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, inbox)
	}
}

func (s *Server) HandleUnreadCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		count, err := s.Engine.UnreadCount(ctx, callerID(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
	}
}
