package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"gator-chat/internal/attachments"
	"gator-chat/internal/engine"
	"gator-chat/internal/utils"
)

// maxUploadSize bounds multipart bodies on /send-image.
const maxUploadSize = 10 << 20

// SendMessageRequest represents a request to send a direct message
type SendMessageRequest struct {
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// MarkReadResponse lists the messages a read flipped.
type MarkReadResponse struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// HandleSendMessage sends a text message from the caller.
func (s *Server) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		msg, err := s.Engine.SendMessage(ctx, engine.SendRequest{
			SenderID:   callerID(r),
			ReceiverID: req.Receiver,
			Body:       req.Message,
			MessageID:  req.MessageID,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// HandleGetMessages returns the conversation log between two users. The caller
// must be one of them.
func (s *Server) HandleGetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")
		otherUserID := r.PathValue("otherUserId")
		if caller := callerID(r); caller != userID && caller != otherUserID {
			http.Error(w, "Cannot read another user's conversation", http.StatusForbidden)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		messages, err := s.Engine.GetMessages(ctx, userID, otherUserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

// HandleMarkRead marks everything addressed to the caller in chatId as read.
func (s *Server) HandleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := r.PathValue("chatId")

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		flipped, err := s.Engine.MarkRead(ctx, chatID, callerID(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MarkReadResponse{ConversationID: chatID, MessageIDs: flipped})
	}
}

// HandleSendImage accepts a multipart upload in field "image" and sends it as
// a media message. Optional fields: caption, messageId.
func (s *Server) HandleSendImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			s.writeError(w, r, utils.NewInvalidInputError("Invalid multipart form"))
			return
		}

		file, header, err := r.FormFile("image")
		if err != nil {
			s.writeError(w, r, utils.NewInvalidInputError("Image file is required"))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			s.writeError(w, r, utils.NewInvalidInputError("Failed to read upload"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()

		msg, err := s.Engine.SendImage(ctx, engine.ImageRequest{
			SenderID:   callerID(r),
			ReceiverID: r.FormValue("receiver"),
			Caption:    r.FormValue("caption"),
			MessageID:  r.FormValue("messageId"),
			Upload: attachments.Upload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        data,
			},
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}
