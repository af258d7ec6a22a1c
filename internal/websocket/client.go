package websocket

import (
	"context"
	"encoding/json"
	"time"

	"gator-chat/internal/engine"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// SendBufferSize is the number of outbound frames queued per connection.
	SendBufferSize = 256
)

// Inbound frame types.
const (
	FrameSendMessage = "send-message"
	FrameSendImage   = "send-image"
	FrameMarkRead    = "mark-read"
)

// Reply frame types.
const (
	FrameMessageSent  = "message-sent"
	FrameImageSent    = "image-sent"
	FrameMessagesRead = "messages-read"
	FrameError        = "message-error"
)

// InboundFrame is what a client writes on the socket.
type InboundFrame struct {
	Type           string             `json:"type"`
	Receiver       string             `json:"receiver,omitempty"`
	Message        string             `json:"message,omitempty"`
	MessageID      string             `json:"messageId,omitempty"`
	Attachment     *models.Attachment `json:"attachment,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
}

// ReplyFrame answers an inbound frame on the same socket.
type ReplyFrame struct {
	Type           string          `json:"type"`
	Message        *models.Message `json:"message,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageIDs     []string        `json:"messageIds,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub *Hub

	// ID identifies this connection in the presence registry.
	ID string

	// The user ID this client represents.
	UserID string

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte
}

func NewClient(hub *Hub, id, userID string, conn *websocket.Conn) *Client {
	return &Client{
		Hub:    hub,
		ID:     id,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, SendBufferSize),
	}
}

// ReadPump reads frames from the connection and executes them against the engine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.leave(c)
		c.Conn.Close()
		c.Hub.logger.Debug("websocket read pump stopped", "conn_id", c.ID, "user_id", c.UserID)
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("websocket read error", "conn_id", c.ID, "user_id", c.UserID, "error", err)
			}
			break
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.reply(ReplyFrame{Type: FrameError, Code: utils.ErrInvalidInput, Error: "Invalid frame format"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Hub.requestTimeout)
	defer cancel()

	switch frame.Type {
	case FrameSendMessage, FrameSendImage:
		req := engine.SendRequest{
			SenderID:   c.UserID,
			ReceiverID: frame.Receiver,
			Body:       frame.Message,
			MessageID:  frame.MessageID,
		}
		replyType := FrameMessageSent
		if frame.Type == FrameSendImage {
			if frame.Attachment == nil {
				c.replyError(frame, utils.NewInvalidInputError("Attachment is required"))
				return
			}
			req.Attachment = frame.Attachment
			replyType = FrameImageSent
		}
		msg, err := c.Hub.engine.SendMessage(ctx, req)
		if err != nil {
			c.replyError(frame, err)
			return
		}
		c.reply(ReplyFrame{Type: replyType, Message: msg, MessageID: msg.ID})

	case FrameMarkRead:
		flipped, err := c.Hub.engine.MarkRead(ctx, frame.ConversationID, c.UserID)
		if err != nil {
			c.replyError(frame, err)
			return
		}
		c.reply(ReplyFrame{Type: FrameMessagesRead, ConversationID: frame.ConversationID, MessageIDs: flipped})

	default:
		c.replyError(frame, utils.NewInvalidInputError("Unknown frame type: "+frame.Type))
	}
}

func (c *Client) replyError(frame InboundFrame, err error) {
	c.Hub.logger.Debug("websocket frame failed", "conn_id", c.ID, "type", frame.Type, "error", err)
	c.reply(ReplyFrame{
		Type:      FrameError,
		MessageID: frame.MessageID,
		Code:      utils.ErrorCode(err),
		Error:     err.Error(),
	})
}

// reply queues a frame for this connection through the hub, so it never races
// with the hub closing the send channel.
func (c *Client) reply(frame ReplyFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.Hub.logger.Error("failed to encode reply", "conn_id", c.ID, "error", err)
		return
	}
	if err := c.Hub.Push(c.ID, payload); err != nil {
		c.Hub.logger.Warn("dropping reply", "conn_id", c.ID, "error", err)
	}
}

// WritePump pumps messages from the hub to the websocket connection, one frame
// per payload.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Hub.logger.Debug("websocket write pump stopped", "conn_id", c.ID, "user_id", c.UserID)
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Warn("websocket write error", "conn_id", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Hub.logger.Warn("websocket ping error", "conn_id", c.ID, "error", err)
				return
			}
		}
	}
}
