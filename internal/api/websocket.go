package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/session"
	"github.com/sirupsen/logrus"
)

// WebSocket message types for the session push protocol
const (
	// Client -> Server messages
	MsgTypePing  = "ping"
	MsgTypeReset = "reset"
	MsgTypeNote  = "note"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeSnapshot  = "snapshot"
	MsgTypeNotice    = "notice"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

const wsWriteTimeout = 10 * time.Second

// WSMessage is the envelope of every websocket frame
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NotePayload updates the notes of one result
type NotePayload struct {
	ResultID string `json:"resultId"`
	Notes    string `json:"notes"`
}

// WSErrorResponse is the payload of an error frame
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler pushes session snapshots and failure notices to a client
type WebSocketHandler struct {
	sessionMgr SessionManager
	upgrader   websocket.Upgrader
	maxMessage int64
}

// NewWebSocketHandler creates a new WebSocket push handler
func NewWebSocketHandler(sessionMgr SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionMgr: sessionMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxMessage: 64 * 1024,
	}
}

// HandleWebSocket upgrades the connection and streams the session until
// the client disconnects or the session closes
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	id := c.Param("id")
	sess, ok := wsh.sessionMgr.Get(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(wsh.maxMessage)

	log := logrus.WithFields(logrus.Fields{
		"session": sess.ID[:8],
		"remote":  c.RealIP(),
	})
	log.Debug("websocket client connected")

	changes, stop := sess.Watch()
	defer stop()

	incoming := make(chan WSMessage)
	done := make(chan struct{})
	defer close(done)
	go wsh.readLoop(ws, incoming, done, log)

	wsh.send(ws, MsgTypeConnected, sess.ID, nil)
	wsh.pushState(ws, sess)

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				wsh.sendError(ws, "session closed", "SESSION_CLOSED")
				return nil
			}
			wsh.pushState(ws, sess)

		case msg, ok := <-incoming:
			if !ok {
				log.Debug("websocket client disconnected")
				return nil
			}
			wsh.handleMessage(ws, sess, msg)
		}
	}
}

// readLoop decodes client frames until the connection fails
func (wsh *WebSocketHandler) readLoop(ws *websocket.Conn, incoming chan<- WSMessage, done <-chan struct{}, log *logrus.Entry) {
	defer close(incoming)
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("err", err.Error()).Warn("websocket connection error")
			}
			return
		}
		select {
		case incoming <- msg:
		case <-done:
			return
		}
	}
}

func (wsh *WebSocketHandler) handleMessage(ws *websocket.Conn, sess *session.Session, msg WSMessage) {
	switch msg.Type {
	case MsgTypePing:
		wsh.send(ws, MsgTypePong, msg.ID, nil)

	case MsgTypeReset:
		if err := sess.Reset(); err != nil {
			wsh.sendDomainError(ws, err)
		}

	case MsgTypeNote:
		var payload NotePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			wsh.sendError(ws, "Invalid note payload: "+err.Error(), "INVALID_PAYLOAD")
			return
		}
		if err := sess.UpdateNote(payload.ResultID, payload.Notes); err != nil {
			wsh.sendDomainError(ws, err)
		}

	default:
		wsh.sendError(ws, "Unknown message type: "+msg.Type, "INVALID_TYPE")
	}
}

// pushState sends the current snapshot followed by any pending notices
func (wsh *WebSocketHandler) pushState(ws *websocket.Conn, sess *session.Session) {
	wsh.send(ws, MsgTypeSnapshot, sess.ID, sess.Snapshot())
	for _, n := range sess.DrainNotices() {
		wsh.send(ws, MsgTypeNotice, n.FileID, n)
	}
}

func (wsh *WebSocketHandler) send(ws *websocket.Conn, msgType, id string, payload interface{}) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logrus.WithField("err", err.Error()).Error("failed to encode websocket payload")
			return
		}
		msg.Payload = data
	}

	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		logrus.WithField("err", err.Error()).Debug("failed to send websocket message")
	}
}

func (wsh *WebSocketHandler) sendError(ws *websocket.Conn, message, code string) {
	wsh.send(ws, MsgTypeError, "", WSErrorResponse{Message: message, Code: code})
}

func (wsh *WebSocketHandler) sendDomainError(ws *websocket.Conn, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = fromDomainError(err, "session", "")
	}
	wsh.sendError(ws, err.Error(), apiErr.Code)
}
