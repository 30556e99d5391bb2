// Streaming HTTP handler.
//
// This file exposes the live session view over a WebSocket:
//   - GET /sessions/{id}/stream
//
// The stream pushes a full snapshot frame whenever the session's visible
// state changes (new message, deletion, edit, connection status flip). Full
// snapshots rather than deltas keep the client trivially correct under
// reconnects and reordering: the newest frame is always the whole truth.
//
// One stream per session: attaching a new stream displaces the change
// callback of any previous one, which then drains and closes on its next
// write failure or ping timeout.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/http/middleware"
)

const (
	// streamWriteWait bounds a single frame write.
	streamWriteWait = 10 * time.Second
	// streamPongWait is how long the read side tolerates silence; pings go
	// out at a fraction of it.
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// upgrader performs the HTTP → WebSocket handshake. Origin checking is left
// to the CORS layer; the socket carries no credentials beyond what the
// request already had.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamFrame is one WebSocket frame: the complete current view of the
// session at the moment of a change.
type StreamFrame struct {
	Type string `json:"type" example:"snapshot"`
	// Status is the connection status of the underlying subscription.
	Status string `json:"status" example:"connected"`
	// Error carries the terminal subscription error, if any.
	Error    string           `json:"error,omitempty"`
	Messages []domain.Message `json:"messages"`
	// Pending is the number of unacknowledged local sends.
	Pending int `json:"pending"`
}

// StreamSession godoc
// @ID          streamSession
// @Summary     Stream session changes
// @Description Upgrades to a WebSocket and pushes a snapshot frame on every
// @Description visible change of the session.
// @Tags        Sessions
//
// @Param       X-User-ID  header  string  true  "User ID"            example(user123)
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
//
// @Success     101  {string}  string  "Switching Protocols"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/stream [get]
func (h *Handlers) StreamSession(c *gin.Context) {
	entry, err := h.sessions.Get(c.Param("id"), userID(c))
	if err != nil {
		failDomain(c, err, ErrCodeInternal)
		return
	}
	sess := entry.Session

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	lg := middleware.LoggerFrom(c)

	// Coalescing change signal: a burst of changes collapses into one
	// pending notification, and every frame is built from the live state.
	notify := make(chan struct{}, 1)
	token := sess.SetOnChange(func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	// Token-scoped clear: a handler displaced by a newer stream must not tear
	// down the successor's registration when its own client finally drops.
	defer sess.ClearOnChange(token)

	// Read pump: the client sends nothing meaningful, but reading is what
	// surfaces close frames and pong deadlines.
	readDone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeFrame := func() error {
		status, lastErr := sess.Status()
		frame := StreamFrame{
			Type:     "snapshot",
			Status:   status.String(),
			Messages: sess.Snapshot(),
			Pending:  sess.PendingCount(),
		}
		if frame.Messages == nil {
			frame.Messages = []domain.Message{}
		}
		if lastErr != nil {
			frame.Error = lastErr.Error()
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(frame)
	}

	pings := time.NewTicker(streamPingPeriod)
	defer pings.Stop()
	defer conn.Close()

	// Initial frame so the client has state before the first change.
	if err := writeFrame(); err != nil {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-notify:
			if err := writeFrame(); err != nil {
				lg.Debug().Err(err).Msg("stream write failed, closing")
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}
