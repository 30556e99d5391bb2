// Session HTTP handlers.
//
// This file exposes REST endpoints for the session lifecycle:
//   - POST   /sessions        (open or reuse a live session for a channel)
//   - GET    /sessions/{id}   (inspect connection status)
//   - DELETE /sessions/{id}   (close and unregister)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. A session is addressed by an
// opaque ID issued at open time; every request must carry the owning user's
// identity, which the registry checks before handing the session out.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campview/chatsync/internal/chat"
	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/services"
	"github.com/campview/chatsync/internal/sysutil"
)

//
// Service contracts (context-aware)
//

// SessionRegistry defines session lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SessionRegistry interface {
	// Open returns a live session for actor in channelName, creating one if
	// the user has none yet.
	Open(ctx context.Context, channelName, actor string) (*services.SessionEntry, error)
	// Get returns the entry for sessionID if it exists and belongs to actor.
	Get(sessionID, actor string) (*services.SessionEntry, error)
	// Close tears down the session and removes it from the registry.
	Close(ctx context.Context, sessionID, actor string) error
}

// ChannelDirectory defines channel metadata queries consumed by HTTP handlers.
type ChannelDirectory interface {
	// List returns all channels ordered by name.
	List(ctx context.Context) ([]domain.Channel, error)
	// Get returns a single channel by its ID.
	Get(ctx context.Context, id string) (*domain.Channel, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for sessions, messages, and channels.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	sessions SessionRegistry
	channels ChannelDirectory

	// receipts serves idempotent send replays; nil disables replay support.
	receipts ReceiptStore

	// ReceiptTTL overrides how long send receipts stay replayable; zero
	// selects the package default.
	ReceiptTTL time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
// receipts may be nil when idempotent send replay is not wanted.
func New(sessions SessionRegistry, channels ChannelDirectory, receipts ReceiptStore) *Handlers {
	return &Handlers{sessions: sessions, channels: channels, receipts: receipts}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	var hdr string
	if c != nil && c.Request != nil {
		hdr = c.GetHeader("X-User-ID")
	}
	return sysutil.FirstNonEmpty(hdr, "demo-user")
}

//
// DTOs
//

// SessionResponse is the JSON representation of a live session.
type SessionResponse struct {
	// ID is the opaque session handle used in subsequent requests.
	ID string `json:"id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// ChannelID is the resolved channel identifier.
	ChannelID string `json:"channel_id"`
	// ChannelName echoes the name the session was opened with.
	ChannelName string `json:"channel_name" example:"general"`
	// Status is the connection status: connecting, connected, reconnecting,
	// or disconnected.
	Status string `json:"status" example:"connected"`
	// LastError carries the terminal subscription error, if any.
	LastError string `json:"last_error,omitempty"`
	// Messages is the number of messages currently visible in the session.
	Messages int `json:"messages"`
	// OpenedAt records when the session was registered.
	OpenedAt time.Time `json:"opened_at"`
}

// sessionResponse renders a registry entry as its API shape.
func sessionResponse(entry *services.SessionEntry) SessionResponse {
	status, lastErr := entry.Session.Status()
	resp := SessionResponse{
		ID:          entry.ID,
		ChannelID:   entry.Session.ChannelID(),
		ChannelName: entry.Session.ChannelName(),
		Status:      status.String(),
		Messages:    len(entry.Session.Snapshot()),
		OpenedAt:    entry.OpenedAt,
	}
	if lastErr != nil {
		resp.LastError = lastErr.Error()
	}
	return resp
}

//
// Error translation
//

// failDomain translates core and service errors into HTTP envelopes. fallback
// names the code used for unclassified errors.
func failDomain(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, chat.ErrInvalidName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid channel name")
	case errors.Is(err, chat.ErrUnauthenticated):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "user identity required")
	case errors.Is(err, chat.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, chat.ErrContentTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
	case errors.Is(err, chat.ErrNotSender):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "only the sender may delete a message")
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, services.ErrSessionNotFound), errors.Is(err, services.ErrChannelNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "not found")
	case errors.Is(err, chat.ErrSessionClosed):
		fail(c, http.StatusConflict, ErrCodeConflict, "session is closed")
	case errors.Is(err, services.ErrSessionLimit):
		fail(c, http.StatusTooManyRequests, ErrCodeSessionLimit, "too many open sessions")
	case errors.Is(err, chat.ErrStoreUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "store unavailable, retry later")
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeStoreUnavailable, "operation timed out")
	default:
		fail(c, http.StatusInternalServerError, fallback, err.Error())
	}
}

//
// Handlers
//

// OpenSessionRequest is the JSON payload for opening a session.
type OpenSessionRequest struct {
	// Channel is the human-readable channel name. Lookup is case- and
	// whitespace-insensitive; the channel is created on first use.
	Channel string `json:"channel" binding:"required,min=1" example:"general"`
}

// OpenSession godoc
// @ID          openSession
// @Summary     Open a session on a channel
// @Description Opens (or reuses) a live session for the current user on the named
// @Description channel. The channel is created on first use; concurrent opens of
// @Description the same name converge on one channel.
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
// @Param       body       body    handlers.OpenSessionRequest  true  "Channel to join"
//
// @Success     201  {object}  handlers.SessionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid channel name"
// @Failure     429  {object}  handlers.ErrorResponse  "Session limit reached"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /sessions [post]
func (h *Handlers) OpenSession(c *gin.Context) {
	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel required")
		return
	}

	entry, err := h.sessions.Open(c.Request.Context(), req.Channel, userID(c))
	if err != nil {
		failDomain(c, err, ErrCodeOpenFailed)
		return
	}
	ok(c, http.StatusCreated, sessionResponse(entry))
}

// GetSession godoc
// @ID          getSession
// @Summary     Inspect a session
// @Description Returns the connection status and message count of a session owned
// @Description by the current user.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"            example(user123)
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.SessionResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	entry, err := h.sessions.Get(c.Param("id"), userID(c))
	if err != nil {
		failDomain(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, sessionResponse(entry))
}

// CloseSession godoc
// @ID          closeSession
// @Summary     Close a session
// @Description Unsubscribes from the channel feed and removes the session from the
// @Description registry. Closing an unknown session returns 404.
// @Tags        Sessions
//
// @Param       X-User-ID  header  string  true  "User ID"            example(user123)
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [delete]
func (h *Handlers) CloseSession(c *gin.Context) {
	if err := h.sessions.Close(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		failDomain(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
