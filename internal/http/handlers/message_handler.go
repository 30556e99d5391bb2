// Message HTTP handlers.
//
// This file exposes REST endpoints for messages inside a live session:
//   - GET    /sessions/{id}/messages               (current synchronized view)
//   - POST   /sessions/{id}/messages               (send, waits for the store ack)
//   - DELETE /sessions/{id}/messages/{messageID}   (soft-delete an own message)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to the live session held by the registry
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// send exists for (user, channel, key), the handler returns that recorded
// message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/utils"
)

// receiptTTL bounds how long a send receipt can be replayed.
const receiptTTL = 24 * time.Hour

// messagesETag derives the weak validator for a session's message view from
// the channel, entry count, and newest modification instant. Nanosecond
// precision: an edit landing in the same second as the previous one, with the
// count unchanged, must still move the tag.
func messagesETag(channelID string, msgs []domain.Message) string {
	var maxTS int64
	for _, m := range msgs {
		if ts := m.UpdatedAt.UnixNano(); ts > maxTS {
			maxTS = ts
		}
	}
	return fmt.Sprintf(`W/"messages:%s:%d:%d"`, channelID, len(msgs), maxTS)
}

// ReceiptStore persists and resolves send receipts for idempotent retries.
// Implementations typically consult a database record containing the previous
// message ID and TTL window.
type ReceiptStore interface {
	// Lookup returns a non-expired receipt for (userID, channelID, key), or
	// nil when no replay is available.
	Lookup(ctx context.Context, userID, channelID, key string, now time.Time) (*domain.SendReceipt, error)
	// Record stores a receipt after a successful send. Best effort; losing a
	// receipt only costs a duplicate on retry, never correctness of the feed.
	Record(ctx context.Context, userID, channelID, key, messageID string, status int, ttl time.Duration) error
	// Message loads the previously persisted message a receipt points at.
	Message(ctx context.Context, messageID string) (*domain.Message, error)
}

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the session. The core also enforces a
// maximum length.
type SendMessageRequest struct {
	// Content is the message body. It must be non-empty after trimming.
	Content string `json:"content" binding:"required,min=1" example:"anyone up for lunch?"`
}

// SendMessageResponse is the JSON envelope for an acknowledged message.
type SendMessageResponse struct {
	// Message is the store-confirmed row, with its server-assigned ID.
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse contains the ordered message view of a session.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
	// Pending is the number of locally originated sends not yet acknowledged.
	Pending int `json:"pending"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// maxContentRunes is the edge-layer cap on message length. The core applies
// the configured byte limit as the authoritative check; this exists to fail
// absurd payloads fast.
const maxContentRunes = 4000

//
// Handlers
//

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a session
// @Description Returns the session's current ordered, deduplicated message view.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID      header  string  true  "User ID"             example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       id             path    string  true  "Session ID (UUID)"   format(uuid)
// @Param       limit          query   int     false "Return only the newest N messages"  minimum(1)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag  "Weak ETag for current view"
// @Success     304  {string} string "Not Modified"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	entry, err := h.sessions.Get(c.Param("id"), userID(c))
	if err != nil {
		failDomain(c, err, ErrCodeListFailed)
		return
	}

	msgs := entry.Session.Snapshot()

	etag := messagesETag(entry.Session.ChannelID(), msgs)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	if keep := utils.TailLimit(c.Query("limit"), len(msgs)); keep < len(msgs) {
		msgs = msgs[len(msgs)-keep:]
	}

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: msgs,
		Pending:  entry.Session.PendingCount(),
	})
}

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Submits a message through the session and waits for the store to
// @Description acknowledge it. Supports idempotency via the Idempotency-Key header
// @Description (same key → same persisted message).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "User ID"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       id               path    string  true  "Session ID (UUID)"  format(uuid)
// @Param       body             body    handlers.SendMessageRequest  true  "Message payload"
//
// @Success     201  {object}  handlers.SendMessageResponse  "Acknowledged message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse        "Session not found"
// @Failure     503  {object}  handlers.ErrorResponse        "Store unavailable"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	entry, err := h.sessions.Get(c.Param("id"), currentUser)
	if err != nil {
		failDomain(c, err, ErrCodeSendFailed)
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxContentRunes))
		return
	}

	channelID := entry.Session.ChannelID()

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := requestIdempotencyKey(c)
	if idemKey != "" && h.receipts != nil {
		if rec, err := h.receipts.Lookup(ctx, currentUser, channelID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := h.receipts.Message(ctx, rec.MessageID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, SendMessageResponse{Message: prev})
				return
			}
		}
	}

	pending, err := entry.Session.Send(ctx, content)
	if err != nil {
		failDomain(c, err, ErrCodeSendFailed)
		return
	}
	if err := pending.Wait(ctx); err != nil {
		failDomain(c, err, ErrCodeSendFailed)
		return
	}
	m := pending.Confirmed()

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.receipts != nil {
		ttl := h.ReceiptTTL
		if ttl <= 0 {
			ttl = receiptTTL
		}
		_ = h.receipts.Record(ctx, currentUser, channelID, idemKey, m.ID, http.StatusCreated, ttl)
	}

	ok(c, http.StatusCreated, SendMessageResponse{Message: m})
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message
// @Description Soft-deletes one of the current user's own messages. The local view
// @Description keeps the message until the confirming feed event arrives.
// @Tags        Messages
//
// @Param       X-User-ID  header  string  true  "User ID"             example(user123)
// @Param       id         path    string  true  "Session ID (UUID)"   format(uuid)
// @Param       messageID  path    string  true  "Message ID (UUID)"   format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the sender"
// @Failure     404  {object}  handlers.ErrorResponse  "Session or message not found"
// @Router      /sessions/{id}/messages/{messageID} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	entry, err := h.sessions.Get(c.Param("id"), userID(c))
	if err != nil {
		failDomain(c, err, ErrCodeInternal)
		return
	}
	if err := entry.Session.Delete(c.Request.Context(), c.Param("messageID")); err != nil {
		failDomain(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// requestIdempotencyKey extracts an idempotency key if an upstream middleware
// has already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func requestIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
