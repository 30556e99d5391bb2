// Channel HTTP handlers.
//
// This file exposes read-only REST endpoints for channel metadata:
//   - GET /channels        (list, ETag support)
//   - GET /channels/{id}   (fetch one)
//
// Channels are never created here; they come into existence through session
// opens (resolve-or-create in the core), so the HTTP surface for them is a
// pure read model.
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/repo"
	"github.com/campview/chatsync/internal/services"
)

// ListChannelsResponse wraps the channel listing.
type ListChannelsResponse struct {
	Channels []domain.Channel `json:"channels"`
}

// ListChannels godoc
// @ID          listChannels
// @Summary     List channels
// @Description Returns every known channel ordered by name. Supports weak ETag via
// @Description If-None-Match and may return 304.
// @Tags        Channels
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object} handlers.ListChannelsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /channels [get]
func (h *Handlers) ListChannels(c *gin.Context) {
	ctx := c.Request.Context()

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.channels.(*services.ChannelService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.ChannelsStats(ctx, db)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"channels:%d:%d"`, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, err := h.channels.List(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListChannelsResponse{Channels: items})
}

// ChannelResponse decorates a channel with live aggregate metadata. Counts
// exclude soft-deleted messages.
type ChannelResponse struct {
	domain.Channel
	MessageCount int64      `json:"message_count"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// GetChannel godoc
// @ID          getChannel
// @Summary     Fetch a channel
// @Description Returns a single channel by its resolved identifier, together
// @Description with its live message count and last-activity timestamp.
// @Tags        Channels
// @Produce     json
//
// @Param       id  path  string  true  "Channel ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.ChannelResponse
// @Failure     404  {object} handlers.ErrorResponse "Channel not found"
// @Router      /channels/{id} [get]
func (h *Handlers) GetChannel(c *gin.Context) {
	ctx := c.Request.Context()

	ch, err := h.channels.Get(ctx, c.Param("id"))
	if err != nil {
		failDomain(c, err, ErrCodeInternal)
		return
	}

	resp := ChannelResponse{Channel: *ch}
	if svc, ok := h.channels.(*services.ChannelService); ok && svc.DB != nil {
		// Best effort: the channel itself is the resource, stats are garnish.
		if count, last, err := repo.MessagesStats(ctx, svc.DB, ch.ID); err == nil {
			resp.MessageCount = count
			resp.LastActivity = last
		}
	}
	ok(c, http.StatusOK, resp)
}
